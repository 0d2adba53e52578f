package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"videorelay/internal/core/domain"
	"videorelay/pkg/circuitbreaker"
	"videorelay/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errSourceDown = errors.New("source down")

// fakeSource hands out in-memory pipes; the test writes upstream bytes into
// the writer side of the latest connection.
type fakeSource struct {
	mu    sync.Mutex
	fail  error
	hang  bool
	opens int
	conns []*io.PipeWriter
}

func (f *fakeSource) Open(ctx context.Context) (io.ReadCloser, error) {
	f.mu.Lock()
	f.opens++
	fail, hang := f.fail, f.hang
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail != nil {
		return nil, fail
	}
	r, w := io.Pipe()
	f.mu.Lock()
	f.conns = append(f.conns, w)
	f.mu.Unlock()
	return r, nil
}

func (f *fakeSource) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeSource) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeSource) latest() *io.PipeWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// send writes chunk into the live upstream connection.
func (f *fakeSource) send(t *testing.T, chunk string) {
	t.Helper()
	w := f.latest()
	require.NotNil(t, w, "no upstream connection")
	_, err := w.Write([]byte(chunk))
	require.NoError(t, err)
}

// end closes the live upstream connection with a clean EOF.
func (f *fakeSource) end() {
	if w := f.latest(); w != nil {
		w.Close()
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingSink struct{}

func (failingSink) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

// blockingSink stalls every write until release is closed.
type blockingSink struct {
	release chan struct{}
}

func (b blockingSink) Write(p []byte) (int, error) {
	<-b.release
	return len(p), nil
}

type recordingMetrics struct {
	NopMetrics
	mu        sync.Mutex
	evictions map[string]int
	connects  map[bool]int
	breaker   []string
	attached  int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{evictions: map[string]int{}, connects: map[bool]int{}}
}

func (m *recordingMetrics) ListenerEvicted(_ string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions[reason]++
}

func (m *recordingMetrics) ListenerAttached(string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached++
}

func (m *recordingMetrics) Attached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached
}

func (m *recordingMetrics) UpstreamConnect(_ string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects[ok]++
}

func (m *recordingMetrics) BreakerChanged(_ string, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaker = append(m.breaker, state)
}

func (m *recordingMetrics) BreakerStates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.breaker...)
}

func (m *recordingMetrics) Evictions(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions[reason]
}

type recordingPublisher struct {
	events chan domain.StreamEvent
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(chan domain.StreamEvent, 64)}
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.StreamEvent) error {
	select {
	case p.events <- e:
	default:
	}
	return nil
}

// await returns the first published event of typ.
func (p *recordingPublisher) await(t *testing.T, typ domain.EventType) domain.StreamEvent {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case e := <-p.events:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event published", typ)
			return domain.StreamEvent{}
		}
	}
}

func testOptions() StreamOptions {
	return StreamOptions{
		ConnectTimeout: 200 * time.Millisecond,
		ReadBufferSize: 1024,
		Reconnect: retry.Config{
			Enabled:      true,
			MaxAttempts:  50,
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     40 * time.Millisecond,
			Multiplier:   2,
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold: 1000,
			SuccessThreshold: 1,
			Timeout:          50 * time.Millisecond,
		},
	}
}

func newTestStream(t *testing.T, index int, cfg domain.StreamConfig, src *fakeSource) *Stream {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "team"
	}
	s := NewStream(index, cfg, src, testOptions(), nil, nil, nil)
	t.Cleanup(s.Close)
	return s
}

func attach(t *testing.T, s *Stream, sink io.Writer) *Subscription {
	t.Helper()
	sub, err := s.AddListener(context.Background(), NewListener(sink, false, 0))
	require.NoError(t, err)
	return sub
}

func eventuallyStatus(t *testing.T, s *Stream, want domain.Status) {
	t.Helper()
	assert.Eventually(t, func() bool { return s.Status() == want }, waitFor, tick,
		"stream %d status %s, want %s", s.Index(), s.Status(), want)
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
