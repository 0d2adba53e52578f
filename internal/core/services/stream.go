package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"videorelay/internal/core/domain"
	"videorelay/internal/core/ports"
	"videorelay/pkg/circuitbreaker"
	"videorelay/pkg/retry"

	"go.uber.org/zap"
)

// StreamOptions tunes upstream handling. Non-positive timeouts and sizes
// select defaults; a zero LazyLinger closes LAZY upstreams immediately.
type StreamOptions struct {
	ConnectTimeout time.Duration
	ReadBufferSize int
	// LazyLinger keeps a LAZY upstream open this long after the last
	// listener leaves. LAZY_CLOSE never lingers.
	LazyLinger time.Duration
	Reconnect  retry.Config
	Breaker    circuitbreaker.Config
}

func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		ConnectTimeout: 10 * time.Second,
		ReadBufferSize: 32 * 1024,
		LazyLinger:     5 * time.Second,
		Reconnect: retry.Config{
			Enabled:      true,
			MaxAttempts:  10,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold:    5,
			SuccessThreshold:    1,
			Timeout:             15 * time.Second,
			MaxRequestsHalfOpen: 1,
		},
	}
}

func (o StreamOptions) withDefaults() StreamOptions {
	d := DefaultStreamOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = d.ReadBufferSize
	}
	if o.LazyLinger < 0 {
		o.LazyLinger = 0
	}
	// A disabled reconnect stays disabled whatever its other fields say.
	if o.Reconnect.Enabled && o.Reconnect.MaxAttempts <= 0 && o.Reconnect.InitialDelay <= 0 {
		o.Reconnect = d.Reconnect
	}
	if o.Breaker.FailureThreshold <= 0 {
		o.Breaker = d.Breaker
	}
	return o
}

// upstream is one live connection to a source. Its reader goroutine closes
// done when it stops.
type upstream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool
}

type reconnectJob struct {
	cancel context.CancelFunc
}

// Stream relays one upstream source to its listeners. Lifecycle transitions
// (mode changes, attach, detach, reset, reconnects) are serialized on opMu
// and resolve the upstream to open or closed before returning. Accessors
// only take mu and never wait on a dial.
type Stream struct {
	index   int
	label   string
	cfg     domain.StreamConfig
	source  ports.Source
	opts    StreamOptions
	log     *zap.Logger
	metrics ports.RelayMetrics
	events  ports.EventPublisher
	breaker *circuitbreaker.CircuitBreaker

	fanout *Fanout
	stats  statsTracker

	opMu      sync.Mutex
	conn      *upstream
	reconnect *reconnectJob
	linger    *time.Timer

	mu       sync.RWMutex
	mode     domain.ConnectionMode
	status   domain.Status
	watchers []func(index int, status domain.Status)
}

func NewStream(
	index int,
	cfg domain.StreamConfig,
	source ports.Source,
	opts StreamOptions,
	metrics ports.RelayMetrics,
	events ports.EventPublisher,
	log *zap.Logger,
) *Stream {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if events == nil {
		events = NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()

	s := &Stream{
		index:   index,
		label:   strconv.Itoa(index),
		cfg:     cfg,
		source:  source,
		opts:    opts,
		metrics: metrics,
		events:  events,
		breaker: circuitbreaker.New(opts.Breaker),
		// Initial mode is applied by SetMode; until then nothing is opened.
		mode:   domain.ModeLazy,
		status: domain.StatusDisconnected,
	}
	s.log = log.With(zap.Int("stream", index), zap.String("name", cfg.Name))
	s.fanout = NewFanout(s.evict)
	s.breaker.OnStateChange(s.breakerChanged)
	return s
}

func (s *Stream) Index() int                  { return s.index }
func (s *Stream) Name() string                { return s.cfg.Name }
func (s *Stream) TeamID() string              { return s.cfg.TeamID }
func (s *Stream) Type() domain.StreamType     { return s.cfg.Type }
func (s *Stream) URL() string                 { return s.cfg.URL }
func (s *Stream) MimeType() string            { return s.cfg.MimeType }
func (s *Stream) FileExtension() string       { return s.cfg.FileExtension }
func (s *Stream) Stats() domain.Stats         { return s.stats.snapshot() }
func (s *Stream) ListenerCount() int          { return s.fanout.Len() }
func (s *Stream) Config() domain.StreamConfig { return s.cfg }

func (s *Stream) Mode() domain.ConnectionMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *Stream) Status() domain.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Info returns a read-only snapshot for status reporting.
func (s *Stream) Info() domain.StreamInfo {
	s.mu.RLock()
	mode, status := s.mode, s.status
	s.mu.RUnlock()
	return domain.StreamInfo{
		Index:  s.index,
		Name:   s.cfg.Name,
		Type:   s.cfg.Type,
		TeamID: s.cfg.TeamID,
		Mode:   mode,
		Status: status,
		Stats:  s.stats.snapshot(),
	}
}

// Watch registers fn to be told about every status change. fn runs on the
// goroutine that changed the status and must not block.
func (s *Stream) Watch(fn func(index int, status domain.Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// SetMode switches the connection mode and opens or closes the upstream
// to match it before returning. Switching to DIRECT detaches every
// listener, since those viewers must be redirected instead.
func (s *Stream) SetMode(ctx context.Context, mode domain.ConnectionMode) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	old := s.mode
	s.mode = mode
	s.mu.Unlock()

	if mode == domain.ModeDirect {
		for _, l := range s.fanout.DetachAll() {
			s.recordDetach(l)
		}
	}
	s.reconcileLocked(false)

	if old != mode {
		s.log.Info("connection mode changed",
			zap.Stringer("from", old),
			zap.Stringer("to", mode),
			zap.Stringer("status", s.Status()),
		)
		s.emit(ctx, domain.EventStreamModeChanged)
	}
}

// AddListener attaches l for broadcast. In a lazy mode the first listener
// opens the upstream; a failed connect leaves the stream in ERROR but the
// attach still succeeds. DIRECT streams refuse listeners.
func (s *Stream) AddListener(ctx context.Context, l *Listener) (*Subscription, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.Mode() == domain.ModeDirect {
		return nil, fmt.Errorf("stream %d: %w", s.index, domain.ErrDirectMode)
	}
	if err := s.fanout.Add(l); err != nil {
		return nil, fmt.Errorf("stream %d: %w", s.index, err)
	}
	if !l.relay {
		s.stats.attach()
		s.metrics.ListenerAttached(s.label, l.Privileged())
	}
	s.log.Debug("listener attached",
		zap.Stringer("listener", l.ID()),
		zap.Bool("privileged", l.Privileged()),
		zap.Int("listeners", s.fanout.Len()),
	)

	s.reconcileLocked(false)
	return newSubscription(l, func() { s.RemoveListener(l) }), nil
}

// RemoveListener detaches l. Repeated calls are no-ops. The last listener
// leaving a lazy stream closes the upstream.
func (s *Stream) RemoveListener(l *Listener) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.fanout.Remove(l) {
		return
	}
	s.recordDetach(l)
	s.reconcileLocked(true)
}

// Reset drops the upstream connection and reopens it when the current
// mode wants one. Mode and listeners are untouched.
func (s *Stream) Reset(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.log.Info("resetting stream", zap.Stringer("mode", s.Mode()))
	s.breaker.Reset()
	s.disconnectLocked()
	s.reconcileLocked(false)
	s.emit(ctx, domain.EventStreamReset)
}

// Broadcast delivers chunk to the listeners attached right now. It is
// called by the upstream reader for every chunk.
func (s *Stream) Broadcast(chunk []byte) {
	s.fanout.Broadcast(chunk)
	s.metrics.BytesRelayed(s.label, len(chunk))
}

// Close detaches every listener and shuts the upstream for good.
func (s *Stream) Close() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	for _, l := range s.fanout.DetachAll() {
		s.recordDetach(l)
	}
	s.mu.Lock()
	s.mode = domain.ModeDirect
	s.mu.Unlock()
	s.disconnectLocked()
}

func (s *Stream) evict(l *Listener, reason string) {
	s.metrics.ListenerEvicted(s.label, reason)
	s.log.Info("listener evicted", zap.Stringer("listener", l.ID()), zap.String("reason", reason))
	s.RemoveListener(l)
}

func (s *Stream) breakerChanged(from, to circuitbreaker.State) {
	s.metrics.BreakerChanged(s.label, to.String())
	if to == circuitbreaker.StateOpen {
		s.log.Warn("upstream breaker opened", zap.Duration("retry_after", s.breaker.RetryAfter()))
		return
	}
	s.log.Info("upstream breaker changed", zap.Stringer("from", from), zap.Stringer("to", to))
}

func (s *Stream) recordDetach(l *Listener) {
	viewed := time.Duration(0)
	if at := l.AttachedAt(); !at.IsZero() {
		viewed = time.Since(at)
	}
	if !l.relay {
		s.stats.detach(viewed)
		s.metrics.ListenerDetached(s.label, l.Privileged(), viewed)
	}
	s.log.Debug("listener detached",
		zap.Stringer("listener", l.ID()),
		zap.Duration("viewed", viewed),
		zap.Int("listeners", s.fanout.Len()),
	)
}

func (s *Stream) wantsUpstreamLocked() bool {
	switch mode := s.Mode(); mode {
	case domain.ModeEager:
		return true
	case domain.ModeLazy, domain.ModeLazyClose:
		return s.fanout.Len() > 0
	default:
		return false
	}
}

// reconcileLocked opens or closes the upstream to match the mode and the
// listener count. allowLinger lets a LAZY stream keep an idle upstream for
// LazyLinger before closing it.
func (s *Stream) reconcileLocked(allowLinger bool) {
	if s.wantsUpstreamLocked() {
		s.stopLingerLocked()
		if s.conn == nil && s.reconnect == nil {
			s.connectLocked()
		}
		return
	}
	if allowLinger && s.conn != nil && s.Mode() == domain.ModeLazy && s.opts.LazyLinger > 0 {
		s.startLingerLocked()
		return
	}
	s.disconnectLocked()
}

// connectLocked dials the source and, on failure, hands over to the
// reconnection driver.
func (s *Stream) connectLocked() {
	if err := s.dialLocked(); err != nil {
		s.scheduleReconnectLocked()
	}
}

func (s *Stream) dialLocked() error {
	if s.conn != nil {
		return nil
	}
	s.setStatus(domain.StatusConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	timedOut := atomic.Bool{}
	timer := time.AfterFunc(s.opts.ConnectTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	var body io.ReadCloser
	err := s.breaker.Execute(ctx, func() error {
		b, err := s.source.Open(ctx)
		body = b
		return err
	})
	if !timer.Stop() && err == nil {
		// The deadline fired after Open returned; the body is already dead.
		body.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		if timedOut.Load() {
			err = fmt.Errorf("connect timeout after %s: %w", s.opts.ConnectTimeout, err)
		}
		s.metrics.UpstreamConnect(s.label, false)
		s.log.Warn("upstream connect failed", zap.String("url", s.cfg.URL), zap.Error(err))
		s.setStatus(domain.StatusError)
		return fmt.Errorf("%w: %v", domain.ErrUpstreamConnect, err)
	}

	up := &upstream{body: body, cancel: cancel, done: make(chan struct{})}
	s.conn = up
	s.metrics.UpstreamConnect(s.label, true)
	s.setStatus(domain.StatusConnected)
	s.log.Info("upstream connected", zap.String("url", s.cfg.URL))
	go s.readLoop(up)
	return nil
}

func (s *Stream) readLoop(up *upstream) {
	defer close(up.done)

	buf := make([]byte, s.opts.ReadBufferSize)
	var err error
	for {
		var n int
		n, err = up.body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.Broadcast(chunk)
		}
		if err != nil {
			break
		}
	}
	if up.closing.Load() {
		return
	}
	go s.upstreamLost(up, err)
}

// upstreamLost handles a connection that ended without being asked to.
func (s *Stream) upstreamLost(up *upstream, cause error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.conn != up {
		return
	}
	s.conn = nil
	up.cancel()
	up.body.Close()

	if errors.Is(cause, io.EOF) {
		s.log.Info("upstream ended")
		s.setStatus(domain.StatusDisconnected)
	} else {
		s.log.Warn("upstream lost", zap.Error(cause))
		s.setStatus(domain.StatusError)
	}
	if s.wantsUpstreamLocked() {
		s.scheduleReconnectLocked()
	}
}

func (s *Stream) disconnectLocked() {
	s.stopLingerLocked()
	if s.reconnect != nil {
		s.reconnect.cancel()
		s.reconnect = nil
	}
	if up := s.conn; up != nil {
		s.conn = nil
		up.closing.Store(true)
		up.cancel()
		up.body.Close()
		<-up.done
		s.log.Info("upstream closed")
	}
	s.setStatus(domain.StatusDisconnected)
}

// scheduleReconnectLocked starts the bounded-backoff reconnection driver
// unless one is already running.
func (s *Stream) scheduleReconnectLocked() {
	if s.reconnect != nil {
		return
	}
	if !s.opts.Reconnect.Enabled {
		s.log.Debug("reconnect disabled, upstream stays down", zap.Stringer("status", s.Status()))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	job := &reconnectJob{cancel: cancel}
	s.reconnect = job
	go s.reconnectLoop(ctx, job)
}

func (s *Stream) reconnectLoop(ctx context.Context, job *reconnectJob) {
	// connectLocked already made the first attempt.
	cfg := s.opts.Reconnect
	cfg.WaitFirst = true

	attempts := 0
	err := retry.Retry(ctx, cfg, func() error {
		attempts++
		s.opMu.Lock()
		defer s.opMu.Unlock()
		if ctx.Err() != nil || s.reconnect != job {
			return ctx.Err()
		}
		if s.conn != nil || !s.wantsUpstreamLocked() {
			s.reconnect = nil
			return nil
		}
		if err := s.dialLocked(); err != nil {
			return err
		}
		s.reconnect = nil
		return nil
	})

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.reconnect == job {
		s.reconnect = nil
		if err != nil && ctx.Err() == nil {
			s.log.Warn("reconnect attempts exhausted", zap.Int("attempts", attempts), zap.Error(err))
		}
	}
	job.cancel()
}

func (s *Stream) startLingerLocked() {
	if s.linger != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.opts.LazyLinger, func() {
		s.opMu.Lock()
		defer s.opMu.Unlock()
		if s.linger != t {
			return
		}
		s.linger = nil
		if !s.wantsUpstreamLocked() {
			s.disconnectLocked()
		}
	})
	s.linger = t
}

func (s *Stream) stopLingerLocked() {
	if s.linger != nil {
		s.linger.Stop()
		s.linger = nil
	}
}

func (s *Stream) setStatus(status domain.Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	watchers := s.watchers
	s.mu.Unlock()

	s.metrics.StatusChanged(s.label, status)
	s.emit(context.Background(), domain.EventStreamStatusChanged)
	for _, w := range watchers {
		w(s.index, status)
	}
}

// emit publishes an event without holding up the caller.
func (s *Stream) emit(ctx context.Context, typ domain.EventType) {
	info := s.Info()
	event := domain.StreamEvent{
		Type:      typ,
		Index:     s.index,
		Name:      info.Name,
		TeamID:    info.TeamID,
		Mode:      info.Mode.String(),
		Status:    info.Status.String(),
		Timestamp: time.Now(),
	}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.events.Publish(pubCtx, event); err != nil {
			s.log.Debug("event publish failed", zap.String("type", string(typ)), zap.Error(err))
		}
	}()
}
