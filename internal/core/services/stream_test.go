package services

import (
	"context"
	"testing"
	"time"

	"videorelay/internal/core/domain"
	"videorelay/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_Accessors(t *testing.T) {
	cfg := domain.StreamConfig{
		Name:          "Team 7 desktop",
		TeamID:        "7",
		Type:          domain.StreamTypeDesktop,
		URL:           "http://10.0.0.7:9090/desktop",
		MimeType:      "video/x-matroska",
		FileExtension: "mkv",
	}
	s := newTestStream(t, 3, cfg, &fakeSource{})

	assert.Equal(t, 3, s.Index())
	assert.Equal(t, cfg.URL, s.URL())
	assert.Equal(t, cfg.MimeType, s.MimeType())
	assert.Equal(t, cfg.FileExtension, s.FileExtension())
	assert.Equal(t, cfg.Name, s.Name())
	assert.Equal(t, domain.ModeLazy, s.Mode())
	assert.Equal(t, domain.StatusDisconnected, s.Status())
}

func TestStream_LazyOpensOnFirstListenerOnly(t *testing.T) {
	src := &fakeSource{}
	s := newTestStream(t, 0, domain.StreamConfig{}, src)
	s.SetMode(context.Background(), domain.ModeLazyClose)

	assert.Equal(t, 0, src.Opens(), "no upstream before first listener")
	assert.Equal(t, domain.StatusDisconnected, s.Status())

	first := attach(t, s, &syncBuffer{})
	assert.Equal(t, domain.StatusConnected, s.Status())
	second := attach(t, s, &syncBuffer{})
	assert.Equal(t, 1, src.Opens(), "second listener reuses the upstream")

	first.Close()
	assert.Equal(t, domain.StatusConnected, s.Status())
	second.Close()
	assert.Equal(t, domain.StatusDisconnected, s.Status(), "last detach closes upstream")
}

func TestStream_LazyLingersBeforeClosing(t *testing.T) {
	src := &fakeSource{}
	opts := testOptions()
	opts.LazyLinger = 50 * time.Millisecond
	s := NewStream(0, domain.StreamConfig{Name: "x"}, src, opts, nil, nil, nil)
	t.Cleanup(s.Close)
	s.SetMode(context.Background(), domain.ModeLazy)

	sub := attach(t, s, &syncBuffer{})
	sub.Close()
	assert.Equal(t, domain.StatusConnected, s.Status())

	// A listener arriving during the linger keeps the same upstream.
	sub = attach(t, s, &syncBuffer{})
	assert.Equal(t, 1, src.Opens())
	sub.Close()

	eventuallyStatus(t, s, domain.StatusDisconnected)
	assert.Equal(t, 1, src.Opens())
}

func TestStream_StatsAfterAttachDetach(t *testing.T) {
	s := newTestStream(t, 0, domain.StreamConfig{}, &fakeSource{})

	const n = 5
	subs := make([]*Subscription, 0, n)
	for i := 0; i < n; i++ {
		subs = append(subs, attach(t, s, &syncBuffer{}))
	}
	time.Sleep(10 * time.Millisecond)
	for _, sub := range subs {
		sub.Close()
	}

	stats := s.Stats()
	assert.Equal(t, 0, stats.CurrentListeners)
	assert.Equal(t, n, stats.MaxConcurrentListeners)
	assert.Equal(t, n, stats.TotalListeners)
	assert.GreaterOrEqual(t, stats.TotalTime, n*10*time.Millisecond)
}

func TestStream_RemoveListenerIsIdempotent(t *testing.T) {
	s := newTestStream(t, 0, domain.StreamConfig{}, &fakeSource{})
	sub := attach(t, s, &syncBuffer{})

	sub.Close()
	viewed := s.Stats().TotalTime
	sub.Close()
	s.RemoveListener(sub.Listener())

	stats := s.Stats()
	assert.Equal(t, 0, stats.CurrentListeners)
	assert.Equal(t, viewed, stats.TotalTime, "duration counted once")
	assert.True(t, closed(sub.Done()))
}

func TestStream_EagerOpensWithoutListeners(t *testing.T) {
	src := &fakeSource{}
	s := newTestStream(t, 0, domain.StreamConfig{}, src)

	s.SetMode(context.Background(), domain.ModeEager)
	assert.Equal(t, domain.StatusConnected, s.Status())
	assert.Equal(t, 1, src.Opens())

	s.SetMode(context.Background(), domain.ModeLazy)
	assert.Equal(t, domain.StatusDisconnected, s.Status(), "no listeners left to keep it open")
}

func TestStream_EagerToLazyKeepsUpstreamWithListeners(t *testing.T) {
	src := &fakeSource{}
	s := newTestStream(t, 0, domain.StreamConfig{}, src)
	s.SetMode(context.Background(), domain.ModeEager)
	attach(t, s, &syncBuffer{})

	s.SetMode(context.Background(), domain.ModeLazyClose)

	assert.Equal(t, domain.StatusConnected, s.Status())
	assert.Equal(t, 1, src.Opens())
}

func TestStream_DirectRefusesListeners(t *testing.T) {
	src := &fakeSource{}
	s := newTestStream(t, 0, domain.StreamConfig{URL: "http://cam/1"}, src)
	existing := attach(t, s, &syncBuffer{})

	s.SetMode(context.Background(), domain.ModeDirect)

	assert.Equal(t, domain.StatusDisconnected, s.Status())
	assert.True(t, closed(existing.Done()), "relayed viewers are detached")
	assert.Equal(t, "http://cam/1", s.URL())

	_, err := s.AddListener(context.Background(), NewListener(&syncBuffer{}, false, 0))
	assert.ErrorIs(t, err, domain.ErrDirectMode)
	assert.Equal(t, 0, s.ListenerCount())
	assert.Equal(t, 0, s.Stats().CurrentListeners)
}

func TestStream_BroadcastDeliversInOrder(t *testing.T) {
	src := &fakeSource{}
	s := newTestStream(t, 0, domain.StreamConfig{}, src)
	a, b := &syncBuffer{}, &syncBuffer{}
	attach(t, s, a)
	attach(t, s, b)

	src.send(t, "hello ")
	src.send(t, "world")

	for _, buf := range []*syncBuffer{a, b} {
		assert.Eventually(t, func() bool { return buf.String() == "hello world" }, waitFor, tick)
	}
}

func TestStream_FailedSinkIsolated(t *testing.T) {
	src := &fakeSource{}
	metrics := newRecordingMetrics()
	s := NewStream(0, domain.StreamConfig{Name: "x"}, src, testOptions(), metrics, nil, nil)
	t.Cleanup(s.Close)

	bad, err := s.AddListener(context.Background(), NewListener(failingSink{}, false, 0))
	require.NoError(t, err)
	good := &syncBuffer{}
	attach(t, s, good)

	src.send(t, "a")
	assert.Eventually(t, func() bool { return closed(bad.Done()) && s.ListenerCount() == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool { return s.Stats().CurrentListeners == 1 }, waitFor, tick)
	src.send(t, "b")

	assert.Eventually(t, func() bool { return good.String() == "ab" }, waitFor, tick)
	assert.Equal(t, 1, metrics.Evictions(EvictWriteError))
	assert.Equal(t, domain.StatusConnected, s.Status())
}

func TestStream_SlowSinkEvicted(t *testing.T) {
	src := &fakeSource{}
	metrics := newRecordingMetrics()
	s := NewStream(0, domain.StreamConfig{Name: "x"}, src, testOptions(), metrics, nil, nil)
	t.Cleanup(s.Close)

	sink := blockingSink{release: make(chan struct{})}
	defer close(sink.release)
	slow, err := s.AddListener(context.Background(), NewListener(sink, false, 1))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		s.Broadcast([]byte{byte(i)})
		time.Sleep(5 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return closed(slow.Done()) && s.ListenerCount() == 0 }, waitFor, tick)
	assert.Equal(t, 1, metrics.Evictions(EvictSlow))
}

func TestStream_ConnectFailureKeepsListener(t *testing.T) {
	src := &fakeSource{fail: errSourceDown}
	s := newTestStream(t, 0, domain.StreamConfig{}, src)

	sub, err := s.AddListener(context.Background(), NewListener(&syncBuffer{}, false, 0))

	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, s.Status())
	assert.Equal(t, 1, s.ListenerCount())
	assert.False(t, closed(sub.Done()))
}

func TestStream_ConnectTimeout(t *testing.T) {
	src := &fakeSource{hang: true}
	s := newTestStream(t, 0, domain.StreamConfig{}, src)

	start := time.Now()
	attach(t, s, &syncBuffer{})

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.StatusError, s.Status())
}

func TestStream_EagerReconnectsAfterFailure(t *testing.T) {
	src := &fakeSource{fail: errSourceDown}
	s := newTestStream(t, 0, domain.StreamConfig{}, src)

	s.SetMode(context.Background(), domain.ModeEager)
	assert.Equal(t, domain.StatusError, s.Status())

	src.setFail(nil)
	eventuallyStatus(t, s, domain.StatusConnected)
	assert.GreaterOrEqual(t, src.Opens(), 2)
}

func TestStream_BreakerOpensOnRepeatedFailures(t *testing.T) {
	src := &fakeSource{fail: errSourceDown}
	metrics := newRecordingMetrics()
	opts := testOptions()
	opts.Breaker.FailureThreshold = 2
	s := NewStream(0, domain.StreamConfig{Name: "team"}, src, opts, metrics, nil, nil)
	t.Cleanup(s.Close)

	s.SetMode(context.Background(), domain.ModeEager)
	assert.Eventually(t, func() bool {
		states := metrics.BreakerStates()
		return len(states) > 0 && states[0] == "open"
	}, waitFor, tick)

	src.setFail(nil)
	eventuallyStatus(t, s, domain.StatusConnected)
	assert.Contains(t, metrics.BreakerStates(), "closed")
}

func TestStream_EagerReconnectsAfterUpstreamEnds(t *testing.T) {
	src := &fakeSource{}
	s := newTestStream(t, 0, domain.StreamConfig{}, src)
	s.SetMode(context.Background(), domain.ModeEager)
	require.Equal(t, 1, src.Opens())

	src.end()

	assert.Eventually(t, func() bool {
		return src.Opens() == 2 && s.Status() == domain.StatusConnected
	}, waitFor, tick)
}

func TestStream_ReconnectDisabledLeavesEndedUpstreamDown(t *testing.T) {
	src := &fakeSource{}
	opts := testOptions()
	opts.Reconnect.Enabled = false
	s := NewStream(0, domain.StreamConfig{Name: "team"}, src, opts, nil, nil, nil)
	t.Cleanup(s.Close)
	s.SetMode(context.Background(), domain.ModeEager)
	require.Equal(t, domain.StatusConnected, s.Status())

	src.end()

	eventuallyStatus(t, s, domain.StatusDisconnected)
	assert.Never(t, func() bool { return src.Opens() != 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, domain.StatusDisconnected, s.Status())
}

func TestStream_ReconnectDisabledSurvivesDefaults(t *testing.T) {
	opts := StreamOptions{Reconnect: retry.Config{Enabled: false}}.withDefaults()
	assert.False(t, opts.Reconnect.Enabled)

	opts = StreamOptions{Reconnect: retry.Config{Enabled: true}}.withDefaults()
	assert.Equal(t, DefaultStreamOptions().Reconnect, opts.Reconnect)
}

func TestStream_LastDetachDoesNotReconnect(t *testing.T) {
	src := &fakeSource{}
	s := newTestStream(t, 0, domain.StreamConfig{}, src)
	s.SetMode(context.Background(), domain.ModeLazyClose)
	sub := attach(t, s, &syncBuffer{})
	sub.Close()

	eventuallyStatus(t, s, domain.StatusDisconnected)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, src.Opens())
}

func TestStream_ResetReconnectsWhenWanted(t *testing.T) {
	src := &fakeSource{}
	s := newTestStream(t, 0, domain.StreamConfig{}, src)
	s.SetMode(context.Background(), domain.ModeEager)
	buf := &syncBuffer{}
	attach(t, s, buf)

	s.Reset(context.Background())

	assert.Equal(t, 2, src.Opens())
	assert.Equal(t, domain.StatusConnected, s.Status())
	assert.Equal(t, domain.ModeEager, s.Mode())
	assert.Equal(t, 1, s.ListenerCount(), "listeners survive a reset")

	src.send(t, "after reset")
	assert.Eventually(t, func() bool { return buf.String() == "after reset" }, waitFor, tick)
}

func TestStream_ResetLazyWithoutListenersStaysClosed(t *testing.T) {
	src := &fakeSource{}
	s := newTestStream(t, 0, domain.StreamConfig{}, src)

	s.Reset(context.Background())

	assert.Equal(t, 0, src.Opens())
	assert.Equal(t, domain.StatusDisconnected, s.Status())
}

func TestStream_PublishesEvents(t *testing.T) {
	pub := newRecordingPublisher()
	s := NewStream(4, domain.StreamConfig{Name: "cam", TeamID: "42"}, &fakeSource{}, testOptions(), nil, pub, nil)
	t.Cleanup(s.Close)

	s.SetMode(context.Background(), domain.ModeEager)
	e := pub.await(t, domain.EventStreamModeChanged)
	assert.Equal(t, 4, e.Index)
	assert.Equal(t, "42", e.TeamID)
	assert.Equal(t, "EAGER", e.Mode)

	s.Reset(context.Background())
	pub.await(t, domain.EventStreamReset)
}

func TestStream_WatchSeesStatusChanges(t *testing.T) {
	s := newTestStream(t, 2, domain.StreamConfig{}, &fakeSource{})
	seen := make(chan domain.Status, 8)
	s.Watch(func(index int, status domain.Status) {
		assert.Equal(t, 2, index)
		seen <- status
	})

	s.SetMode(context.Background(), domain.ModeEager)

	assert.Equal(t, domain.StatusConnecting, <-seen)
	assert.Equal(t, domain.StatusConnected, <-seen)
}
