package services

import (
	"context"
	"sync"
	"time"

	"videorelay/internal/core/domain"

	"go.uber.org/zap"
)

// channelRelayQueue is deeper than a viewer queue since the channel's own
// fan-out absorbs it without blocking.
const channelRelayQueue = 4 * DefaultListenerQueue

// DefaultChannelFailover is how long a channel stays on a member that is
// not CONNECTED before trying the next one.
const DefaultChannelFailover = 5 * time.Second

// fanoutSink lets a Listener write into another Fanout.
type fanoutSink struct {
	fanout *Fanout
}

func (s fanoutSink) Write(p []byte) (int, error) {
	s.fanout.Broadcast(p)
	return len(p), nil
}

// Channel is one subscription point over an ordered list of member
// streams. It forwards the first member that is CONNECTED, holding exactly
// one subscription on it, and fails over when that member drops.
type Channel struct {
	index         int
	members       []*Stream
	failoverAfter time.Duration
	log           *zap.Logger

	fanout *Fanout
	stats  statsTracker

	mu      sync.Mutex
	current *Stream
	sub     *Subscription
	// downSince is when current was last seen not CONNECTED; zero while it is.
	downSince time.Time
	abandoned map[*Stream]time.Time
	failover  *time.Timer

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChannel starts the failover loop over members. failoverAfter <= 0
// selects DefaultChannelFailover.
func NewChannel(index int, members []*Stream, failoverAfter time.Duration, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	if failoverAfter <= 0 {
		failoverAfter = DefaultChannelFailover
	}
	c := &Channel{
		index:         index,
		members:       members,
		failoverAfter: failoverAfter,
		log:           log.With(zap.Int("channel", index)),
		abandoned:     make(map[*Stream]time.Time),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
	c.fanout = NewFanout(func(l *Listener, reason string) {
		c.log.Info("channel listener evicted", zap.Stringer("listener", l.ID()), zap.String("reason", reason))
		c.RemoveListener(l)
	})
	for _, m := range members {
		m.Watch(func(int, domain.Status) { c.signal() })
	}

	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Channel) Index() int { return c.index }

func (c *Channel) ListenerCount() int { return c.fanout.Len() }

// Stats counts the channel's own viewers. They are not part of the member
// streams' stats.
func (c *Channel) Stats() domain.Stats { return c.stats.snapshot() }

// Members returns the configured member stream indices in order.
func (c *Channel) Members() []int {
	out := make([]int, len(c.members))
	for i, m := range c.members {
		out[i] = m.Index()
	}
	return out
}

// Current returns the member stream being forwarded, or nil.
func (c *Channel) Current() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Channel) AddListener(ctx context.Context, l *Listener) (*Subscription, error) {
	if err := c.fanout.Add(l); err != nil {
		return nil, err
	}
	c.stats.attach()
	c.log.Debug("channel listener attached",
		zap.Stringer("listener", l.ID()),
		zap.Bool("privileged", l.Privileged()),
	)
	c.reselect(ctx)
	return newSubscription(l, func() { c.RemoveListener(l) }), nil
}

// RemoveListener detaches l; repeated calls are no-ops. The last viewer
// leaving releases the member subscription.
func (c *Channel) RemoveListener(l *Listener) {
	if !c.fanout.Remove(l) {
		return
	}
	c.recordDetach(l)
	if c.fanout.Len() == 0 {
		c.reselect(context.Background())
	}
}

// Close stops the failover loop and releases every subscription.
func (c *Channel) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()

	for _, l := range c.fanout.DetachAll() {
		c.recordDetach(l)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

func (c *Channel) recordDetach(l *Listener) {
	viewed := time.Duration(0)
	if at := l.AttachedAt(); !at.IsZero() {
		viewed = time.Since(at)
	}
	c.stats.detach(viewed)
}

func (c *Channel) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Channel) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case <-c.kick:
			c.reselect(context.Background())
		}
	}
}

func relayable(m *Stream) bool { return m != nil && m.Mode() != domain.ModeDirect }

// targetLocked picks the member to forward: the first CONNECTED member in
// configured order. With none live the current subscription is kept for up
// to failoverAfter, so its stream's reconnect backoff gets a chance. Past
// that, or without a subscription, the member abandoned longest ago wins,
// preferring members not already in ERROR.
func (c *Channel) targetLocked(now time.Time) *Stream {
	if c.fanout.Len() == 0 {
		return nil
	}
	for _, m := range c.members {
		if relayable(m) && m.Status() == domain.StatusConnected {
			if m == c.current {
				c.downSince = time.Time{}
				c.stopFailoverLocked()
			}
			return m
		}
	}
	if c.sub != nil && relayable(c.current) {
		if c.downSince.IsZero() {
			c.downSince = now
		}
		if wait := c.failoverAfter - now.Sub(c.downSince); wait > 0 {
			c.armFailoverLocked(wait)
			return c.current
		}
		c.abandoned[c.current] = now
	}
	var best *Stream
	for _, m := range c.members {
		if !relayable(m) {
			continue
		}
		if best == nil || c.preferLocked(m, best) {
			best = m
		}
	}
	return best
}

// preferLocked orders fallback candidates. Ties keep configured order.
func (c *Channel) preferLocked(m, than *Stream) bool {
	am, at := c.abandoned[m], c.abandoned[than]
	if !am.Equal(at) {
		return am.Before(at)
	}
	return m.Status() != domain.StatusError && than.Status() == domain.StatusError
}

func (c *Channel) armFailoverLocked(wait time.Duration) {
	c.stopFailoverLocked()
	c.failover = time.AfterFunc(wait, c.signal)
}

func (c *Channel) stopFailoverLocked() {
	if c.failover != nil {
		c.failover.Stop()
		c.failover = nil
	}
}

func (c *Channel) reselect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.stop:
		c.dropLocked()
		return
	default:
	}
	if c.sub != nil {
		select {
		case <-c.sub.Done():
			// Dropped by the member (mode change or eviction).
			c.sub, c.current = nil, nil
		default:
		}
	}

	now := time.Now()
	target := c.targetLocked(now)
	if target == c.current && (target == nil || c.sub != nil) {
		return
	}

	c.dropLocked()
	if target == nil {
		return
	}

	relay := newRelayListener(fanoutSink{fanout: c.fanout}, channelRelayQueue)
	sub, err := target.AddListener(ctx, relay)
	if err != nil {
		c.log.Warn("channel subscribe failed", zap.Int("stream", target.Index()), zap.Error(err))
		return
	}
	c.sub, c.current = sub, target
	if target.Status() != domain.StatusConnected {
		c.downSince = now
		c.armFailoverLocked(c.failoverAfter)
	}
	go func() {
		select {
		case <-sub.Done():
			c.signal()
		case <-c.stop:
		}
	}()

	c.log.Info("channel source selected",
		zap.Int("stream", target.Index()),
		zap.Stringer("status", target.Status()),
	)
}

func (c *Channel) dropLocked() {
	c.stopFailoverLocked()
	if c.sub != nil {
		c.sub.Close()
	}
	c.sub, c.current = nil, nil
	c.downSince = time.Time{}
}
