package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"videorelay/internal/core/domain"
	"videorelay/internal/core/ports"
	"videorelay/pkg/tracing"

	"go.uber.org/zap"
)

// AggregatorConfig describes the fixed registry layout.
type AggregatorConfig struct {
	Streams []domain.StreamConfig
	// Channels lists member stream indices per channel, in failover order.
	// Channels beyond the list exist but have no members.
	Channels [][]int
	// ChannelFailover bounds how long a channel waits on a member that is
	// not CONNECTED. Zero selects DefaultChannelFailover.
	ChannelFailover time.Duration
	Stream          StreamOptions
}

// Aggregator owns every Stream and Channel for the lifetime of the process.
// The layout is fixed at construction; bulk admin operations fan out to the
// matching streams in parallel and return once all of them have settled.
type Aggregator struct {
	streams  []*Stream
	channels [domain.MaxChannels]*Channel
	log      *zap.Logger
}

func NewAggregator(
	cfg AggregatorConfig,
	sources ports.SourceFactory,
	metrics ports.RelayMetrics,
	events ports.EventPublisher,
	log *zap.Logger,
) (*Aggregator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if sources == nil {
		return nil, fmt.Errorf("source factory: %w", domain.ErrInvalidArgument)
	}
	if len(cfg.Channels) > domain.MaxChannels {
		return nil, fmt.Errorf("%d channels configured, at most %d allowed: %w",
			len(cfg.Channels), domain.MaxChannels, domain.ErrInvalidArgument)
	}

	a := &Aggregator{
		streams: make([]*Stream, len(cfg.Streams)),
		log:     log,
	}
	for i, sc := range cfg.Streams {
		a.streams[i] = NewStream(i, sc, sources(sc), cfg.Stream, metrics, events, log)
	}

	for ch := 0; ch < domain.MaxChannels; ch++ {
		var members []*Stream
		if ch < len(cfg.Channels) {
			for _, idx := range cfg.Channels[ch] {
				if idx < 0 || idx >= len(a.streams) {
					a.Close()
					return nil, fmt.Errorf("channel %d member %d: %w", ch, idx, domain.ErrOutOfRange)
				}
				members = append(members, a.streams[idx])
			}
		}
		a.channels[ch] = NewChannel(ch, members, cfg.ChannelFailover, log)
	}
	return a, nil
}

// Start applies each stream's configured mode, opening EAGER upstreams.
func (a *Aggregator) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range a.streams {
		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			s.SetMode(ctx, s.Config().Mode)
		}(s)
	}
	wg.Wait()
	a.log.Info("aggregator started",
		zap.Int("streams", len(a.streams)),
		zap.Int("eager", a.count(func(s *Stream) bool { return s.Mode() == domain.ModeEager })),
	)
}

func (a *Aggregator) NumStreams() int { return len(a.streams) }

// GetStream returns the stream at index. The same index always yields the
// same *Stream.
func (a *Aggregator) GetStream(index int) (*Stream, error) {
	if index < 0 || index >= len(a.streams) {
		return nil, fmt.Errorf("stream %d of %d: %w", index, len(a.streams), domain.ErrOutOfRange)
	}
	return a.streams[index], nil
}

func (a *Aggregator) GetChannel(index int) (*Channel, error) {
	if index < 0 || index >= domain.MaxChannels {
		return nil, fmt.Errorf("channel %d of %d: %w", index, domain.MaxChannels, domain.ErrOutOfRange)
	}
	return a.channels[index], nil
}

// ParseConnectionMode maps an admin token onto an Action. Unknown tokens
// yield domain.ActionUnrecognized and must be rejected by the caller.
func (a *Aggregator) ParseConnectionMode(token string) domain.Action {
	return domain.ParseAction(token)
}

// Reset resets every stream matching filter and returns how many matched.
func (a *Aggregator) Reset(ctx context.Context, filter domain.Filter) int {
	ctx, span := tracing.TraceRelayOperation(ctx, "reset", filter.TeamID, filter.Type.String())
	defer span.End()

	n := a.apply(filter, func(s *Stream) { s.Reset(ctx) })
	tracing.AddSpanAttributes(ctx, tracing.AffectedKey.Int(n))
	a.log.Info("streams reset",
		zap.String("team", filter.TeamID),
		zap.Stringer("type", filter.Type),
		zap.Int("affected", n),
	)
	return n
}

// ResetStream resets the single stream at index.
func (a *Aggregator) ResetStream(ctx context.Context, index int) error {
	s, err := a.GetStream(index)
	if err != nil {
		return err
	}
	ctx, span := tracing.TraceStreamOperation(ctx, "reset_stream", index)
	defer span.End()

	s.Reset(ctx)
	return nil
}

// SetConnectionMode switches every stream matching filter to mode and
// returns how many matched.
func (a *Aggregator) SetConnectionMode(ctx context.Context, filter domain.Filter, mode domain.ConnectionMode) int {
	ctx, span := tracing.TraceRelayOperation(ctx, "set_mode", filter.TeamID, filter.Type.String())
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.ModeKey.String(mode.String()))

	n := a.apply(filter, func(s *Stream) { s.SetMode(ctx, mode) })
	tracing.AddSpanAttributes(ctx, tracing.AffectedKey.Int(n))
	a.log.Info("connection mode set",
		zap.String("team", filter.TeamID),
		zap.Stringer("type", filter.Type),
		zap.Stringer("mode", mode),
		zap.Int("affected", n),
	)
	return n
}

// apply runs fn on every matching stream concurrently and waits for all.
func (a *Aggregator) apply(filter domain.Filter, fn func(*Stream)) int {
	var wg sync.WaitGroup
	n := 0
	for _, s := range a.streams {
		if !filter.Matches(s.TeamID(), s.Type()) {
			continue
		}
		n++
		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			fn(s)
		}(s)
	}
	wg.Wait()
	return n
}

func (a *Aggregator) AddChannelListener(ctx context.Context, channel int, l *Listener) (*Subscription, error) {
	c, err := a.GetChannel(channel)
	if err != nil {
		return nil, err
	}
	return c.AddListener(ctx, l)
}

func (a *Aggregator) RemoveChannelListener(channel int, l *Listener) error {
	c, err := a.GetChannel(channel)
	if err != nil {
		return err
	}
	c.RemoveListener(l)
	return nil
}

// VideoInfo snapshots every stream for status reporting.
func (a *Aggregator) VideoInfo() []domain.StreamInfo {
	out := make([]domain.StreamInfo, len(a.streams))
	for i, s := range a.streams {
		out[i] = s.Info()
	}
	return out
}

// Totals sums the current per-stream stats and the channels' own viewers.
func (a *Aggregator) Totals() Totals {
	all := make([]domain.Stats, 0, len(a.streams)+len(a.channels))
	for _, s := range a.streams {
		all = append(all, s.Stats())
	}
	for _, c := range a.channels {
		if c != nil {
			all = append(all, c.Stats())
		}
	}
	return sumStats(all)
}

func (a *Aggregator) Concurrent() int { return a.Totals().Concurrent }

func (a *Aggregator) MaxConcurrent() int { return a.Totals().MaxConcurrent }

func (a *Aggregator) Total() int { return a.Totals().Total }

func (a *Aggregator) TotalTime() time.Duration { return a.Totals().TotalTime }

// Close tears down every channel and stream.
func (a *Aggregator) Close() {
	for _, c := range a.channels {
		if c != nil {
			c.Close()
		}
	}
	var wg sync.WaitGroup
	for _, s := range a.streams {
		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
	a.log.Info("aggregator closed")
}

func (a *Aggregator) count(pred func(*Stream) bool) int {
	n := 0
	for _, s := range a.streams {
		if pred(s) {
			n++
		}
	}
	return n
}
