package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"videorelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// ProbeRedis pings the shared Redis client. Losing Redis degrades the relay
// rather than stopping it: staff keep watching while the freeze gate fails
// closed for everyone else.
func (h *HealthChecker) ProbeRedis(client redis.UniversalClient, interval, timeout time.Duration) {
	h.Register(Probe{
		Name:     "redis",
		Check:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
		Interval: interval,
		Timeout:  timeout,
		Severity: Degrading,
	})
}

// ProbeContests lists contest state, which the freeze gate reads on every
// viewer request.
func (h *HealthChecker) ProbeContests(dir ports.ContestDirectory, interval, timeout time.Duration) {
	h.Register(Probe{
		Name: "contests",
		Check: func(ctx context.Context) error {
			if _, err := dir.Contests(ctx); err != nil {
				return fmt.Errorf("list contests: %w", err)
			}
			return nil
		},
		Interval: interval,
		Timeout:  timeout,
		Severity: Degrading,
	})
}

// StreamCounter is the part of the aggregator the relay probe needs.
type StreamCounter interface {
	NumStreams() int
}

// ProbeRelay fails when no streams are configured.
func (h *HealthChecker) ProbeRelay(relay StreamCounter) {
	h.Register(Probe{
		Name: "relay",
		Check: func(context.Context) error {
			if relay.NumStreams() == 0 {
				return errors.New("no streams configured")
			}
			return nil
		},
		Severity: Critical,
	})
}
