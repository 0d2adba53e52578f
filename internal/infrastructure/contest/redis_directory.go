package contest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"videorelay/internal/core/ports"
	"videorelay/pkg/batch"
	"videorelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrUnknownContest = errors.New("unknown contest")

const keyPrefix = "videorelay:contest:"

// RedisDirectory reads contest flags shared by every relay instance and
// keeps the per-contest view counters in Redis.
//
//	videorelay:contests             set of contest ids
//	videorelay:contest:{id}         hash: frozen, running ("true"/"false")
//	videorelay:contest:{id}:views   hash: desktop, webcam, audio
type RedisDirectory struct {
	client redis.UniversalClient
	logger *zap.SugaredLogger
	views  *batch.Batcher[viewHit]
}

// viewHit is one counted view waiting to be written.
type viewHit struct {
	contest string
	field   string
}

func NewRedisDirectory(client redis.UniversalClient, logger *zap.SugaredLogger) *RedisDirectory {
	return &RedisDirectory{client: client, logger: logger}
}

func contestsKey() string { return "videorelay:contests" }

func contestKey(id string) string { return keyPrefix + id }

func viewsKey(id string) string { return keyPrefix + id + ":views" }

func flag(v bool) string { return strconv.FormatBool(v) }

func parseFlag(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

// Seed registers configured contests. Flags already stored in Redis win so
// a restart does not unfreeze a contest.
func (d *RedisDirectory) Seed(ctx context.Context, entries []config.ContestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.SAdd(ctx, contestsKey(), e.ID)
			pipe.HSetNX(ctx, contestKey(e.ID), "frozen", flag(e.Frozen))
			pipe.HSetNX(ctx, contestKey(e.ID), "running", flag(e.Running))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to seed contests: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Contests(ctx context.Context) ([]ports.Contest, error) {
	ids, err := d.client.SMembers(ctx, contestsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list contests: %w", err)
	}
	slices.Sort(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, contestKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read contest state: %w", err)
	}

	out := make([]ports.Contest, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		out = append(out, &redisContest{
			id:      id,
			frozen:  parseFlag(fields["frozen"]),
			running: parseFlag(fields["running"]),
			dir:     d,
		})
	}
	return out, nil
}

func (d *RedisDirectory) SetState(ctx context.Context, id string, frozen, running bool) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, contestsKey(), id)
		pipe.HSet(ctx, contestKey(id), "frozen", flag(frozen), "running", flag(running))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update contest %s: %w", id, err)
	}
	return nil
}

// BatchViews buffers view counts and writes them in one pipeline per batch
// instead of one HINCRBY per viewer. Call Close to flush on shutdown.
func (d *RedisDirectory) BatchViews(size int, interval time.Duration) {
	d.views = batch.NewBatcher[viewHit](size, interval, d.writeViews, func(err error) {
		d.logger.Warnw("failed to write view counts", "error", err)
	})
}

func (d *RedisDirectory) writeViews(ctx context.Context, hits []viewHit) error {
	counts := make(map[viewHit]int64, len(hits))
	for _, h := range hits {
		counts[h]++
	}
	_, err := d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for h, n := range counts {
			pipe.HIncrBy(ctx, viewsKey(h.contest), h.field, n)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %d view counts: %w", len(hits), err)
	}
	return nil
}

// Close flushes buffered view counts.
func (d *RedisDirectory) Close() {
	if d.views != nil {
		d.views.Stop()
	}
}

// Views reads a contest's counters, including any still buffered.
func (d *RedisDirectory) Views(ctx context.Context, id string) (Views, error) {
	if d.views != nil {
		if err := d.views.Flush(ctx); err != nil {
			return Views{}, err
		}
	}
	member, err := d.client.SIsMember(ctx, contestsKey(), id).Result()
	if err != nil {
		return Views{}, fmt.Errorf("failed to check contest %s: %w", id, err)
	}
	if !member {
		return Views{}, fmt.Errorf("contest %q: %w", id, ErrUnknownContest)
	}

	fields, err := d.client.HGetAll(ctx, viewsKey(id)).Result()
	if err != nil {
		return Views{}, fmt.Errorf("failed to read views for %s: %w", id, err)
	}
	parse := func(k string) int64 {
		n, _ := strconv.ParseInt(fields[k], 10, 64)
		return n
	}
	return Views{Desktop: parse("desktop"), Webcam: parse("webcam"), Audio: parse("audio")}, nil
}

func (d *RedisDirectory) increment(ctx context.Context, id, field string) {
	if d.views != nil {
		d.views.Add(viewHit{contest: id, field: field})
		return
	}
	if err := d.client.HIncrBy(ctx, viewsKey(id), field, 1).Err(); err != nil {
		d.logger.Warnw("failed to count view",
			"contest", id,
			"kind", field,
			"error", err,
		)
	}
}

// redisContest is a snapshot of the flags taken by Contests; counters are
// written through.
type redisContest struct {
	id      string
	frozen  bool
	running bool
	dir     *RedisDirectory
}

func (c *redisContest) ID() string      { return c.id }
func (c *redisContest) IsFrozen() bool  { return c.frozen }
func (c *redisContest) IsRunning() bool { return c.running }

func (c *redisContest) IncrementDesktop(ctx context.Context) { c.dir.increment(ctx, c.id, "desktop") }
func (c *redisContest) IncrementWebcam(ctx context.Context)  { c.dir.increment(ctx, c.id, "webcam") }
func (c *redisContest) IncrementAudio(ctx context.Context)   { c.dir.increment(ctx, c.id, "audio") }
