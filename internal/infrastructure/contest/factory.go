package contest

import (
	"context"
	"fmt"
	"time"

	"videorelay/internal/core/ports"
	"videorelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient creates a pooled Redis client and verifies the connection.
func NewRedisClient(ctx context.Context, address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Infow("connected to Redis",
		"address", address,
		"db", db,
		"pool_size", poolSize,
	)
	return client, nil
}

// Directory is a contest directory that can also be administered.
type Directory interface {
	ports.ContestDirectory
	SetState(ctx context.Context, id string, frozen, running bool) error
	Views(ctx context.Context, id string) (Views, error)
}

// Factory picks the Redis directory when Redis is enabled and reachable,
// falling back to the in-memory one built from config.
type Factory struct {
	redisClient *redis.Client
	logger      *zap.SugaredLogger

	stateCacheTTL     time.Duration
	viewBatchSize     int
	viewFlushInterval time.Duration
	closers           []func()
}

func NewFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *Factory {
	f := &Factory{
		logger:            logger,
		stateCacheTTL:     cfg.Redis.StateCacheTTL,
		viewBatchSize:     cfg.Redis.ViewBatchSize,
		viewFlushInterval: cfg.Redis.ViewFlushInterval,
	}

	if cfg.Redis.Enabled {
		client, err := NewRedisClient(ctx,
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to in-memory contest state",
				"error", err,
			)
		} else {
			f.redisClient = client
		}
	}
	return f
}

// RedisClient returns the shared client, nil when running in memory.
func (f *Factory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *Factory) CreateDirectory(ctx context.Context, contests []config.ContestEntry) (Directory, error) {
	if f.redisClient == nil {
		f.logger.Infow("using in-memory contest directory", "contests", len(contests))
		return NewMemoryDirectory(contests), nil
	}

	rd := NewRedisDirectory(f.redisClient, f.logger)
	if err := rd.Seed(ctx, contests); err != nil {
		return nil, err
	}
	if f.viewBatchSize > 1 {
		rd.BatchViews(f.viewBatchSize, f.viewFlushInterval)
		f.closers = append(f.closers, rd.Close)
	}

	var dir Directory = rd
	if f.stateCacheTTL > 0 {
		dir = NewCachedDirectory(rd, f.stateCacheTTL)
	}
	f.logger.Infow("using Redis contest directory",
		"contests", len(contests),
		"state_cache_ttl", f.stateCacheTTL,
		"view_batch_size", f.viewBatchSize,
	)
	return dir, nil
}

// Close flushes buffered counters and closes the Redis connection if used.
func (f *Factory) Close() error {
	for _, c := range f.closers {
		c()
	}
	f.closers = nil
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
