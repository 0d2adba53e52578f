package contest

import (
	"context"
	"time"

	"videorelay/internal/core/ports"
	"videorelay/pkg/cache"
)

const contestsCacheKey = "contests"

// CachedDirectory serves Contests from a short-lived snapshot so every
// viewer request does not cost a Redis round trip. Freeze changes made
// elsewhere become visible within the TTL; SetState through this
// directory is visible at once.
type CachedDirectory struct {
	next     Directory
	contests *cache.Cache[[]ports.Contest]
}

func NewCachedDirectory(next Directory, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		next:     next,
		contests: cache.New[[]ports.Contest](ttl),
	}
}

func (d *CachedDirectory) Contests(ctx context.Context) ([]ports.Contest, error) {
	return d.contests.GetOrLoad(ctx, contestsCacheKey, d.next.Contests)
}

func (d *CachedDirectory) SetState(ctx context.Context, id string, frozen, running bool) error {
	defer d.contests.Delete(contestsCacheKey)
	return d.next.SetState(ctx, id, frozen, running)
}

func (d *CachedDirectory) Views(ctx context.Context, id string) (Views, error) {
	return d.next.Views(ctx, id)
}
