package cache

import (
	"context"
	"sync"
	"time"
)

// item is a cached value with its expiry.
type item[V any] struct {
	value     V
	expiresAt time.Time
}

func (it item[V]) expired(now time.Time) bool {
	return !now.Before(it.expiresAt)
}

// call is an in-flight load shared by concurrent callers of one key.
type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Cache is a thread-safe in-memory cache with TTL support. Concurrent
// misses on the same key share a single load.
type Cache[V any] struct {
	mu       sync.Mutex
	items    map[string]item[V]
	inflight map[string]*call[V]
	ttl      time.Duration
	now      func() time.Time
}

// New creates a cache whose entries live for ttl. Expired entries are
// dropped lazily on access.
func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		items:    make(map[string]item[V]),
		inflight: make(map[string]*call[V]),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the live value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	it, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if it.expired(c.now()) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set stores value under key for the cache TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Delete removes a key from cache
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len counts live entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, it := range c.items {
		if !it.expired(now) {
			n++
		}
	}
	return n
}

// GetOrLoad returns the cached value for key or calls load and caches its
// result. Errors are returned to every waiting caller and never cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	if v, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		return v, nil
	}
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			return cl.value, cl.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
	cl := &call[V]{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.value, cl.err = load(ctx)

	c.mu.Lock()
	delete(c.inflight, key)
	if cl.err == nil {
		c.items[key] = item[V]{value: cl.value, expiresAt: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
	close(cl.done)

	return cl.value, cl.err
}
