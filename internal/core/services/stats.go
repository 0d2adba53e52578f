package services

import (
	"sync"
	"time"

	"videorelay/internal/core/domain"
)

// statsTracker holds the listener counters of one stream. Registry-wide
// figures are derived from snapshots on demand, never stored.
type statsTracker struct {
	mu    sync.Mutex
	stats domain.Stats
}

func (t *statsTracker) attach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.CurrentListeners++
	t.stats.TotalListeners++
	if t.stats.CurrentListeners > t.stats.MaxConcurrentListeners {
		t.stats.MaxConcurrentListeners = t.stats.CurrentListeners
	}
}

func (t *statsTracker) detach(viewed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stats.CurrentListeners > 0 {
		t.stats.CurrentListeners--
	}
	if viewed > 0 {
		t.stats.TotalTime += viewed
	}
}

func (t *statsTracker) snapshot() domain.Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Totals are registry-wide sums over per-stream stats.
type Totals struct {
	Concurrent    int
	MaxConcurrent int
	Total         int
	TotalTime     time.Duration
}

func sumStats(all []domain.Stats) Totals {
	var t Totals
	for _, s := range all {
		t.Concurrent += s.CurrentListeners
		t.MaxConcurrent += s.MaxConcurrentListeners
		t.Total += s.TotalListeners
		t.TotalTime += s.TotalTime
	}
	return t
}
