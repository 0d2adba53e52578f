package contest

import (
	"context"
	"fmt"
	"sync"

	"videorelay/internal/core/ports"
	"videorelay/pkg/config"
)

// Views counts viewer requests per stream kind for one contest.
type Views struct {
	Desktop int64 `json:"desktop"`
	Webcam  int64 `json:"webcam"`
	Audio   int64 `json:"audio"`
}

type memoryContest struct {
	id      string
	mu      sync.RWMutex
	frozen  bool
	running bool
	views   Views
}

func (c *memoryContest) ID() string { return c.id }

func (c *memoryContest) IsFrozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

func (c *memoryContest) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *memoryContest) IncrementDesktop(ctx context.Context) {
	c.mu.Lock()
	c.views.Desktop++
	c.mu.Unlock()
}

func (c *memoryContest) IncrementWebcam(ctx context.Context) {
	c.mu.Lock()
	c.views.Webcam++
	c.mu.Unlock()
}

func (c *memoryContest) IncrementAudio(ctx context.Context) {
	c.mu.Lock()
	c.views.Audio++
	c.mu.Unlock()
}

// MemoryDirectory holds contest state in process. Contests keep their
// configured order.
type MemoryDirectory struct {
	mu       sync.RWMutex
	contests []*memoryContest
	byID     map[string]*memoryContest
}

func NewMemoryDirectory(entries []config.ContestEntry) *MemoryDirectory {
	d := &MemoryDirectory{byID: make(map[string]*memoryContest, len(entries))}
	for _, e := range entries {
		d.add(e.ID, e.Frozen, e.Running)
	}
	return d
}

func (d *MemoryDirectory) add(id string, frozen, running bool) *memoryContest {
	c := &memoryContest{id: id, frozen: frozen, running: running}
	d.contests = append(d.contests, c)
	d.byID[id] = c
	return c
}

func (d *MemoryDirectory) Contests(ctx context.Context) ([]ports.Contest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]ports.Contest, len(d.contests))
	for i, c := range d.contests {
		out[i] = c
	}
	return out, nil
}

// SetState creates the contest if needed and updates its flags.
func (d *MemoryDirectory) SetState(ctx context.Context, id string, frozen, running bool) error {
	d.mu.Lock()
	c, ok := d.byID[id]
	if !ok {
		c = d.add(id, frozen, running)
	}
	d.mu.Unlock()

	c.mu.Lock()
	c.frozen, c.running = frozen, running
	c.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) Views(ctx context.Context, id string) (Views, error) {
	d.mu.RLock()
	c, ok := d.byID[id]
	d.mu.RUnlock()
	if !ok {
		return Views{}, fmt.Errorf("contest %q: %w", id, ErrUnknownContest)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.views, nil
}
