package monitoring

import (
	"context"
	"sync"
	"time"
)

// Overall and per-probe states reported on /ready.
const (
	StatusUp       = "up"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Severity says what a failing probe does to the overall status.
type Severity int

const (
	// Critical probes take the relay down: nothing can be served.
	Critical Severity = iota
	// Degrading probes leave the relay serving with reduced function,
	// e.g. the freeze gate failing closed for ordinary viewers.
	Degrading
)

type Probe struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Severity Severity
}

type ProbeResult struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

type Report struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Probes    map[string]ProbeResult `json:"probes"`
}

// Serving reports whether the relay should keep receiving traffic.
func (r Report) Serving() bool { return r.Status != StatusDown }

// HealthChecker runs the registered probes on demand and, for probes with
// an interval, in the background. The latest result of each probe is kept
// whichever path ran it.
type HealthChecker struct {
	mu     sync.RWMutex
	probes []Probe
	last   map[string]ProbeResult
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{last: make(map[string]ProbeResult)}
}

func (h *HealthChecker) Register(p Probe) {
	if p.Timeout <= 0 {
		p.Timeout = time.Second
	}
	h.mu.Lock()
	h.probes = append(h.probes, p)
	h.mu.Unlock()
}

// CheckAll runs every probe concurrently, each under its own timeout, and
// folds the results by severity.
func (h *HealthChecker) CheckAll(ctx context.Context) Report {
	h.mu.RLock()
	probes := append([]Probe(nil), h.probes...)
	h.mu.RUnlock()

	results := make([]ProbeResult, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			results[i] = h.run(ctx, p)
		}(i, p)
	}
	wg.Wait()

	report := Report{
		Status:    StatusUp,
		Timestamp: time.Now(),
		Probes:    make(map[string]ProbeResult, len(probes)),
	}
	for i, p := range probes {
		report.Probes[p.Name] = results[i]
		if results[i].Status == StatusUp {
			continue
		}
		switch {
		case p.Severity == Critical:
			report.Status = StatusDown
		case report.Status == StatusUp:
			report.Status = StatusDegraded
		}
	}
	return report
}

// Last returns the most recent result of each probe that has run.
func (h *HealthChecker) Last() map[string]ProbeResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]ProbeResult, len(h.last))
	for name, r := range h.last {
		out[name] = r
	}
	return out
}

// Start launches a loop per probe with a positive interval. The loops end
// with ctx.
func (h *HealthChecker) Start(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, p := range h.probes {
		if p.Interval > 0 {
			go h.loop(ctx, p)
		}
	}
}

func (h *HealthChecker) run(ctx context.Context, p Probe) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	err := p.Check(probeCtx)
	r := ProbeResult{
		Status:    StatusUp,
		LatencyMS: time.Since(start).Milliseconds(),
		CheckedAt: start,
	}
	if err != nil {
		r.Status = StatusDown
		r.Error = err.Error()
	}

	h.mu.Lock()
	h.last[p.Name] = r
	h.mu.Unlock()
	return r
}

func (h *HealthChecker) loop(ctx context.Context, p Probe) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.run(ctx, p)
		}
	}
}
