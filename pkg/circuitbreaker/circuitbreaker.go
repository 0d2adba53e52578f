package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without calling the function while the breaker
// refuses calls.
var ErrOpen = errors.New("circuit breaker open")

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold probe successes close it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before letting a probe through.
	Timeout time.Duration
	// MaxRequestsHalfOpen bounds the probes in flight while half-open.
	MaxRequestsHalfOpen int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

// CircuitBreaker stops hammering a dependency that keeps failing: after
// FailureThreshold consecutive failures calls are refused for Timeout, then
// a limited number of probes decide whether to close or reopen.
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
	onChange  func(from, to State)
}

func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.MaxRequestsHalfOpen <= 0 {
		cfg.MaxRequestsHalfOpen = 1
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// OnStateChange registers fn to be told about every transition. fn runs on
// the goroutine that caused the transition, after the breaker's lock is
// released, and must not block.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Execute runs fn unless the breaker refuses the call. An error caused by
// ctx ending is the caller giving up and does not count against the
// dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(ctx, probe, err)
	return err
}

// Current returns the breaker state.
func (cb *CircuitBreaker) Current() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryAfter is how long an open breaker keeps refusing calls; zero when
// it is not open.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.remainingLocked()
}

// Reset closes the breaker and forgets past failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	ch := cb.moveLocked(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	ch.fire()
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var ch change
	if cb.state == StateOpen && cb.remainingLocked() == 0 {
		ch = cb.moveLocked(StateHalfOpen)
	}
	probe = cb.state == StateHalfOpen
	switch {
	case cb.state == StateOpen:
		err = fmt.Errorf("%w: retry in %s", ErrOpen, cb.remainingLocked().Round(time.Millisecond))
	case probe && cb.probes >= cb.cfg.MaxRequestsHalfOpen:
		err = fmt.Errorf("%w: probe in flight", ErrOpen)
	case probe:
		cb.probes++
	}
	cb.mu.Unlock()
	ch.fire()
	return probe, err
}

func (cb *CircuitBreaker) settle(ctx context.Context, probe bool, err error) {
	cb.mu.Lock()
	if probe && cb.probes > 0 {
		cb.probes--
	}
	var ch change
	switch {
	case err == nil:
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				ch = cb.moveLocked(StateClosed)
			}
		}
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
	case cb.state == StateHalfOpen:
		ch = cb.moveLocked(StateOpen)
	case cb.state == StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			ch = cb.moveLocked(StateOpen)
		}
	}
	cb.mu.Unlock()
	ch.fire()
}

func (cb *CircuitBreaker) remainingLocked() time.Duration {
	if cb.state != StateOpen {
		return 0
	}
	if d := cb.cfg.Timeout - cb.now().Sub(cb.openedAt); d > 0 {
		return d
	}
	return 0
}

type change struct {
	from, to State
	notify   func(from, to State)
}

func (c change) fire() {
	if c.notify != nil {
		c.notify(c.from, c.to)
	}
}

func (cb *CircuitBreaker) moveLocked(to State) change {
	if cb.state == to {
		return change{}
	}
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	return change{from: from, to: to, notify: cb.onChange}
}
