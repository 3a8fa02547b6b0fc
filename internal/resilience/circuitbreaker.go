// Package resilience provides circuit breaker and provider failover primitives.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that protects the translation pipeline from
// hammering a speech or translation backend that is already failing.
// [FallbackGroup] composes multiple instances of any provider type with
// per-entry circuit breakers so that a failing primary is automatically
// bypassed in favour of healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state; all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A
	// limited number of calls are allowed through; if they succeed the breaker
	// closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages and state-change
	// notifications.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the maximum number of probe calls allowed in the
	// half-open state before the breaker decides whether to close or re-open.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange, when non-nil, is invoked after every state transition.
	// It is called outside the breaker's lock and must not call back into the
	// breaker. Used to feed the provider health gauges.
	OnStateChange func(name string, from, to State)

	// now overrides the clock in tests. Nil means time.Now.
	now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu          sync.Mutex
	state       State
	failures    int // consecutive failures while closed
	lastFailure time.Time
	probes      int // calls admitted while half-open
	probeFails  int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           cfg.now,
		state:         StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state a limited number
// of probe calls are permitted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var transition *stateChange

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		transition = cb.setStateLocked(StateHalfOpen)
		cb.probes = 0
		cb.probeFails = 0
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			// Probe budget exhausted; wait for the in-flight probes to settle.
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.probes++
	}
	cb.mu.Unlock()
	cb.notify(transition)

	err := fn()

	cb.mu.Lock()
	if err != nil {
		transition = cb.recordFailureLocked(inHalfOpen)
	} else {
		transition = cb.recordSuccessLocked(inHalfOpen)
	}
	cb.mu.Unlock()
	cb.notify(transition)

	return err
}

// stateChange captures a transition for notification outside the lock.
type stateChange struct {
	from, to State
}

// setStateLocked switches the state and returns the transition for later
// notification. Must be called with cb.mu held.
func (cb *CircuitBreaker) setStateLocked(to State) *stateChange {
	if cb.state == to {
		return nil
	}
	change := &stateChange{from: cb.state, to: to}
	cb.state = to
	return change
}

func (cb *CircuitBreaker) notify(change *stateChange) {
	if change != nil && cb.onStateChange != nil {
		cb.onStateChange(cb.name, change.from, change.to)
	}
}

// recordFailureLocked handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailureLocked(inHalfOpen bool) *stateChange {
	cb.lastFailure = cb.now()

	if inHalfOpen {
		cb.probeFails++
		// Any failure during probing re-opens immediately.
		cb.failures = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return cb.setStateLocked(StateOpen)
	}

	cb.failures++
	if cb.failures >= cb.maxFailures {
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.failures)
		return cb.setStateLocked(StateOpen)
	}
	return nil
}

// recordSuccessLocked handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccessLocked(inHalfOpen bool) *stateChange {
	if inHalfOpen {
		if cb.probes-cb.probeFails >= cb.halfOpenMax {
			cb.failures = 0
			cb.probes = 0
			cb.probeFails = 0
			slog.Info("circuit breaker closed after successful probes", "name", cb.name)
			return cb.setStateLocked(StateClosed)
		}
		return nil
	}

	cb.failures = 0
	return nil
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.setStateLocked(StateClosed)
	cb.failures = 0
	cb.probes = 0
	cb.probeFails = 0
	cb.mu.Unlock()
	cb.notify(change)

	slog.Info("circuit breaker manually reset", "name", cb.name)
}
