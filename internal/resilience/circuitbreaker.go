// Package resilience protects outbound dials with a circuit breaker.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [Provider] wraps a [speech.Provider] so that a realtime endpoint that keeps
// refusing connections is not hammered by every new phone call; while the
// breaker is open, calls fail fast with [ErrCircuitOpen].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
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
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close.
	// Default: 1.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker's lock released.
	OnStateChange func(from, to State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now replaces time.Now; used by tests.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(from, to State)
	log           *slog.Logger
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeOK         int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields take
// their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		log:           cfg.Logger,
		now:           cfg.Now,
		state:         StateClosed,
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, transitions, err := cb.admit()
	cb.notify(transitions)
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	if err != nil {
		transitions = cb.recordFailure(probe)
	} else {
		transitions = cb.recordSuccess(probe)
	}
	cb.mu.Unlock()
	cb.notify(transitions)
	return err
}

type transition struct{ from, to State }

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, ts []transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, nil, ErrCircuitOpen
		}
		ts = append(ts, cb.setState(StateHalfOpen))
		cb.probes, cb.probeOK = 0, 0
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			return false, nil, ErrCircuitOpen
		}
	}
	if cb.state == StateHalfOpen {
		cb.probes++
		return true, ts, nil
	}
	return false, ts, nil
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probe bool) []transition {
	if probe {
		if cb.state != StateHalfOpen {
			return nil
		}
		cb.openedAt = cb.now()
		cb.consecutiveFail = cb.maxFailures
		return []transition{cb.setState(StateOpen)}
	}

	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		cb.openedAt = cb.now()
		return []transition{cb.setState(StateOpen)}
	}
	return nil
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probe bool) []transition {
	if !probe {
		cb.consecutiveFail = 0
		return nil
	}
	if cb.state != StateHalfOpen {
		return nil
	}
	cb.probeOK++
	if cb.probeOK >= cb.halfOpenMax {
		cb.consecutiveFail = 0
		cb.probes, cb.probeOK = 0, 0
		return []transition{cb.setState(StateClosed)}
	}
	return nil
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	return t
}

func (cb *CircuitBreaker) notify(ts []transition) {
	for _, t := range ts {
		level := slog.LevelInfo
		if t.to == StateOpen {
			level = slog.LevelWarn
		}
		cb.log.Log(context.Background(), level, "circuit breaker state change",
			"name", cb.name,
			"from", t.from.String(),
			"to", t.to.String(),
		)
		if cb.onStateChange != nil {
			cb.onStateChange(t.from, t.to)
		}
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var ts []transition
	if cb.state != StateClosed {
		ts = append(ts, cb.setState(StateClosed))
	}
	cb.consecutiveFail = 0
	cb.probes, cb.probeOK = 0, 0
	cb.mu.Unlock()
	cb.notify(ts)
}
