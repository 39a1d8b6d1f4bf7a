package governance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/polisai/polis-governance/pkg/clock"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is probing whether the collaborator recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// MaxHalfOpenRequests is the number of trial calls allowed in half-open state.
	// That many consecutive successes close the circuit again.
	MaxHalfOpenRequests int
	// IsFailure classifies errors. Errors it rejects (e.g. "not found") pass through
	// without counting against the collaborator. Nil counts every error.
	IsFailure func(error) bool
	// Clock drives open timeouts. Defaults to the real clock.
	Clock clock.Clock
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 3,
	}
}

// CircuitBreaker short-circuits calls to a failing collaborator.
type CircuitBreaker struct {
	mu     sync.Mutex
	state  CircuitBreakerState
	config CircuitBreakerConfig

	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	totalFailures        int
	totalSuccesses       int
	rejected             int
	openUntil            time.Time
	lastStateChange      time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 3
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	return &CircuitBreaker{
		state:           StateClosed,
		config:          config,
		lastStateChange: config.Clock.Now(),
	}
}

// Execute runs fn under circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Clock.Now()

	switch cb.state {
	case StateOpen:
		if now.Before(cb.openUntil) {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen, now)
		cb.halfOpenRequests++
		return nil
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxHalfOpenRequests {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.halfOpenRequests++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Clock.Now()
	failed := err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err))

	if failed {
		cb.totalFailures++
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
	} else {
		cb.totalSuccesses++
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
	}

	switch cb.state {
	case StateHalfOpen:
		if failed {
			cb.transitionLocked(StateOpen, now)
			return
		}
		if cb.consecutiveSuccesses >= cb.config.MaxHalfOpenRequests {
			cb.transitionLocked(StateClosed, now)
		}
	case StateClosed:
		if failed && cb.consecutiveFailures >= cb.config.MaxFailures {
			cb.transitionLocked(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(next CircuitBreakerState, now time.Time) {
	if cb.state == next {
		return
	}

	cb.state = next
	cb.lastStateChange = now
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0

	if next == StateOpen {
		cb.openUntil = now.Add(cb.config.Timeout)
	} else {
		cb.openUntil = time.Time{}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State           string `json:"state"`
	Failures        int    `json:"failures"`
	Successes       int    `json:"successes"`
	Rejected        int    `json:"rejected"`
	LastStateChange string `json:"lastStateChange"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		State:           string(cb.state),
		Failures:        cb.totalFailures,
		Successes:       cb.totalSuccesses,
		Rejected:        cb.rejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionLocked(StateClosed, cb.config.Clock.Now())
	cb.totalFailures = 0
	cb.totalSuccesses = 0
	cb.rejected = 0
}
