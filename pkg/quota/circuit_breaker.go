package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
// It matches ErrStorageUnavailable with errors.Is.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", ErrStorageUnavailable)

// CircuitBreaker guards calls to a failing dependency.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after a run of consecutive failures and lets a
// single probe through after resetTimeout.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
	now                 func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// advance moves Open to HalfOpen once the reset timeout elapsed. Caller holds mu.
func (cb *DefaultCircuitBreaker) advance() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.changeState(StateHalfOpen)
	}
}

func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cb.mu.Lock()
	cb.advance()
	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	case StateClosed:
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	if countsAsFailure(ctx, err) {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
	return err
}

func (cb *DefaultCircuitBreaker) recordSuccess() {
	cb.consecutiveFailures = 0
	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
}

func (cb *DefaultCircuitBreaker) recordFailure() {
	cb.consecutiveFailures++
	switch cb.state {
	case StateHalfOpen:
		cb.openedAt = cb.now()
		cb.changeState(StateOpen)
	case StateClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.openedAt = cb.now()
			cb.changeState(StateOpen)
		}
	case StateOpen:
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// countsAsFailure separates storage faults from normal outcomes: absent rows
// and the caller's own cancellation say nothing about storage health.
func countsAsFailure(ctx context.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSubscriptionNotFound), errors.Is(err, ErrLimitsNotFound):
		return false
	case errors.Is(err, ErrInvalidSubscription), errors.Is(err, ErrInvalidLimits),
		errors.Is(err, ErrInvalidGenerationType), errors.Is(err, ErrMissingUserID):
		return false
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return false
	default:
		return true
	}
}
