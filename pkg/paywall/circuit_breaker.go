package paywall

import (
	"context"
	"errors"
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

var (
	// ErrCircuitOpen is returned when the circuit breaker around the gateway is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker guards calls to the payment gateway.
type CircuitBreaker interface {
	// Execute executes the given function within the circuit breaker.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after a run of consecutive failures and lets a
// single probe through once the reset timeout has elapsed.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	probing             bool
	now                 func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		onStateChange:    onStateChange,
		now:              time.Now,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the circuit is open. Context cancellation by the
// caller is not counted as a gateway failure.
func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	switch cb.currentState() {
	case StateOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
		cb.changeState(StateHalfOpen)
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	if err != nil && ctx.Err() == nil {
		cb.failure()
		return err
	}
	if err == nil {
		cb.success()
	}
	return err
}

func (cb *DefaultCircuitBreaker) success() {
	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold) {
		cb.changeState(StateOpen)
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

// passthroughBreaker is used when the circuit breaker is disabled.
type passthroughBreaker struct{}

func (passthroughBreaker) Execute(_ context.Context, fn func() error) error { return fn() }
func (passthroughBreaker) State() CircuitBreakerState                     { return StateClosed }
