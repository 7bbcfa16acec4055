package paywall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := time.Minute
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var lastState CircuitBreakerState
	cb := NewDefaultCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
		lastState = state
	})
	cb.now = func() time.Time { return now }

	ctx := context.Background()
	fail := func() error { return errors.New("gateway down") }

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	// Next failure should open the circuit
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, lastState)

	// When open, Execute should fail fast
	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(timeout)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Successful probe closes the circuit
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, lastState)
}

func TestDefaultCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewDefaultCircuitBreaker(1, time.Second, nil)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	assert.Error(t, cb.Execute(ctx, func() error { return errors.New("x") }))
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Second)
	assert.Error(t, cb.Execute(ctx, func() error { return errors.New("still down") }))
	assert.Equal(t, StateOpen, cb.State())
}

func TestDefaultCircuitBreaker_SingleProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewDefaultCircuitBreaker(1, time.Second, nil)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	assert.Error(t, cb.Execute(ctx, func() error { return errors.New("x") }))
	now = now.Add(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// A second caller must not join the probe
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitOpen)

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_CallerCancellationIsNotFailure(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_Defaults(t *testing.T) {
	cb := NewDefaultCircuitBreaker(0, 0, nil)
	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
}
