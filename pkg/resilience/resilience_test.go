package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, errPermanent) },
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastRetry(4)
	cfg.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	err := Retry(context.Background(), "op", cfg, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", fastRetry(5), func() error {
		calls++
		return errPermanent
	})
	assert.Same(t, errPermanent, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", fastRetry(3), func() error {
		calls++
		return errTransient
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestRetry_AbortsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, "op", fastRetry(5), func() error {
		calls++
		cancel()
		return errTransient
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestBackoff_CapsAtMaxDelay(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, Backoff(1, cfg))
	assert.Equal(t, 200*time.Millisecond, Backoff(2, cfg))
	assert.Equal(t, 250*time.Millisecond, Backoff(5, cfg))
}

func TestCircuitBreaker_OpensAndReportsStateChanges(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker("provider", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		OnStateChange:    func(_ string, to State) { transitions = append(transitions, to) },
	})

	_ = cb.Execute(func() error { return errTransient })
	_ = cb.Execute(func() error { return errTransient })
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	cb.Reset()
	assert.Equal(t, []State{StateOpen, StateClosed}, transitions)
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	cb := NewCircuitBreaker("provider", CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, errPermanent) },
	})
	err := cb.Execute(func() error { return errPermanent })
	assert.ErrorIs(t, err, errPermanent)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestDetached_IgnoresParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Detached(ctx, time.Second, "upsert", func(ctx context.Context) error {
		return ctx.Err()
	})
	assert.NoError(t, err)
}
