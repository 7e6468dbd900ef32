package resiliency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/data-riot/policy-as-code/pkg/contracts"
)

func newFastRetrier(maxAttempts int) *Retrier {
	r := NewRetrier(maxAttempts, time.Millisecond, 1000)
	r.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return r
}

func TestRetrierSucceedsAfterTransientFailures(t *testing.T) {
	r := newFastRetrier(3)

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrierExhaustsAttempts(t *testing.T) {
	r := newFastRetrier(3)

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("still down")
	})
	assert.Equal(t, 3, calls)
	assert.True(t, contracts.IsCode(err, contracts.CodeExternalDependency), "got %v", err)
}

func TestRetrierStopsOnDomainError(t *testing.T) {
	r := newFastRetrier(5)

	calls := 0
	final := contracts.NewError(contracts.CodeValidation, "bad input")
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return final
	})
	assert.Equal(t, 1, calls)
	assert.True(t, contracts.IsCode(err, contracts.CodeValidation))
}

func TestRetrierRetriesExternalDependencyErrors(t *testing.T) {
	r := newFastRetrier(2)

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return contracts.NewError(contracts.CodeExternalDependency, "store hiccup")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetrierHonorsContextCancellation(t *testing.T) {
	r := NewRetrier(5, time.Millisecond, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, func(ctx context.Context) error {
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(contracts.NewError(contracts.CodeValidation, "x")))
	assert.True(t, Retryable(contracts.NewError(contracts.CodeExternalDependency, "x")))
	assert.True(t, Retryable(errors.New("io timeout")))
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("features", 2, time.Minute)
	cb.now = func() time.Time { return now }

	assert.True(t, cb.Allow())
	cb.Failure()
	assert.True(t, cb.Allow())
	cb.Failure()

	// Tripped.
	assert.False(t, cb.Allow())

	// After the reset timeout a single probe is allowed.
	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())

	cb.Success()
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerCall(t *testing.T) {
	cb := NewCircuitBreaker("signer", 1, time.Hour)

	err := cb.Call(context.Background(), func(ctx context.Context) error {
		return errors.New("down")
	})
	require.Error(t, err)

	err = cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.True(t, contracts.IsCode(err, contracts.CodeExternalDependency), "got %v", err)
}
