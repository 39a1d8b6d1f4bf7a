package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-governance/pkg/clock"
)

var errBoom = errors.New("boom")

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetryPolicySucceedsAfterFailures(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 5})
	rp.sleep = noSleep

	calls := 0
	var notified []int
	err := rp.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	}, func(attempt int, _ error, _ time.Duration) { notified = append(notified, attempt) })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestRetryPolicyExhausts(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 2})
	rp.sleep = noSleep

	calls := 0
	err := rp.Do(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	}, nil)

	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyUnlimitedStopsOnCancel(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: -1})
	ctx, cancel := context.WithCancel(context.Background())
	rp.sleep = noSleep

	calls := 0
	err := rp.Do(ctx, func(context.Context) error {
		calls++
		if calls == 50 {
			cancel()
		}
		return errBoom
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 50, calls)
}

func TestCalculateBackoffCapped(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        80 * time.Millisecond,
		BackoffMultiplier: 2,
	})

	assert.Equal(t, 10*time.Millisecond, rp.CalculateBackoff(0))
	assert.Equal(t, 40*time.Millisecond, rp.CalculateBackoff(2))
	assert.Equal(t, 80*time.Millisecond, rp.CalculateBackoff(10))
	assert.Equal(t, 80*time.Millisecond, rp.CalculateBackoff(1000))
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         2,
		Timeout:             time.Second,
		MaxHalfOpenRequests: 1,
		Clock:               fake,
	})
	ctx := context.Background()
	fail := func(context.Context) error { return errBoom }
	ok := func(context.Context) error { return nil }

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	require.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)

	fake.Advance(time.Second)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	stats := cb.Stats()
	assert.Equal(t, 2, stats.Failures)
	assert.Equal(t, 1, stats.Rejected)
}

func TestCircuitBreakerIgnoresClassifiedErrors(t *testing.T) {
	notFound := errors.New("not found")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, notFound) },
	})

	for range 5 {
		require.ErrorIs(t, cb.Execute(context.Background(), func(context.Context) error { return notFound }), notFound)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: -1})
	rp.sleep = noSleep

	calls := 0
	err := rp.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errBoom)
	}, nil)

	assert.Equal(t, errBoom, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, Permanent(nil))
}
