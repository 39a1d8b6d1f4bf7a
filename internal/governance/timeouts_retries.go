package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RetryConfig defines retry behavior for durable writes.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts. 0 means a single attempt,
	// a negative value retries until the context is cancelled.
	MaxRetries int
	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds up to 25% randomness to each delay.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy executes operations with exponential backoff.
type RetryPolicy struct {
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}

	return &RetryPolicy{config: config, sleep: sleepContext}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// Unlimited reports whether the policy retries until cancellation.
func (rp *RetryPolicy) Unlimited() bool {
	return rp.config.MaxRetries < 0
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	// Exponent is clamped so the float never overflows on long outages.
	exp := math.Min(float64(attempt), 32)
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, exp))

	if backoff > rp.config.MaxBackoff || backoff <= 0 {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		jitter := time.Duration(rand.Int63n(int64(backoff / 4)))
		backoff += jitter
	}

	return backoff
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Do returns it unwrapped at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryNotify is called before each backoff sleep.
type RetryNotify func(attempt int, err error, backoff time.Duration)

// Do runs fn until it succeeds, the attempts are exhausted or ctx is done.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error, notify RetryNotify) error {
	var lastErr error

	for attempt := 0; rp.Unlimited() || attempt <= rp.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var permanent *permanentError
		if errors.As(lastErr, &permanent) {
			return permanent.err
		}
		if errors.Is(lastErr, context.Canceled) && ctx.Err() != nil {
			return lastErr
		}

		if !rp.Unlimited() && attempt == rp.config.MaxRetries {
			break
		}

		backoff := rp.CalculateBackoff(attempt)
		if notify != nil {
			notify(attempt+1, lastErr, backoff)
		}
		if err := rp.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}

	return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
