package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jarbas-ai/jarbas/internal/errors"
)

// RetryConfig controls retry with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (>= 1).
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay per attempt (default 2).
	BackoffFactor float64

	// IsRetryable decides whether an error is worth another attempt.
	// Defaults to errors.IsRetryable.
	IsRetryable func(error) bool
}

// DefaultRetryConfig matches the runtime defaults for external calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		IsRetryable:   errors.IsRetryable,
	}
}

// Do executes fn up to MaxAttempts times. Delay for attempt n is
// min(BaseDelay * factor^(n-1), MaxDelay). Exhaustion returns
// ErrRetryExhausted wrapping the last error.
func (rc RetryConfig) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.BackoffFactor <= 0 {
		rc.BackoffFactor = 2.0
	}
	if rc.IsRetryable == nil {
		rc.IsRetryable = errors.IsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rc.delay(attempt - 1)):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !rc.IsRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("after %d attempts: %w: %w", rc.MaxAttempts, errors.ErrRetryExhausted, lastErr)
}

func (rc RetryConfig) delay(retry int) time.Duration {
	d := time.Duration(float64(rc.BaseDelay) * math.Pow(rc.BackoffFactor, float64(retry-1)))
	if rc.MaxDelay > 0 && d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	return d
}

// CallWithBreaker composes retry around the breaker: each retry attempt is
// a separate breaker call, so an open breaker fails attempts fast.
func CallWithBreaker(ctx context.Context, rc RetryConfig, b *Breaker, fn func(ctx context.Context) error) error {
	return rc.Do(ctx, func(ctx context.Context) error {
		return b.Call(ctx, fn)
	})
}
