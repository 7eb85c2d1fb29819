package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	gserrors "github.com/gridstream/gridstream/pkg/gridstream/errors"
)

// RetryConfig configures retry behavior for one named instance.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// WaitDuration is the starting backoff duration.
	WaitDuration time.Duration

	// MaxWait is the maximum backoff duration.
	MaxWait time.Duration

	// Multiplier is applied to the backoff after each attempt when
	// ExponentialBackoff is set.
	Multiplier float64

	// ExponentialBackoff enables exponential growth of the wait.
	ExponentialBackoff bool

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64
}

// DefaultRetryConfig is the standard retry configuration.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:        3,
	WaitDuration:       100 * time.Millisecond,
	MaxWait:            5 * time.Second,
	Multiplier:         2.0,
	ExponentialBackoff: true,
	Jitter:             0.1,
}

// RetryResult reports the outcome of a retried operation.
type RetryResult struct {
	// Value is the result if successful.
	Value any

	// Err is the final error if all attempts failed.
	Err error

	// Attempts is the number of attempts made.
	Attempts int

	// Retries is the number of attempts after the first.
	Retries int

	// Ignored reports that the error was classified non-retryable and the
	// loop stopped without retrying.
	Ignored bool
}

// WithRetry executes op with retries per cfg, respecting context
// cancellation. An error classified non-retryable stops the loop
// immediately and is returned as-is.
func WithRetry(ctx context.Context, cfg RetryConfig, op func(context.Context) (any, error)) RetryResult {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	backoff := cfg.WaitDuration
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult{Err: err, Attempts: attempt, Retries: max(attempt-1, 0)}
		}

		value, err := op(ctx)
		if err == nil {
			return RetryResult{Value: value, Attempts: attempt + 1, Retries: attempt}
		}
		lastErr = err

		if !gserrors.IsRetryable(err) {
			return RetryResult{
				Err:      err,
				Attempts: attempt + 1,
				Retries:  attempt,
				Ignored:  gserrors.IsNonRetryable(err),
			}
		}

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return RetryResult{Err: ctx.Err(), Attempts: attempt + 1, Retries: attempt}
			case <-time.After(withJitter(backoff, cfg.Jitter)):
			}
			if cfg.ExponentialBackoff {
				backoff = time.Duration(float64(backoff) * cfg.Multiplier)
				if cfg.MaxWait > 0 && backoff > cfg.MaxWait {
					backoff = cfg.MaxWait
				}
			}
		}
	}

	return RetryResult{Err: lastErr, Attempts: cfg.MaxAttempts, Retries: cfg.MaxAttempts - 1}
}

// withJitter returns the backoff duration with jitter applied.
func withJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	amount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + amount)
}
