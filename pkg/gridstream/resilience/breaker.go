package resilience

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	gserrors "github.com/gridstream/gridstream/pkg/gridstream/errors"
)

// BreakerConfig configures one named circuit breaker instance.
type BreakerConfig struct {
	// FailureRateThreshold is the failure percentage (0-100) at or above
	// which the breaker opens, once MinimumCalls have been observed.
	FailureRateThreshold float64

	// MinimumCalls is the number of calls required before the failure rate
	// is evaluated.
	MinimumCalls int

	// SlidingWindowSize bounds the count-based outcome window. Counts are
	// cleared once the window fills so stale history cannot keep the
	// breaker open or closed.
	SlidingWindowSize int

	// WaitDurationInOpen is how long the breaker stays OPEN before probing.
	WaitDurationInOpen time.Duration

	// PermittedCallsInHalfOpen is how many consecutive successful probe
	// calls close the breaker from HALF_OPEN.
	PermittedCallsInHalfOpen int
}

// DefaultBreakerConfig provides reasonable defaults.
var DefaultBreakerConfig = BreakerConfig{
	FailureRateThreshold:     50,
	MinimumCalls:             10,
	SlidingWindowSize:        100,
	WaitDurationInOpen:       10 * time.Second,
	PermittedCallsInHalfOpen: 3,
}

// newBreaker builds a gobreaker instance for the given config.
//
// The failure predicate treats non-retryable business errors as successes:
// a run of insufficient-stock rejections must never open the breaker.
func newBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.PermittedCallsInHalfOpen),
		Timeout:     cfg.WaitDurationInOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if int(counts.Requests) < cfg.MinimumCalls {
				return false
			}
			rate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
			return rate >= cfg.FailureRateThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || gserrors.IsNonRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Info("circuit breaker state change",
					slog.String("name", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			}
		},
	}
	if cfg.SlidingWindowSize > 0 && cfg.WaitDurationInOpen > 0 {
		// gobreaker clears closed-state counts on an interval rather than a
		// count window; an interval proportional to the window size is the
		// closest approximation without forking the library.
		settings.Interval = cfg.WaitDurationInOpen * time.Duration(max(cfg.SlidingWindowSize/10, 1))
	}
	return gobreaker.NewCircuitBreaker(settings)
}
