package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gserrors "github.com/gridstream/gridstream/pkg/gridstream/errors"
	"github.com/gridstream/gridstream/pkg/gridstream/resilience"
)

// fastRetry keeps retry tests from sleeping.
var fastRetry = resilience.RetryConfig{
	MaxAttempts:  3,
	WaitDuration: time.Millisecond,
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	res := resilience.WithRetry(context.Background(), fastRetry, func(context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, gserrors.GridUnavailable("put", errors.New("connection reset"))
		}
		return "ok", nil
	})

	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, res.Retries)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	res := resilience.WithRetry(context.Background(), fastRetry, func(context.Context) (any, error) {
		calls++
		return nil, errors.New("still broken")
	})

	assert.Error(t, res.Err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, res.Attempts)
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	rejection := gserrors.NonRetryable("insufficient stock", nil)
	res := resilience.WithRetry(context.Background(), fastRetry, func(context.Context) (any, error) {
		calls++
		return nil, rejection
	})

	assert.Equal(t, 1, calls, "business rejections must not be retried")
	assert.True(t, res.Ignored)
	assert.ErrorIs(t, res.Err, rejection)
}

func TestWithRetryRespectsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	res := resilience.WithRetry(ctx, fastRetry, func(context.Context) (any, error) {
		calls++
		cancel()
		return nil, errors.New("transient")
	})

	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, calls)
}

// trippy is a breaker config that opens after a handful of failures.
var trippy = resilience.InstanceConfig{
	Breaker: resilience.BreakerConfig{
		FailureRateThreshold:     50,
		MinimumCalls:             3,
		SlidingWindowSize:        10,
		WaitDurationInOpen:       time.Minute,
		PermittedCallsInHalfOpen: 1,
	},
	Retry: resilience.RetryConfig{MaxAttempts: 1},
}

func TestExecutorOpensOnRetryableFailures(t *testing.T) {
	reg := resilience.NewRegistry(trippy, nil, nil)
	ctx := context.Background()
	boom := func(context.Context) (any, error) {
		return nil, gserrors.GridUnavailable("call", errors.New("down"))
	}

	for i := 0; i < 3; i++ {
		_, err := reg.Execute(ctx, "inventory", boom)
		require.Error(t, err)
	}
	assert.Equal(t, "open", reg.Instance("inventory").State())

	_, err := reg.Execute(ctx, "inventory", boom)
	assert.ErrorIs(t, err, gserrors.ErrCircuitOpen)
	assert.Equal(t, gserrors.KindCircuitOpen, gserrors.Classify(err))
}

func TestExecutorRecoversThroughHalfOpen(t *testing.T) {
	cfg := trippy
	cfg.Breaker.WaitDurationInOpen = 30 * time.Millisecond
	cfg.Breaker.PermittedCallsInHalfOpen = 2
	reg := resilience.NewRegistry(cfg, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := reg.Execute(ctx, "inventory", func(context.Context) (any, error) {
			return nil, gserrors.GridUnavailable("call", errors.New("down"))
		})
		require.Error(t, err)
	}
	require.Equal(t, "open", reg.Instance("inventory").State())
	_, err := reg.Execute(ctx, "inventory", func(context.Context) (any, error) {
		return "unreachable", nil
	})
	assert.ErrorIs(t, err, gserrors.ErrCircuitOpen, "open breaker sheds calls without running them")

	// After the open window the breaker probes; enough successes close it.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 2; i++ {
		value, err := reg.Execute(ctx, "inventory", func(context.Context) (any, error) {
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", value)
	}
	assert.Equal(t, "closed", reg.Instance("inventory").State())
}

func TestExecutorIgnoresBusinessRejections(t *testing.T) {
	reg := resilience.NewRegistry(trippy, nil, nil)
	ctx := context.Background()

	// A long run of non-retryable rejections must leave the breaker closed.
	for i := 0; i < 20; i++ {
		_, err := reg.Execute(ctx, "inventory", func(context.Context) (any, error) {
			return nil, gserrors.NonRetryable("insufficient stock", nil)
		})
		require.Error(t, err)
		assert.True(t, gserrors.IsNonRetryable(err))
	}
	assert.Equal(t, "closed", reg.Instance("inventory").State())

	value, err := reg.Execute(ctx, "inventory", func(context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestInstancesAreIsolated(t *testing.T) {
	reg := resilience.NewRegistry(trippy, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = reg.Execute(ctx, "payment", func(context.Context) (any, error) {
			return nil, errors.New("down")
		})
	}
	assert.Equal(t, "open", reg.Instance("payment").State())
	assert.Equal(t, "closed", reg.Instance("shipping").State(),
		"one service's failures must not open another's breaker")
}

func TestConfigureOverridesInstance(t *testing.T) {
	reg := resilience.NewRegistry(resilience.DefaultInstanceConfig, nil, nil)
	ctx := context.Background()

	override := trippy
	override.Breaker.MinimumCalls = 2
	reg.Configure("flaky", override)

	for i := 0; i < 2; i++ {
		_, _ = reg.Execute(ctx, "flaky", func(context.Context) (any, error) {
			return nil, errors.New("down")
		})
	}
	assert.Equal(t, "open", reg.Instance("flaky").State())
}
