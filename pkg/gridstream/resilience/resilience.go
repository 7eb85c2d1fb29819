// Package resilience wraps remote business calls in retry with exponential
// backoff and a named circuit breaker.
//
// Composition: Execute(name, op) applies retry around op and wraps the
// whole retry chain in the circuit breaker for name. Errors classified
// non-retryable skip the retry loop AND are excluded from the breaker's
// failure accounting, so business-rule rejections can never open a circuit.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"

	gserrors "github.com/gridstream/gridstream/pkg/gridstream/errors"
	"github.com/gridstream/gridstream/pkg/gridstream/observability"
	"github.com/gridstream/gridstream/pkg/gridstream/registry"
)

// InstanceConfig bundles the breaker and retry settings of one named
// instance.
type InstanceConfig struct {
	Breaker BreakerConfig
	Retry   RetryConfig
}

// DefaultInstanceConfig provides reasonable defaults.
var DefaultInstanceConfig = InstanceConfig{
	Breaker: DefaultBreakerConfig,
	Retry:   DefaultRetryConfig,
}

// Executor runs operations under one named breaker + retry instance.
type Executor struct {
	name    string
	cfg     InstanceConfig
	breaker *gobreaker.CircuitBreaker
	metrics observability.Recorder
	logger  *slog.Logger
}

// Execute runs op with retry inside the circuit breaker.
// When the breaker is OPEN the call fails immediately with ErrCircuitOpen.
func (e *Executor) Execute(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	value, err := e.breaker.Execute(func() (any, error) {
		res := WithRetry(ctx, e.cfg.Retry, op)
		for i := 0; i < res.Retries; i++ {
			e.metrics.RetryAttempt(ctx, e.name)
		}
		if res.Ignored {
			e.metrics.RetryIgnored(ctx, e.name)
		}
		return res.Value, res.Err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		e.metrics.CircuitRejected(ctx, e.name)
		return nil, fmt.Errorf("%s: %w", e.name, gserrors.ErrCircuitOpen)
	}
	return value, err
}

// State returns the breaker state name for diagnostics.
func (e *Executor) State() string {
	return e.breaker.State().String()
}

// Registry hands out per-name executors, creating them on first use with
// the registered override or the default configuration. Process-wide; its
// lifecycle matches process lifetime.
type Registry struct {
	executors *registry.Registry[string, *Executor]
	overrides *registry.Registry[string, InstanceConfig]
	defaults  InstanceConfig
	metrics   observability.Recorder
	logger    *slog.Logger
}

// NewRegistry creates a resilience registry.
func NewRegistry(defaults InstanceConfig, metrics observability.Recorder, logger *slog.Logger) *Registry {
	if metrics == nil {
		metrics = observability.Noop{}
	}
	return &Registry{
		executors: registry.New[string, *Executor](),
		overrides: registry.New[string, InstanceConfig](),
		defaults:  defaults,
		metrics:   metrics,
		logger:    logger,
	}
}

// Configure registers a per-instance override, replacing any executor
// already built for the name.
func (r *Registry) Configure(name string, cfg InstanceConfig) {
	r.overrides.Register(name, cfg)
	r.executors.Delete(name)
}

// Instance returns the executor for name, creating it on first use.
func (r *Registry) Instance(name string) *Executor {
	return r.executors.GetOrCreate(name, func() *Executor {
		cfg, ok := r.overrides.Get(name)
		if !ok {
			cfg = r.defaults
		}
		return &Executor{
			name:    name,
			cfg:     cfg,
			breaker: newBreaker(name, cfg.Breaker, r.logger),
			metrics: r.metrics,
			logger:  r.logger,
		}
	})
}

// Execute runs op under the named instance.
func (r *Registry) Execute(ctx context.Context, name string, op func(context.Context) (any, error)) (any, error) {
	return r.Instance(name).Execute(ctx, op)
}
