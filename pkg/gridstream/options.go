package gridstream

import (
	"log/slog"

	"github.com/gridstream/gridstream/pkg/gridstream/config"
	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/observability"
	"github.com/gridstream/gridstream/pkg/gridstream/pipeline"
	"github.com/gridstream/gridstream/pkg/gridstream/saga"
)

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	cfg        config.Config
	logger     *slog.Logger
	metrics    observability.Recorder
	shared     *grid.Shared
	partitions int
	outboxPath string
	apply      pipeline.ApplyFunc
	forward    pipeline.ForwardPredicate
	callbacks  saga.Callbacks
}

// WithConfig supplies the service's configuration document.
func WithConfig(cfg config.Config) Option {
	return func(o *serviceOptions) { o.cfg = cfg }
}

// WithLogger sets the structured logger (default: slog.Default).
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) { o.logger = logger }
}

// WithMetrics sets the metric recorder (default: OpenTelemetry via the
// global meter provider, falling back to a no-op).
func WithMetrics(metrics observability.Recorder) Option {
	return func(o *serviceOptions) { o.metrics = metrics }
}

// WithSharedGrid connects the service to the shared cluster. Without it,
// saga state, dead letters, the idempotency guard, and topics live in the
// embedded grid, which is fine for a single process and for tests.
func WithSharedGrid(shared *grid.Shared) Option {
	return func(o *serviceOptions) { o.shared = shared }
}

// WithPartitions sets the embedded grid's partition count.
func WithPartitions(n int) Option {
	return func(o *serviceOptions) { o.partitions = n }
}

// WithOutboxPath stores the outbox in SQLite at the given path so
// undelivered events survive restarts. Default is in-memory.
func WithOutboxPath(path string) Option {
	return func(o *serviceOptions) { o.outboxPath = path }
}

// WithApply sets the pipeline's view-apply stage.
func WithApply(fn pipeline.ApplyFunc) Option {
	return func(o *serviceOptions) { o.apply = fn }
}

// WithForward overrides which events are forwarded through the outbox
// (default: events carrying saga metadata).
func WithForward(fn pipeline.ForwardPredicate) Option {
	return func(o *serviceOptions) { o.forward = fn }
}

// WithSagaCallbacks sets the orchestrator's terminal-outcome callbacks.
func WithSagaCallbacks(calls saga.Callbacks) Option {
	return func(o *serviceOptions) { o.callbacks = calls }
}
