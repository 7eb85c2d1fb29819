package gridstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridstream/gridstream/pkg/gridstream/config"
	"github.com/gridstream/gridstream/pkg/gridstream/controller"
	"github.com/gridstream/gridstream/pkg/gridstream/dlq"
	"github.com/gridstream/gridstream/pkg/gridstream/event"
	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/idempotency"
	"github.com/gridstream/gridstream/pkg/gridstream/observability"
	"github.com/gridstream/gridstream/pkg/gridstream/outbox"
	"github.com/gridstream/gridstream/pkg/gridstream/pipeline"
	"github.com/gridstream/gridstream/pkg/gridstream/resilience"
	"github.com/gridstream/gridstream/pkg/gridstream/saga"
	"github.com/gridstream/gridstream/pkg/gridstream/store"
)

// Map-space names inside the embedded and shared grids.
const (
	mapPending     = "pending"
	mapCompletions = "completions"
	mapEvents      = "events"
	mapViews       = "views"
	mapSagaState   = "saga-state"
	mapDeadLetters = "dead-letters"
	mapIdempotency = "idempotency"
)

// Service is one event-sourced service instance: its embedded grid, the
// processing pipeline, and the cross-service machinery (outbox, dead
// letters, sagas) wired together from configuration.
type Service struct {
	name   string
	cfg    config.Config
	logger *slog.Logger

	local  *grid.Local
	shared *grid.Shared

	events *store.EventStore
	views  *store.ViewStore
	bus    *event.LocalBus

	pipe *pipeline.Pipeline
	ctrl *controller.Controller

	outboxStore outbox.Store
	emitter     *outbox.Emitter
	publisher   *outbox.Publisher

	letters *dlq.Queue
	guard   *idempotency.Guard
	resil   *resilience.Registry

	sagas   *saga.StateStore
	choreo  *saga.Choreography
	orch    *saga.Orchestrator
	scanner *saga.Scanner

	metrics observability.Recorder
}

// NewService builds a service runtime. Components honor the configuration
// keys documented on their packages; every key has a default, so an empty
// config is valid.
func NewService(name string, opts ...Option) (*Service, error) {
	if name == "" {
		return nil, fmt.Errorf("service name is required")
	}

	o := &serviceOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observability.NewRecorder()
	}
	logger := o.logger.With(slog.String("service", name))
	cfg := o.cfg

	var localOpts []grid.LocalOption
	if o.partitions > 0 {
		localOpts = append(localOpts, grid.WithPartitions(o.partitions))
	}
	local := grid.NewLocal(localOpts...)

	s := &Service{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		local:   local,
		shared:  o.shared,
		metrics: o.metrics,
	}

	// Per-service state lives in the embedded grid. The sequence comes
	// from the shared cluster when available so keys stay unique across
	// services writing about the same entities.
	var seq grid.IDGenerator
	if s.shared != nil {
		seq = s.shared.IDGenerator(name + ":seq")
	} else {
		seq = local.IDGenerator()
	}
	s.events = store.NewEventStore(local.Map(mapEvents), seq)
	s.views = store.NewViewStore(local, mapViews, s.events)
	s.bus = event.NewBus(event.DefaultBusConfig)

	// Outbox.
	var err error
	if o.outboxPath != "" {
		s.outboxStore, err = outbox.NewSQLiteStore(o.outboxPath)
		if err != nil {
			return nil, fmt.Errorf("open outbox: %w", err)
		}
	} else {
		s.outboxStore = outbox.NewMemoryStore()
	}
	s.emitter = outbox.NewEmitter(s.outboxStore, s.metrics)

	// Cross-service state falls back to the embedded grid when no shared
	// cluster is configured.
	if cfg.Bool("dlq.enabled", true) {
		s.letters = dlq.New(s.mapSpace(mapDeadLetters), s.Topic, name, dlq.Config{
			RetentionTTL:      cfg.Duration("dlq.entry-ttl", dlq.DefaultConfig.RetentionTTL),
			MaxReplayAttempts: cfg.Int("dlq.max-replay-attempts", dlq.DefaultConfig.MaxReplayAttempts),
		}, s.metrics, logger)
	}
	if cfg.Bool("idempotency.enabled", true) {
		s.guard = idempotency.New(s.mapSpace(mapIdempotency),
			cfg.Duration("idempotency.ttl", idempotency.DefaultTTL), s.metrics)
	}
	s.resil = resilience.NewRegistry(resilience.DefaultInstanceConfig, s.metrics, logger)
	if cfg.Bool("resilience.enabled", true) {
		s.configureResilience()
	}

	// Pipeline and controller over the pending journal.
	pending := local.Map(mapPending)
	completions := local.Map(mapCompletions)
	var emitter *outbox.Emitter
	if cfg.Bool("outbox.enabled", true) {
		emitter = s.emitter
	}
	s.pipe = pipeline.New(pending, completions, s.events, o.apply, s.bus, emitter, o.forward,
		pipeline.Config{
			Workers: cfg.Int("pipeline.parallelism", local.Partitions()),
			Domain:  name,
		}, s.metrics, logger)
	s.ctrl = controller.New(pending, completions, seq, controller.Config{
		DefaultTimeout: cfg.Duration("controller.completion.timeout", controller.DefaultConfig.DefaultTimeout),
		Domain:         name,
	}, s.metrics, logger)

	if cfg.Bool("outbox.enabled", true) {
		var sink outbox.FailureSink
		if s.letters != nil {
			sink = s.letters
		}
		s.publisher = outbox.NewPublisher(s.outboxStore, s.Topic, sink, outbox.PublisherConfig{
			PollInterval: cfg.Duration("outbox.poll-interval", outbox.DefaultPublisherConfig.PollInterval),
			BatchSize:    cfg.Int("outbox.max-batch-size", outbox.DefaultPublisherConfig.BatchSize),
			MaxRetries:   cfg.Int("outbox.max-retries", outbox.DefaultPublisherConfig.MaxRetries),
			EntryTTL:     cfg.Duration("outbox.entry-ttl", outbox.DefaultPublisherConfig.EntryTTL),
		}, s.metrics, logger)
	}

	// Sagas.
	s.sagas = saga.NewStateStore(s.mapSpace(mapSagaState), s.metrics, logger)
	s.choreo = saga.NewChoreography(name, s.sagas, s.guard, s.resil, s.emitter, s.letters,
		s.metrics, logger)
	s.orch = saga.NewOrchestrator(name, s.sagas, o.callbacks, s.metrics, logger)
	s.scanner = saga.NewScanner(s.sagas, s.locks(), s.onSagaExpired, saga.ScannerConfig{
		Interval: cfg.Duration("saga.timeout.check-interval", saga.DefaultScannerConfig.Interval),
	}, s.metrics, logger)

	return s, nil
}

// Start launches the pipeline, the outbox publisher, and the saga timeout
// scanner.
func (s *Service) Start(ctx context.Context) {
	s.pipe.Start(ctx)
	if s.publisher != nil {
		s.publisher.Start(ctx)
	}
	s.scanner.Start(ctx)
	s.logger.Info("service started")
}

// Stop shuts everything down in reverse order and closes the outbox.
func (s *Service) Stop() {
	s.scanner.Stop()
	if s.publisher != nil {
		s.publisher.Stop()
	}
	s.pipe.Stop()
	s.ctrl.Close()
	s.bus.Close()
	if err := s.outboxStore.Close(); err != nil {
		s.logger.Warn("outbox close failed", slog.String("error", err.Error()))
	}
	s.logger.Info("service stopped")
}

// Handle submits an event for the entity and returns its future.
func (s *Service) Handle(ctx context.Context, entityKey string, env *event.Envelope) (*controller.Future, error) {
	if env.SourceService == "" {
		env.SourceService = s.name
	}
	return s.ctrl.Handle(ctx, entityKey, env)
}

// HandleAndWait submits the event and blocks for its completion record.
func (s *Service) HandleAndWait(ctx context.Context, entityKey string, env *event.Envelope) (*pipeline.CompletionRecord, error) {
	f, err := s.Handle(ctx, entityKey, env)
	if err != nil {
		return nil, err
	}
	return f.Get(ctx)
}

// Topic returns the named cluster topic, shared when connected.
func (s *Service) Topic(name string) grid.Topic {
	if s.shared != nil {
		return s.shared.Topic(name)
	}
	return s.local.Topic(name)
}

// SagaTimeout resolves the deadline for a saga type, honoring per-type
// configuration overrides.
func (s *Service) SagaTimeout(sagaType string) time.Duration {
	def := s.cfg.Duration("saga.timeout.default-deadline", 30*time.Second)
	return s.cfg.Duration("saga.timeout.by-type."+sagaType, def)
}

// Events returns the append-only event store.
func (s *Service) Events() *store.EventStore { return s.events }

// Views returns the materialized view store.
func (s *Service) Views() *store.ViewStore { return s.views }

// Bus returns the in-process event bus fed by the publish stage.
func (s *Service) Bus() event.Bus { return s.bus }

// DLQ returns the dead letter queue, nil when disabled.
func (s *Service) DLQ() *dlq.Queue { return s.letters }

// Guard returns the idempotency guard, nil when disabled.
func (s *Service) Guard() *idempotency.Guard { return s.guard }

// Resilience returns the retry/breaker registry.
func (s *Service) Resilience() *resilience.Registry { return s.resil }

// Sagas returns the shared saga state store.
func (s *Service) Sagas() *saga.StateStore { return s.sagas }

// Choreography returns the choreographed-saga listener factory.
func (s *Service) Choreography() *saga.Choreography { return s.choreo }

// Orchestrator returns the saga orchestrator.
func (s *Service) Orchestrator() *saga.Orchestrator { return s.orch }

// Outbox returns the emitter for explicit cross-cluster sends.
func (s *Service) Outbox() *outbox.Emitter { return s.emitter }

// Grid returns the embedded grid, mostly for tests and tooling.
func (s *Service) Grid() *grid.Local { return s.local }

// mapSpace picks the shared cluster's map when connected, otherwise the
// embedded one.
func (s *Service) mapSpace(name string) grid.Map {
	if s.shared != nil {
		return s.shared.Map(name)
	}
	return s.local.Map(name)
}

func (s *Service) locks() grid.LockManager {
	if s.shared != nil {
		return s.shared.Locks()
	}
	return s.local.Locks()
}

// onSagaExpired emits compensation events for a saga the scanner just
// timed out.
func (s *Service) onSagaExpired(ctx context.Context, st *saga.State) {
	s.choreo.Compensate(ctx, st, st.EntityKey)
}

// configureResilience applies per-instance overrides from the
// resilience.instances.<name>.* keys.
func (s *Service) configureResilience() {
	instances := s.cfg.Sub("resilience.instances")
	for name := range instances.Raw() {
		ic := instances.Sub(name)
		cfg := resilience.DefaultInstanceConfig
		cfg.Breaker.FailureRateThreshold = ic.Float("failureRateThreshold", cfg.Breaker.FailureRateThreshold)
		cfg.Breaker.MinimumCalls = ic.Int("minimumCalls", cfg.Breaker.MinimumCalls)
		cfg.Breaker.SlidingWindowSize = ic.Int("slidingWindowSize", cfg.Breaker.SlidingWindowSize)
		cfg.Breaker.WaitDurationInOpen = ic.Duration("waitDurationInOpen", cfg.Breaker.WaitDurationInOpen)
		cfg.Breaker.PermittedCallsInHalfOpen = ic.Int("permittedCallsInHalfOpen", cfg.Breaker.PermittedCallsInHalfOpen)
		cfg.Retry.MaxAttempts = ic.Int("maxAttempts", cfg.Retry.MaxAttempts)
		cfg.Retry.WaitDuration = ic.Duration("waitDuration", cfg.Retry.WaitDuration)
		cfg.Retry.Multiplier = ic.Float("multiplier", cfg.Retry.Multiplier)
		s.resil.Configure(name, cfg)
	}
}
