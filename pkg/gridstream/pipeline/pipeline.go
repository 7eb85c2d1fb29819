// Package pipeline drains the pending-event journal through four stages:
// persist to the event store, apply to materialized views, publish to
// subscribers, and record completion.
//
// Events are dispatched to a fixed worker pool by a hash of their entity
// key, so events for one entity always run on one worker in submission
// order. A stage failure short-circuits the remaining stages and records a
// failed completion; the pipeline never retries a stage on its own.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gridstream/gridstream/pkg/gridstream/event"
	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/observability"
	"github.com/gridstream/gridstream/pkg/gridstream/outbox"
	"github.com/gridstream/gridstream/pkg/gridstream/store"
)

// ApplyFunc updates materialized views for one event. Nil means the
// apply stage is a pass-through.
type ApplyFunc func(ctx context.Context, env *event.Envelope) error

// ForwardPredicate reports whether an event must also be emitted through
// the outbox for cross-cluster delivery.
type ForwardPredicate func(env *event.Envelope) bool

// ForwardSagaEvents forwards every event carrying saga metadata.
func ForwardSagaEvents(env *event.Envelope) bool {
	return env.Saga != nil
}

// Config configures the pipeline.
type Config struct {
	// Workers is the size of the stage worker pool.
	// Default: 8
	Workers int

	// QueueDepth is the per-worker dispatch buffer.
	// Default: 256
	QueueDepth int

	// CompletionTTL is how long completion records are retained for
	// submitters to claim.
	// Default: 5 minutes
	CompletionTTL time.Duration

	// Domain labels this pipeline's metrics, typically the service name.
	Domain string
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Workers:       8,
	QueueDepth:    256,
	CompletionTTL: 5 * time.Minute,
}

// Pipeline consumes the pending journal and runs the stages.
type Pipeline struct {
	pending     grid.JournaledMap
	completions grid.Map
	events      *store.EventStore
	apply       ApplyFunc
	bus         event.Bus
	emitter     *outbox.Emitter
	forward     ForwardPredicate

	cfg     Config
	metrics observability.Recorder
	logger  *slog.Logger

	workers []chan work
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

type work struct {
	key event.CompositeKey
	rec event.Record
}

// New creates a pipeline. The emitter may be nil when the service never
// forwards events across the cluster.
func New(pending grid.JournaledMap, completions grid.Map, events *store.EventStore,
	apply ApplyFunc, bus event.Bus, emitter *outbox.Emitter, forward ForwardPredicate,
	cfg Config, metrics observability.Recorder, logger *slog.Logger) *Pipeline {

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig.QueueDepth
	}
	if cfg.CompletionTTL <= 0 {
		cfg.CompletionTTL = DefaultConfig.CompletionTTL
	}
	if forward == nil {
		forward = ForwardSagaEvents
	}
	if metrics == nil {
		metrics = observability.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		pending:     pending,
		completions: completions,
		events:      events,
		apply:       apply,
		bus:         bus,
		emitter:     emitter,
		forward:     forward,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start subscribes to the pending journal and launches the worker pool.
// Retained journal entries are replayed first, so work submitted before a
// restart is picked up again.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true

	p.workers = make([]chan work, p.cfg.Workers)
	for i := range p.workers {
		p.workers[i] = make(chan work, p.cfg.QueueDepth)
	}
	p.mu.Unlock()

	for i := range p.workers {
		p.wg.Add(1)
		go p.worker(ctx, p.workers[i])
	}

	entries, cancel := p.pending.Journal().Subscribe(ctx)
	p.wg.Add(1)
	go p.dispatch(ctx, entries, cancel)
}

// Stop halts dispatch and waits for in-flight stage work to finish.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

// dispatch routes journal entries to workers by entity-key hash. Ordering
// per entity holds because one entity always maps to one worker channel.
func (p *Pipeline) dispatch(ctx context.Context, entries <-chan grid.JournalEntry, cancel func()) {
	defer p.wg.Done()
	defer cancel()
	defer func() {
		for _, w := range p.workers {
			close(w)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case je, ok := <-entries:
			if !ok {
				return
			}
			key, err := event.ParseCompositeKey(je.Key)
			if err != nil {
				p.logger.Error("malformed pending key", slog.String("key", je.Key))
				continue
			}
			rec, err := event.UnmarshalRecord(je.Value)
			if err != nil {
				p.logger.Error("malformed pending record",
					slog.String("key", je.Key), slog.String("error", err.Error()))
				continue
			}
			idx := int(event.PartitionHash(key.EntityKey)) % len(p.workers)
			select {
			case p.workers[idx] <- work{key: key, rec: rec}:
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *Pipeline) worker(ctx context.Context, in <-chan work) {
	defer p.wg.Done()
	for w := range in {
		p.process(ctx, w)
	}
}

// process runs the stages for one event. Journal replay after a restart
// can hand us events that already completed; the pending map is the source
// of truth, so anything no longer in it is skipped.
func (p *Pipeline) process(ctx context.Context, w work) {
	if _, live, err := p.pending.Get(ctx, w.key.String()); err != nil || !live {
		return
	}

	env := event.FromRecord(w.rec)
	if env.EventID == "" {
		p.logger.Error("pending record missing event id", slog.String("key", w.key.String()))
		return
	}

	comp := &CompletionRecord{
		EventID:     env.EventID,
		SequenceKey: w.key.String(),
		EntityKey:   w.key.EntityKey,
		EventType:   env.EventType,
		SubmittedAt: env.SubmittedAt,
	}
	logger := observability.EnrichLogger(p.logger, env.EventID, env.EventType, env.EntityKey)
	w.rec[event.FieldPipelineEntry] = time.Now().UTC().Format(time.RFC3339Nano)

	// PERSIST
	done := observability.TimedOperation()
	if err := p.events.AppendAt(ctx, w.key, w.rec); err != nil {
		p.finish(ctx, w.key, env, comp, StagePersist, err, logger)
		return
	}
	comp.PersistedAt = time.Now().UTC()
	p.metrics.StageDuration(ctx, StagePersist, done())
	p.metrics.EventPersisted(ctx, p.cfg.Domain)

	// APPLY
	done = observability.TimedOperation()
	if p.apply != nil {
		if err := p.apply(ctx, env); err != nil {
			p.finish(ctx, w.key, env, comp, StageApply, err, logger)
			return
		}
	}
	comp.AppliedAt = time.Now().UTC()
	p.metrics.StageDuration(ctx, StageApply, done())
	p.metrics.EventApplied(ctx, p.cfg.Domain)

	// PUBLISH
	done = observability.TimedOperation()
	if p.bus != nil {
		if err := p.bus.Publish(ctx, env.EventType, w.rec); err != nil {
			p.finish(ctx, w.key, env, comp, StagePublish, err, logger)
			return
		}
	}
	comp.PublishedAt = time.Now().UTC()
	p.metrics.StageDuration(ctx, StagePublish, done())
	p.metrics.EventPublished(ctx, p.cfg.Domain)

	// COMPLETE
	comp.Success = true
	p.finish(ctx, w.key, env, comp, StageComplete, nil, logger)
}

// finish removes the pending entry, then writes the completion record.
// That order is load-bearing: once the record is visible the pending entry
// must already be gone, so no observer can see a completed event as still
// in flight. Saga-tagged events get an outbox append only after the
// completion record exists; a missing outbox cannot fail the event.
func (p *Pipeline) finish(ctx context.Context, key event.CompositeKey, env *event.Envelope,
	comp *CompletionRecord, stage string, cause error, logger *slog.Logger) {

	if cause != nil {
		comp.Success = false
		comp.FailedStage = stage
		comp.FailureReason = cause.Error()
		p.metrics.EventFailed(ctx, p.cfg.Domain, stage)
		observability.LogStageFailure(logger, stage, comp.EventID, cause)
	}
	comp.CompletedAt = time.Now().UTC()

	if err := p.pending.Delete(ctx, key.String()); err != nil {
		logger.Error("pending delete failed", slog.String("error", err.Error()))
		return
	}
	p.metrics.PendingEvents(ctx, -1)

	raw, err := comp.Marshal()
	if err != nil {
		logger.Error("completion encode failed", slog.String("error", err.Error()))
		return
	}
	if err := p.completions.PutWithTTL(ctx, comp.EventID, raw, p.cfg.CompletionTTL); err != nil {
		logger.Error("completion write failed", slog.String("error", err.Error()))
		return
	}
	p.metrics.PendingCompletions(ctx, 1)

	if comp.Success {
		p.metrics.EventCompleted(ctx, p.cfg.Domain)
		if !comp.SubmittedAt.IsZero() {
			p.metrics.EndToEndDuration(ctx, comp.CompletedAt.Sub(comp.SubmittedAt))
		}
		if p.emitter != nil && p.forward(env) {
			if err := p.emitter.Emit(ctx, env); err != nil {
				logger.Error("outbox emit failed", slog.String("error", err.Error()))
			}
		}
	}
}
