// Package controller is the submission front door: it stamps metadata,
// assigns the ordering sequence, journals the event as pending, and hands
// the caller a future that resolves when the pipeline writes the event's
// completion record.
package controller

import (
	"context"
	"log/slog"
	"time"

	gserrors "github.com/gridstream/gridstream/pkg/gridstream/errors"
	"github.com/gridstream/gridstream/pkg/gridstream/event"
	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/observability"
	"github.com/gridstream/gridstream/pkg/gridstream/pipeline"
	"github.com/gridstream/gridstream/pkg/gridstream/registry"
)

// Config configures the controller.
type Config struct {
	// DefaultTimeout bounds Future.Get when its context has no deadline.
	// Default: 30 seconds
	DefaultTimeout time.Duration

	// Domain labels this controller's metrics, typically the service name.
	Domain string
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	DefaultTimeout: 30 * time.Second,
}

// Future resolves to the completion record of a submitted event.
type Future struct {
	id      string
	ch      chan *pipeline.CompletionRecord
	timeout time.Duration
	ctrl    *Controller
}

// Done exposes the resolution channel for select-based callers. The
// channel receives exactly one record.
func (f *Future) Done() <-chan *pipeline.CompletionRecord {
	return f.ch
}

// Get blocks until the event completes, the context is cancelled, or the
// default timeout elapses. A timed-out Get abandons the wait but never
// withdraws the event: the pipeline still runs it to completion.
func (f *Future) Get(ctx context.Context) (*pipeline.CompletionRecord, error) {
	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	select {
	case rec := <-f.ch:
		return rec, nil
	case <-ctx.Done():
		f.ctrl.futures.Delete(f.id)
		return nil, ctx.Err()
	case <-timer.C:
		f.ctrl.futures.Delete(f.id)
		return nil, gserrors.Timeout("await completion", f.timeout)
	}
}

// Controller accepts events for the pipeline.
type Controller struct {
	pending     grid.Map
	completions grid.ListenableMap
	seq         grid.IDGenerator
	futures     *registry.Registry[string, *Future]
	cfg         Config
	metrics     observability.Recorder
	logger      *slog.Logger
	unlisten    func()
}

// New creates a controller over the pending map and starts watching the
// completion map. The pending map must be the same one the pipeline
// drains.
func New(pending grid.Map, completions grid.ListenableMap, seq grid.IDGenerator,
	cfg Config, metrics observability.Recorder, logger *slog.Logger) *Controller {

	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig.DefaultTimeout
	}
	if metrics == nil {
		metrics = observability.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		pending:     pending,
		completions: completions,
		seq:         seq,
		futures:     registry.New[string, *Future](),
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
	}
	c.unlisten = completions.OnEntryAdded(c.onCompletion)
	return c
}

// Close stops watching completions. Outstanding futures never resolve
// after Close; their Get calls time out.
func (c *Controller) Close() {
	if c.unlisten != nil {
		c.unlisten()
		c.unlisten = nil
	}
}

// Handle submits an event for the given entity and returns its future.
//
// The envelope is stamped (event ID, submission time, entity key) and the
// sequence is assigned here, before the pending write, so the journal
// observes events already in their final order for the entity.
func (c *Controller) Handle(ctx context.Context, entityKey string, env *event.Envelope) (*Future, error) {
	if env.EventID == "" {
		env.EventID = event.NewEventID()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.EventID
	}
	env.EntityKey = entityKey
	env.SubmittedAt = time.Now().UTC()

	seq, err := c.seq.Next(ctx)
	if err != nil {
		return nil, gserrors.GridUnavailable("sequence assignment", err)
	}
	key := event.CompositeKey{Sequence: seq, EntityKey: entityKey}

	payload, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	f := &Future{
		id:      env.EventID,
		ch:      make(chan *pipeline.CompletionRecord, 1),
		timeout: c.cfg.DefaultTimeout,
		ctrl:    c,
	}
	c.futures.Register(env.EventID, f)

	if err := c.pending.Put(ctx, key.String(), payload); err != nil {
		c.futures.Delete(env.EventID)
		return nil, gserrors.GridUnavailable("pending write", err)
	}
	c.metrics.PendingEvents(ctx, 1)

	c.logger.Debug("event accepted",
		slog.String("event_id", env.EventID),
		slog.String("event_type", env.EventType),
		slog.String("entity_key", entityKey),
		slog.Int64("sequence", seq),
	)
	return f, nil
}

// HandleAndWait submits the event and blocks for its completion record.
func (c *Controller) HandleAndWait(ctx context.Context, entityKey string, env *event.Envelope) (*pipeline.CompletionRecord, error) {
	f, err := c.Handle(ctx, entityKey, env)
	if err != nil {
		return nil, err
	}
	return f.Get(ctx)
}

// onCompletion resolves the waiting future for a completion record and
// claims the record. A record with no waiter is left for its TTL and
// counted as orphaned; the submitter gave up or the process restarted.
func (c *Controller) onCompletion(key string, value []byte) {
	rec, err := pipeline.UnmarshalCompletion(value)
	if err != nil {
		c.logger.Error("malformed completion record", slog.String("event_id", key))
		return
	}

	f, ok := c.futures.Take(rec.EventID)
	if !ok {
		c.metrics.OrphanedCompletion(context.Background())
		return
	}
	f.ch <- rec

	ctx := context.Background()
	if err := c.completions.Delete(ctx, rec.EventID); err != nil {
		c.logger.Warn("completion claim failed",
			slog.String("event_id", rec.EventID), slog.String("error", err.Error()))
		return
	}
	c.metrics.PendingCompletions(ctx, -1)
}
