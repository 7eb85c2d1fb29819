package saga

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gridstream/gridstream/pkg/gridstream/dlq"
	gserrors "github.com/gridstream/gridstream/pkg/gridstream/errors"
	"github.com/gridstream/gridstream/pkg/gridstream/event"
	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/idempotency"
	"github.com/gridstream/gridstream/pkg/gridstream/observability"
	"github.com/gridstream/gridstream/pkg/gridstream/outbox"
	"github.com/gridstream/gridstream/pkg/gridstream/registry"
	"github.com/gridstream/gridstream/pkg/gridstream/resilience"
)

// StepSpec identifies the saga step a listener implements.
type StepSpec struct {
	// Name is the step's logical name, also the compensation route key.
	Name string

	// Number is the step's position in the saga, starting at 1.
	Number int

	// ResilienceName selects the retry and breaker instance for the
	// handler, typically the downstream dependency's name.
	ResilienceName string
}

// HandlerResult is what a step handler produced.
type HandlerResult struct {
	// Context is merged into the saga's shared business context.
	Context map[string]any

	// Next are the events to emit after the step is recorded, usually the
	// trigger for the following step.
	Next []*event.Envelope
}

// Handler executes one step's business logic. Returning an error wrapped
// with NonRetryable marks a business rejection and triggers compensation;
// any other error is retried and, once exhausted, dead-lettered.
type Handler func(ctx context.Context, env *event.Envelope, st *State) (*HandlerResult, error)

// CompensationRoute names the event that undoes a completed step and the
// service responsible for handling it.
type CompensationRoute struct {
	EventType string
	Service   string
}

// Choreography builds saga step listeners for one service.
//
// Each listener is a topic handler that deduplicates the delivery, loads
// the saga state, runs the business handler under resilience, records the
// step outcome with CAS, and emits follow-on events through the outbox. A
// business rejection flips the saga to COMPENSATING and emits the
// registered compensation events for every completed step, newest first.
type Choreography struct {
	service string
	store   *StateStore
	guard   *idempotency.Guard
	exec    *resilience.Registry
	emitter *outbox.Emitter
	letters *dlq.Queue
	routes  *registry.Registry[string, CompensationRoute]
	metrics observability.Recorder
	logger  *slog.Logger
}

// NewChoreography creates a listener factory for the given service.
// The dead letter queue may be nil; undeliverable steps are then only
// logged.
func NewChoreography(service string, store *StateStore, guard *idempotency.Guard,
	exec *resilience.Registry, emitter *outbox.Emitter, letters *dlq.Queue,
	metrics observability.Recorder, logger *slog.Logger) *Choreography {

	if metrics == nil {
		metrics = observability.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Choreography{
		service: service,
		store:   store,
		guard:   guard,
		exec:    exec,
		emitter: emitter,
		letters: letters,
		routes:  registry.New[string, CompensationRoute](),
		metrics: metrics,
		logger:  logger,
	}
}

// RegisterCompensation maps a step name to the event that undoes it.
// Steps without a route are skipped during compensation.
func (c *Choreography) RegisterCompensation(stepName string, route CompensationRoute) {
	c.routes.Register(stepName, route)
}

// Start creates the saga state and emits the first event. The PutIfAbsent
// start makes a redelivered trigger harmless: the loser sees ErrSagaExists
// and emits nothing.
func (c *Choreography) Start(ctx context.Context, st *State, first *event.Envelope) error {
	if st.EntityKey == "" {
		st.EntityKey = first.EntityKey
	}
	if err := c.store.Start(ctx, st); err != nil {
		if errors.Is(err, ErrSagaExists) {
			return nil
		}
		return err
	}
	return c.emitter.Emit(ctx, first)
}

// Listener wraps handler as a topic handler for the step.
func (c *Choreography) Listener(step StepSpec, handler Handler) grid.TopicHandler {
	return func(ctx context.Context, payload []byte) {
		rec, err := event.UnmarshalRecord(payload)
		if err != nil {
			c.logger.Error("undecodable saga event", slog.String("step", step.Name))
			return
		}
		env := event.FromRecord(rec)
		if env.Saga == nil {
			c.logger.Warn("event without saga metadata on saga topic",
				slog.String("event_id", env.EventID), slog.String("event_type", env.EventType))
			return
		}

		if c.guard != nil {
			first, err := c.guard.TryProcess(ctx, env.EventID)
			if err != nil {
				c.deadLetter(ctx, env, err.Error())
				return
			}
			if !first {
				return
			}
		}

		st, err := c.store.Get(ctx, env.Saga.SagaID)
		if err != nil {
			c.deadLetter(ctx, env, "saga state unavailable: "+err.Error())
			return
		}
		if st.Status.Terminal() {
			c.logger.Warn("event for terminal saga dropped",
				slog.String("saga_id", st.SagaID), slog.String("event_id", env.EventID))
			return
		}

		done := observability.TimedOperation()
		res, err := c.exec.Execute(ctx, step.ResilienceName, func(ctx context.Context) (any, error) {
			return handler(ctx, env, st)
		})
		c.metrics.SagaStepDuration(ctx, st.SagaType, step.Name, done())

		if err != nil {
			c.stepFailed(ctx, step, env, st, err)
			return
		}
		c.stepSucceeded(ctx, step, env, st, res)
	}
}

func (c *Choreography) stepSucceeded(ctx context.Context, step StepSpec, env *event.Envelope, st *State, res any) {
	out, _ := res.(*HandlerResult)
	if out != nil && len(out.Context) > 0 {
		if _, err := c.store.SetContext(ctx, st.SagaID, out.Context); err != nil {
			c.logger.Error("saga context update failed",
				slog.String("saga_id", st.SagaID), slog.String("error", err.Error()))
		}
	}

	rec := StepRecord{
		StepNumber: step.Number,
		Name:       step.Name,
		Service:    c.service,
		EventID:    env.EventID,
	}
	var err error
	if env.Saga.Compensating {
		_, err = c.store.RecordCompensationStep(ctx, st.SagaID, rec)
	} else {
		_, err = c.store.RecordStepCompleted(ctx, st.SagaID, rec)
	}
	if err != nil {
		var invalid *gserrors.InvalidTransitionError
		if errors.As(err, &invalid) {
			c.logger.Warn("saga step outcome dropped",
				slog.String("saga_id", st.SagaID), slog.String("error", err.Error()))
			return
		}
		c.deadLetter(ctx, env, "step record failed: "+err.Error())
		return
	}

	if out == nil {
		return
	}
	for _, next := range out.Next {
		if err := c.emitter.Emit(ctx, next); err != nil {
			c.deadLetter(ctx, next, "emit failed: "+err.Error())
		}
	}
}

// stepFailed routes a handler error. A business rejection compensates the
// saga; anything else is dead-lettered and left to the timeout scanner.
func (c *Choreography) stepFailed(ctx context.Context, step StepSpec, env *event.Envelope, st *State, cause error) {
	if !gserrors.IsNonRetryable(cause) {
		c.deadLetter(ctx, env, cause.Error())
		return
	}

	failed, err := c.store.RecordStepFailed(ctx, st.SagaID, StepRecord{
		StepNumber: step.Number,
		Name:       step.Name,
		Service:    c.service,
		EventID:    env.EventID,
		Error:      cause.Error(),
	})
	if err != nil {
		var invalid *gserrors.InvalidTransitionError
		if errors.As(err, &invalid) {
			return
		}
		c.deadLetter(ctx, env, "step failure record failed: "+err.Error())
		return
	}

	c.Compensate(ctx, failed, env.EntityKey)
}

// Compensate emits the compensation event for every COMPLETED step, in
// reverse step order. Safe to call more than once; the responsible
// services deduplicate by saga step when they apply the undo.
func (c *Choreography) Compensate(ctx context.Context, st *State, entityKey string) {
	for i := len(st.Steps) - 1; i >= 0; i-- {
		step := st.Steps[i]
		if step.Status != StepCompleted {
			continue
		}
		route, ok := c.routes.Get(step.Name)
		if !ok {
			continue
		}
		comp := event.New(route.EventType, c.service, entityKey,
			event.Record{"step_name": step.Name},
			event.WithCorrelationID(st.CorrelationID),
			event.WithSaga(st.SagaID, st.SagaType, step.StepNumber, true),
		)
		if err := c.emitter.Emit(ctx, comp); err != nil {
			c.logger.Error("compensation emit failed",
				slog.String("saga_id", st.SagaID),
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Choreography) deadLetter(ctx context.Context, env *event.Envelope, reason string) {
	c.logger.Error("saga step dead-lettered",
		slog.String("event_id", env.EventID),
		slog.String("event_type", env.EventType),
		slog.String("reason", reason),
	)
	if c.letters == nil {
		return
	}
	payload, err := env.Marshal()
	if err != nil {
		return
	}
	entry := &dlq.Entry{
		OriginalEventID: env.EventID,
		EventType:       env.EventType,
		TopicName:       env.EventType,
		EventRecord:     payload,
		FailureReason:   reason,
		CorrelationID:   env.CorrelationID,
		FailureAt:       time.Now().UTC(),
	}
	if env.Saga != nil {
		entry.SagaID = env.Saga.SagaID
	}
	if err := c.letters.Add(ctx, entry); err != nil {
		c.logger.Error("dead letter add failed", slog.String("error", err.Error()))
	}
}
