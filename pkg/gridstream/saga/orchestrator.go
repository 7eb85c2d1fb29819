package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	gserrors "github.com/gridstream/gridstream/pkg/gridstream/errors"
	"github.com/gridstream/gridstream/pkg/gridstream/observability"
	"github.com/gridstream/gridstream/pkg/gridstream/registry"
)

// StepStatus is the outcome of an orchestrated step attempt.
type StepStatus string

// Step outcome constants.
const (
	StepSuccess StepStatus = "SUCCESS"
	StepFailure StepStatus = "FAILURE"
	StepTimeout StepStatus = "TIMEOUT"
)

// StepResult is what a step action (or an asynchronous participant)
// reports back to the orchestrator.
type StepResult struct {
	Status       StepStatus     `json:"status"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Action executes a step against a participant. Returning (nil, nil)
// means the participant replies asynchronously; the orchestrator then
// blocks until HandleStepResult delivers the outcome or the step times
// out.
type Action func(ctx context.Context, sc *Context) (*StepResult, error)

// Step is one orchestrated saga step.
type Step struct {
	// Name identifies this step.
	Name string

	// Action executes the forward operation.
	Action Action

	// Compensation undoes the forward operation. Nil means nothing to
	// undo.
	Compensation Action

	// Timeout for each attempt. Zero means use the definition default.
	Timeout time.Duration

	// MaxRetries is how many extra attempts a failed or timed-out step
	// gets. Zero means no retries.
	MaxRetries int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
}

// Definition is a complete orchestrated saga.
type Definition struct {
	// Name identifies this saga type.
	Name string

	// Steps run sequentially in order.
	Steps []Step

	// StepTimeout is the default per-attempt timeout.
	// Default: 30 seconds
	StepTimeout time.Duration

	// SagaTimeout bounds the whole saga; the deadline lands in the shared
	// state where the timeout scanner can see it.
	SagaTimeout time.Duration
}

// Validate checks the definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("saga definition name is required")
	}
	if len(d.Steps) == 0 {
		return errors.New("saga definition needs at least one step")
	}
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if step.Action == nil {
			return fmt.Errorf("step %d (%s): action is required", i, step.Name)
		}
	}
	return nil
}

// Callbacks notify the embedding service of terminal saga outcomes.
// All fields are optional; callbacks run on the orchestrator goroutine.
type Callbacks struct {
	OnCompleted   func(st *State)
	OnCompensated func(st *State)
	OnFailed      func(st *State)
	OnTimedOut    func(st *State)
}

// Context is the mutable business context of one running saga, safe for
// use from step actions and asynchronous result handlers.
type Context struct {
	sagaID string
	mu     sync.RWMutex
	values map[string]any
}

// SagaID returns the owning saga's ID.
func (c *Context) SagaID() string { return c.sagaID }

// Get returns a context value.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores a context value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Snapshot returns a copy of all values.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

func (c *Context) merge(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.values[k] = v
	}
}

// defaultStepTimeout applies when neither step nor definition set one.
const defaultStepTimeout = 30 * time.Second

// Orchestrator runs saga definitions step by step, compensating completed
// steps in reverse order when a step fails. State transitions go through
// the shared store, so progress is visible cluster-wide and survives
// observer restarts.
type Orchestrator struct {
	service string
	defs    *registry.Registry[string, *Definition]
	store   *StateStore
	calls   Callbacks
	metrics observability.Recorder
	logger  *slog.Logger

	mu      sync.Mutex
	waits   map[string]stepWait
	cancels map[string]context.CancelFunc
}

// stepWait is a parked asynchronous step: the step name the saga is
// blocked on and the channel its reply lands in.
type stepWait struct {
	step string
	ch   chan *StepResult
}

// NewOrchestrator creates an orchestrator for the given service.
func NewOrchestrator(service string, store *StateStore, calls Callbacks,
	metrics observability.Recorder, logger *slog.Logger) *Orchestrator {

	if metrics == nil {
		metrics = observability.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		service: service,
		defs:    registry.New[string, *Definition](),
		store:   store,
		calls:   calls,
		metrics: metrics,
		logger:  logger,
		waits:   make(map[string]stepWait),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Register adds a saga definition.
func (o *Orchestrator) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if o.defs.Has(def.Name) {
		return fmt.Errorf("saga definition %q already registered", def.Name)
	}
	o.defs.Register(def.Name, def)
	return nil
}

// Start creates the saga state and runs it asynchronously. The returned
// state is the initial snapshot; follow progress through the store.
func (o *Orchestrator) Start(ctx context.Context, defName, correlationID string, input map[string]any) (*State, error) {
	def, ok := o.defs.Get(defName)
	if !ok {
		return nil, fmt.Errorf("saga definition %q not found", defName)
	}

	sagaID := "saga-" + uuid.NewString()
	st := NewState(sagaID, defName, correlationID, len(def.Steps), def.SagaTimeout)
	for k, v := range input {
		st.Context[k] = v
	}
	if err := o.store.Start(ctx, st); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sc := &Context{sagaID: sagaID, values: make(map[string]any)}
	sc.merge(input)

	o.mu.Lock()
	o.cancels[sagaID] = cancel
	o.mu.Unlock()

	go o.run(runCtx, def, st, sc)
	return st, nil
}

// Cancel aborts a running saga. Completed steps are compensated.
func (o *Orchestrator) Cancel(sagaID string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[sagaID]
	o.mu.Unlock()
	if !ok {
		return ErrSagaNotFound
	}
	cancel()
	return nil
}

// HandleStepResult delivers an asynchronous participant reply to the saga
// waiting on it. The reply must name the step the saga is parked on; a
// reply for a saga that is not waiting, or for a different step, is
// rejected so a late or misrouted answer cannot resolve the wrong step.
func (o *Orchestrator) HandleStepResult(sagaID, stepName string, res *StepResult) error {
	o.mu.Lock()
	w, ok := o.waits[sagaID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("saga %s is not awaiting a step result", sagaID)
	}
	if w.step != stepName {
		return fmt.Errorf("saga %s awaits step %q, got result for %q", sagaID, w.step, stepName)
	}
	select {
	case w.ch <- res:
	default:
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, def *Definition, st *State, sc *Context) {
	defer func() {
		o.mu.Lock()
		delete(o.cancels, st.SagaID)
		o.mu.Unlock()
	}()

	for i := range def.Steps {
		step := &def.Steps[i]
		res := o.runStep(ctx, def, st, sc, step)

		switch res.Status {
		case StepSuccess:
			if len(res.Data) > 0 {
				sc.merge(res.Data)
				if _, err := o.store.SetContext(ctx, st.SagaID, res.Data); err != nil {
					o.logger.Error("saga context update failed",
						slog.String("saga_id", st.SagaID), slog.String("error", err.Error()))
				}
			}
			if _, err := o.store.RecordStepCompleted(ctx, st.SagaID, StepRecord{
				StepNumber: i + 1,
				Name:       step.Name,
				Service:    o.service,
			}); err != nil {
				o.compensateFrom(ctx, def, st, sc, i-1, err.Error())
				return
			}

		case StepFailure:
			if _, err := o.store.RecordStepFailed(ctx, st.SagaID, StepRecord{
				StepNumber: i + 1,
				Name:       step.Name,
				Service:    o.service,
				Error:      res.ErrorMessage,
			}); err != nil {
				o.logger.Error("saga failure record failed",
					slog.String("saga_id", st.SagaID), slog.String("error", err.Error()))
			}
			o.compensateFrom(ctx, def, st, sc, i-1, res.ErrorMessage)
			return

		case StepTimeout:
			if _, err := o.store.RecordStepTimedOut(ctx, st.SagaID, StepRecord{
				StepNumber: i + 1,
				Name:       step.Name,
				Service:    o.service,
				Error:      res.ErrorMessage,
			}); err != nil {
				o.logger.Error("saga timeout record failed",
					slog.String("saga_id", st.SagaID), slog.String("error", err.Error()))
			}
			o.compensateFrom(ctx, def, st, sc, i-1, res.ErrorMessage)
			return
		}
	}

	final, err := o.store.Get(ctx, st.SagaID)
	if err != nil {
		o.logger.Error("saga final state read failed",
			slog.String("saga_id", st.SagaID), slog.String("error", err.Error()))
		return
	}
	if o.calls.OnCompleted != nil {
		o.calls.OnCompleted(final)
	}
}

// runStep executes one step with its timeout and retry budget. Failed and
// timed-out attempts both retry until the budget is spent; only a
// cancelled saga cuts the retries short.
func (o *Orchestrator) runStep(ctx context.Context, def *Definition, st *State, sc *Context, step *Step) *StepResult {
	timeout := step.Timeout
	if timeout == 0 {
		timeout = def.StepTimeout
	}
	if timeout == 0 {
		timeout = defaultStepTimeout
	}

	var last *StepResult
	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		done := observability.TimedOperation()
		last = o.attemptStep(ctx, st, sc, step, timeout)
		o.metrics.SagaStepDuration(ctx, st.SagaType, step.Name, done())

		if last.Status == StepSuccess || ctx.Err() != nil {
			return last
		}
		if attempt < step.MaxRetries {
			o.logger.Warn("saga step attempt failed, retrying",
				slog.String("saga_id", st.SagaID),
				slog.String("step", step.Name),
				slog.String("status", string(last.Status)),
				slog.Int("attempt", attempt+1),
			)
			select {
			case <-ctx.Done():
				return &StepResult{Status: StepFailure, ErrorMessage: "saga cancelled"}
			case <-time.After(step.RetryDelay):
			}
		}
	}
	return last
}

func (o *Orchestrator) attemptStep(ctx context.Context, st *State, sc *Context, step *Step, timeout time.Duration) *StepResult {
	if err := ctx.Err(); err != nil {
		return &StepResult{Status: StepFailure, ErrorMessage: "saga cancelled"}
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := step.Action(stepCtx, sc)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &StepResult{Status: StepTimeout, ErrorMessage: "step timed out"}
		}
		if ctx.Err() != nil {
			return &StepResult{Status: StepFailure, ErrorMessage: "saga cancelled"}
		}
		return &StepResult{Status: StepFailure, ErrorMessage: err.Error()}
	}
	if res != nil {
		return res
	}

	// Asynchronous participant: park until the reply or the deadline.
	ch := make(chan *StepResult, 1)
	o.mu.Lock()
	o.waits[st.SagaID] = stepWait{step: step.Name, ch: ch}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waits, st.SagaID)
		o.mu.Unlock()
	}()

	select {
	case res := <-ch:
		return res
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return &StepResult{Status: StepFailure, ErrorMessage: "saga cancelled"}
		}
		return &StepResult{Status: StepTimeout, ErrorMessage: "step reply timed out"}
	}
}

// compensateFrom undoes steps fromStep..0 in reverse, recording each one.
// A compensation error does not stop the remaining compensations, but the
// saga ends FAILED instead of COMPENSATED (or TIMED_OUT) so an operator
// looks at it.
func (o *Orchestrator) compensateFrom(ctx context.Context, def *Definition, st *State, sc *Context, fromStep int, reason string) {
	o.logger.Info("saga compensation started",
		slog.String("saga_id", st.SagaID),
		slog.String("saga_type", st.SagaType),
		slog.String("reason", reason),
	)
	var failed []string

	for i := fromStep; i >= 0; i-- {
		step := &def.Steps[i]
		if step.Compensation == nil {
			// Counts as compensated, otherwise the saga could never
			// reach COMPENSATED.
			if _, err := o.store.RecordCompensationStep(ctx, st.SagaID, StepRecord{
				StepNumber: i + 1,
				Name:       step.Name,
				Service:    o.service,
			}); err != nil && !isInvalidTransition(err) {
				failed = append(failed, step.Name)
			}
			continue
		}

		compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultStepTimeout)
		res, err := step.Compensation(compCtx, sc)
		cancel()

		if err != nil || (res != nil && res.Status != StepSuccess) {
			failed = append(failed, step.Name)
			o.logger.Error("saga compensation step failed",
				slog.String("saga_id", st.SagaID),
				slog.String("step", step.Name),
			)
			continue
		}
		if _, err := o.store.RecordCompensationStep(ctx, st.SagaID, StepRecord{
			StepNumber: i + 1,
			Name:       step.Name,
			Service:    o.service,
		}); err != nil && !isInvalidTransition(err) {
			failed = append(failed, step.Name)
		}
	}

	if len(failed) > 0 {
		cause := &gserrors.CompensationFailedError{SagaID: st.SagaID, Steps: failed}
		if _, err := o.store.Fail(ctx, st.SagaID, cause.Error()); err != nil && !isInvalidTransition(err) {
			o.logger.Error("saga fail transition failed",
				slog.String("saga_id", st.SagaID), slog.String("error", err.Error()))
		}
	}

	final, err := o.store.Get(ctx, st.SagaID)
	if err != nil {
		return
	}
	switch final.Status {
	case StatusCompensated:
		if o.calls.OnCompensated != nil {
			o.calls.OnCompensated(final)
		}
	case StatusFailed:
		if o.calls.OnFailed != nil {
			o.calls.OnFailed(final)
		}
	case StatusTimedOut:
		if o.calls.OnTimedOut != nil {
			o.calls.OnTimedOut(final)
		}
	}
}

func isInvalidTransition(err error) bool {
	var invalid *gserrors.InvalidTransitionError
	return errors.As(err, &invalid)
}
