package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	gserrors "github.com/gridstream/gridstream/pkg/gridstream/errors"
	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/observability"
)

// Errors returned by the state store.
var (
	ErrSagaNotFound = errors.New("saga not found")
	ErrSagaExists   = errors.New("saga already started")
)

// casAttempts bounds the optimistic-concurrency retry loop. Contention on
// one saga is at most a handful of services, so conflicts resolve fast.
const casAttempts = 10

// StateStore persists saga state in a shared map-space with CAS updates.
type StateStore struct {
	m       grid.Map
	metrics observability.Recorder
	logger  *slog.Logger
}

// NewStateStore creates a store over the given shared map.
func NewStateStore(m grid.Map, metrics observability.Recorder, logger *slog.Logger) *StateStore {
	if metrics == nil {
		metrics = observability.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{m: m, metrics: metrics, logger: logger}
}

// Start atomically creates the saga. Exactly one caller wins; the rest get
// ErrSagaExists, which makes saga starts safe under redelivery.
func (s *StateStore) Start(ctx context.Context, st *State) error {
	raw, err := st.Marshal()
	if err != nil {
		return fmt.Errorf("encode saga state: %w", err)
	}
	won, err := s.m.PutIfAbsent(ctx, st.SagaID, raw, 0)
	if err != nil {
		return gserrors.GridUnavailable("saga start", err)
	}
	if !won {
		return ErrSagaExists
	}
	s.metrics.SagaActive(ctx, 1)
	observability.LogSagaTransition(s.logger, st.SagaID, st.SagaType, "", string(StatusInProgress))
	return nil
}

// Get returns the current state of a saga.
func (s *StateStore) Get(ctx context.Context, sagaID string) (*State, error) {
	raw, ok, err := s.m.Get(ctx, sagaID)
	if err != nil {
		return nil, gserrors.GridUnavailable("saga get", err)
	}
	if !ok {
		return nil, ErrSagaNotFound
	}
	return UnmarshalState(raw)
}

// update runs a read-transition-CAS loop. The transition receives a clone
// and returns the successor state; a version bump and the CAS write are
// handled here. Transitions on terminal sagas are rejected without a
// write.
func (s *StateStore) update(ctx context.Context, sagaID, op string, fn func(*State) (*State, error)) (*State, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, ok, err := s.m.Get(ctx, sagaID)
		if err != nil {
			return nil, gserrors.GridUnavailable("saga "+op, err)
		}
		if !ok {
			return nil, ErrSagaNotFound
		}
		cur, err := UnmarshalState(raw)
		if err != nil {
			return nil, fmt.Errorf("decode saga state: %w", err)
		}
		if cur.Status.Terminal() {
			return cur, &gserrors.InvalidTransitionError{SagaID: sagaID, From: string(cur.Status), Op: op}
		}

		next, err := fn(cur.clone())
		if err != nil {
			return cur, err
		}
		next.Version = cur.Version + 1

		newRaw, err := next.Marshal()
		if err != nil {
			return nil, fmt.Errorf("encode saga state: %w", err)
		}
		swapped, err := s.m.Replace(ctx, sagaID, raw, newRaw)
		if err != nil {
			return nil, gserrors.GridUnavailable("saga "+op, err)
		}
		if swapped {
			if next.Status != cur.Status {
				observability.LogSagaTransition(s.logger, sagaID, next.SagaType,
					string(cur.Status), string(next.Status))
			}
			return next, nil
		}
	}
	return nil, fmt.Errorf("saga %s: %s lost %d CAS attempts", sagaID, op, casAttempts)
}

// RecordStepCompleted appends a COMPLETED step. When every step has
// completed the saga transitions to COMPLETED automatically.
func (s *StateStore) RecordStepCompleted(ctx context.Context, sagaID string, rec StepRecord) (*State, error) {
	rec.Status = StepCompleted
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	st, err := s.update(ctx, sagaID, "step completed", func(st *State) (*State, error) {
		st.Steps = append(st.Steps, rec)
		if st.Status == StatusInProgress && st.CompletedSteps() >= st.StepCount {
			st.Status = StatusCompleted
			st.FinishedAt = time.Now().UTC()
		}
		return st, nil
	})
	if err != nil {
		return st, err
	}
	if st.Status == StatusCompleted {
		s.noteFinished(ctx, st)
	}
	return st, nil
}

// RecordStepFailed appends a FAILED step and moves the saga to
// COMPENSATING. A saga with no completed steps has nothing to undo and
// ends terminal immediately.
func (s *StateStore) RecordStepFailed(ctx context.Context, sagaID string, rec StepRecord) (*State, error) {
	rec.Status = StepFailed
	return s.recordHalt(ctx, sagaID, "step failed", rec, false)
}

// RecordStepTimedOut appends a TIMED_OUT step and moves the saga to
// COMPENSATING. Compensation driven by a timeout ends the saga TIMED_OUT
// rather than COMPENSATED.
func (s *StateStore) RecordStepTimedOut(ctx context.Context, sagaID string, rec StepRecord) (*State, error) {
	rec.Status = StepTimedOut
	if rec.Error == "" {
		rec.Error = "step timed out"
	}
	return s.recordHalt(ctx, sagaID, "step timed out", rec, true)
}

func (s *StateStore) recordHalt(ctx context.Context, sagaID, op string, rec StepRecord, timedOut bool) (*State, error) {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	st, err := s.update(ctx, sagaID, op, func(st *State) (*State, error) {
		st.Steps = append(st.Steps, rec)
		st.Status = StatusCompensating
		st.TimedOut = st.TimedOut || timedOut
		st.FailureReason = rec.Error
		if st.compensatedAll() {
			st.Status = st.terminalAfterCompensation()
			st.FinishedAt = time.Now().UTC()
		}
		return st, nil
	})
	if err != nil {
		return st, err
	}
	if st.Status.Terminal() {
		s.noteFinished(ctx, st)
	} else {
		s.metrics.SagaCompensating(ctx, 1)
	}
	return st, nil
}

// RecordCompensationStep appends a COMPENSATED step. Once every completed
// step is compensated the saga ends COMPENSATED, or TIMED_OUT when the
// compensation was triggered by a step timeout.
func (s *StateStore) RecordCompensationStep(ctx context.Context, sagaID string, rec StepRecord) (*State, error) {
	rec.Status = StepCompensated
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	st, err := s.update(ctx, sagaID, "compensation step", func(st *State) (*State, error) {
		if st.Status != StatusCompensating {
			return nil, &gserrors.InvalidTransitionError{
				SagaID: sagaID, From: string(st.Status), Op: "compensation step",
			}
		}
		st.Steps = append(st.Steps, rec)
		if st.compensatedAll() {
			st.Status = st.terminalAfterCompensation()
			st.FinishedAt = time.Now().UTC()
		}
		return st, nil
	})
	if err != nil {
		return st, err
	}
	if st.Status.Terminal() {
		s.metrics.SagaCompensating(ctx, -1)
		s.noteFinished(ctx, st)
	}
	return st, nil
}

// Fail ends the saga FAILED, for compensation errors that leave the system
// inconsistent and need operator attention.
func (s *StateStore) Fail(ctx context.Context, sagaID, reason string) (*State, error) {
	// Transition closures re-run on CAS conflicts, so the gauge update
	// happens once, after the winning write.
	var wasCompensating bool
	st, err := s.update(ctx, sagaID, "fail", func(st *State) (*State, error) {
		wasCompensating = st.Status == StatusCompensating
		st.Status = StatusFailed
		st.FailureReason = reason
		st.FinishedAt = time.Now().UTC()
		return st, nil
	})
	if err != nil {
		return st, err
	}
	if wasCompensating {
		s.metrics.SagaCompensating(ctx, -1)
	}
	s.noteFinished(ctx, st)
	return st, nil
}

// TimeOut ends the saga TIMED_OUT. The caller decides whether to trigger
// compensation afterwards based on the returned state's steps.
func (s *StateStore) TimeOut(ctx context.Context, sagaID string) (*State, error) {
	var wasCompensating bool
	st, err := s.update(ctx, sagaID, "timeout", func(st *State) (*State, error) {
		wasCompensating = st.Status == StatusCompensating
		st.Status = StatusTimedOut
		st.FailureReason = "deadline exceeded"
		st.FinishedAt = time.Now().UTC()
		return st, nil
	})
	if err != nil {
		return st, err
	}
	if wasCompensating {
		s.metrics.SagaCompensating(ctx, -1)
	}
	s.noteFinished(ctx, st)
	return st, nil
}

// SetContext merges values into the saga's business context.
func (s *StateStore) SetContext(ctx context.Context, sagaID string, values map[string]any) (*State, error) {
	return s.update(ctx, sagaID, "set context", func(st *State) (*State, error) {
		for k, v := range values {
			st.Context[k] = v
		}
		return st, nil
	})
}

// FindByStatus returns sagas in the given status, oldest first.
func (s *StateStore) FindByStatus(ctx context.Context, status Status) ([]*State, error) {
	return s.scan(ctx, func(st *State) bool { return st.Status == status })
}

// FindByType returns sagas of the given type, oldest first.
func (s *StateStore) FindByType(ctx context.Context, sagaType string) ([]*State, error) {
	return s.scan(ctx, func(st *State) bool { return st.SagaType == sagaType })
}

// FindByCorrelationID returns sagas sharing a correlation ID.
func (s *StateStore) FindByCorrelationID(ctx context.Context, correlationID string) ([]*State, error) {
	return s.scan(ctx, func(st *State) bool { return st.CorrelationID == correlationID })
}

// FindExpired returns non-terminal sagas whose deadline passed before the
// given instant.
func (s *StateStore) FindExpired(ctx context.Context, before time.Time) ([]*State, error) {
	return s.scan(ctx, func(st *State) bool {
		return !st.Status.Terminal() && !st.Deadline.IsZero() && st.Deadline.Before(before)
	})
}

// Delete removes a terminal saga's state.
func (s *StateStore) Delete(ctx context.Context, sagaID string) error {
	st, err := s.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if !st.Status.Terminal() {
		return &gserrors.InvalidTransitionError{SagaID: sagaID, From: string(st.Status), Op: "delete"}
	}
	if err := s.m.Delete(ctx, sagaID); err != nil {
		return gserrors.GridUnavailable("saga delete", err)
	}
	return nil
}

func (s *StateStore) scan(ctx context.Context, match func(*State) bool) ([]*State, error) {
	keys, err := s.m.Keys(ctx)
	if err != nil {
		return nil, gserrors.GridUnavailable("saga scan", err)
	}
	var out []*State
	for _, key := range keys {
		st, err := s.Get(ctx, key)
		if errors.Is(err, ErrSagaNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if match(st) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// noteFinished emits the terminal metrics for a saga.
func (s *StateStore) noteFinished(ctx context.Context, st *State) {
	s.metrics.SagaActive(ctx, -1)
	if !st.StartedAt.IsZero() {
		s.metrics.SagaDuration(ctx, st.SagaType, st.FinishedAt.Sub(st.StartedAt))
	}
	switch st.Status {
	case StatusCompleted:
		s.metrics.SagaCompleted(ctx, st.SagaType)
	case StatusCompensated:
		s.metrics.SagaCompensated(ctx, st.SagaType)
	case StatusFailed:
		s.metrics.SagaFailed(ctx, st.SagaType)
	case StatusTimedOut:
		s.metrics.SagaTimedOut(ctx, st.SagaType)
	}
}
