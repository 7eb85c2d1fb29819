// Package saga coordinates distributed transactions across services.
//
// Two styles are supported. Choreographed sagas advance by events: each
// service reacts to the previous step's event, records its step in the
// shared state, and emits the next event. Orchestrated sagas run under a
// central coordinator that dispatches step commands and compensates in
// reverse order on failure.
//
// Either way, saga state lives in a shared map-space and every transition
// goes through compare-and-set, so concurrent writers from different
// services cannot lose updates.
package saga

import (
	"encoding/json"
	"time"
)

// Status of a saga.
type Status string

// Saga status constants. COMPLETED, COMPENSATED, FAILED and TIMED_OUT are
// terminal.
const (
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
	StatusTimedOut     Status = "TIMED_OUT"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Step outcome constants recorded in StepRecord.Status.
const (
	StepCompleted   = "COMPLETED"
	StepFailed      = "FAILED"
	StepTimedOut    = "TIMED_OUT"
	StepCompensated = "COMPENSATED"
)

// StepRecord is one step's outcome within a saga.
type StepRecord struct {
	StepNumber int       `json:"step_number"`
	Name       string    `json:"name"`
	Service    string    `json:"service"`
	Status     string    `json:"status"`
	EventID    string    `json:"event_id,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// State is the shared record of one saga instance. Values are treated as
// immutable: transitions produce a new State with Version bumped, and the
// store writes it with compare-and-set against the version that was read.
type State struct {
	SagaID        string `json:"saga_id"`
	SagaType      string `json:"saga_type"`
	CorrelationID string `json:"correlation_id"`

	// EntityKey is the business entity the saga acts on, recorded at
	// start so compensation events can target it later.
	EntityKey string `json:"entity_key,omitempty"`

	Status Status `json:"status"`

	// TimedOut marks a saga whose compensation was triggered by a step
	// timeout; once compensation finishes it ends TIMED_OUT, not
	// COMPENSATED.
	TimedOut bool `json:"timed_out,omitempty"`

	StepCount int          `json:"step_count"`
	Steps     []StepRecord `json:"steps,omitempty"`

	StartedAt     time.Time `json:"started_at"`
	Deadline      time.Time `json:"deadline,omitempty"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`

	// Context carries business data between steps (order ID, amounts,
	// reservation handles).
	Context map[string]any `json:"context,omitempty"`

	Version int64 `json:"version"`
}

// NewState creates an IN_PROGRESS saga state.
func NewState(sagaID, sagaType, correlationID string, stepCount int, timeout time.Duration) *State {
	now := time.Now().UTC()
	st := &State{
		SagaID:        sagaID,
		SagaType:      sagaType,
		CorrelationID: correlationID,
		Status:        StatusInProgress,
		StepCount:     stepCount,
		StartedAt:     now,
		Context:       make(map[string]any),
		Version:       1,
	}
	if timeout > 0 {
		st.Deadline = now.Add(timeout)
	}
	return st
}

// clone deep-copies the state so transitions never alias the original.
func (s *State) clone() *State {
	cp := *s
	cp.Steps = make([]StepRecord, len(s.Steps))
	copy(cp.Steps, s.Steps)
	cp.Context = make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		cp.Context[k] = v
	}
	return &cp
}

// Step returns the record for a step number, or nil.
func (s *State) Step(number int) *StepRecord {
	for i := range s.Steps {
		if s.Steps[i].StepNumber == number {
			return &s.Steps[i]
		}
	}
	return nil
}

// CompletedSteps counts steps recorded COMPLETED.
func (s *State) CompletedSteps() int {
	n := 0
	for i := range s.Steps {
		if s.Steps[i].Status == StepCompleted {
			n++
		}
	}
	return n
}

// compensatedAll reports whether every COMPLETED step now has a matching
// COMPENSATED record.
func (s *State) compensatedAll() bool {
	for i := range s.Steps {
		if s.Steps[i].Status != StepCompleted {
			continue
		}
		found := false
		for j := range s.Steps {
			if s.Steps[j].StepNumber == s.Steps[i].StepNumber && s.Steps[j].Status == StepCompensated {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// terminalAfterCompensation is the status a fully compensated saga ends
// in: TIMED_OUT when a step timeout started the compensation, otherwise
// COMPENSATED.
func (s *State) terminalAfterCompensation() Status {
	if s.TimedOut {
		return StatusTimedOut
	}
	return StatusCompensated
}

// Marshal serializes the state as JSON.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState decodes a saga state.
func UnmarshalState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
