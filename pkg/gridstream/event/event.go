// Package event provides the identity, envelope, and pub/sub primitives of
// the gridstream runtime.
//
// Every domain event travels inside an Envelope: identity (event ID,
// composite sequence key), correlation, saga metadata, and stage timestamps.
// Envelopes cross process boundaries as Records - schema-evolvable key-value
// structures where readers tolerate unknown or absent fields.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is the wire format for events: a flat key-value structure where
// fields may be added across schema versions and readers ignore fields they
// do not know. The envelope header fields are always present as top-level
// record fields.
type Record map[string]any

// Marshal serializes the record as JSON.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRecord parses a JSON record.
func UnmarshalRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

// String returns the string field named key, or "" if absent.
func (r Record) String(key string) string {
	if s, ok := r[key].(string); ok {
		return s
	}
	return ""
}

// Int returns the integer field named key, or 0 if absent.
func (r Record) Int(key string) int {
	switch v := r[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Bool returns the boolean field named key, or false if absent.
func (r Record) Bool(key string) bool {
	if b, ok := r[key].(bool); ok {
		return b
	}
	return false
}

// Data returns the domain payload nested under the envelope headers.
// Returns an empty record when the payload is absent.
func (r Record) Data() Record {
	if m, ok := r[fieldData].(map[string]any); ok {
		return Record(m)
	}
	return Record{}
}

// Time returns the RFC3339 time field named key, or the zero time.
func (r Record) Time(key string) time.Time {
	s, ok := r[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SagaRef carries the saga metadata of a saga-participating event.
// A nil SagaRef on an envelope means the event is invisible to saga
// listeners.
type SagaRef struct {
	SagaID       string
	SagaType     string
	StepNumber   int
	Compensating bool
}

// Envelope wraps a domain event with identity, ordering, correlation, and
// saga metadata. EventID and the sequence key are immutable once assigned.
type Envelope struct {
	EventID       string
	EventType     string
	SchemaVersion int
	SourceService string
	OccurredAt    time.Time
	EntityKey     string
	CorrelationID string
	Saga          *SagaRef

	// Stage timestamps stamped by the controller.
	SubmittedAt     time.Time
	PipelineEntryAt time.Time

	// Data holds the domain payload fields.
	Data Record
}

// Header field names in the record wire format.
const (
	FieldEventID       = "event_id"
	FieldEventType     = "event_type"
	FieldSchemaVersion = "schema_version"
	FieldSourceService = "source_service"
	FieldOccurredAt    = "occurred_at"
	FieldEntityKey     = "entity_key"
	FieldCorrelationID = "correlation_id"
	FieldSagaID        = "saga_id"
	FieldSagaType      = "saga_type"
	FieldStepNumber    = "step_number"
	FieldCompensating  = "is_compensating"
	FieldSubmittedAt   = "submitted_at"
	FieldPipelineEntry = "pipeline_entry_at"
	fieldData          = "data"
)

// Option configures envelope creation.
type Option func(*Envelope)

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(e *Envelope) { e.EventID = id }
}

// WithCorrelationID sets the correlation ID propagated end-to-end.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithSchemaVersion sets the schema version (default 1).
func WithSchemaVersion(v int) Option {
	return func(e *Envelope) { e.SchemaVersion = v }
}

// WithOccurredAt sets a specific occurrence time (default: time.Now()).
func WithOccurredAt(t time.Time) Option {
	return func(e *Envelope) { e.OccurredAt = t }
}

// WithSaga marks the envelope as saga-participating.
func WithSaga(sagaID, sagaType string, stepNumber int, compensating bool) Option {
	return func(e *Envelope) {
		e.Saga = &SagaRef{
			SagaID:       sagaID,
			SagaType:     sagaType,
			StepNumber:   stepNumber,
			Compensating: compensating,
		}
	}
}

// New creates an envelope for a domain event.
// The event ID is generated at construction; correlation defaults to the
// event's own ID when no parent correlation is supplied.
func New(eventType, sourceService, entityKey string, data Record, opts ...Option) *Envelope {
	e := &Envelope{
		EventID:       NewEventID(),
		EventType:     eventType,
		SchemaVersion: 1,
		SourceService: sourceService,
		OccurredAt:    time.Now(),
		EntityKey:     entityKey,
		Data:          data,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.EventID
	}
	return e
}

// NewFromParent creates an envelope caused by a parent event.
// It inherits the correlation ID and, when the parent participates in a
// saga, the saga identity with the given step number.
func NewFromParent(parent *Envelope, eventType, sourceService, entityKey string, data Record, stepNumber int) *Envelope {
	opts := []Option{WithCorrelationID(parent.CorrelationID)}
	if parent.Saga != nil {
		opts = append(opts, WithSaga(parent.Saga.SagaID, parent.Saga.SagaType, stepNumber, false))
	}
	return New(eventType, sourceService, entityKey, data, opts...)
}

// NewEventID generates a globally-unique opaque event identifier.
// IDs are used for correlation and dedupe only; ordering derives from the
// sequence number, never from the ID.
func NewEventID() string {
	return uuid.New().String()
}

// ToRecord flattens the envelope into the wire record format.
// Header fields are written at the top level; the domain payload goes under
// "data".
func (e *Envelope) ToRecord() Record {
	r := Record{
		FieldEventID:       e.EventID,
		FieldEventType:     e.EventType,
		FieldSchemaVersion: e.SchemaVersion,
		FieldSourceService: e.SourceService,
		FieldOccurredAt:    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		FieldEntityKey:     e.EntityKey,
		FieldCorrelationID: e.CorrelationID,
	}
	if !e.SubmittedAt.IsZero() {
		r[FieldSubmittedAt] = e.SubmittedAt.UTC().Format(time.RFC3339Nano)
	}
	if !e.PipelineEntryAt.IsZero() {
		r[FieldPipelineEntry] = e.PipelineEntryAt.UTC().Format(time.RFC3339Nano)
	}
	if e.Saga != nil {
		r[FieldSagaID] = e.Saga.SagaID
		r[FieldSagaType] = e.Saga.SagaType
		r[FieldStepNumber] = e.Saga.StepNumber
		r[FieldCompensating] = e.Saga.Compensating
	}
	if e.Data != nil {
		r[fieldData] = map[string]any(e.Data)
	}
	return r
}

// FromRecord reconstructs an envelope from a wire record.
// Unknown record fields are ignored; absent header fields yield zero values.
func FromRecord(r Record) *Envelope {
	e := &Envelope{
		EventID:         r.String(FieldEventID),
		EventType:       r.String(FieldEventType),
		SchemaVersion:   r.Int(FieldSchemaVersion),
		SourceService:   r.String(FieldSourceService),
		OccurredAt:      r.Time(FieldOccurredAt),
		EntityKey:       r.String(FieldEntityKey),
		CorrelationID:   r.String(FieldCorrelationID),
		SubmittedAt:     r.Time(FieldSubmittedAt),
		PipelineEntryAt: r.Time(FieldPipelineEntry),
	}
	if sagaID := r.String(FieldSagaID); sagaID != "" {
		e.Saga = &SagaRef{
			SagaID:       sagaID,
			SagaType:     r.String(FieldSagaType),
			StepNumber:   r.Int(FieldStepNumber),
			Compensating: r.Bool(FieldCompensating),
		}
	}
	if data, ok := r[fieldData].(map[string]any); ok {
		e.Data = Record(data)
	}
	return e
}

// Marshal serializes the envelope via its record form.
func (e *Envelope) Marshal() ([]byte, error) {
	return e.ToRecord().Marshal()
}

// Unmarshal parses an envelope from its serialized record form.
func Unmarshal(data []byte) (*Envelope, error) {
	r, err := UnmarshalRecord(data)
	if err != nil {
		return nil, err
	}
	return FromRecord(r), nil
}
