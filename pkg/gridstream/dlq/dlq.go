// Package dlq holds events that permanently failed processing or delivery.
//
// The queue is a shared map-space visible to every service plus the ops
// tooling. Entries carry the full event record and enough failure context
// to triage, and can be replayed to their original topic or discarded.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	gserrors "github.com/gridstream/gridstream/pkg/gridstream/errors"
	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/observability"
	"github.com/gridstream/gridstream/pkg/gridstream/outbox"
)

// Status of a dead letter entry.
type Status string

// Dead letter entry status constants.
const (
	StatusPending   Status = "PENDING"
	StatusReplayed  Status = "REPLAYED"
	StatusDiscarded Status = "DISCARDED"
)

// Entry is one dead-lettered event.
type Entry struct {
	DLQID           string    `json:"dlq_id"`
	OriginalEventID string    `json:"original_event_id"`
	EventType       string    `json:"event_type"`
	TopicName       string    `json:"topic_name"`
	EventRecord     []byte    `json:"event_record"`
	FailureReason   string    `json:"failure_reason"`
	FailureAt       time.Time `json:"failure_at"`
	SourceService   string    `json:"source_service"`
	SagaID          string    `json:"saga_id,omitempty"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	ReplayCount     int       `json:"replay_count"`
	Status          Status    `json:"status"`
}

// TopicResolver returns the topic a replayed entry is republished to.
type TopicResolver func(topicName string) grid.Topic

// Config configures the dead letter queue.
type Config struct {
	// RetentionTTL is how long entries are retained.
	// Default: 168 hours (7 days)
	RetentionTTL time.Duration

	// MaxReplayAttempts caps manual replays per entry.
	// Default: 3
	MaxReplayAttempts int
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	RetentionTTL:      168 * time.Hour,
	MaxReplayAttempts: 3,
}

// Errors returned by queue operations.
var (
	ErrEntryNotFound      = errors.New("dead letter entry not found")
	ErrReplayExhausted    = errors.New("dead letter replay attempts exhausted")
	ErrEntryNotReplayable = errors.New("dead letter entry is not replayable")
)

// Queue is the shared dead letter queue.
type Queue struct {
	m       grid.Map
	topics  TopicResolver
	service string
	cfg     Config
	metrics observability.Recorder
	logger  *slog.Logger
}

// New creates a queue over the given shared map. The topics resolver is
// used for replay and may be nil when replay is not needed.
func New(m grid.Map, topics TopicResolver, service string, cfg Config,
	metrics observability.Recorder, logger *slog.Logger) *Queue {

	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = DefaultConfig.RetentionTTL
	}
	if cfg.MaxReplayAttempts <= 0 {
		cfg.MaxReplayAttempts = DefaultConfig.MaxReplayAttempts
	}
	if metrics == nil {
		metrics = observability.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{m: m, topics: topics, service: service, cfg: cfg, metrics: metrics, logger: logger}
}

// Add stores a new PENDING entry, assigning its DLQ ID if unset.
func (q *Queue) Add(ctx context.Context, e *Entry) error {
	if e.DLQID == "" {
		e.DLQID = uuid.NewString()
	}
	if e.FailureAt.IsZero() {
		e.FailureAt = time.Now().UTC()
	}
	if e.SourceService == "" {
		e.SourceService = q.service
	}
	e.Status = StatusPending

	if err := q.put(ctx, e); err != nil {
		return err
	}
	q.metrics.DLQAdded(ctx)
	q.logger.Warn("event dead-lettered",
		slog.String("dlq_id", e.DLQID),
		slog.String("event_id", e.OriginalEventID),
		slog.String("event_type", e.EventType),
		slog.String("reason", e.FailureReason),
	)
	return nil
}

// CaptureUndeliverable implements the outbox failure sink: an entry whose
// delivery retries are exhausted lands here with its topic preserved for
// replay.
func (q *Queue) CaptureUndeliverable(ctx context.Context, e *outbox.Entry, reason string) error {
	return q.Add(ctx, &Entry{
		OriginalEventID: e.EventID,
		EventType:       e.EventType,
		TopicName:       e.EventType,
		EventRecord:     e.EventRecord,
		FailureReason:   reason,
	})
}

// Get returns the entry for a DLQ ID.
func (q *Queue) Get(ctx context.Context, dlqID string) (*Entry, error) {
	raw, ok, err := q.m.Get(ctx, dlqID)
	if err != nil {
		return nil, gserrors.GridUnavailable("dlq get", err)
	}
	if !ok {
		return nil, ErrEntryNotFound
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode dead letter entry: %w", err)
	}
	return &e, nil
}

// List returns entries with the given status, oldest failure first.
// Empty status matches everything.
func (q *Queue) List(ctx context.Context, status Status, limit int) ([]*Entry, error) {
	keys, err := q.m.Keys(ctx)
	if err != nil {
		return nil, gserrors.GridUnavailable("dlq list", err)
	}

	var entries []*Entry
	for _, key := range keys {
		e, err := q.Get(ctx, key)
		if errors.Is(err, ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && e.Status != status {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FailureAt.Before(entries[j].FailureAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Replay republishes a PENDING entry to its original topic and marks it
// REPLAYED. Fails once the replay budget is spent; the consumer-side
// idempotency guard absorbs any duplicate this may cause.
func (q *Queue) Replay(ctx context.Context, dlqID string) error {
	e, err := q.Get(ctx, dlqID)
	if err != nil {
		return err
	}
	if e.Status != StatusPending {
		return fmt.Errorf("%w: status %s", ErrEntryNotReplayable, e.Status)
	}
	if e.ReplayCount >= q.cfg.MaxReplayAttempts {
		return ErrReplayExhausted
	}
	if q.topics == nil {
		return errors.New("dlq has no topic resolver")
	}
	topic := q.topics(e.TopicName)
	if topic == nil {
		return fmt.Errorf("no topic %q for replay", e.TopicName)
	}

	if err := topic.Publish(ctx, e.EventRecord); err != nil {
		e.ReplayCount++
		e.FailureReason = err.Error()
		if perr := q.put(ctx, e); perr != nil {
			return perr
		}
		return fmt.Errorf("replay publish: %w", err)
	}

	e.ReplayCount++
	e.Status = StatusReplayed
	if err := q.put(ctx, e); err != nil {
		return err
	}
	q.metrics.DLQReplayed(ctx)
	q.logger.Info("dead letter replayed",
		slog.String("dlq_id", e.DLQID),
		slog.String("event_id", e.OriginalEventID),
		slog.String("topic", e.TopicName),
	)
	return nil
}

// Discard marks the entry DISCARDED. It remains visible until retention
// expires it.
func (q *Queue) Discard(ctx context.Context, dlqID, reason string) error {
	e, err := q.Get(ctx, dlqID)
	if err != nil {
		return err
	}
	e.Status = StatusDiscarded
	if reason != "" {
		e.FailureReason = reason
	}
	if err := q.put(ctx, e); err != nil {
		return err
	}
	q.metrics.DLQDiscarded(ctx)
	return nil
}

// Size returns the number of retained entries across all statuses.
func (q *Queue) Size(ctx context.Context) (int, error) {
	n, err := q.m.Size(ctx)
	if err != nil {
		return 0, gserrors.GridUnavailable("dlq size", err)
	}
	return n, nil
}

func (q *Queue) put(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode dead letter entry: %w", err)
	}
	if err := q.m.PutWithTTL(ctx, e.DLQID, raw, q.cfg.RetentionTTL); err != nil {
		return gserrors.GridUnavailable("dlq put", err)
	}
	return nil
}
