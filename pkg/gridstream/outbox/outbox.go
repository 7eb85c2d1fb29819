// Package outbox provides producer-side guaranteed delivery to the shared
// cluster.
//
// Events that must cross the cluster are appended to a durable outbox in
// the same locality as their completion record, then drained by a scheduled
// publisher with retry. Delivery downstream is at-least-once; the consumer
// side deduplicates with the idempotency guard.
package outbox

import (
	"context"
	"errors"
	"time"
)

// Status of an outbox entry.
type Status string

// Outbox entry status constants.
const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

// Entry is one event awaiting cross-cluster publication.
type Entry struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventRecord   []byte    `json:"event_record"`
	Status        Status    `json:"status"`
	RetryCount    int       `json:"retry_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// ErrEntryNotFound is returned when no entry exists for an event ID.
var ErrEntryNotFound = errors.New("outbox entry not found")

// Store persists outbox entries for durability across restarts.
// Implementations must be safe for concurrent use.
type Store interface {
	// Write persists a new PENDING entry. Writing the same event ID twice
	// is a no-op, so a replayed COMPLETE stage cannot double-enqueue.
	Write(ctx context.Context, e *Entry) error

	// PollPending returns up to limit PENDING entries ordered by creation
	// time.
	PollPending(ctx context.Context, limit int) ([]*Entry, error)

	// MarkDelivered transitions the entry to DELIVERED.
	MarkDelivered(ctx context.Context, eventID string) error

	// IncrementRetry bumps the retry count after a failed publish and
	// returns the new count.
	IncrementRetry(ctx context.Context, eventID, reason string) (int, error)

	// MarkFailed transitions the entry to FAILED after retries exhausted.
	MarkFailed(ctx context.Context, eventID, reason string) error

	// PurgeDelivered removes DELIVERED entries created before the cutoff,
	// returning how many were removed.
	PurgeDelivered(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases store resources.
	Close() error
}
