// Package grid defines the data-grid capabilities the runtime depends on,
// with two implementations: an embedded partitioned in-memory grid for
// per-service state (pending events, event store, views, completions) and a
// Redis-backed client for shared cross-service state (saga state, dead
// letters, idempotency, topics).
//
// The contract is deliberately narrow: keyed maps with CAS and TTL, a
// replayable change journal, a distributed ID generator, at-least-once
// pub/sub topics, per-key locks, and named entry processors. Functions are
// never shipped between nodes - a processor travels as its registered name
// plus an argument record.
package grid

import (
	"context"
	"time"
)

// Map is a keyed map with the grid semantics the runtime relies on.
// Values are opaque serialized records.
type Map interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key.
	Put(ctx context.Context, key string, value []byte) error

	// PutWithTTL stores value under key with a per-entry time to live.
	// Zero ttl means no expiry.
	PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent stores value only when key has no entry.
	// Returns true when the caller won the insert.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Replace performs a compare-and-set: the write succeeds only when the
	// current value equals old. Returns true on success.
	Replace(ctx context.Context, key string, old, new []byte) (bool, error)

	// Delete removes the entry for key.
	Delete(ctx context.Context, key string) error

	// Keys returns all live keys. Order is unspecified.
	Keys(ctx context.Context) ([]string, error)

	// Size returns the number of live entries.
	Size(ctx context.Context) (int, error)
}

// EntryListener receives push notification of map mutations.
type EntryListener func(key string, value []byte)

// ListenableMap is a Map that pushes entry-added notifications.
type ListenableMap interface {
	Map

	// OnEntryAdded registers a listener called after every put.
	// The returned function removes the listener.
	OnEntryAdded(fn EntryListener) (remove func())
}

// JournalEntry is one change in a map's journal.
type JournalEntry struct {
	Seq   int64
	Key   string
	Value []byte
}

// Journal is a durable, replayable stream of map changes, consumed by the
// pipeline as its input source. A new subscriber first receives retained
// entries in order, then live changes.
type Journal interface {
	Subscribe(ctx context.Context) (<-chan JournalEntry, func())
}

// JournaledMap is a Map whose changes feed a Journal.
type JournaledMap interface {
	Map
	Journal() Journal
}

// Processor is a named function executed atomically on the partition that
// owns a key. It receives the current value (nil when absent) and an opaque
// argument, and returns the new value to store.
type Processor func(key string, value []byte, arg []byte) ([]byte, error)

// ProcessingMap is a Map that executes registered processors atomically on
// the owning partition.
type ProcessingMap interface {
	Map

	// Process runs the processor registered under name against key.
	// Returns the value the processor stored.
	Process(ctx context.Context, key string, name string, arg []byte) ([]byte, error)
}

// IDGenerator yields monotonic, collision-free, globally sortable int64s.
type IDGenerator interface {
	Next(ctx context.Context) (int64, error)
}

// TopicHandler consumes messages from a topic subscription.
type TopicHandler func(ctx context.Context, payload []byte)

// Topic is a named cluster-wide pub/sub channel with at-least-once
// delivery. Messages are opaque records.
type Topic interface {
	// Publish sends the payload to all current subscribers. A nil error
	// means the cluster acknowledged the publish.
	Publish(ctx context.Context, payload []byte) error

	// Subscribe registers a handler for messages on this topic.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, fn TopicHandler) (cancel func(), err error)
}

// Lock is an acquired per-key exclusive lock.
type Lock interface {
	// Unlock releases the lock. Safe to call once.
	Unlock(ctx context.Context) error
}

// LockManager hands out per-key exclusive locks with a hold timeout.
type LockManager interface {
	// TryLock attempts to acquire the lock for key without waiting.
	// Returns (nil, false, nil) when another holder owns the lock.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error)
}
