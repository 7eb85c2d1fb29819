package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory outbox for development and testing.
// Entries do not survive a restart; production services use SQLiteStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	closed  bool
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Write implements Store.
func (s *MemoryStore) Write(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.EventID]; exists {
		return nil
	}
	cp := *e
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.entries[e.EventID] = &cp
	return nil
}

// PollPending implements Store.
func (s *MemoryStore) PollPending(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*Entry
	for _, e := range s.entries {
		if e.Status == StatusPending {
			cp := *e
			pending = append(pending, &cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// MarkDelivered implements Store.
func (s *MemoryStore) MarkDelivered(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[eventID]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = StatusDelivered
	e.LastAttemptAt = time.Now().UTC()
	e.FailureReason = ""
	return nil
}

// IncrementRetry implements Store.
func (s *MemoryStore) IncrementRetry(_ context.Context, eventID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[eventID]
	if !ok {
		return 0, ErrEntryNotFound
	}
	e.RetryCount++
	e.LastAttemptAt = time.Now().UTC()
	e.FailureReason = reason
	return e.RetryCount, nil
}

// MarkFailed implements Store.
func (s *MemoryStore) MarkFailed(_ context.Context, eventID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[eventID]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = StatusFailed
	e.LastAttemptAt = time.Now().UTC()
	e.FailureReason = reason
	return nil
}

// PurgeDelivered implements Store.
func (s *MemoryStore) PurgeDelivered(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.Status == StatusDelivered && e.CreatedAt.Before(olderThan) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Get returns the entry for an event ID, for inspection in tests.
func (s *MemoryStore) Get(eventID string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[eventID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
