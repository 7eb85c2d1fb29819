package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists the outbox to SQLite so undelivered events survive a
// process restart. Suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// ErrStoreClosed is returned when the store has been closed.
var ErrStoreClosed = errors.New("outbox store is closed")

// NewSQLiteStore opens (or creates) the outbox database at path.
// Use ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox (
			event_id TEXT NOT NULL PRIMARY KEY,
			event_type TEXT NOT NULL,
			record BLOB NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_attempt_at TEXT,
			failure_reason TEXT
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_outbox_status_created
		ON outbox(status, created_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Write implements Store.
func (s *SQLiteStore) Write(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := e.Status
	if status == "" {
		status = StatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (event_id, event_type, record, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, e.EventID, e.EventType, e.EventRecord, string(status), e.RetryCount,
		createdAt.Format(time.RFC3339Nano))

	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// PollPending implements Store.
func (s *SQLiteStore) PollPending(ctx context.Context, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, record, status, retry_count, created_at,
		       COALESCE(last_attempt_at, ''), COALESCE(failure_reason, '')
		FROM outbox
		WHERE status = ?
		ORDER BY created_at
		LIMIT ?
	`, string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("poll pending: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var status, createdAt, lastAttemptAt string
		if err := rows.Scan(&e.EventID, &e.EventType, &e.EventRecord, &status,
			&e.RetryCount, &createdAt, &lastAttemptAt, &e.FailureReason); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.Status = Status(status)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if lastAttemptAt != "" {
			e.LastAttemptAt, _ = time.Parse(time.RFC3339Nano, lastAttemptAt)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return entries, nil
}

// MarkDelivered implements Store.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, eventID string) error {
	return s.update(ctx, `
		UPDATE outbox
		SET status = ?, last_attempt_at = ?, failure_reason = NULL
		WHERE event_id = ?
	`, string(StatusDelivered), time.Now().UTC().Format(time.RFC3339Nano), eventID)
}

// IncrementRetry implements Store.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, eventID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1, last_attempt_at = ?, failure_reason = ?
		WHERE event_id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), reason, eventID)
	if err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrEntryNotFound
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT retry_count FROM outbox WHERE event_id = ?
	`, eventID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read retry count: %w", err)
	}
	return count, nil
}

// MarkFailed implements Store.
func (s *SQLiteStore) MarkFailed(ctx context.Context, eventID, reason string) error {
	return s.update(ctx, `
		UPDATE outbox
		SET status = ?, last_attempt_at = ?, failure_reason = ?
		WHERE event_id = ?
	`, string(StatusFailed), time.Now().UTC().Format(time.RFC3339Nano), reason, eventID)
}

// PurgeDelivered implements Store.
func (s *SQLiteStore) PurgeDelivered(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox
		WHERE status = ? AND created_at < ?
	`, string(StatusDelivered), olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) update(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}
