package saga

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/observability"
)

// ExpiredFunc is invoked after a saga has been marked TIMED_OUT, with the
// terminal state. Implementations typically emit compensation events for
// the steps that completed.
type ExpiredFunc func(ctx context.Context, st *State)

// ScannerConfig configures the timeout scanner.
type ScannerConfig struct {
	// Interval between scans.
	// Default: 5 seconds
	Interval time.Duration

	// LockTTL bounds how long one scanner instance may hold a saga's
	// lock. Default: 30 seconds
	LockTTL time.Duration
}

// DefaultScannerConfig provides reasonable defaults.
var DefaultScannerConfig = ScannerConfig{
	Interval: 5 * time.Second,
	LockTTL:  30 * time.Second,
}

// Scanner watches for sagas past their deadline and times them out.
//
// Every service runs a scanner; the per-saga distributed lock guarantees
// only one instance acts on a given saga, and the CAS TimeOut transition
// makes even a lost lock harmless.
type Scanner struct {
	store   *StateStore
	locks   grid.LockManager
	expired ExpiredFunc
	cfg     ScannerConfig
	metrics observability.Recorder
	logger  *slog.Logger
	stopCh  chan struct{}
	running bool
	mu      sync.Mutex
}

// NewScanner creates a timeout scanner. The expired callback may be nil.
func NewScanner(store *StateStore, locks grid.LockManager, expired ExpiredFunc,
	cfg ScannerConfig, metrics observability.Recorder, logger *slog.Logger) *Scanner {

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultScannerConfig.Interval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultScannerConfig.LockTTL
	}
	if metrics == nil {
		metrics = observability.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		store:   store,
		locks:   locks,
		expired: expired,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins scanning.
func (s *Scanner) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the scanner.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	close(s.stopCh)
	s.running = false
}

func (s *Scanner) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan performs one pass. Exported so tests can drive the scanner without
// the ticker.
func (s *Scanner) Scan(ctx context.Context) {
	expired, err := s.store.FindExpired(ctx, time.Now().UTC())
	if err != nil {
		observability.LogScheduledTaskError(s.logger, "saga-timeout-scanner", err)
		return
	}

	for _, st := range expired {
		s.timeOut(ctx, st)
	}
}

func (s *Scanner) timeOut(ctx context.Context, st *State) {
	lock, got, err := s.locks.TryLock(ctx, "saga-timeout:"+st.SagaID, s.cfg.LockTTL)
	if err != nil {
		observability.LogScheduledTaskError(s.logger, "saga-timeout-scanner", err)
		return
	}
	if !got {
		return
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			s.logger.Warn("saga timeout lock release failed",
				slog.String("saga_id", st.SagaID), slog.String("error", err.Error()))
		}
	}()

	final, err := s.store.TimeOut(ctx, st.SagaID)
	if err != nil {
		// Raced with a concurrent transition; the saga resolved itself.
		if isInvalidTransition(err) {
			return
		}
		observability.LogScheduledTaskError(s.logger, "saga-timeout-scanner", err)
		return
	}

	s.logger.Warn("saga timed out",
		slog.String("saga_id", final.SagaID),
		slog.String("saga_type", final.SagaType),
		slog.Time("deadline", final.Deadline),
	)
	if s.expired != nil {
		s.expired(ctx, final)
	}
}
