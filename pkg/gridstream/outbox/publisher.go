package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/observability"
)

// TopicResolver returns the shared topic an event type publishes to.
type TopicResolver func(eventType string) grid.Topic

// FailureSink receives entries whose delivery retries are exhausted.
// The dead letter queue implements this.
type FailureSink interface {
	CaptureUndeliverable(ctx context.Context, e *Entry, reason string) error
}

// Publisher drains the outbox on a schedule, publishing each PENDING entry
// to its shared topic. A failed publish increments the entry's retry count;
// once retries are exhausted the entry is marked FAILED and forwarded to
// the failure sink.
type Publisher struct {
	store   Store
	topics  TopicResolver
	sink    FailureSink
	cfg     PublisherConfig
	metrics observability.Recorder
	logger  *slog.Logger
	stopCh  chan struct{}
	running bool
	mu      sync.Mutex
}

// PublisherConfig configures the outbox publisher.
type PublisherConfig struct {
	// PollInterval is how often the outbox is drained.
	// Default: 1 second
	PollInterval time.Duration

	// BatchSize is the maximum entries published per tick.
	// Default: 50
	BatchSize int

	// MaxRetries is the number of delivery retries before an entry is
	// marked FAILED and forwarded to the failure sink.
	// Default: 5
	MaxRetries int

	// EntryTTL is how long DELIVERED entries are retained before purge.
	// Default: 24 hours
	EntryTTL time.Duration
}

// DefaultPublisherConfig provides reasonable defaults.
var DefaultPublisherConfig = PublisherConfig{
	PollInterval: time.Second,
	BatchSize:    50,
	MaxRetries:   5,
	EntryTTL:     24 * time.Hour,
}

// NewPublisher creates an outbox publisher. The sink may be nil, in which
// case exhausted entries are only marked FAILED.
func NewPublisher(store Store, topics TopicResolver, sink FailureSink, cfg PublisherConfig,
	metrics observability.Recorder, logger *slog.Logger) *Publisher {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPublisherConfig.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPublisherConfig.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultPublisherConfig.MaxRetries
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = DefaultPublisherConfig.EntryTTL
	}
	if metrics == nil {
		metrics = observability.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		store:   store,
		topics:  topics,
		sink:    sink,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins draining the outbox.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop halts the publisher.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	close(p.stopCh)
	p.running = false
}

// run is the main drain loop. A failing tick is logged and the loop keeps
// going; the schedule must survive transient cluster outages.
func (p *Publisher) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain publishes one batch of PENDING entries and purges expired
// DELIVERED ones. Exported so tests and restarts can force a pass without
// waiting for the ticker.
func (p *Publisher) Drain(ctx context.Context) {
	entries, err := p.store.PollPending(ctx, p.cfg.BatchSize)
	if err != nil {
		observability.LogScheduledTaskError(p.logger, "outbox-publisher", err)
		return
	}

	for _, e := range entries {
		p.deliver(ctx, e)
	}

	if _, err := p.store.PurgeDelivered(ctx, time.Now().Add(-p.cfg.EntryTTL)); err != nil {
		observability.LogScheduledTaskError(p.logger, "outbox-publisher", err)
	}
}

func (p *Publisher) deliver(ctx context.Context, e *Entry) {
	topic := p.topics(e.EventType)
	if topic == nil {
		p.exhaust(ctx, e, "no topic for event type "+e.EventType)
		return
	}

	if err := topic.Publish(ctx, e.EventRecord); err != nil {
		count, rerr := p.store.IncrementRetry(ctx, e.EventID, err.Error())
		if rerr != nil {
			observability.LogScheduledTaskError(p.logger, "outbox-publisher", rerr)
			return
		}
		p.logger.Warn("outbox publish failed",
			slog.String("event_id", e.EventID),
			slog.String("event_type", e.EventType),
			slog.Int("retry_count", count),
			slog.String("error", err.Error()),
		)
		if count >= p.cfg.MaxRetries {
			p.exhaust(ctx, e, err.Error())
		}
		return
	}

	if err := p.store.MarkDelivered(ctx, e.EventID); err != nil {
		observability.LogScheduledTaskError(p.logger, "outbox-publisher", err)
		return
	}
	p.metrics.OutboxDelivered(ctx)
}

// exhaust marks the entry FAILED and hands it to the failure sink.
func (p *Publisher) exhaust(ctx context.Context, e *Entry, reason string) {
	if err := p.store.MarkFailed(ctx, e.EventID, reason); err != nil {
		observability.LogScheduledTaskError(p.logger, "outbox-publisher", err)
	}
	p.metrics.OutboxFailed(ctx)
	if p.sink == nil {
		return
	}
	if err := p.sink.CaptureUndeliverable(ctx, e, reason); err != nil {
		observability.LogScheduledTaskError(p.logger, "outbox-publisher", err)
	}
}
