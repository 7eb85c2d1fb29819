package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder records runtime metrics.
// Use NewRecorder() for OTel metrics or Noop{} when disabled.
type Recorder interface {
	// Pipeline counters, tagged by domain (the service's event domain).
	EventPersisted(ctx context.Context, domain string)
	EventApplied(ctx context.Context, domain string)
	EventPublished(ctx context.Context, domain string)
	EventCompleted(ctx context.Context, domain string)
	EventFailed(ctx context.Context, domain string, stage string)

	// Pipeline timings and gauges.
	StageDuration(ctx context.Context, stage string, d time.Duration)
	EndToEndDuration(ctx context.Context, d time.Duration)
	PendingEvents(ctx context.Context, delta int64)
	PendingCompletions(ctx context.Context, delta int64)
	OrphanedCompletion(ctx context.Context)

	// Outbox / DLQ / idempotency.
	OutboxWritten(ctx context.Context)
	OutboxDelivered(ctx context.Context)
	OutboxFailed(ctx context.Context)
	DLQAdded(ctx context.Context)
	DLQReplayed(ctx context.Context)
	DLQDiscarded(ctx context.Context)
	IdempotencyCheck(ctx context.Context, result string)

	// Resilience, tagged by instance name.
	RetryAttempt(ctx context.Context, name string)
	RetryIgnored(ctx context.Context, name string)
	CircuitRejected(ctx context.Context, name string)

	// Sagas, tagged by saga type.
	SagaCompleted(ctx context.Context, sagaType string)
	SagaCompensated(ctx context.Context, sagaType string)
	SagaFailed(ctx context.Context, sagaType string)
	SagaTimedOut(ctx context.Context, sagaType string)
	SagaActive(ctx context.Context, delta int64)
	SagaCompensating(ctx context.Context, delta int64)
	SagaDuration(ctx context.Context, sagaType string, d time.Duration)
	SagaStepDuration(ctx context.Context, sagaType, stepName string, d time.Duration)
}

// otelRecorder implements Recorder using OpenTelemetry.
type otelRecorder struct {
	persisted   metric.Int64Counter
	applied     metric.Int64Counter
	published   metric.Int64Counter
	completed   metric.Int64Counter
	failed      metric.Int64Counter
	stageDur    metric.Float64Histogram
	endToEnd    metric.Float64Histogram
	pendingEvt  metric.Int64UpDownCounter
	pendingCmp  metric.Int64UpDownCounter
	orphaned    metric.Int64Counter
	obxWritten  metric.Int64Counter
	obxDeliv    metric.Int64Counter
	obxFailed   metric.Int64Counter
	dlqAdded    metric.Int64Counter
	dlqReplayed metric.Int64Counter
	dlqDiscard  metric.Int64Counter
	idemChecks  metric.Int64Counter
	retries     metric.Int64Counter
	ignored     metric.Int64Counter
	rejections  metric.Int64Counter
	sagaDone    metric.Int64Counter
	sagaComp    metric.Int64Counter
	sagaFailed  metric.Int64Counter
	sagaTimeout metric.Int64Counter
	sagaActive  metric.Int64UpDownCounter
	sagaComping metric.Int64UpDownCounter
	sagaDur     metric.Float64Histogram
	stepDur     metric.Float64Histogram
}

var (
	defaultRecorder     *otelRecorder
	defaultRecorderOnce sync.Once
	defaultRecorderErr  error
)

// NewRecorder returns a Recorder that uses OpenTelemetry.
// If metric initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function.
func NewRecorder() Recorder {
	defaultRecorderOnce.Do(func() {
		defaultRecorder, defaultRecorderErr = newOtelRecorder()
	})
	if defaultRecorderErr != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", defaultRecorderErr.Error()))
		return Noop{}
	}
	return defaultRecorder
}

func newOtelRecorder() (*otelRecorder, error) {
	meter := otel.Meter("gridstream")
	r := &otelRecorder{}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&r.persisted, "pipeline.events.persisted", "Events appended to the event store"},
		{&r.applied, "pipeline.events.applied", "Events folded into the view store"},
		{&r.published, "pipeline.events.published", "Events published to the in-process bus"},
		{&r.completed, "pipeline.events.completed", "Completion records written"},
		{&r.failed, "pipeline.events.failed", "Pipeline stage failures"},
		{&r.orphaned, "pipeline.completions.orphaned", "Completion futures that timed out waiting"},
		{&r.obxWritten, "outbox.entries.written", "Outbox entries written"},
		{&r.obxDeliv, "outbox.entries.delivered", "Outbox entries delivered to the shared topic"},
		{&r.obxFailed, "outbox.entries.failed", "Outbox entries that exhausted retries"},
		{&r.dlqAdded, "dlq.entries.added", "Dead letter entries added"},
		{&r.dlqReplayed, "dlq.entries.replayed", "Dead letter entries replayed"},
		{&r.dlqDiscard, "dlq.entries.discarded", "Dead letter entries discarded"},
		{&r.idemChecks, "idempotency.checks", "Idempotency guard checks"},
		{&r.retries, "resilience.retry.retries", "Retry attempts after a failure"},
		{&r.ignored, "resilience.retry.ignored", "Errors classified non-retryable"},
		{&r.rejections, "resilience.circuit.rejections", "Calls rejected by an open breaker"},
		{&r.sagaDone, "saga.completed", "Sagas completed"},
		{&r.sagaComp, "saga.compensated", "Sagas compensated"},
		{&r.sagaFailed, "saga.failed", "Sagas failed"},
		{&r.sagaTimeout, "saga.timedout", "Sagas timed out"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	r.stageDur, err = meter.Float64Histogram("pipeline.stage.duration",
		metric.WithDescription("Pipeline stage duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	r.endToEnd, err = meter.Float64Histogram("pipeline.endtoend.duration",
		metric.WithDescription("Submit-to-completion duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	r.sagaDur, err = meter.Float64Histogram("saga.duration",
		metric.WithDescription("Saga duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	r.stepDur, err = meter.Float64Histogram("saga.step.duration",
		metric.WithDescription("Saga step duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	r.pendingEvt, err = meter.Int64UpDownCounter("pipeline.pending.events",
		metric.WithDescription("Events staged and not yet completed"))
	if err != nil {
		return nil, err
	}
	r.pendingCmp, err = meter.Int64UpDownCounter("pipeline.pending.completions",
		metric.WithDescription("Completion futures awaiting resolution"))
	if err != nil {
		return nil, err
	}
	r.sagaActive, err = meter.Int64UpDownCounter("saga.active.count",
		metric.WithDescription("Sagas currently executing"))
	if err != nil {
		return nil, err
	}
	r.sagaComping, err = meter.Int64UpDownCounter("saga.compensating.count",
		metric.WithDescription("Sagas currently compensating"))
	if err != nil {
		return nil, err
	}

	return r, nil
}

func domainAttr(domain string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("domain", domain))
}

func (r *otelRecorder) EventPersisted(ctx context.Context, domain string) {
	r.persisted.Add(ctx, 1, domainAttr(domain))
}

func (r *otelRecorder) EventApplied(ctx context.Context, domain string) {
	r.applied.Add(ctx, 1, domainAttr(domain))
}

func (r *otelRecorder) EventPublished(ctx context.Context, domain string) {
	r.published.Add(ctx, 1, domainAttr(domain))
}

func (r *otelRecorder) EventCompleted(ctx context.Context, domain string) {
	r.completed.Add(ctx, 1, domainAttr(domain))
}

func (r *otelRecorder) EventFailed(ctx context.Context, domain string, stage string) {
	r.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", domain),
		attribute.String("stage", stage),
	))
}

func (r *otelRecorder) StageDuration(ctx context.Context, stage string, d time.Duration) {
	r.stageDur.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.String("stage", stage)))
}

func (r *otelRecorder) EndToEndDuration(ctx context.Context, d time.Duration) {
	r.endToEnd.Record(ctx, float64(d.Milliseconds()))
}

func (r *otelRecorder) PendingEvents(ctx context.Context, delta int64) {
	r.pendingEvt.Add(ctx, delta)
}

func (r *otelRecorder) PendingCompletions(ctx context.Context, delta int64) {
	r.pendingCmp.Add(ctx, delta)
}

func (r *otelRecorder) OrphanedCompletion(ctx context.Context) {
	r.orphaned.Add(ctx, 1)
}

func (r *otelRecorder) OutboxWritten(ctx context.Context)   { r.obxWritten.Add(ctx, 1) }
func (r *otelRecorder) OutboxDelivered(ctx context.Context) { r.obxDeliv.Add(ctx, 1) }
func (r *otelRecorder) OutboxFailed(ctx context.Context)    { r.obxFailed.Add(ctx, 1) }
func (r *otelRecorder) DLQAdded(ctx context.Context)        { r.dlqAdded.Add(ctx, 1) }
func (r *otelRecorder) DLQReplayed(ctx context.Context)     { r.dlqReplayed.Add(ctx, 1) }
func (r *otelRecorder) DLQDiscarded(ctx context.Context)    { r.dlqDiscard.Add(ctx, 1) }

func (r *otelRecorder) IdempotencyCheck(ctx context.Context, result string) {
	r.idemChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func nameAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("name", name))
}

func (r *otelRecorder) RetryAttempt(ctx context.Context, name string) {
	r.retries.Add(ctx, 1, nameAttr(name))
}

func (r *otelRecorder) RetryIgnored(ctx context.Context, name string) {
	r.ignored.Add(ctx, 1, nameAttr(name))
}

func (r *otelRecorder) CircuitRejected(ctx context.Context, name string) {
	r.rejections.Add(ctx, 1, nameAttr(name))
}

func sagaAttr(sagaType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("sagaType", sagaType))
}

func (r *otelRecorder) SagaCompleted(ctx context.Context, sagaType string) {
	r.sagaDone.Add(ctx, 1, sagaAttr(sagaType))
}

func (r *otelRecorder) SagaCompensated(ctx context.Context, sagaType string) {
	r.sagaComp.Add(ctx, 1, sagaAttr(sagaType))
}

func (r *otelRecorder) SagaFailed(ctx context.Context, sagaType string) {
	r.sagaFailed.Add(ctx, 1, sagaAttr(sagaType))
}

func (r *otelRecorder) SagaTimedOut(ctx context.Context, sagaType string) {
	r.sagaTimeout.Add(ctx, 1, sagaAttr(sagaType))
}

func (r *otelRecorder) SagaActive(ctx context.Context, delta int64) {
	r.sagaActive.Add(ctx, delta)
}

func (r *otelRecorder) SagaCompensating(ctx context.Context, delta int64) {
	r.sagaComping.Add(ctx, delta)
}

func (r *otelRecorder) SagaDuration(ctx context.Context, sagaType string, d time.Duration) {
	r.sagaDur.Record(ctx, float64(d.Milliseconds()), sagaAttr(sagaType))
}

func (r *otelRecorder) SagaStepDuration(ctx context.Context, sagaType, stepName string, d time.Duration) {
	r.stepDur.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("sagaType", sagaType),
		attribute.String("stepName", stepName),
	))
}
