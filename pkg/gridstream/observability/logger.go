// Package observability provides structured logging and metrics for the
// gridstream runtime.
//
// Logging uses slog (Go stdlib); metrics use OpenTelemetry. Both are opt-in
// and have no-op paths when disabled: every helper is nil-safe on the
// logger, and Noop implements the metric Recorder.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger.
// Returns a new logger with event_id, event_type, and entity_key fields.
func EnrichLogger(logger *slog.Logger, eventID, eventType, entityKey string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("entity_key", entityKey),
	)
}

// LogStageFailure logs a pipeline stage failure.
func LogStageFailure(logger *slog.Logger, stage, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("pipeline stage failed",
		slog.String("stage", stage),
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}

// LogSagaTransition logs a saga state transition.
func LogSagaTransition(logger *slog.Logger, sagaID, sagaType, from, to string) {
	if logger == nil {
		return
	}
	logger.Info("saga transition",
		slog.String("saga_id", sagaID),
		slog.String("saga_type", sagaType),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogScheduledTaskError logs a failure inside a periodic task tick.
// Scheduled tasks log and continue; they never let a tick kill the loop.
func LogScheduledTaskError(logger *slog.Logger, task string, err error) {
	if logger == nil {
		return
	}
	logger.Error("scheduled task tick failed",
		slog.String("task", task),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed duration.
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
