package observability

import (
	"context"
	"time"
)

// Noop is a Recorder that discards all measurements.
// Used when metrics are disabled and in tests that don't assert on metrics.
type Noop struct{}

func (Noop) EventPersisted(context.Context, string)                          {}
func (Noop) EventApplied(context.Context, string)                            {}
func (Noop) EventPublished(context.Context, string)                          {}
func (Noop) EventCompleted(context.Context, string)                          {}
func (Noop) EventFailed(context.Context, string, string)                     {}
func (Noop) StageDuration(context.Context, string, time.Duration)            {}
func (Noop) EndToEndDuration(context.Context, time.Duration)                 {}
func (Noop) PendingEvents(context.Context, int64)                            {}
func (Noop) PendingCompletions(context.Context, int64)                       {}
func (Noop) OrphanedCompletion(context.Context)                              {}
func (Noop) OutboxWritten(context.Context)                                   {}
func (Noop) OutboxDelivered(context.Context)                                 {}
func (Noop) OutboxFailed(context.Context)                                    {}
func (Noop) DLQAdded(context.Context)                                        {}
func (Noop) DLQReplayed(context.Context)                                     {}
func (Noop) DLQDiscarded(context.Context)                                    {}
func (Noop) IdempotencyCheck(context.Context, string)                        {}
func (Noop) RetryAttempt(context.Context, string)                            {}
func (Noop) RetryIgnored(context.Context, string)                            {}
func (Noop) CircuitRejected(context.Context, string)                         {}
func (Noop) SagaCompleted(context.Context, string)                           {}
func (Noop) SagaCompensated(context.Context, string)                         {}
func (Noop) SagaFailed(context.Context, string)                              {}
func (Noop) SagaTimedOut(context.Context, string)                            {}
func (Noop) SagaActive(context.Context, int64)                               {}
func (Noop) SagaCompensating(context.Context, int64)                         {}
func (Noop) SagaDuration(context.Context, string, time.Duration)             {}
func (Noop) SagaStepDuration(context.Context, string, string, time.Duration) {}

// Compile-time check that Noop implements Recorder.
var _ Recorder = Noop{}
