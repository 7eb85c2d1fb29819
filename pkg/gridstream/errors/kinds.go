// Package errors defines the error kinds the runtime surfaces and the
// classification used by the resilience layer.
//
// The package replaces exception-style control flow with an explicit
// classification: every error is either retryable (transient grid trouble),
// non-retryable (a business-rule violation that no amount of retrying will
// fix), or one of the structural kinds (timeout, open circuit, duplicate
// delivery, invalid saga transition, failed compensation). The retry wrapper
// and the circuit breaker both switch on Classify.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind describes how an error should be handled.
type Kind int

const (
	// KindRetryable indicates retry will likely help.
	// Examples: grid RPC failures, temporary network issues.
	KindRetryable Kind = iota

	// KindNonRetryable indicates retry won't help.
	// Examples: insufficient stock, invalid state, not-found.
	KindNonRetryable

	// KindTimeout indicates an operation exceeded its deadline.
	KindTimeout

	// KindCircuitOpen indicates the circuit breaker rejected the call.
	KindCircuitOpen

	// KindDuplicate indicates the idempotency guard dropped a redelivery.
	KindDuplicate

	// KindInvalidTransition indicates an attempt to act on a terminal or
	// unknown saga.
	KindInvalidTransition

	// KindCompensationFailed indicates a compensation step failed.
	KindCompensationFailed
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindNonRetryable:
		return "non_retryable"
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	case KindDuplicate:
		return "duplicate"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindCompensationFailed:
		return "compensation_failed"
	default:
		return "unknown"
	}
}

// GridUnavailableError reports a failed operation against the underlying
// data grid. Always retryable.
type GridUnavailableError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *GridUnavailableError) Error() string {
	return fmt.Sprintf("grid unavailable during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *GridUnavailableError) Unwrap() error {
	return e.Err
}

// GridUnavailable wraps err as a grid availability failure.
func GridUnavailable(op string, err error) *GridUnavailableError {
	return &GridUnavailableError{Op: op, Err: err}
}

// TimeoutError indicates an operation exceeded its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.After, e.Op)
}

// Timeout creates a timeout error for the given operation.
func Timeout(op string, after time.Duration) *TimeoutError {
	return &TimeoutError{Op: op, After: after}
}

// ErrCircuitOpen is returned when a circuit breaker is OPEN and the call
// was rejected without being attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrDuplicateEvent is returned when the idempotency guard has already seen
// the event ID. Callers skip the delivery silently.
var ErrDuplicateEvent = errors.New("duplicate event delivery")

// NonRetryableError marks a business-rule violation. It is never retried
// and is excluded from circuit breaker failure accounting.
type NonRetryableError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *NonRetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

// Unwrap returns the underlying error.
func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps err as a permanent business failure.
func NonRetryable(reason string, err error) *NonRetryableError {
	return &NonRetryableError{Reason: reason, Err: err}
}

// InvalidTransitionError reports an attempt to transition a saga that is
// terminal or unknown. The store performs no state change.
type InvalidTransitionError struct {
	SagaID string
	From   string
	Op     string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid saga transition %s on %s (status %s)", e.Op, e.SagaID, e.From)
}

// CompensationFailedError reports that one or more compensation steps
// failed. Remaining compensations still run; the saga ends FAILED.
type CompensationFailedError struct {
	SagaID string
	Steps  []string
}

// Error implements the error interface.
func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("compensation failed for saga %s at steps %v", e.SagaID, e.Steps)
}

// Classify determines how an error should be handled.
func Classify(err error) Kind {
	if err == nil {
		return KindNonRetryable // shouldn't happen, fail safe
	}

	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		return KindNonRetryable
	}

	var invalid *InvalidTransitionError
	if errors.As(err, &invalid) {
		return KindInvalidTransition
	}

	var comp *CompensationFailedError
	if errors.As(err, &comp) {
		return KindCompensationFailed
	}

	if errors.Is(err, ErrCircuitOpen) {
		return KindCircuitOpen
	}

	if errors.Is(err, ErrDuplicateEvent) {
		return KindDuplicate
	}

	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var grid *GridUnavailableError
	if errors.As(err, &grid) {
		return KindRetryable
	}

	// Unknown errors are treated as transient so the caller's retry policy
	// gets a chance; the breaker still counts them.
	return KindRetryable
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Classify(err) == KindRetryable
}

// IsNonRetryable reports whether the error is a permanent business failure.
func IsNonRetryable(err error) bool {
	return Classify(err) == KindNonRetryable
}
