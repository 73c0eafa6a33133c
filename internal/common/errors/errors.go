// Package errors provides the error taxonomy shared by all agentplane components.
// Every failure surfaces as {kind, message, retryable, cause?}.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

// Error kinds. Dispatch-layer kinds (Busy, Timeout, BusError) are retried
// internally; everything else surfaces to the caller or the task's terminal state.
const (
	KindValidation      Kind = "validation-error"
	KindNotFound        Kind = "not-found"
	KindState           Kind = "state-error"
	KindBusy            Kind = "busy"
	KindTimeout         Kind = "timeout"
	KindBus             Kind = "bus-error"
	KindAgent           Kind = "agent-error"
	KindCancelled       Kind = "cancelled"
	KindNoConsensus     Kind = "no-consensus"
	KindPattern         Kind = "pattern-error"
	KindDecomposition   Kind = "decomposition-error"
	KindDispatchTimeout Kind = "dispatch-timeout"
	KindInternal        Kind = "internal"
)

// Error is an application error with a kind, a retryability hint, and an
// optional wrapped cause.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// MarshalJSON renders the wire payload shape, including the cause as text.
func (e *Error) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind      Kind   `json:"kind"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
		Cause     string `json:"cause,omitempty"`
	}
	w := wire{Kind: e.Kind, Message: e.Message, Retryable: e.Retryable}
	if e.Cause != nil {
		w.Cause = e.Cause.Error()
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads the wire payload shape; a textual cause becomes an
// opaque wrapped error.
func (e *Error) UnmarshalJSON(data []byte) error {
	type wire struct {
		Kind      Kind   `json:"kind"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
		Cause     string `json:"cause,omitempty"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Kind = w.Kind
	e.Message = w.Message
	e.Retryable = w.Retryable
	if w.Cause != "" {
		e.Cause = errors.New(w.Cause)
	}
	return nil
}

// Validation creates a validation error for a specific field or input.
func Validation(field string, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: fmt.Sprintf("validation failed for %s: %s", field, message),
	}
}

// DuplicateID creates a validation error for an already-registered id.
func DuplicateID(resource, id string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: fmt.Sprintf("%s with id %q already registered", resource, id),
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s with id %q not found", resource, id),
	}
}

// State creates an error for an operation forbidden in the current state.
func State(message string) *Error {
	return &Error{Kind: KindState, Message: message}
}

// Busy signals a temporarily unavailable resource; callers may retry.
func Busy(message string) *Error {
	return &Error{Kind: KindBusy, Message: message, Retryable: true}
}

// Timeout signals an elapsed dispatch or request deadline; retried up to the
// configured attempt budget.
func Timeout(operation string) *Error {
	return &Error{
		Kind:      KindTimeout,
		Message:   fmt.Sprintf("%s timed out", operation),
		Retryable: true,
	}
}

// Bus signals a delivery failure on the communication bus.
func Bus(message string, cause error) *Error {
	return &Error{Kind: KindBus, Message: message, Retryable: true, Cause: cause}
}

// Agent signals a structured failure returned by an agent. Not retried: the
// agent may be deterministically broken on this input.
func Agent(message string) *Error {
	return &Error{Kind: KindAgent, Message: message}
}

// Cancelled signals that cancellation was requested. Terminal.
func Cancelled(message string) *Error {
	return &Error{Kind: KindCancelled, Message: message}
}

// NoConsensus signals that a consensus strategy produced no decision.
func NoConsensus(message string) *Error {
	return &Error{Kind: KindNoConsensus, Message: message}
}

// Pattern signals that a decomposition pattern produced an invalid plan.
func Pattern(message string) *Error {
	return &Error{Kind: KindPattern, Message: message}
}

// Decomposition signals that the decomposer could not produce a plan.
func Decomposition(message string) *Error {
	return &Error{Kind: KindDecomposition, Message: message}
}

// DispatchTimeout is the terminal kind of a task whose dispatch retries are exhausted.
func DispatchTimeout(taskID string, attempts int) *Error {
	return &Error{
		Kind:    KindDispatchTimeout,
		Message: fmt.Sprintf("dispatch of task %q timed out after %d attempts", taskID, attempts),
	}
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// Wrap adds context to an existing error, preserving its kind and
// retryability when it is already a taxonomy error.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return &Error{
			Kind:      appErr.Kind,
			Message:   fmt.Sprintf("%s: %s", message, appErr.Message),
			Retryable: appErr.Retryable,
			Cause:     err,
		}
	}

	return &Error{Kind: KindInternal, Message: message, Cause: err}
}

// From converts any error into an *Error, classifying unrecognized errors as
// internal. Nil in, nil out.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{Kind: KindInternal, Message: err.Error(), Cause: err}
}

// KindOf extracts the kind from an error chain; unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// HasKind reports whether the error chain carries the given kind.
func HasKind(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// IsRetryable reports whether the error chain is marked retryable.
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return HasKind(err, KindNotFound)
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return HasKind(err, KindTimeout)
}
