// Package toolerr defines the error taxonomy surfaced across the tool
// dispatch boundary. Every failure a caller can observe carries a stable,
// machine-readable Kind plus a human-readable message; backend causes are
// kept on the error for logging but never rendered to callers.
package toolerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the stable machine-readable error category.
type Kind string

const (
	// KindValidation marks malformed tool arguments. Never retried.
	KindValidation Kind = "ValidationError"
	// KindUnknownTool marks a call to a tool name that is not registered.
	KindUnknownTool Kind = "UnknownTool"
	// KindBackendUnavailable marks a transient backend failure that survived
	// the retry budget.
	KindBackendUnavailable Kind = "BackendUnavailable"
	// KindBackendError marks a non-transient backend fault.
	KindBackendError Kind = "BackendError"
	// KindTimeout marks a call that exceeded its budget or was abandoned by
	// the caller.
	KindTimeout Kind = "Timeout"
	// KindNoContext marks a retrieval that succeeded with zero usable chunks.
	// It is reported on a completed result, not as a failure.
	KindNoContext Kind = "NoContext"
	// KindInternal marks a handler bug (including recovered panics).
	KindInternal Kind = "Internal"
)

// Error is the typed error returned by the dispatch layer.
type Error struct {
	// Kind is the stable category.
	Kind Kind `json:"kind"`
	// Message is safe to show to the caller.
	Message string `json:"message"`
	// Field names the offending argument for ValidationError.
	Field string `json:"field,omitempty"`
	// Err is the underlying cause, for logs only.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Validation constructs a ValidationError for field.
func Validation(field, reason string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: reason}
}

// UnknownTool constructs an UnknownTool error.
func UnknownTool(name string) *Error {
	return &Error{Kind: KindUnknownTool, Message: fmt.Sprintf("tool %q is not registered", name)}
}

// Timeout constructs a Timeout error wrapping cause.
func Timeout(msg string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: msg, Err: cause}
}

// New constructs an error of the given kind.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// As extracts a *Error from err.
func As(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
// Context expiry and cancellation are reported as KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if te, ok := As(err); ok {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}
