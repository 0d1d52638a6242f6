// Package activity provides a retrying execution envelope for calls that
// leave the process: agent invocations, document fetches, price lookups,
// notifications. Failures are classified into kinds so the caller can
// distinguish "asking again might work" from "asking again cannot work".
package activity

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an activity failure.
type Kind string

const (
	// KindValidation marks input that can never be accepted. Not retried.
	KindValidation Kind = "validation"

	// KindAuthentication marks rejected credentials. Not retried.
	KindAuthentication Kind = "authentication"

	// KindTransient marks failures where another attempt may succeed:
	// timeouts, connection resets, 5xx responses.
	KindTransient Kind = "transient"

	// KindExhausted marks a transient failure that used up its retry
	// budget. The last underlying error is wrapped.
	KindExhausted Kind = "exhausted"

	// KindCancelled marks an execution abandoned because the caller's
	// context ended.
	KindCancelled Kind = "cancelled"
)

// Error is a classified activity failure.
type Error struct {
	// Kind is the failure classification.
	Kind Kind

	// Activity names the operation that failed, when known.
	Activity string

	// Attempt is the 1-indexed attempt that produced this error.
	Attempt int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Activity != "" {
		return fmt.Sprintf("activity %s: %s: %v", e.Activity, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could change the outcome.
// Only transient failures qualify; exhausted and cancelled are already
// past the point of retrying.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// Validationf returns a validation error, formatted like fmt.Errorf.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// Authenticationf returns an authentication error, formatted like fmt.Errorf.
func Authenticationf(format string, args ...any) *Error {
	return &Error{Kind: KindAuthentication, Err: fmt.Errorf(format, args...)}
}

// Transientf returns a transient error, formatted like fmt.Errorf.
func Transientf(format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

// Transient wraps err as a transient failure. Returns nil if err is nil.
func Transient(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Classify determines the failure kind of an arbitrary error. Classified
// errors report their own kind; context cancellation maps to cancelled;
// everything else, including attempt deadlines, is treated as transient
// so unknown failures get the benefit of a retry.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransient
}
