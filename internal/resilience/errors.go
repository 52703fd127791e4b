package resilience

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned when a retry policy or breaker is built from unusable settings.
var ErrInvalidConfig = errors.New("invalid resilience config")

// ErrUnknownDependency is returned when the executor has no breaker for a dependency name.
var ErrUnknownDependency = errors.New("unknown dependency")

// TransientError marks a failure that may succeed on retry: timeouts, refused connections,
// server-side errors. It counts against the dependency's breaker.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectionError marks a business refusal (declined card, out of stock). The dependency answered,
// so it is healthy; the request itself is invalid and must not be retried.
type RejectionError struct {
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err == nil {
		return "rejected: " + e.Reason
	}
	return fmt.Sprintf("rejected: %s: %v", e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// BreakerOpenError is produced locally when a breaker refuses an attempt. It never reaches the breaker's tally.
type BreakerOpenError struct {
	Dependency string
	// Last is the error of the attempt that preceded the short-circuit, if any.
	Last error
}

func (e *BreakerOpenError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("circuit breaker open for %s", e.Dependency)
	}
	return fmt.Sprintf("circuit breaker open for %s (last error: %v)", e.Dependency, e.Last)
}

func (e *BreakerOpenError) Unwrap() error { return e.Last }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Reject builds a RejectionError.
func Reject(reason string, err error) error {
	return &RejectionError{Reason: reason, Err: err}
}

// Class is the executor's view of an attempt result.
type Class int

const (
	ClassSuccess Class = iota
	ClassTransient
	ClassRejection
	ClassBreakerOpen
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransient:
		return "transient"
	case ClassRejection:
		return "rejection"
	case ClassBreakerOpen:
		return "breaker_open"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps an attempt error onto the taxonomy. Errors nobody classified are treated as transient.
func Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}

	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return ClassRejection
	}
	var open *BreakerOpenError
	if errors.As(err, &open) {
		return ClassBreakerOpen
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	// Per-call deadlines, net.Error and anything unclassified.
	return ClassTransient
}

// IsRetryable is the default retryable predicate: only transient failures are worth another attempt.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}

// countsAsFailure reports whether an attempt result should trip the breaker.
func countsAsFailure(c Class) bool {
	return c == ClassTransient
}
