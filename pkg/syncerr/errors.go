// Package syncerr defines the error taxonomy shared by the sync engine's
// components. Every component returns errors that carry a Kind so the
// orchestrator can decide between retrying, aborting, and skipping a record
// without inspecting error messages.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error by how the orchestrator must react to it.
type Kind int

const (
	// KindUnknown is reported for errors that carry no classification.
	// The orchestrator treats them as fatal.
	KindUnknown Kind = iota
	// KindTransient errors are retried with backoff at their point of origin.
	KindTransient
	// KindFatal errors abort the run and leave a failed checkpoint.
	KindFatal
	// KindRecord errors drop a single record; the run continues.
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindRecord:
		return "record"
	default:
		return "unknown"
	}
}

var (
	// ErrSourceUnavailable is returned when the source API keeps failing with
	// transient errors after the retry budget is exhausted.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSourceRejected is returned when the source API rejects a request
	// (authentication failure, malformed filter). It is never retried.
	ErrSourceRejected = errors.New("source rejected request")

	// ErrSinkUnavailable is returned when the sink cannot be reached.
	ErrSinkUnavailable = errors.New("sink unavailable")

	// ErrSinkRejected is returned when the sink refuses a write for a reason
	// that affects every row, such as a schema mismatch.
	ErrSinkRejected = errors.New("sink rejected write")

	// ErrRunConflict is returned when another run holds the sync key or an
	// unfinished checkpoint exists and resume was not requested.
	ErrRunConflict = errors.New("conflicting sync run")

	// ErrNeedsOperator is returned to unattended runs when the last run
	// failed fatally and must be resumed or cleared by hand.
	ErrNeedsOperator = errors.New("checkpoint needs operator action")

	// ErrMissingIdentity marks a record without its required identity field.
	ErrMissingIdentity = errors.New("record has no identity")

	// ErrOrphan marks a record whose foreign key could not be resolved.
	ErrOrphan = errors.New("unresolved foreign key")

	// ErrOutOfRange marks a value outside its declared numeric range.
	ErrOutOfRange = errors.New("value out of range")

	// ErrInvalidValue marks a value that fails the sink's constraints.
	ErrInvalidValue = errors.New("invalid value")
)

// Error wraps an underlying error with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable error.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Fatal wraps err as a run-aborting error.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// Record wraps err as a record-level error.
func Record(op string, err error) error {
	return &Error{Kind: KindRecord, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain. Context
// cancellation is reported as KindFatal so callers stop promptly.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsRecordLevel reports whether err only affects a single record.
func IsRecordLevel(err error) bool {
	return KindOf(err) == KindRecord
}
