// Package apperr defines the error taxonomy shared by the queue, the
// template registry and the execution engine.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job, template or execution does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is not allowed from the
	// current status (e.g. cancelling a running job).
	ErrInvalidState = errors.New("invalid state transition")

	// ErrStaleRevision is returned by stores when an optimistic update lost
	// the race against another writer.
	ErrStaleRevision = errors.New("stale revision")
)

// ValidationError reports a malformed payload or graph, rejected before
// anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Validation is a shorthand constructor.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientError wraps a failure that is worth retrying (network blips,
// unavailable dependencies).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that must not be retried. An action job
// failing this way sends the owning execution straight to dead_letter.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ConflictError signals an idempotency collision. Callers resolve it by
// returning the existing resource; it never reaches API clients.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string { return "conflict on key " + e.Key }

// LeaseExpiredError is recorded on jobs whose worker stopped heartbeating.
type LeaseExpiredError struct {
	WorkerID string
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("lease expired (worker %s)", e.WorkerID)
}
