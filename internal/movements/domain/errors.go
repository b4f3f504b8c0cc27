package movements

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStationNotFound is returned when no station matches a query.
	ErrStationNotFound = errors.New("movements: station not found")
	// ErrFactNotFound is returned when no fact has the requested natural key.
	ErrFactNotFound = errors.New("movements: fact not found")
	// ErrTransientConflict marks a store race that may succeed when retried.
	ErrTransientConflict = errors.New("movements: transient conflict")
	// ErrDanglingReference is returned when a fact references a missing dimension row.
	ErrDanglingReference = errors.New("movements: dangling dimension reference")
	// ErrNilStore is returned when a component is built without its store.
	ErrNilStore = errors.New("movements: nil store")
)

// ValidationError rejects a record before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("movements: invalid %s: %s", e.Field, e.Reason)
}

// ReferentialResolutionError reports a mandatory dimension that could not be resolved.
type ReferentialResolutionError struct {
	Field string
	Err   error
}

func (e *ReferentialResolutionError) Error() string {
	return fmt.Sprintf("movements: resolve %s: %v", e.Field, e.Err)
}

func (e *ReferentialResolutionError) Unwrap() error { return e.Err }

// ConflictResolutionError is returned once conflict retries are exhausted.
// Callers may retry the whole operation.
type ConflictResolutionError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConflictResolutionError) Error() string {
	return fmt.Sprintf("movements: %s: conflict unresolved after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ConflictResolutionError) Unwrap() error { return e.Err }

// Temporary reports that the operation is safe to retry.
func (e *ConflictResolutionError) Temporary() bool { return true }

// InvalidTimestampError is returned when a timestamp has no valid minute key.
type InvalidTimestampError struct {
	Value time.Time
}

func (e *InvalidTimestampError) Error() string {
	if e.Value.IsZero() {
		return "movements: invalid timestamp: zero time"
	}
	return fmt.Sprintf("movements: invalid timestamp: %s", e.Value.Format(time.RFC3339))
}

// IsRetryable reports whether err is a transient conflict, raw or exhausted.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var conflict *ConflictResolutionError
	if errors.As(err, &conflict) {
		return true
	}
	return errors.Is(err, ErrTransientConflict)
}
