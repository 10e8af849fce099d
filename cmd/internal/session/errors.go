package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when a user or device id is empty or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable is returned when the backing store cannot complete a unit.
	// Nothing was committed; callers may retry.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrSessionNotFound is returned by Tx.Get when the pair has no row.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned by Tx.Insert when the pair already has a row.
	ErrSessionExists = errors.New("session already exists")

	// ErrReadOnly is returned when a mutating call is made inside Store.View.
	ErrReadOnly = errors.New("read-only session unit")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// OpError describes a failed session operation.
// Kind is one of the sentinel errors above; Err carries the underlying cause.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func opErr(op string, kind error, err error) error {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// IsInvalidInput reports whether err was caused by a malformed user or device id.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsStoreUnavailable reports whether err is a retryable store failure.
func IsStoreUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }
