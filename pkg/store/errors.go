package store

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates an unknown entity id or name.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a lost optimistic transition: the row was no longer
// in the expected status.
var ErrConflict = errors.New("conflict: row already transitioned")

// ValidationError reports a rejected write (schema shape, references,
// uniqueness).
type ValidationError struct {
	Entity string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Entity, e.Reason)
}

func validationErr(entity, format string, args ...interface{}) error {
	return &ValidationError{Entity: entity, Reason: fmt.Sprintf(format, args...)}
}

func notFoundErr(entity string, id int64) error {
	return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
}
