package coordinator

import (
	"errors"
	"fmt"
)

// ErrValidation marks requests rejected before touching the store.
var ErrValidation = errors.New("coordinator: validation failed")

// ErrNotFound marks lookups of records or tasks that do not exist.
var ErrNotFound = errors.New("coordinator: not found")

// errNoChange lets a mutate closure abort an Apply without writing the
// document. Callers that use it map it back to success.
var errNoChange = errors.New("coordinator: no change")

// ValidationError names the offending field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("coordinator: invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}
