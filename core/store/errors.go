package store

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when the expected version no longer matches the
// file. The caller re-reads and retries; the store never retries itself.
var ErrConflict = errors.New("store: version conflict")

// ErrCorrupted is returned when the file exists but cannot be parsed.
// Recovery is an operator decision, never an automatic reset.
var ErrCorrupted = errors.New("store: file corrupted")

// ConflictError carries the versions involved in a failed compare-and-swap.
type ConflictError struct {
	Expected uint64
	Current  uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: version conflict: expected %d, file at %d", e.Expected, e.Current)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// CorruptError wraps the parse failure together with the offending path.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("store: %s corrupted: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupted }
