package automation

import (
	"errors"
	"fmt"
)

// ErrQueueFull is returned by Enqueue when the task queue is saturated.
var ErrQueueFull = errors.New("automation: queue full")

// ErrNotRunning is returned by Enqueue before Start or after shutdown.
var ErrNotRunning = errors.New("automation: runner not started")

// TaskError is a failed execution attempt with a structured reason.
// Transient attempts are retried up to the configured bound.
type TaskError struct {
	Reason    string
	Transient bool
	Err       error
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("automation: %s", e.Reason)
	}
	return fmt.Sprintf("automation: %s: %v", e.Reason, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Fail builds a permanent task error.
func Fail(reason string, err error) *TaskError {
	return &TaskError{Reason: reason, Err: err}
}

// Retryable builds a transient task error.
func Retryable(reason string, err error) *TaskError {
	return &TaskError{Reason: reason, Transient: true, Err: err}
}
