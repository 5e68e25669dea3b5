package fiber

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Standard errors.
var (
	// ErrTerminated is returned when spawning on a scheduler that is shutting
	// down or has been closed.
	ErrTerminated = errors.New("fiber: scheduler has been terminated")

	// ErrAborted is the result of a fiber that was still suspended when its
	// scheduler was closed.
	ErrAborted = errors.New("fiber: aborted by scheduler close")

	// ErrAlreadySet is returned on the second assignment of a [Val].
	ErrAlreadySet = errors.New("fiber: value has already been set")

	// ErrCancelled is the result of a cancelled [Val].
	ErrCancelled = errors.New("fiber: cancelled")

	// ErrVarClosed is returned when reading a [Var] that was closed without
	// an error.
	ErrVarClosed = errors.New("fiber: var has been closed")
)

// TimeoutError is returned when a bounded wait expires. It matches
// [context.DeadlineExceeded] via [errors.Is].
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("fiber: timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("fiber: %s timed out after %s", e.Op, e.Timeout)
}

// Unwrap returns [context.DeadlineExceeded].
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// PanicError wraps a value recovered from a panicking fiber body.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("fiber: panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ExecutionError wraps the failure stored in a [Val], as observed by its
// readers.
type ExecutionError struct {
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return "fiber: execution failed: " + e.Cause.Error()
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// IllegalStateError reports a task state that should be unreachable. It is
// raised as a panic, since it indicates a bug rather than a runtime
// condition.
type IllegalStateError struct {
	Op    string
	State TaskState
	Task  *Task
}

// Error implements the error interface.
func (e *IllegalStateError) Error() string {
	if e.Task == nil {
		return fmt.Sprintf("fiber: illegal state for %s: %s", e.Op, e.State)
	}
	return fmt.Sprintf("fiber: illegal state for %s on %s: %s", e.Op, e.Task, e.State)
}
