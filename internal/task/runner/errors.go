package runner

import (
	"errors"
	"fmt"

	"chronod/internal/task/callback"
)

var (
	// ErrNotInitialized is returned by every operation invoked before
	// Initialize has completed.
	ErrNotInitialized = errors.New("task runner not initialized")

	// ErrInvalidCallback is returned when a registration carries a callback
	// that does not resolve to a registered handler.
	ErrInvalidCallback = errors.New("callback is not registered")

	// ErrTaskNotFound is returned by operations that address a task by name
	// and require it to exist. StopTask reports absence as false instead.
	ErrTaskNotFound = errors.New("task not found")
)

// SchedulingError wraps an adapter failure (alarm or queue) so callers can
// tell a scheduling fault from a validation fault. Registration surfaces it;
// dispatch only logs it.
type SchedulingError struct {
	Op  string
	Err error
}

func (e *SchedulingError) Error() string { return fmt.Sprintf("scheduling %s: %v", e.Op, e.Err) }
func (e *SchedulingError) Unwrap() error { return e.Err }

// CallbackUnresolvableError marks a dispatch-time resolution failure: the
// persisted handle no longer maps to a registered callback, usually because
// the process image changed between registration and firing. It fails the
// one task; the dispatch pass continues.
type CallbackUnresolvableError struct {
	Task   string
	Handle callback.Handle
}

func (e *CallbackUnresolvableError) Error() string {
	return fmt.Sprintf("task %q: callback handle %d not resolvable", e.Task, uint64(e.Handle))
}
