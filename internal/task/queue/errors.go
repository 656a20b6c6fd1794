package queue

import "errors"

var (
	ErrStopped   = errors.New("task queue stopped")
	ErrStopping  = errors.New("task queue stopping")
	ErrQueueFull = errors.New("task queue full")

	// ErrDuplicate reports a Keep-policy drop: a unit with the same slot key
	// was already queued or running. Callers usually treat it as success.
	ErrDuplicate = errors.New("unit dropped: key already queued or running")
)
