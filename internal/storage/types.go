package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (snapshot + jsonl journal)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// HistoryCap bounds retained run records per task. 0 means default (200).
	HistoryCap int
}

// RunRecord is one completed task invocation.
// Keep it compact and schema-stable.
type RunRecord struct {
	Task       string        `json:"task"`
	Slot       int           `json:"slot"`
	DispatchID string        `json:"dispatch_id,omitempty"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// UpdateFunc transforms the current value of a key.
//
// cur is nil and ok is false when the key is absent. Returning (nil, nil)
// deletes the key. Any error aborts the update without writing.
type UpdateFunc func(cur []byte, ok bool) ([]byte, error)
