package config

import "encoding/json"

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage backs the task registry, the pending dispatch queue and run
	// history. The daemon refuses to start without a usable store.
	Storage StorageConfig `json:"storage"`

	// Runner controls the task runner (registration, alarms, dispatch).
	Runner RunnerConfig `json:"runner"`

	// Queue controls the durable executor. If omitted, runtime defaults apply.
	Queue *QueueConfig `json:"queue,omitempty"`

	API APIConfig `json:"api,omitempty"`

	Notify *NotifyConfig `json:"notify,omitempty"`

	// Tasks declared in config are registered at startup and reconciled on
	// reload. Tasks registered through the runner API are not listed here.
	Tasks []TaskConfig `json:"tasks,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chronod.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RunnerConfig controls the task runner.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type RunnerConfig struct {
	Enabled bool `json:"enabled"`

	// SlotBase is the first alarm slot id handed to newly registered tasks.
	// Slot 0 is reserved. Defaults to 1000.
	SlotBase int `json:"slot_base,omitempty"`

	// DispatchTimeout bounds a single callback invocation.
	// Use "0s" to disable.
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
}

// QueueConfig controls the durable executor.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type QueueConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string bounding one dispatch unit.
	// Use "0s" to disable.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// HistorySize caps retained run records per task.
	HistorySize int `json:"history_size,omitempty"`
}

// APIConfig controls the optional read-only HTTP status server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8321").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8321"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts /debug/pprof on the same server.
	Pprof bool `json:"pprof,omitempty"`
}

// NotifyConfig controls failure alerts.
//
// If the whole section is omitted, alerts are disabled.
type NotifyConfig struct {
	Enabled    bool           `json:"enabled"`
	RatePerSec int            `json:"rate_per_sec,omitempty"` // default 1
	Telegram   TelegramNotify `json:"telegram"`
}

type TelegramNotify struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// TaskConfig declares a task to register at startup.
//
// Interval is a Go duration string. Policy is one of
// "replace", "skip_if_running", "parallel" (default "replace").
type TaskConfig struct {
	Name           string `json:"name"`
	Handler        string `json:"handler"`
	Interval       string `json:"interval"`
	Policy         string `json:"policy,omitempty"`
	RunImmediately bool   `json:"run_immediately,omitempty"`
	OneTime        bool   `json:"one_time,omitempty"`

	// Enabled is a pointer so an omitted field defaults to true.
	Enabled *bool `json:"enabled,omitempty"`

	// Params is handler-specific configuration, passed opaquely to the
	// handler factory when the task's callback is built.
	Params json.RawMessage `json:"params,omitempty"`
}

// EnabledOrDefault treats an omitted enabled field as true.
func (t TaskConfig) EnabledOrDefault() bool {
	if t.Enabled == nil {
		return true
	}
	return *t.Enabled
}
