package app

import (
	"fmt"
	"strings"
	"time"

	"chronod/internal/api"
	"chronod/internal/notify"
	"chronod/internal/storage"
	"chronod/internal/task/queue"
	"chronod/internal/task/runner"
)

// mapStorageConfig resolves the storage section. chronod cannot run without a
// store (registry, pending queue and history all live there), so an omitted
// section falls back to a local sqlite file.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, fmt.Errorf("config is nil")
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	path := strings.TrimSpace(cfg.Storage.Path)

	busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	histCap := 0
	if cfg.Queue != nil {
		histCap = cfg.Queue.HistorySize
	}

	out := storage.Config{BusyTimeout: busy, HistoryCap: histCap}
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./chronod.db"
		}
		out.Driver = "sqlite"
		out.Path = path
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		out.Driver = "file"
		out.Path = path
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
	return out, nil
}

func mapRunnerConfig(cfg *Config) (runner.Config, error) {
	if cfg == nil {
		return runner.Config{}, nil
	}
	if cfg.Runner.SlotBase < 0 {
		return runner.Config{}, fmt.Errorf("runner.slot_base must be >= 0")
	}
	dt, err := parseDurationField("runner.dispatch_timeout", cfg.Runner.DispatchTimeout)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		Enabled:         cfg.Runner.Enabled,
		SlotBase:        cfg.Runner.SlotBase,
		DispatchTimeout: dt,
	}, nil
}

func mapQueueConfig(cfg *Config) (queue.Config, error) {
	workers, size, timeoutStr := 0, 0, ""
	if cfg != nil && cfg.Queue != nil {
		workers = cfg.Queue.Workers
		size = cfg.Queue.QueueSize
		timeoutStr = cfg.Queue.DefaultTimeout
	}
	if workers < 0 {
		return queue.Config{}, fmt.Errorf("queue.workers must be >= 0")
	}
	if size < 0 {
		return queue.Config{}, fmt.Errorf("queue.queue_size must be >= 0")
	}
	dt, err := parseDurationField("queue.default_timeout", timeoutStr)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{Workers: workers, QueueSize: size, DefaultTimeout: dt}, nil
}

func mapAPIConfig(cfg *Config) (api.Config, error) {
	if cfg == nil {
		return api.Config{}, nil
	}
	a := cfg.API
	rt, err := parseDurationOrDefault("api.read_timeout", a.ReadTimeout, 5*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	wt, err := parseDurationOrDefault("api.write_timeout", a.WriteTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	it, err := parseDurationOrDefault("api.idle_timeout", a.IdleTimeout, 60*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:       a.Enabled,
		Addr:          strings.TrimSpace(a.Addr),
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
		Pprof:         a.Pprof,
	}, nil
}

// mapNotifyConfig validates the notify section. A nil section means disabled.
func mapNotifyConfig(cfg *Config) (notify.Config, error) {
	if cfg == nil || cfg.Notify == nil {
		return notify.Config{}, nil
	}
	n := cfg.Notify
	if n.RatePerSec < 0 {
		return notify.Config{}, fmt.Errorf("notify.rate_per_sec must be >= 0")
	}
	if n.Enabled {
		if strings.TrimSpace(n.Telegram.Token) == "" {
			return notify.Config{}, fmt.Errorf("notify.telegram.token is required when notify.enabled")
		}
		if n.Telegram.ChatID == 0 {
			return notify.Config{}, fmt.Errorf("notify.telegram.chat_id is required when notify.enabled")
		}
	}
	return notify.Config{
		Enabled:    n.Enabled,
		RatePerSec: n.RatePerSec,
		Telegram: notify.TelegramConfig{
			Token:    strings.TrimSpace(n.Telegram.Token),
			ChatID:   n.Telegram.ChatID,
			ThreadID: n.Telegram.ThreadID,
		},
	}, nil
}
