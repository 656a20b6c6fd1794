package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "chronod/pkg/logx"
)

// Store is the persistence API used by the task packages.
//
// Values are small opaque byte slices (usually JSON). Readers must treat a
// missing key and an unreadable value the same way: absent.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Update applies fn to the current value of key as one atomic step.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Keys lists keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	AppendRun(ctx context.Context, r RunRecord) error
	// ListRuns returns the most recent runs, newest first.
	// An empty task selects all tasks.
	ListRuns(ctx context.Context, task string, limit int) ([]RunRecord, error)
	// PruneRuns deletes run records started before cutoff.
	PruneRuns(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

const defaultHistoryCap = 200

func historyCap(cfg Config) int {
	if cfg.HistoryCap > 0 {
		return cfg.HistoryCap
	}
	return defaultHistoryCap
}
