package queue

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chronod/internal/eventbus"
	"chronod/internal/storage"
	logx "chronod/pkg/logx"

	rtsup "chronod/internal/runtime/supervisor"
)

// Config controls the queue service.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds one dispatch pass. 0 disables the bound.
	DefaultTimeout time.Duration
}

// Dispatcher executes one dispatch pass. The queue hands over the unit that
// triggered the pass; implementations treat it as read-only.
type Dispatcher func(ctx context.Context, u Unit) error

// Unit is one persisted "run the dispatcher now" token.
//
// Key is the deduplication key derived from a task's overlap policy; Tag is
// the task name the unit belongs to (used for bulk cancellation); Reason
// says what produced the unit (trigger, backup, restore).
type Unit struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Tag        string    `json:"tag"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// backupEntry is the persisted form of a periodic backup registration.
type backupEntry struct {
	Tag     string `json:"tag"`
	EveryMS int64  `json:"everyMs"`
}

// UnitEvent is the bus payload for dispatch.* and task.skipped events.
type UnitEvent struct {
	ID       string
	Key      string
	Tag      string
	Reason   string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// BackupEvent is the bus payload for backup.fired events.
type BackupEvent struct {
	Tag   string
	Every time.Duration
}

type UnitInfo struct {
	ID         string
	Key        string
	Tag        string
	Reason     string
	EnqueuedAt time.Time
}

type BackupInfo struct {
	Tag   string
	Every time.Duration
	Next  time.Time
}

type Snapshot struct {
	Workers    int
	QueueLen   int
	QueueCap   int
	InFlight   int
	Queued     []UnitInfo
	Running    []string // slot keys currently executing
	Backups    []BackupInfo
	Dropped    uint64
	Superseded uint64
	KeptDrops  uint64
}

// Persisted key layout. Pending units and backup registrations each live
// under their own prefix so a restart can enumerate them.
const (
	keyPendingPrefix = "queue/pending/"
	keyBackupPrefix  = "queue/backup/"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store    storage.Store
	dispatch Dispatcher

	q chan Unit

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	c        *cron.Cron
	cronIDs  map[string]cron.EntryID
	backups  map[string]time.Duration
	inFlight int32

	// Pending-state tracking for conflict resolution. pending holds every
	// enqueued-not-yet-started unit by id; keyToID indexes the latest
	// pending unit per key; running counts executing units per key;
	// superseded marks unit ids a worker must discard on dequeue.
	pmu        sync.Mutex
	pending    map[string]Unit
	keyToID    map[string]string
	running    map[string]int
	superseded map[string]struct{}

	dropped        uint64
	supersededN    uint64
	keptDrops      uint64
	lastFullWarnAt int64
}
