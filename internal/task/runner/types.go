package runner

import (
	"sync"
	"time"

	"chronod/internal/eventbus"
	"chronod/internal/storage"
	"chronod/internal/task/alarm"
	"chronod/internal/task/callback"
	"chronod/internal/task/policy"
	"chronod/internal/task/queue"
	"chronod/internal/task/registry"
	logx "chronod/pkg/logx"
)

// immediateDelay is the first-firing delay for run-immediately
// registrations. Short enough to be "now", long enough that the
// registration call returns before the firing lands.
const immediateDelay = time.Millisecond

// Config controls the runner.
type Config struct {
	Enabled bool

	// SlotBase seeds the slot-id allocator; slot 0 is reserved for the
	// default task.
	SlotBase int

	// DispatchTimeout bounds one callback invocation within a dispatch
	// pass. 0 disables the bound.
	DispatchTimeout time.Duration
}

// TaskSpec is a registration request.
type TaskSpec struct {
	Name           string
	Callback       callback.Callback
	Interval       time.Duration
	Policy         policy.Overlap
	RunImmediately bool
	OneTime        bool
}

// TaskInfo is the read model returned by Tasks.
type TaskInfo struct {
	Name         string
	Interval     time.Duration
	Policy       policy.Overlap
	Active       bool
	OneTime      bool
	Slot         int
	RegisteredAt time.Time

	// NextFire is the armed alarm time, zero when the slot is idle.
	NextFire time.Time
}

// TaskEvent is the bus payload for task.* events.
type TaskEvent struct {
	Name       string
	Slot       int
	Interval   time.Duration
	Policy     string
	OneTime    bool
	DispatchID string
	Started    time.Time
	Duration   time.Duration
	Error      string
}

// Deps carries the runner's collaborators.
type Deps struct {
	Tasks     *registry.Store
	Callbacks *callback.Registry
	Alarms    *alarm.Service
	Queue     *queue.Service

	// History receives per-task run records; nil disables history.
	History storage.Store
}

type Runner struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	tasks     *registry.Store
	callbacks *callback.Registry
	alarms    *alarm.Service
	queue     *queue.Service
	history   storage.Store

	mu          sync.Mutex
	initialized bool
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		tasks:     deps.Tasks,
		callbacks: deps.Callbacks,
		alarms:    deps.Alarms,
		queue:     deps.Queue,
		history:   deps.History,
	}
}
