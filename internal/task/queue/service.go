package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"chronod/internal/eventbus"
	"chronod/internal/storage"
	"chronod/internal/task/policy"
	logx "chronod/pkg/logx"

	rtsup "chronod/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

func New(cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		store:      store,
		cronIDs:    map[string]cron.EntryID{},
		backups:    map[string]time.Duration{},
		pending:    map[string]Unit{},
		keyToID:    map[string]string{},
		running:    map[string]int{},
		superseded: map[string]struct{}{},
	}
}

// SetDispatcher installs the dispatch entry point. Install before Start;
// units dequeued with no dispatcher fail and are discarded.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.dispatch = d
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	if s.dispatch == nil {
		s.log.Warn("no dispatcher installed; units will fail")
	}

	s.q = make(chan Unit, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.c = cron.New()
	stopCh := s.stopCh
	queue := s.q
	workers := cfg.Workers

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskqueue"))),
		// Queue failures should not hard-kill the daemon.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	// Reload whatever the last process left behind before workers drain
	// anything new.
	nb := s.restoreBackups(ctx)
	np := s.restorePending(ctx, queue)

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			// Clean exits happen only on shutdown.
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.mu.Lock()
	if s.c != nil {
		s.c.Start()
	}
	s.mu.Unlock()

	s.log.Info("task queue started",
		logx.Int("workers", workers),
		logx.Int("queue", cap(queue)),
		logx.Int("restored_units", np),
		logx.Int("restored_backups", nb))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if c != nil {
			<-c.Stop().Done()
		}
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.cronIDs = map[string]cron.EntryID{}
		s.mu.Unlock()

		// Persisted units survive; the in-memory mirrors are rebuilt on
		// the next Start's restore pass.
		s.pmu.Lock()
		s.pending = map[string]Unit{}
		s.keyToID = map[string]string{}
		s.superseded = map[string]struct{}{}
		s.pmu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task queue stopped")
	case <-ctx.Done():
		s.log.Warn("task queue stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue submits one dispatch unit without blocking. The directive decides
// what happens when the slot key is already queued or running; a full queue
// drops the unit.
func (s *Service) Enqueue(d policy.Directive, tag, reason string) error {
	key := strings.TrimSpace(d.SlotKey)
	if key == "" {
		return fmt.Errorf("slot key is required")
	}

	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	now := time.Now()
	u := Unit{ID: uuid.NewString(), Key: key, Tag: tag, Reason: reason, EnqueuedAt: now}

	var supersededID string
	s.pmu.Lock()
	switch d.OnConflict {
	case policy.Keep:
		_, queued := s.keyToID[key]
		if queued || s.running[key] > 0 {
			s.pmu.Unlock()
			atomic.AddUint64(&s.keptDrops, 1)
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: "task.skipped", Time: now, Data: UnitEvent{
					ID: u.ID, Key: key, Tag: tag, Reason: "overlap_skip", Started: now,
				}})
			}
			s.log.Debug("unit dropped: key busy",
				logx.String("key", key), logx.String("tag", tag))
			return ErrDuplicate
		}
	case policy.ReplacePending:
		if oldID, queued := s.keyToID[key]; queued {
			s.supersedeLocked(oldID)
			supersededID = oldID
		}
	}
	s.pending[u.ID] = u
	s.keyToID[key] = u.ID
	s.pmu.Unlock()

	if supersededID != "" {
		s.removeUnit(supersededID)
		s.log.Debug("pending unit superseded",
			logx.String("key", key), logx.String("old", supersededID), logx.String("new", u.ID))
	}

	s.persistUnit(u)

	select {
	case q <- u:
		s.log.Debug("unit enqueued",
			logx.String("id", u.ID),
			logx.String("key", key),
			logx.String("tag", tag),
			logx.String("reason", reason))
		return nil
	default:
		s.pmu.Lock()
		delete(s.pending, u.ID)
		if s.keyToID[key] == u.ID {
			delete(s.keyToID, key)
		}
		s.pmu.Unlock()
		s.removeUnit(u.ID)
		s.onQueueFull(now, u, q)
		return ErrQueueFull
	}
}

// supersedeLocked marks a pending unit dead so the worker discards it on
// dequeue. pmu must be held.
func (s *Service) supersedeLocked(id string) {
	u, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.pending, id)
	if s.keyToID[u.Key] == id {
		delete(s.keyToID, u.Key)
	}
	s.superseded[id] = struct{}{}
	atomic.AddUint64(&s.supersededN, 1)
}

func (s *Service) persistUnit(u Unit) {
	data, err := json.Marshal(u)
	if err != nil {
		s.log.Warn("unit encode failed", logx.String("id", u.ID), logx.Err(err))
		return
	}
	if err := s.store.Put(context.Background(), keyPendingPrefix+u.ID, data); err != nil {
		// The unit still runs from memory; it just won't survive a crash.
		s.log.Warn("unit persist failed", logx.String("id", u.ID), logx.Err(err))
	}
}

func (s *Service) removeUnit(id string) {
	if err := s.store.Delete(context.Background(), keyPendingPrefix+id); err != nil {
		s.log.Warn("unit cleanup failed", logx.String("id", id), logx.Err(err))
	}
}

// restorePending reloads persisted units into the channel. Units beyond the
// queue capacity are dropped; they were stale enough to overflow a fresh
// queue.
func (s *Service) restorePending(ctx context.Context, q chan Unit) int {
	keys, err := s.store.Keys(ctx, keyPendingPrefix)
	if err != nil {
		s.log.Warn("pending unit scan failed", logx.Err(err))
		return 0
	}
	n := 0
	for _, k := range keys {
		raw, ok, err := s.store.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var u Unit
		if err := json.Unmarshal(raw, &u); err != nil || u.ID == "" {
			s.log.Warn("pending unit unreadable; discarding", logx.String("key", k))
			_ = s.store.Delete(ctx, k)
			continue
		}
		s.pmu.Lock()
		s.pending[u.ID] = u
		s.keyToID[u.Key] = u.ID
		s.pmu.Unlock()
		select {
		case q <- u:
			n++
		default:
			s.pmu.Lock()
			delete(s.pending, u.ID)
			if s.keyToID[u.Key] == u.ID {
				delete(s.keyToID, u.Key)
			}
			s.pmu.Unlock()
			s.removeUnit(u.ID)
			s.log.Warn("restored unit dropped: queue full", logx.String("id", u.ID), logx.String("tag", u.Tag))
		}
	}
	return n
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	c := s.c
	ids := make(map[string]cron.EntryID, len(s.cronIDs))
	for tag, id := range s.cronIDs {
		ids[tag] = id
	}
	backups := make(map[string]time.Duration, len(s.backups))
	for tag, every := range s.backups {
		backups[tag] = every
	}
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.pmu.Lock()
	queued := make([]UnitInfo, 0, len(s.pending))
	for _, u := range s.pending {
		queued = append(queued, UnitInfo{ID: u.ID, Key: u.Key, Tag: u.Tag, Reason: u.Reason, EnqueuedAt: u.EnqueuedAt})
	}
	runningKeys := make([]string, 0, len(s.running))
	for key, n := range s.running {
		if n > 0 {
			runningKeys = append(runningKeys, key)
		}
	}
	s.pmu.Unlock()

	sort.Slice(queued, func(i, j int) bool { return queued[i].EnqueuedAt.Before(queued[j].EnqueuedAt) })
	sort.Strings(runningKeys)

	backupInfos := make([]BackupInfo, 0, len(backups))
	for tag, every := range backups {
		bi := BackupInfo{Tag: tag, Every: every}
		if c != nil {
			if id, ok := ids[tag]; ok {
				bi.Next = c.Entry(id).Next
			}
		}
		backupInfos = append(backupInfos, bi)
	}
	sort.Slice(backupInfos, func(i, j int) bool { return backupInfos[i].Tag < backupInfos[j].Tag })

	return Snapshot{
		Workers:    cfg.Workers,
		QueueLen:   ql,
		QueueCap:   qc,
		InFlight:   int(atomic.LoadInt32(&s.inFlight)),
		Queued:     queued,
		Running:    runningKeys,
		Backups:    backupInfos,
		Dropped:    atomic.LoadUint64(&s.dropped),
		Superseded: atomic.LoadUint64(&s.supersededN),
		KeptDrops:  atomic.LoadUint64(&s.keptDrops),
	}
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFull(now time.Time, u Unit, q chan Unit) {
	atomic.AddUint64(&s.dropped, 1)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "dispatch.failed", Time: now, Data: UnitEvent{
			ID: u.ID, Key: u.Key, Tag: u.Tag, Reason: u.Reason, Started: now, Error: "queue_full",
		}})
	}

	if !s.log.IsZero() && s.shouldWarn(&s.lastFullWarnAt, now) {
		ql, qc := 0, 0
		if q != nil {
			ql = len(q)
			qc = cap(q)
		}
		s.log.Warn("unit dropped: queue full",
			logx.String("tag", u.Tag),
			logx.String("id", u.ID),
			logx.Int("queue_len", ql),
			logx.Int("queue_cap", qc),
			logx.Uint64("dropped", atomic.LoadUint64(&s.dropped)))
	}
}
