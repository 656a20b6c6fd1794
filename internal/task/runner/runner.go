package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chronod/internal/eventbus"
	"chronod/internal/task/callback"
	"chronod/internal/task/policy"
	"chronod/internal/task/registry"
	logx "chronod/pkg/logx"
)

// Initialize wires the trigger handler and the dispatch entry point, lifts
// legacy single-task data into the registry, and re-arms persisted tasks.
// It is idempotent; every other operation fails with ErrNotInitialized
// until it has run.
func (r *Runner) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return nil
	}
	if r.tasks == nil || r.callbacks == nil || r.alarms == nil || r.queue == nil {
		r.mu.Unlock()
		return fmt.Errorf("runner dependencies incomplete")
	}
	r.mu.Unlock()

	r.alarms.SetHandler(r.handleTrigger)
	r.queue.SetDispatcher(r.dispatch)

	if _, err := r.tasks.MigrateLegacy(ctx); err != nil {
		r.log.Warn("legacy migration failed", logx.Err(err))
	}
	if err := r.reconcile(ctx); err != nil {
		r.log.Warn("startup reconcile failed", logx.Err(err))
	}

	r.mu.Lock()
	r.initialized = true
	r.mu.Unlock()

	r.log.Info("task runner initialized")
	return nil
}

func (r *Runner) Enabled() bool { return r.cfg.Enabled }

func (r *Runner) ensureInitialized() error {
	r.mu.Lock()
	ok := r.initialized
	r.mu.Unlock()
	if !ok {
		return ErrNotInitialized
	}
	return nil
}

// reconcile re-arms every active task after a restart: the alarm side lost
// its timers with the old process, so each task gets a fresh firing one
// full interval out, and recurring tasks get their backup re-registered.
// It also covers registrations whose scheduling step failed half-way.
func (r *Runner) reconcile(ctx context.Context) error {
	recs, err := r.tasks.All(ctx)
	if err != nil {
		return err
	}
	armed := 0
	for _, rec := range recs {
		if !rec.Active {
			continue
		}
		delay := rec.Interval
		if delay <= 0 {
			delay = immediateDelay
		}
		r.alarms.Schedule(delay, rec.Slot)
		armed++
		if !rec.OneTime {
			if _, err := r.queue.RegisterPeriodicBackup(rec.Name, rec.Interval); err != nil {
				r.log.Warn("backup re-register failed", logx.String("task", rec.Name), logx.Err(err))
			}
		}
	}
	if armed > 0 {
		r.log.Info("tasks re-armed", logx.Int("count", armed))
	}
	return nil
}

// RegisterTask upserts a named task: persist the record, arm the first
// firing, and (for recurring tasks) register the periodic backup. A task
// re-registered under an existing name keeps its slot id and original
// registration time.
//
// There is no rollback when a step past the save fails; the record stays
// and the next startup reconcile re-arms it.
func (r *Runner) RegisterTask(ctx context.Context, spec TaskSpec) error {
	if err := r.ensureInitialized(); err != nil {
		return err
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if spec.Interval < 0 {
		return fmt.Errorf("task %q: interval must not be negative", name)
	}
	cb := spec.Callback
	if cb.IsZero() {
		return ErrInvalidCallback
	}
	if got, ok := r.callbacks.Lookup(cb.Handle()); !ok || got.Name() != cb.Name() {
		return ErrInvalidCallback
	}

	rec := registry.Record{
		Name:         name,
		Handle:       cb.Handle(),
		Interval:     spec.Interval,
		Policy:       spec.Policy,
		Active:       true,
		OneTime:      spec.OneTime,
		RegisteredAt: time.Now(),
	}

	prev, existed, err := r.tasks.Get(ctx, name)
	switch {
	case err != nil:
		return fmt.Errorf("load task %q: %w", name, err)
	case existed:
		// Slot ids are stable per name.
		rec.Slot = prev.Slot
		if !prev.RegisteredAt.IsZero() {
			rec.RegisteredAt = prev.RegisteredAt
		}
	case name == registry.DefaultTaskName:
		rec.Slot = registry.DefaultSlot
	default:
		slot, err := r.tasks.NextSlot(ctx)
		if err != nil {
			return fmt.Errorf("allocate slot for %q: %w", name, err)
		}
		rec.Slot = slot
	}

	if err := r.tasks.Save(ctx, rec); err != nil {
		return fmt.Errorf("save task %q: %w", name, err)
	}

	delay := spec.Interval
	if spec.RunImmediately {
		delay = immediateDelay
	}
	fireAt := r.alarms.Schedule(delay, rec.Slot)

	if !spec.OneTime {
		if _, err := r.queue.RegisterPeriodicBackup(name, spec.Interval); err != nil {
			return &SchedulingError{Op: "backup", Err: err}
		}
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: "task.registered", Time: time.Now(), Data: TaskEvent{
			Name: name, Slot: rec.Slot, Interval: spec.Interval,
			Policy: spec.Policy.String(), OneTime: spec.OneTime,
		}})
	}
	r.log.Info("task registered",
		logx.String("task", name),
		logx.Int("slot", rec.Slot),
		logx.Duration("interval", spec.Interval),
		logx.String("policy", spec.Policy.String()),
		logx.Bool("one_time", spec.OneTime),
		logx.Time("first_fire", fireAt))
	return nil
}

// StartDefault is the single-task compatibility entry point: it registers a
// recurring task under the reserved default name and slot.
func (r *Runner) StartDefault(ctx context.Context, cb callback.Callback, interval time.Duration, pol policy.Overlap, runImmediately bool) error {
	return r.RegisterTask(ctx, TaskSpec{
		Name:           registry.DefaultTaskName,
		Callback:       cb,
		Interval:       interval,
		Policy:         pol,
		RunImmediately: runImmediately,
	})
}

// StopDefault deactivates the default task and cancels its scheduling. The
// record stays, marked inactive, so the deactivation itself is durable: a
// firing that races the teardown re-reads the record and drops itself.
func (r *Runner) StopDefault(ctx context.Context) error {
	if err := r.ensureInitialized(); err != nil {
		return err
	}
	rec, ok, err := r.tasks.Get(ctx, registry.DefaultTaskName)
	if err != nil {
		return err
	}
	if !ok {
		// Nothing registered; disarm the reserved slot anyway.
		r.alarms.Cancel(registry.DefaultSlot)
		return nil
	}
	rec.Active = false
	if err := r.tasks.Save(ctx, rec); err != nil {
		return err
	}
	r.alarms.Cancel(rec.Slot)
	r.queue.CancelByTag(ctx, rec.Name)

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: "task.stopped", Time: time.Now(), Data: TaskEvent{
			Name: rec.Name, Slot: rec.Slot,
		}})
	}
	r.log.Info("default task stopped")
	return nil
}

// StopTask tears a task down completely: alarm slot, backup, queued units,
// record. It reports false for a name that was never registered.
func (r *Runner) StopTask(ctx context.Context, name string) (bool, error) {
	if err := r.ensureInitialized(); err != nil {
		return false, err
	}
	name = strings.TrimSpace(name)
	rec, ok, err := r.tasks.Get(ctx, name)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	r.alarms.Cancel(rec.Slot)
	r.queue.CancelByTag(ctx, rec.Name)
	removed, err := r.tasks.Remove(ctx, name)
	if err != nil {
		return false, err
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: "task.stopped", Time: time.Now(), Data: TaskEvent{
			Name: rec.Name, Slot: rec.Slot,
		}})
	}
	r.log.Info("task stopped", logx.String("task", name), logx.Int("slot", rec.Slot))
	return removed, nil
}

// StopAllTasks tears down every registered task and clears the registry.
// The reserved slot is cancelled once more at the end in case the registry
// lost track of it.
func (r *Runner) StopAllTasks(ctx context.Context) error {
	if err := r.ensureInitialized(); err != nil {
		return err
	}
	recs, err := r.tasks.All(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		r.alarms.Cancel(rec.Slot)
		r.queue.CancelByTag(ctx, rec.Name)
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: "task.stopped", Time: time.Now(), Data: TaskEvent{
				Name: rec.Name, Slot: rec.Slot,
			}})
		}
	}
	if err := r.tasks.ClearAll(ctx); err != nil {
		return err
	}
	r.alarms.Cancel(registry.DefaultSlot)

	r.log.Info("all tasks stopped", logx.Int("count", len(recs)))
	return nil
}

// Task returns one task by name.
func (r *Runner) Task(ctx context.Context, name string) (TaskInfo, error) {
	if err := r.ensureInitialized(); err != nil {
		return TaskInfo{}, err
	}
	rec, ok, err := r.tasks.Get(ctx, name)
	if err != nil {
		return TaskInfo{}, err
	}
	if !ok {
		return TaskInfo{}, ErrTaskNotFound
	}
	armed := r.armedSlots()
	return r.infoFor(rec, armed), nil
}

// Tasks returns a snapshot of every registered task, sorted by name.
func (r *Runner) Tasks(ctx context.Context) ([]TaskInfo, error) {
	if err := r.ensureInitialized(); err != nil {
		return nil, err
	}
	recs, err := r.tasks.All(ctx)
	if err != nil {
		return nil, err
	}
	armed := r.armedSlots()
	out := make([]TaskInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, r.infoFor(rec, armed))
	}
	return out, nil
}

func (r *Runner) armedSlots() map[int]time.Time {
	armed := map[int]time.Time{}
	for _, si := range r.alarms.Snapshot() {
		armed[si.Slot] = si.FireAt
	}
	return armed
}

func (r *Runner) infoFor(rec registry.Record, armed map[int]time.Time) TaskInfo {
	return TaskInfo{
		Name:         rec.Name,
		Interval:     rec.Interval,
		Policy:       rec.Policy,
		Active:       rec.Active,
		OneTime:      rec.OneTime,
		Slot:         rec.Slot,
		RegisteredAt: rec.RegisteredAt,
		NextFire:     armed[rec.Slot],
	}
}
