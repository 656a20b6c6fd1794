package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"chronod/internal/eventbus"
	"chronod/internal/storage"
	"chronod/internal/task/policy"
	"chronod/internal/task/queue"
	"chronod/internal/task/registry"
	logx "chronod/pkg/logx"
)

// handleTrigger turns an alarm firing into a queue unit. It carries nothing
// but the slot id: the task is re-read from the store, so a record changed
// or removed since arming wins over the stale firing. It returns quickly
// and never runs callbacks.
func (r *Runner) handleTrigger(ctx context.Context, slot int) {
	rec, ok, err := r.tasks.BySlot(ctx, slot)
	if err != nil {
		r.log.Warn("trigger lookup failed", logx.Int("slot", slot), logx.Err(err))
		return
	}
	if !ok {
		r.log.Debug("trigger for unknown slot dropped", logx.Int("slot", slot))
		return
	}
	if !rec.Active {
		r.log.Debug("trigger for inactive task dropped", logx.String("task", rec.Name))
		return
	}

	now := time.Now()
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: "task.fired", Time: now, Data: TaskEvent{
			Name: rec.Name, Slot: rec.Slot, Interval: rec.Interval, Policy: rec.Policy.String(),
		}})
	}

	d := policy.Resolve(rec.Policy, rec.Name)
	err = r.queue.Enqueue(d, rec.Name, "trigger")
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrDuplicate):
		// The skip-if-running policy doing its job.
		r.log.Debug("firing skipped: pass already pending", logx.String("task", rec.Name))
	default:
		serr := &SchedulingError{Op: "enqueue", Err: err}
		r.log.Warn("firing enqueue failed", logx.String("task", rec.Name), logx.Err(serr))
	}
}

// dispatch is the queue's entry point: one pass over every active task, in
// name order, each callback invoked and awaited. A task that fails (or
// cannot be resolved) fails alone; the pass continues. Scheduling follow-up
// is unconditional: one-time tasks leave the registry, recurring tasks get
// their next firing armed at now+interval.
func (r *Runner) dispatch(ctx context.Context, u queue.Unit) error {
	recs, err := r.tasks.All(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	ran, failed := 0, 0
	for _, rec := range recs {
		if !rec.Active {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ran++
		if err := r.runTask(ctx, rec, u.ID); err != nil {
			failed++
		}

		if rec.OneTime {
			if _, err := r.tasks.Remove(ctx, rec.Name); err != nil {
				r.log.Warn("one-time removal failed", logx.String("task", rec.Name), logx.Err(err))
			}
			r.alarms.Cancel(rec.Slot)
			r.queue.CancelByTag(ctx, rec.Name)
		} else if rec.Interval > 0 {
			r.alarms.Schedule(rec.Interval, rec.Slot)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, ran)
	}
	return nil
}

// runTask resolves and invokes one callback, records the run, and reports
// the per-task result.
func (r *Runner) runTask(ctx context.Context, rec registry.Record, dispatchID string) error {
	start := time.Now()

	var err error
	cb, ok := r.callbacks.Lookup(rec.Handle)
	if !ok || cb.Func() == nil {
		err = &CallbackUnresolvableError{Task: rec.Name, Handle: rec.Handle}
	} else {
		runCtx := ctx
		var cancel func()
		if r.cfg.DispatchTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, r.cfg.DispatchTimeout)
		}
		// One panicking callback must not take the rest of the pass down.
		func() {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic: %v", p)
					r.log.Error("callback panic",
						logx.String("task", rec.Name),
						logx.Any("panic", p),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			err = cb.Func()(runCtx)
		}()
		if cancel != nil {
			cancel()
		}
	}
	dur := time.Since(start)

	if r.history != nil {
		run := storage.RunRecord{
			Task:       rec.Name,
			Slot:       rec.Slot,
			DispatchID: dispatchID,
			Started:    start,
			Duration:   dur,
		}
		if err != nil {
			run.Error = err.Error()
		}
		if herr := r.history.AppendRun(ctx, run); herr != nil {
			r.log.Warn("run history append failed", logx.String("task", rec.Name), logx.Err(herr))
		}
	}

	if err != nil {
		r.log.Warn("task failed",
			logx.String("task", rec.Name),
			logx.String("dispatch", dispatchID),
			logx.Err(err),
			logx.Duration("dur", dur))
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: "task.failed", Time: time.Now(), Data: TaskEvent{
				Name: rec.Name, Slot: rec.Slot, DispatchID: dispatchID,
				Started: start, Duration: dur, Error: err.Error(),
			}})
		}
		return err
	}

	if dur >= 750*time.Millisecond {
		r.log.Info("task completed",
			logx.String("task", rec.Name),
			logx.String("dispatch", dispatchID),
			logx.Duration("dur", dur))
	} else {
		r.log.Debug("task completed",
			logx.String("task", rec.Name),
			logx.String("dispatch", dispatchID),
			logx.Duration("dur", dur))
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: "task.completed", Time: time.Now(), Data: TaskEvent{
			Name: rec.Name, Slot: rec.Slot, DispatchID: dispatchID,
			Started: start, Duration: dur,
		}})
	}
	return nil
}
