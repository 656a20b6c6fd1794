package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"chronod/internal/eventbus"
	logx "chronod/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan Unit, idx int) {
	_ = idx
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case u, ok := <-queue:
			if !ok {
				// Queue is not expected to close in normal operation, but handle it defensively.
				return
			}
			s.runUnit(ctx, u)
		}
	}
}

func (s *Service) runUnit(ctx context.Context, u Unit) {
	// Superseded units die here, never in the dispatcher. Their persisted
	// form was removed when the replacement was enqueued.
	s.pmu.Lock()
	if _, dead := s.superseded[u.ID]; dead {
		delete(s.superseded, u.ID)
		s.pmu.Unlock()
		s.log.Debug("superseded unit discarded", logx.String("id", u.ID), logx.String("tag", u.Tag))
		return
	}
	delete(s.pending, u.ID)
	if s.keyToID[u.Key] == u.ID {
		delete(s.keyToID, u.Key)
	}
	s.running[u.Key]++
	s.pmu.Unlock()

	start := time.Now()
	queueDelay := time.Duration(0)
	if !u.EnqueuedAt.IsZero() {
		queueDelay = start.Sub(u.EnqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	s.mu.Lock()
	cfg := s.cfg
	dispatch := s.dispatch
	s.mu.Unlock()

	atomic.AddInt32(&s.inFlight, 1)

	s.log.Debug("dispatch started",
		logx.String("id", u.ID),
		logx.String("tag", u.Tag),
		logx.String("reason", u.Reason),
		logx.Duration("queue_delay", queueDelay))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "dispatch.started", Time: start, Data: UnitEvent{
			ID: u.ID, Key: u.Key, Tag: u.Tag, Reason: u.Reason, Started: start,
		}})
	}

	runCtx := ctx
	var cancel func()
	if cfg.DefaultTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.DefaultTimeout)
	}

	var err error
	if dispatch == nil {
		err = fmt.Errorf("no dispatcher installed")
	} else {
		// Guard against dispatcher panics so one bad pass can't kill the
		// worker permanently.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("dispatch panic",
						logx.String("id", u.ID),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			err = dispatch(runCtx, u)
		}()
	}
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)

	s.pmu.Lock()
	if n := s.running[u.Key] - 1; n > 0 {
		s.running[u.Key] = n
	} else {
		delete(s.running, u.Key)
	}
	s.pmu.Unlock()
	atomic.AddInt32(&s.inFlight, -1)

	// The unit is spent whether the pass succeeded or not; only a crash
	// mid-run leaves it behind for the next restore.
	s.removeUnit(u.ID)

	if err != nil {
		s.log.Warn("dispatch failed",
			logx.String("id", u.ID),
			logx.String("tag", u.Tag),
			logx.Err(err),
			logx.Duration("queue_delay", queueDelay),
			logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "dispatch.failed", Time: time.Now(), Data: UnitEvent{
				ID: u.ID, Key: u.Key, Tag: u.Tag, Reason: u.Reason,
				Started: start, Duration: dur, Error: err.Error(),
			}})
		}
		return
	}

	if dur >= 750*time.Millisecond {
		s.log.Info("dispatch completed",
			logx.String("id", u.ID),
			logx.String("tag", u.Tag),
			logx.Duration("queue_delay", queueDelay),
			logx.Duration("dur", dur))
	} else {
		s.log.Debug("dispatch completed",
			logx.String("id", u.ID),
			logx.String("tag", u.Tag),
			logx.Duration("queue_delay", queueDelay),
			logx.Duration("dur", dur))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "dispatch.completed", Time: time.Now(), Data: UnitEvent{
			ID: u.ID, Key: u.Key, Tag: u.Tag, Reason: u.Reason,
			Started: start, Duration: dur,
		}})
	}
}
