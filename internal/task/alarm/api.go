package alarm

import (
	"context"
	"sort"
	"time"

	logx "chronod/pkg/logx"
)

// Schedule arms slot to fire once after delay and returns the fire time.
// An already-armed slot is replaced: the pending firing is dropped and only
// the new one can land.
func (s *Service) Schedule(delay time.Duration, slot int) time.Time {
	if delay < 0 {
		delay = 0
	}
	at := time.Now().Add(delay)

	s.mu.Lock()
	if t, ok := s.timers[slot]; ok {
		_ = t.Stop()
		delete(s.timers, slot)
	}
	ver := s.ver[slot] + 1
	s.ver[slot] = ver
	s.fireAt[slot] = at

	localSlot := slot
	localVer := ver
	timer := time.AfterFunc(delay, func() {
		// A replaced or cancelled slot must not fire stale.
		s.mu.Lock()
		if s.ver[localSlot] != localVer {
			s.mu.Unlock()
			return
		}
		if _, armed := s.fireAt[localSlot]; !armed {
			s.mu.Unlock()
			return
		}
		delete(s.timers, localSlot)
		delete(s.fireAt, localSlot)
		h := s.handler
		ctx := s.runCtx
		s.mu.Unlock()

		if h == nil {
			s.log.Warn("slot fired with no handler installed", logx.Int("slot", localSlot))
			return
		}
		if ctx == nil {
			ctx = context.Background()
		}
		h(ctx, localSlot)
	})
	s.timers[slot] = timer
	s.mu.Unlock()

	s.log.Debug("slot armed",
		logx.Int("slot", slot),
		logx.Duration("in", delay),
		logx.Time("at", at))
	return at
}

// Cancel disarms slot. It reports whether a pending firing existed;
// cancelling an idle slot is a no-op.
func (s *Service) Cancel(slot int) bool {
	s.mu.Lock()
	t, hadTimer := s.timers[slot]
	if hadTimer {
		_ = t.Stop()
		delete(s.timers, slot)
	}
	_, hadAt := s.fireAt[slot]
	delete(s.fireAt, slot)
	s.ver[slot]++
	s.mu.Unlock()

	if hadTimer || hadAt {
		s.log.Debug("slot cancelled", logx.Int("slot", slot))
		return true
	}
	return false
}

// CancelAll disarms every slot and returns how many were pending.
func (s *Service) CancelAll() int {
	s.mu.Lock()
	n := len(s.timers)
	for slot, t := range s.timers {
		_ = t.Stop()
		s.ver[slot]++
		delete(s.timers, slot)
		delete(s.fireAt, slot)
	}
	s.mu.Unlock()

	if n > 0 {
		s.log.Debug("all slots cancelled", logx.Int("count", n))
	}
	return n
}

// Snapshot lists armed slots sorted by slot id.
func (s *Service) Snapshot() []SlotInfo {
	s.mu.Lock()
	out := make([]SlotInfo, 0, len(s.fireAt))
	for slot, at := range s.fireAt {
		out = append(out, SlotInfo{Slot: slot, FireAt: at})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}
