package alarm

import (
	"context"
	"sync"
	"time"

	logx "chronod/pkg/logx"
)

// Handler receives the slot id of a fired alarm. It must return quickly;
// anything long-running belongs behind the queue.
type Handler func(ctx context.Context, slot int)

// SlotInfo describes one armed slot.
type SlotInfo struct {
	Slot   int
	FireAt time.Time
}

type Service struct {
	log logx.Logger

	mu      sync.Mutex
	handler Handler
	timers  map[int]*time.Timer
	fireAt  map[int]time.Time
	// ver is bumped on every arm/cancel of a slot so a stale AfterFunc
	// callback can never fire. Entries survive Stop on purpose: versions
	// stay monotonic per slot for the life of the process.
	ver map[int]uint64

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		timers: map[int]*time.Timer{},
		fireAt: map[int]time.Time{},
		ver:    map[int]uint64{},
	}
}

// SetHandler installs the firing handler. Install before the first Schedule;
// a slot that fires with no handler is dropped with a warning.
func (s *Service) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx // reserved

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	// Firings must not die with the caller's context; they stop with the service.
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.log.Info("service started")
}

// Stop cancels every armed slot and the firing context. In-flight handler
// calls observe the cancelled context and wind down on their own.
func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	start := time.Now()

	s.mu.Lock()
	cancel := s.runCancel
	s.runCtx, s.runCancel = nil, nil
	n := len(s.timers)
	for slot, t := range s.timers {
		_ = t.Stop()
		s.ver[slot]++
		delete(s.timers, slot)
		delete(s.fireAt, slot)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Int("cancelled", n), logx.Duration("took", time.Since(start)))
}
