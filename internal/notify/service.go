package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chronod/internal/eventbus"
	"chronod/internal/task/queue"
	"chronod/internal/task/runner"
	logx "chronod/pkg/logx"
)

// Config controls the alert service.
type Config struct {
	Enabled    bool
	RatePerSec int
	Telegram   TelegramConfig
}

// Sender delivers one alert message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	sender  Sender
	limiter *rate.Limiter

	unsub     func()
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, sender: sender}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply updates rate and enablement live. A changed Telegram target needs a
// service restart; the app layer handles that.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	s.cfg = cfg
	// Token bucket with burst = rate per sec, so a short failure spike
	// still gets through.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	if s.stopDone != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Debug("alerts disabled")
		return
	}
	if s.sender == nil {
		s.mu.Unlock()
		s.log.Warn("alerts enabled but no sender configured")
		return
	}
	if s.bus == nil {
		s.mu.Unlock()
		return
	}
	ch, unsub := s.bus.SubscribeTypes(64, "task.failed", "dispatch.failed")
	s.unsub = unsub
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	done := s.stopDone
	runCtx := s.runCtx
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.handle(runCtx, ev)
			}
		}
	}()
	s.log.Info("alert service started")
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	done := s.stopDone
	unsub := s.unsub
	cancel := s.runCancel
	s.stopDone = nil
	s.unsub = nil
	s.runCtx, s.runCancel = nil, nil
	s.mu.Unlock()

	if done == nil {
		return
	}
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("alert service stopped")
}

func (s *Service) handle(runCtx context.Context, ev eventbus.Event) {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if !enabled || sender == nil {
		return
	}
	text := formatEvent(ev)
	if text == "" {
		return
	}

	if lim != nil {
		if err := lim.Wait(runCtx); err != nil {
			return
		}
	}

	ctx, cancel := context.WithTimeout(runCtx, 10*time.Second)
	err := sender.Send(ctx, text)
	cancel()
	if err != nil {
		s.log.Warn("alert send failed", logx.Err(err))
		return
	}
	s.log.Debug("alert sent", logx.String("type", ev.Type))
}

func formatEvent(ev eventbus.Event) string {
	switch d := ev.Data.(type) {
	case runner.TaskEvent:
		if d.Error == "" {
			return ""
		}
		return fmt.Sprintf("⚠️ task %s failed after %s: %s",
			d.Name, d.Duration.Round(time.Millisecond), d.Error)
	case queue.UnitEvent:
		if d.Error == "" {
			return ""
		}
		return fmt.Sprintf("🚨 dispatch for %s failed (%s): %s",
			d.Tag, d.Reason, d.Error)
	}
	return ""
}
