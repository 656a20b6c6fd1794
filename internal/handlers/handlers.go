package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chronod/internal/eventbus"
	"chronod/internal/storage"
	"chronod/internal/task/callback"
	logx "chronod/pkg/logx"
)

// Factory binds JSON params into a ready-to-register callback func.
type Factory func(params json.RawMessage) (callback.Func, error)

// Deps carries what the builtins need.
type Deps struct {
	Store storage.Store
	Bus   eventbus.Bus
}

// Builtins returns the built-in handler factories keyed by their stable
// names. Config-declared tasks reference these names in their handler field.
func Builtins(deps Deps, log logx.Logger) map[string]Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return map[string]Factory{
		"builtin.heartbeat": heartbeatFactory(deps.Bus, log.With(logx.String("handler", "heartbeat"))),
		"builtin.netprobe":  netprobeFactory(deps.Store, log.With(logx.String("handler", "netprobe"))),
		"builtin.prune":     pruneFactory(deps.Store, log.With(logx.String("handler", "prune"))),
	}
}

type heartbeatParams struct {
	Message string `json:"message"`
}

func heartbeatFactory(bus eventbus.Bus, log logx.Logger) Factory {
	return func(params json.RawMessage) (callback.Func, error) {
		var p heartbeatParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("heartbeat params: %w", err)
			}
		}
		msg := p.Message
		if msg == "" {
			msg = "alive"
		}
		return func(ctx context.Context) error {
			_ = ctx
			log.Info("heartbeat", logx.String("message", msg))
			if bus != nil {
				bus.Publish(eventbus.Event{Type: "heartbeat", Time: time.Now(), Data: msg})
			}
			return nil
		}, nil
	}
}

type pruneParams struct {
	RetainDays int `json:"retainDays"`
}

func pruneFactory(store storage.Store, log logx.Logger) Factory {
	return func(params json.RawMessage) (callback.Func, error) {
		p := pruneParams{RetainDays: 7}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("prune params: %w", err)
			}
		}
		if p.RetainDays <= 0 {
			p.RetainDays = 7
		}
		return func(ctx context.Context) error {
			if store == nil {
				return fmt.Errorf("no store configured")
			}
			cutoff := time.Now().AddDate(0, 0, -p.RetainDays)
			n, err := store.PruneRuns(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("prune runs: %w", err)
			}
			if n > 0 {
				log.Info("run history pruned", logx.Int64("removed", n), logx.Time("cutoff", cutoff))
			}
			return nil
		}, nil
	}
}
