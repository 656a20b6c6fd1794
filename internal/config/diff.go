package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chronod/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) a list of declared task names that changed (added/removed/edited).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (restart required when these change)
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Runner
	if oldCfg.Runner.Enabled != newCfg.Runner.Enabled ||
		oldCfg.Runner.SlotBase != newCfg.Runner.SlotBase ||
		strings.TrimSpace(oldCfg.Runner.DispatchTimeout) != strings.TrimSpace(newCfg.Runner.DispatchTimeout) {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.Bool("runner.enabled", newCfg.Runner.Enabled),
			logx.Int("runner.slot_base", newCfg.Runner.SlotBase),
			logx.String("runner.dispatch_timeout", strings.TrimSpace(newCfg.Runner.DispatchTimeout)),
		)
	}

	// Queue (executor)
	oQ := derefQueue(oldCfg.Queue)
	nQ := derefQueue(newCfg.Queue)
	oPresent := oldCfg.Queue != nil
	nPresent := newCfg.Queue != nil
	if oPresent != nPresent || !reflect.DeepEqual(oQ, nQ) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Bool("queue.present", nPresent),
			logx.Int("queue.workers", nQ.Workers),
			logx.Int("queue.queue_size", nQ.QueueSize),
			logx.String("queue.default_timeout", strings.TrimSpace(nQ.DefaultTimeout)),
			logx.Int("queue.history_size", nQ.HistorySize),
		)
	}

	// API (never log token)
	if oldCfg.API.Enabled != newCfg.API.Enabled ||
		strings.TrimSpace(oldCfg.API.Addr) != strings.TrimSpace(newCfg.API.Addr) ||
		oldCfg.API.AllowInsecure != newCfg.API.AllowInsecure ||
		strings.TrimSpace(oldCfg.API.ReadTimeout) != strings.TrimSpace(newCfg.API.ReadTimeout) ||
		strings.TrimSpace(oldCfg.API.WriteTimeout) != strings.TrimSpace(newCfg.API.WriteTimeout) ||
		strings.TrimSpace(oldCfg.API.IdleTimeout) != strings.TrimSpace(newCfg.API.IdleTimeout) ||
		oldCfg.API.Pprof != newCfg.API.Pprof ||
		(strings.TrimSpace(oldCfg.API.Token) != "") != (strings.TrimSpace(newCfg.API.Token) != "") {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
			logx.Bool("api.allow_insecure", newCfg.API.AllowInsecure),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	// Notify (never log token). Nil means disabled.
	oldN := oldCfg.Notify
	newN := newCfg.Notify
	defN := &NotifyConfig{}
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if oldN.Enabled != newN.Enabled ||
		oldN.RatePerSec != newN.RatePerSec ||
		oldN.Telegram.ChatID != newN.Telegram.ChatID ||
		oldN.Telegram.ThreadID != newN.Telegram.ThreadID ||
		(strings.TrimSpace(oldN.Telegram.Token) != "") != (strings.TrimSpace(newN.Telegram.Token) != "") {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newN.Enabled),
			logx.Int("notify.rate_per_sec", newN.RatePerSec),
			logx.Bool("notify.token_set", strings.TrimSpace(newN.Telegram.Token) != ""),
		)
	}

	// Declared tasks (summarize only; details at debug)
	taskChanged := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(taskChanged) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(taskChanged)),
			logx.Int("tasks.declared_count", len(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, taskChanged
}

func derefQueue(q *QueueConfig) QueueConfig {
	if q == nil {
		return QueueConfig{}
	}
	return *q
}

func diffTasks(oldT, newT []TaskConfig) []string {
	oldM := make(map[string]TaskConfig, len(oldT))
	for _, t := range oldT {
		oldM[t.Name] = t
	}
	newM := make(map[string]TaskConfig, len(newT))
	for _, t := range newT {
		newM[t.Name] = t
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew {
			out = append(out, name)
			continue
		}
		if o.Handler != n.Handler ||
			strings.TrimSpace(o.Interval) != strings.TrimSpace(n.Interval) ||
			strings.TrimSpace(o.Policy) != strings.TrimSpace(n.Policy) ||
			o.RunImmediately != n.RunImmediately ||
			o.OneTime != n.OneTime ||
			o.EnabledOrDefault() != n.EnabledOrDefault() {
			out = append(out, name)
			continue
		}
		if canonicalHashJSON(o.Params) != canonicalHashJSON(n.Params) {
			out = append(out, name)
			continue
		}
	}
	sort.Strings(out)
	return out
}
