package app

import (
	"context"
	"fmt"
	"strings"

	"chronod/internal/task/policy"
	"chronod/internal/task/runner"
	logx "chronod/pkg/logx"
)

// applyConfigTasks registers every enabled declared task and stops tasks this
// layer declared earlier that are now removed or disabled. Tasks registered
// through the runner API directly are never touched here.
func (a *App) applyConfigTasks(ctx context.Context, cfg *Config) {
	if cfg == nil || a.runner == nil {
		return
	}

	declared := make(map[string]bool, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			a.log.Warn("declared task without a name; skipping")
			continue
		}
		declared[name] = t.EnabledOrDefault()
	}

	for name := range a.cfgTasks {
		if declared[name] {
			continue
		}
		stopped, err := a.runner.StopTask(ctx, name)
		if err != nil {
			a.log.Warn("failed to stop removed task", logx.String("task", name), logx.Err(err))
			continue
		}
		if stopped {
			a.log.Info("declared task removed", logx.String("task", name))
		}
		a.callbacks.Unregister(name)
		delete(a.cfgTasks, name)
	}

	for _, t := range cfg.Tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" || !t.EnabledOrDefault() {
			continue
		}
		spec, err := a.buildTaskSpec(t)
		if err != nil {
			a.log.Warn("declared task rejected", logx.String("task", name), logx.Err(err))
			continue
		}
		// RegisterTask is an upsert; re-applying an unchanged task re-arms
		// its alarm, which is harmless.
		if err := a.runner.RegisterTask(ctx, spec); err != nil {
			a.log.Warn("declared task registration failed", logx.String("task", name), logx.Err(err))
			continue
		}
		a.cfgTasks[name] = struct{}{}
	}
}

// buildTaskSpec turns a declared task into a runnable spec. The callback is
// (re-)registered under the task's name so param changes take effect on reload.
func (a *App) buildTaskSpec(t TaskConfig) (runner.TaskSpec, error) {
	name := strings.TrimSpace(t.Name)
	handler := strings.TrimSpace(t.Handler)
	factory, ok := a.factories[handler]
	if !ok {
		return runner.TaskSpec{}, fmt.Errorf("unknown handler %q", t.Handler)
	}
	fn, err := factory(t.Params)
	if err != nil {
		return runner.TaskSpec{}, fmt.Errorf("handler %q: %w", handler, err)
	}

	interval, err := parseDurationField("tasks."+name+".interval", t.Interval)
	if err != nil {
		return runner.TaskSpec{}, err
	}
	pol := policy.Replace
	if raw := strings.TrimSpace(t.Policy); raw != "" {
		p, err := policy.ParseOverlap(raw)
		if err != nil {
			return runner.TaskSpec{}, fmt.Errorf("tasks.%s.policy: %w", name, err)
		}
		pol = p
	}

	cb, err := a.callbacks.Replace(name, fn)
	if err != nil {
		return runner.TaskSpec{}, err
	}
	return runner.TaskSpec{
		Name:           name,
		Callback:       cb,
		Interval:       interval,
		Policy:         pol,
		RunImmediately: t.RunImmediately,
		OneTime:        t.OneTime,
	}, nil
}
