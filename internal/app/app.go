// Package app wires configuration, storage, the task pipeline and the
// auxiliary services into one runnable daemon.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chronod/internal/api"
	"chronod/internal/eventbus"
	"chronod/internal/handlers"
	"chronod/internal/notify"
	"chronod/internal/storage"
	"chronod/internal/task/alarm"
	"chronod/internal/task/callback"
	"chronod/internal/task/policy"
	"chronod/internal/task/queue"
	"chronod/internal/task/registry"
	"chronod/internal/task/runner"
	logx "chronod/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	callbacks *callback.Registry
	factories map[string]handlers.Factory

	// cfgTasks tracks task names this layer registered from config, so a
	// reload only ever stops tasks it owns.
	cfgTasks map[string]struct{}

	tasks  *registry.Store
	alarms *alarm.Service
	queue  *queue.Service
	runner *runner.Runner

	api   *api.Service
	notif *notify.Service

	// notifHasSender records whether a Telegram sender was built at startup.
	// Enabling notify via hot-reload cannot conjure one up later.
	notifHasSender bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	callbacks := callback.NewRegistry()
	factories := handlers.Builtins(handlers.Deps{Store: store, Bus: bus}, log.With(logx.String("comp", "handlers")))

	runnerCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	queueCfg, err := mapQueueConfig(cfg)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	tasks := registry.New(store, runnerCfg.SlotBase, log.With(logx.String("comp", "taskstore")))
	alarms := alarm.New(log.With(logx.String("comp", "alarm")))
	queueSvc := queue.New(queueCfg, store, log.With(logx.String("comp", "taskqueue")), bus)
	runnerSvc := runner.New(runnerCfg, runner.Deps{
		Tasks:     tasks,
		Callbacks: callbacks,
		Alarms:    alarms,
		Queue:     queueSvc,
		History:   store,
	}, log.With(logx.String("comp", "taskrunner")), bus)

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	apiSvc := api.New(apiCfg, api.Deps{
		Runner:  runnerSvc,
		Queue:   queueSvc,
		Alarms:  alarms,
		History: store,
	}, log.With(logx.String("comp", "api")))

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	var sender notify.Sender
	hasSender := false
	if ncfg.Enabled {
		sender, err = notify.NewTelegramSender(ncfg.Telegram)
		if err != nil {
			_ = store.Close()
			logSvc.Close()
			return nil, err
		}
		hasSender = true
	}
	notifSvc := notify.New(ncfg, sender, log.With(logx.String("comp", "notify")), bus)

	return &App{
		cfgPath:        cfgPath,
		cfgm:           cfgm,
		log:            log,
		logs:           logSvc,
		bus:            bus,
		store:          store,
		callbacks:      callbacks,
		factories:      factories,
		cfgTasks:       make(map[string]struct{}),
		tasks:          tasks,
		alarms:         alarms,
		queue:          queueSvc,
		runner:         runnerSvc,
		api:            apiSvc,
		notif:          notifSvc,
		notifHasSender: hasSender,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Runner exposes the task runner for embedders and tests.
func (a *App) Runner() *runner.Runner { return a.runner }

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
			if _, err := mapStorageConfig(cfg); err != nil {
				return err
			}
			if _, err := mapRunnerConfig(cfg); err != nil {
				return err
			}
			if _, err := mapQueueConfig(cfg); err != nil {
				return err
			}
			if _, err := mapAPIConfig(cfg); err != nil {
				return err
			}
			if _, err := mapNotifyConfig(cfg); err != nil {
				return err
			}
			return a.validateTasks(cfg)
		})
	}

	runCtx := a.sup.Context()

	if a.runner.Enabled() {
		// Wire the trigger handler and dispatcher and restore persisted
		// tasks before anything can fire or drain.
		if err := a.runner.Initialize(runCtx); err != nil {
			return err
		}
		a.applyConfigTasks(runCtx, a.cfgm.Get())

		a.alarms.Start(runCtx)
		a.queue.Start(runCtx)
	} else {
		a.log.Info("task runner disabled via config")
	}

	if a.api != nil && a.api.Enabled() {
		a.api.Start(runCtx)
	}
	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(runCtx)
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level; firings can be frequent.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, taskChanged := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
					if len(taskChanged) > 0 {
						a.log.Debug("declared task changes detected", logx.Any("tasks", taskChanged))
					}
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				for _, s := range sections {
					switch s {
					case "storage", "queue", "runner":
						a.log.Warn("config changed; restart required for changes to take effect",
							logx.String("section", s))
					}
				}

				// apply logging updates
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				// apply api updates (live)
				if a.api != nil {
					apiCfg, err := mapAPIConfig(newCfg)
					if err != nil {
						a.log.Warn("invalid api config; keeping previous", logx.Any("err", err))
					} else {
						a.api.Reconfigure(c, apiCfg)
					}
				}

				// apply notify updates (rate and enable flag are live; the
				// Telegram target is fixed at startup)
				if a.notif != nil {
					prevEnabled := a.notif.Enabled()
					ncfg, err := mapNotifyConfig(newCfg)
					if err != nil {
						a.log.Warn("invalid notify config; keeping previous", logx.Any("err", err))
					} else {
						a.notif.Apply(ncfg)
						switch {
						case prevEnabled && !ncfg.Enabled:
							a.log.Info("notify disabled via config")
							stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
							a.notif.Stop(stopCtx)
							cancel()
						case !prevEnabled && ncfg.Enabled && !a.notifHasSender:
							a.log.Warn("notify enabled but no telegram sender was built at startup; restart required")
						case !prevEnabled && ncfg.Enabled:
							a.log.Info("notify enabled via config")
							a.notif.Start(c)
						}
					}
				}

				// reconcile declared tasks
				if len(taskChanged) > 0 && a.runner.Enabled() {
					a.applyConfigTasks(c, newCfg)
				}

				// Keep the final log line concise and human-friendly (details are in debug logs).
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// validateTasks rejects declared tasks that could never register. Factories
// are invoked here so bad params fail the reload instead of the registration.
func (a *App) validateTasks(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("tasks[]: name is required")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("tasks: duplicate name %q", name)
		}
		seen[name] = struct{}{}

		factory, ok := a.factories[strings.TrimSpace(t.Handler)]
		if !ok {
			return fmt.Errorf("tasks.%s: unknown handler %q", name, t.Handler)
		}
		if _, err := factory(t.Params); err != nil {
			return fmt.Errorf("tasks.%s: %w", name, err)
		}
		if _, err := parseDurationField("tasks."+name+".interval", t.Interval); err != nil {
			return err
		}
		if raw := strings.TrimSpace(t.Policy); raw != "" {
			if _, err := policy.ParseOverlap(raw); err != nil {
				return fmt.Errorf("tasks.%s.policy: %w", name, err)
			}
		}
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("notify", 1*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("api", 1*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })

	// Alarms go down before the queue so nothing new gets enqueued while the
	// workers drain.
	step("alarms", 1*time.Second, func(c context.Context) error { a.alarms.Stop(c); return nil })
	step("queue", 3*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })

	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log loop).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
