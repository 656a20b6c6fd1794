package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chronod/internal/config"
	"chronod/internal/eventbus"
	"chronod/internal/handlers"
	"chronod/internal/storage"
	"chronod/internal/task/alarm"
	"chronod/internal/task/callback"
	"chronod/internal/task/policy"
	"chronod/internal/task/queue"
	"chronod/internal/task/registry"
	"chronod/internal/task/runner"
	"chronod/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		in         config.StorageConfig
		hist       int
		wantDriver string
		wantPath   string
		wantErr    bool
	}{
		{name: "defaults to sqlite", in: config.StorageConfig{}, wantDriver: "sqlite", wantPath: "./chronod.db"},
		{name: "sqlite3 alias", in: config.StorageConfig{Driver: "sqlite3", Path: "/tmp/x.db"}, wantDriver: "sqlite", wantPath: "/tmp/x.db"},
		{name: "mixed case", in: config.StorageConfig{Driver: " SQLite "}, wantDriver: "sqlite", wantPath: "./chronod.db"},
		{name: "file with path", in: config.StorageConfig{Driver: "file", Path: "./d.db"}, wantDriver: "file", wantPath: "./d.db"},
		{name: "file needs path", in: config.StorageConfig{Driver: "file"}, wantErr: true},
		{name: "unknown driver", in: config.StorageConfig{Driver: "redis"}, wantErr: true},
		{name: "bad busy timeout", in: config.StorageConfig{BusyTimeout: "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Storage: tt.in}
			if tt.hist > 0 {
				cfg.Queue = &config.QueueConfig{HistorySize: tt.hist}
			}
			got, err := mapStorageConfig(cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("mapStorageConfig accepted %+v", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("mapStorageConfig: %v", err)
			}
			if got.Driver != tt.wantDriver || got.Path != tt.wantPath {
				t.Fatalf("got %+v, want driver %s path %s", got, tt.wantDriver, tt.wantPath)
			}
		})
	}

	if _, err := mapStorageConfig(nil); err == nil {
		t.Fatal("nil config accepted")
	}

	cfg := &Config{
		Storage: config.StorageConfig{BusyTimeout: "3s"},
		Queue:   &config.QueueConfig{HistorySize: 42},
	}
	got, err := mapStorageConfig(cfg)
	if err != nil {
		t.Fatalf("mapStorageConfig: %v", err)
	}
	if got.BusyTimeout != 3*time.Second || got.HistoryCap != 42 {
		t.Fatalf("got %+v, want busy 3s cap 42", got)
	}
}

func TestMapRunnerConfig(t *testing.T) {
	t.Parallel()
	got, err := mapRunnerConfig(&Config{Runner: config.RunnerConfig{Enabled: true, SlotBase: 2000, DispatchTimeout: "90s"}})
	if err != nil {
		t.Fatalf("mapRunnerConfig: %v", err)
	}
	if !got.Enabled || got.SlotBase != 2000 || got.DispatchTimeout != 90*time.Second {
		t.Fatalf("got %+v", got)
	}

	if _, err := mapRunnerConfig(&Config{Runner: config.RunnerConfig{SlotBase: -1}}); err == nil {
		t.Fatal("negative slot_base accepted")
	}
	if _, err := mapRunnerConfig(&Config{Runner: config.RunnerConfig{DispatchTimeout: "forever"}}); err == nil {
		t.Fatal("bad dispatch_timeout accepted")
	}
	if got, err := mapRunnerConfig(nil); err != nil || got.Enabled {
		t.Fatalf("nil config = (%+v, %v)", got, err)
	}
}

func TestMapQueueConfig(t *testing.T) {
	t.Parallel()
	got, err := mapQueueConfig(&Config{Queue: &config.QueueConfig{Workers: 4, QueueSize: 32, DefaultTimeout: "10s"}})
	if err != nil {
		t.Fatalf("mapQueueConfig: %v", err)
	}
	if got.Workers != 4 || got.QueueSize != 32 || got.DefaultTimeout != 10*time.Second {
		t.Fatalf("got %+v", got)
	}

	// An omitted section maps to zeros; the queue service applies its own
	// runtime defaults.
	if got, err := mapQueueConfig(&Config{}); err != nil || got.Workers != 0 {
		t.Fatalf("omitted section = (%+v, %v)", got, err)
	}
	if _, err := mapQueueConfig(&Config{Queue: &config.QueueConfig{Workers: -1}}); err == nil {
		t.Fatal("negative workers accepted")
	}
	if _, err := mapQueueConfig(&Config{Queue: &config.QueueConfig{QueueSize: -1}}); err == nil {
		t.Fatal("negative queue_size accepted")
	}
}

func TestMapAPIConfig(t *testing.T) {
	t.Parallel()
	got, err := mapAPIConfig(&Config{API: config.APIConfig{Enabled: true, Addr: " 127.0.0.1:9000 ", Token: " tok "}})
	if err != nil {
		t.Fatalf("mapAPIConfig: %v", err)
	}
	if got.Addr != "127.0.0.1:9000" || got.Token != "tok" {
		t.Fatalf("got %+v, want trimmed addr and token", got)
	}
	if got.ReadTimeout != 5*time.Second || got.WriteTimeout != 10*time.Second || got.IdleTimeout != 60*time.Second {
		t.Fatalf("timeouts = %+v, want defaults", got)
	}

	got, err = mapAPIConfig(&Config{API: config.APIConfig{ReadTimeout: "1s", WriteTimeout: "2s", IdleTimeout: "3s"}})
	if err != nil {
		t.Fatalf("mapAPIConfig: %v", err)
	}
	if got.ReadTimeout != time.Second || got.WriteTimeout != 2*time.Second || got.IdleTimeout != 3*time.Second {
		t.Fatalf("timeouts = %+v", got)
	}
	if _, err := mapAPIConfig(&Config{API: config.APIConfig{ReadTimeout: "x"}}); err == nil {
		t.Fatal("bad read_timeout accepted")
	}
}

func TestMapNotifyConfig(t *testing.T) {
	t.Parallel()
	if got, err := mapNotifyConfig(&Config{}); err != nil || got.Enabled {
		t.Fatalf("nil section = (%+v, %v), want disabled", got, err)
	}
	if _, err := mapNotifyConfig(&Config{Notify: &config.NotifyConfig{Enabled: true}}); err == nil {
		t.Fatal("enabled without token accepted")
	}
	if _, err := mapNotifyConfig(&Config{Notify: &config.NotifyConfig{
		Enabled:  true,
		Telegram: config.TelegramNotify{Token: "t"},
	}}); err == nil {
		t.Fatal("enabled without chat_id accepted")
	}
	if _, err := mapNotifyConfig(&Config{Notify: &config.NotifyConfig{RatePerSec: -1}}); err == nil {
		t.Fatal("negative rate accepted")
	}

	got, err := mapNotifyConfig(&Config{Notify: &config.NotifyConfig{
		Enabled:    true,
		RatePerSec: 2,
		Telegram:   config.TelegramNotify{Token: " tok ", ChatID: -100123, ThreadID: 7},
	}})
	if err != nil {
		t.Fatalf("mapNotifyConfig: %v", err)
	}
	if !got.Enabled || got.RatePerSec != 2 || got.Telegram.Token != "tok" || got.Telegram.ChatID != -100123 || got.Telegram.ThreadID != 7 {
		t.Fatalf("got %+v", got)
	}
}

func newValidationApp() *App {
	return &App{
		log:       logx.Nop(),
		factories: handlers.Builtins(handlers.Deps{}, logx.Nop()),
		callbacks: callback.NewRegistry(),
		cfgTasks:  make(map[string]struct{}),
	}
}

func TestValidateTasks(t *testing.T) {
	t.Parallel()
	a := newValidationApp()
	tests := []struct {
		name    string
		tasks   []TaskConfig
		wantErr bool
	}{
		{name: "empty list", tasks: nil},
		{
			name: "valid pair",
			tasks: []TaskConfig{
				{Name: "beat", Handler: "builtin.heartbeat", Interval: "30m"},
				{Name: "prune", Handler: "builtin.prune", Interval: "24h", Policy: "skip_if_running"},
			},
		},
		{name: "missing name", tasks: []TaskConfig{{Handler: "builtin.heartbeat", Interval: "1m"}}, wantErr: true},
		{
			name: "duplicate name",
			tasks: []TaskConfig{
				{Name: "beat", Handler: "builtin.heartbeat", Interval: "1m"},
				{Name: "beat", Handler: "builtin.prune", Interval: "1m"},
			},
			wantErr: true,
		},
		{name: "unknown handler", tasks: []TaskConfig{{Name: "x", Handler: "builtin.nope", Interval: "1m"}}, wantErr: true},
		{name: "bad params", tasks: []TaskConfig{{Name: "x", Handler: "builtin.heartbeat", Interval: "1m", Params: json.RawMessage(`{"message": 3}`)}}, wantErr: true},
		{name: "bad interval", tasks: []TaskConfig{{Name: "x", Handler: "builtin.heartbeat", Interval: "whenever"}}, wantErr: true},
		{name: "bad policy", tasks: []TaskConfig{{Name: "x", Handler: "builtin.heartbeat", Interval: "1m", Policy: "sometimes"}}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := a.validateTasks(&Config{Tasks: tt.tasks})
			if tt.wantErr && err == nil {
				t.Fatalf("validateTasks accepted %s", tt.name)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("validateTasks: %v", err)
			}
		})
	}
}

func TestBuildTaskSpec(t *testing.T) {
	t.Parallel()
	a := newValidationApp()

	spec, err := a.buildTaskSpec(TaskConfig{
		Name:           "beat",
		Handler:        "builtin.heartbeat",
		Interval:       "45m",
		Policy:         "parallel",
		RunImmediately: true,
		OneTime:        true,
	})
	if err != nil {
		t.Fatalf("buildTaskSpec: %v", err)
	}
	if spec.Name != "beat" || spec.Interval != 45*time.Minute || spec.Policy != policy.Parallel {
		t.Fatalf("spec = %+v", spec)
	}
	if !spec.RunImmediately || !spec.OneTime {
		t.Fatalf("flags lost: %+v", spec)
	}
	if spec.Callback.IsZero() || spec.Callback.Name() != "beat" {
		t.Fatalf("callback = %+v, want registered under the task name", spec.Callback)
	}
	if _, ok := a.callbacks.ByName("beat"); !ok {
		t.Fatal("callback not in the registry")
	}

	// Omitted policy defaults to replace.
	spec, err = a.buildTaskSpec(TaskConfig{Name: "p", Handler: "builtin.heartbeat", Interval: "1m"})
	if err != nil {
		t.Fatalf("buildTaskSpec: %v", err)
	}
	if spec.Policy != policy.Replace {
		t.Fatalf("default policy = %v, want replace", spec.Policy)
	}

	if _, err := a.buildTaskSpec(TaskConfig{Name: "x", Handler: "builtin.ghost", Interval: "1m"}); err == nil {
		t.Fatal("unknown handler accepted")
	}
}

func newTaskApp(t *testing.T) *App {
	t.Helper()
	kv, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "chronod.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	bus := eventbus.New()
	cbs := callback.NewRegistry()
	alarms := alarm.New(logx.Nop())
	t.Cleanup(func() { alarms.Stop(context.Background()) })
	q := queue.New(queue.Config{Workers: 1}, kv, logx.Nop(), bus)
	r := runner.New(runner.Config{Enabled: true}, runner.Deps{
		Tasks:     registry.New(kv, 1000, logx.Nop()),
		Callbacks: cbs,
		Alarms:    alarms,
		Queue:     q,
		History:   kv,
	}, logx.Nop(), bus)
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	return &App{
		log:       logx.Nop(),
		bus:       bus,
		store:     kv,
		callbacks: cbs,
		factories: handlers.Builtins(handlers.Deps{Store: kv, Bus: bus}, logx.Nop()),
		cfgTasks:  make(map[string]struct{}),
		alarms:    alarms,
		queue:     q,
		runner:    r,
	}
}

func TestApplyConfigTasksRegistersAndPrunes(t *testing.T) {
	t.Parallel()
	a := newTaskApp(t)
	ctx := context.Background()

	a.applyConfigTasks(ctx, &Config{Tasks: []TaskConfig{
		{Name: "beat", Handler: "builtin.heartbeat", Interval: "30m"},
		{Name: "prune", Handler: "builtin.prune", Interval: "24h"},
	}})

	infos, err := a.runner.Tasks(ctx)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("registered %d tasks, want 2: %+v", len(infos), infos)
	}
	if _, owned := a.cfgTasks["beat"]; !owned {
		t.Fatal("beat not tracked as config-owned")
	}

	// A task dropped from config is stopped and its callback released.
	a.applyConfigTasks(ctx, &Config{Tasks: []TaskConfig{
		{Name: "beat", Handler: "builtin.heartbeat", Interval: "30m"},
	}})
	infos, _ = a.runner.Tasks(ctx)
	if len(infos) != 1 || infos[0].Name != "beat" {
		t.Fatalf("after removal: %+v", infos)
	}
	if _, ok := a.callbacks.ByName("prune"); ok {
		t.Fatal("removed task kept its callback registration")
	}
	if _, owned := a.cfgTasks["prune"]; owned {
		t.Fatal("removed task still tracked")
	}
}

func TestApplyConfigTasksHonorsDisabled(t *testing.T) {
	t.Parallel()
	a := newTaskApp(t)
	ctx := context.Background()

	off := false
	a.applyConfigTasks(ctx, &Config{Tasks: []TaskConfig{
		{Name: "beat", Handler: "builtin.heartbeat", Interval: "30m"},
	}})
	a.applyConfigTasks(ctx, &Config{Tasks: []TaskConfig{
		{Name: "beat", Handler: "builtin.heartbeat", Interval: "30m", Enabled: &off},
	}})

	infos, err := a.runner.Tasks(ctx)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("disabled task still registered: %+v", infos)
	}
}

func TestApplyConfigTasksLeavesAPITasksAlone(t *testing.T) {
	t.Parallel()
	a := newTaskApp(t)
	ctx := context.Background()

	// A task registered directly, not owned by the config layer.
	cb := a.callbacks.MustRegister("cb.direct", func(ctx context.Context) error { return nil })
	if err := a.runner.RegisterTask(ctx, runner.TaskSpec{Name: "direct", Callback: cb, Interval: time.Hour}); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}

	a.applyConfigTasks(ctx, &Config{})

	if _, err := a.runner.Task(ctx, "direct"); err != nil {
		t.Fatalf("config reconcile touched a runner-API task: %v", err)
	}
}

func writeAppConfig(t *testing.T, dir string) string {
	t.Helper()
	body := fmt.Sprintf(`{
		"logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "file", "path": %q},
		"runner": {"enabled": true, "slot_base": 1000},
		"queue": {"workers": 1, "queue_size": 8},
		"tasks": [{"name": "beat", "handler": "builtin.heartbeat", "interval": "1h"}]
	}`, filepath.Join(dir, "chronod.db"))
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	path := writeAppConfig(t, t.TempDir())

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	infos, err := a.Runner().Tasks(ctx)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "beat" {
		t.Fatalf("declared task not registered: %+v", infos)
	}

	select {
	case <-a.Done():
		t.Fatal("Done closed while running")
	default:
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err after clean stop: %v", err)
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if _, err := NewApp(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("missing config accepted")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"storage": {"driver": "redis"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := NewApp(bad); err == nil {
		t.Fatal("unknown storage driver accepted")
	}
}

func TestOpenStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeAppConfig(t, dir)

	st, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := st.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("Get = (%q, %v, %v)", got, ok, err)
	}
}