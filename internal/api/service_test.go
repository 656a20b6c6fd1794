package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"chronod/internal/storage"
	"chronod/internal/task/alarm"
	"chronod/internal/task/callback"
	"chronod/internal/task/queue"
	"chronod/internal/task/registry"
	"chronod/internal/task/runner"
	"chronod/pkg/logx"
)

type apiRig struct {
	svc *Service
	kv  storage.Store
	r   *runner.Runner
	q   *queue.Service
	al  *alarm.Service
	cbs *callback.Registry
}

func newAPIRig(t *testing.T, cfg Config) *apiRig {
	t.Helper()
	kv, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "chronod.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	tasks := registry.New(kv, 1000, logx.Nop())
	cbs := callback.NewRegistry()
	cbs.MustRegister("cb.noop", func(ctx context.Context) error { return nil })
	al := alarm.New(logx.Nop())
	t.Cleanup(func() { al.Stop(context.Background()) })
	q := queue.New(queue.Config{Workers: 1}, kv, logx.Nop(), nil)
	r := runner.New(runner.Config{Enabled: true}, runner.Deps{
		Tasks:     tasks,
		Callbacks: cbs,
		Alarms:    al,
		Queue:     q,
		History:   kv,
	}, logx.Nop(), nil)
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	svc := New(cfg, Deps{Runner: r, Queue: q, Alarms: al, History: kv}, logx.Nop())
	return &apiRig{svc: svc, kv: kv, r: r, q: q, al: al, cbs: cbs}
}

func (g *apiRig) get(t *testing.T, path string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	g.svc.router(g.svc.cfg).ServeHTTP(rec, req)
	return rec
}

func (g *apiRig) registerTask(t *testing.T, name string, interval time.Duration) {
	t.Helper()
	cb, ok := g.cbs.ByName("cb.noop")
	if !ok {
		t.Fatal("noop callback missing")
	}
	if err := g.r.RegisterTask(context.Background(), runner.TaskSpec{
		Name:     name,
		Callback: cb,
		Interval: interval,
	}); err != nil {
		t.Fatalf("RegisterTask(%s): %v", name, err)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	g := newAPIRig(t, Config{Enabled: true})
	rec := g.get(t, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestTokenGuard(t *testing.T) {
	t.Parallel()
	g := newAPIRig(t, Config{Enabled: true, Token: "s3cret"})

	rec := g.get(t, "/api/tasks", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("401 without WWW-Authenticate")
	}

	rec = g.get(t, "/api/tasks", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}

	rec = g.get(t, "/api/tasks", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer s3cret")
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer token: status = %d, want 200", rec.Code)
	}

	rec = g.get(t, "/api/tasks?token=s3cret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query token: status = %d, want 200", rec.Code)
	}
}

func TestTasksEndpoint(t *testing.T) {
	t.Parallel()
	g := newAPIRig(t, Config{Enabled: true})
	g.registerTask(t, "beta", time.Hour)
	g.registerTask(t, "alpha", 30*time.Minute)

	rec := g.get(t, "/api/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Tasks []taskView `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tasks) != 2 || body.Tasks[0].Name != "alpha" || body.Tasks[1].Name != "beta" {
		t.Fatalf("tasks = %+v", body.Tasks)
	}
	if body.Tasks[1].Interval != "1h0m0s" || body.Tasks[1].Policy != "replace" {
		t.Fatalf("view = %+v", body.Tasks[1])
	}
	if body.Tasks[0].NextFire == "" {
		t.Fatal("armed task missing next_fire")
	}
	if _, err := time.Parse(time.RFC3339, body.Tasks[0].NextFire); err != nil {
		t.Fatalf("next_fire not RFC3339: %v", err)
	}
}

func TestTaskByName(t *testing.T) {
	t.Parallel()
	g := newAPIRig(t, Config{Enabled: true})
	g.registerTask(t, "sync", time.Hour)

	rec := g.get(t, "/api/tasks/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var v taskView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Name != "sync" || !v.Active {
		t.Fatalf("view = %+v", v)
	}

	rec = g.get(t, "/api/tasks/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task: status = %d, want 404", rec.Code)
	}
	var e map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e["error"] == "" {
		t.Fatalf("error body = %q", rec.Body.String())
	}
}

func TestQueueEndpoint(t *testing.T) {
	t.Parallel()
	g := newAPIRig(t, Config{Enabled: true})
	g.registerTask(t, "sync", time.Hour)

	rec := g.get(t, "/api/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var v queueView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(v.Backups) != 1 || v.Backups[0].Tag != "sync" || v.Backups[0].Every != "1h0m0s" {
		t.Fatalf("backups = %+v", v.Backups)
	}
	if v.Running == nil {
		t.Fatal("running should encode as [], not null")
	}
}

func TestAlarmsEndpoint(t *testing.T) {
	t.Parallel()
	g := newAPIRig(t, Config{Enabled: true})
	g.registerTask(t, "sync", time.Hour)

	rec := g.get(t, "/api/alarms", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Alarms []alarmView `json:"alarms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Alarms) != 1 {
		t.Fatalf("alarms = %+v", body.Alarms)
	}
	if _, err := time.Parse(time.RFC3339, body.Alarms[0].FireAt); err != nil {
		t.Fatalf("fire_at not RFC3339: %v", err)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()
	g := newAPIRig(t, Config{Enabled: true})
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		err := g.kv.AppendRun(ctx, storage.RunRecord{
			Task:    "sync",
			Slot:    1001,
			Started: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	rec := g.get(t, "/api/history?task=sync&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Runs []storage.RunRecord `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Runs) != 2 {
		t.Fatalf("runs = %+v, want 2 newest", body.Runs)
	}
	if !body.Runs[0].Started.After(body.Runs[1].Started) {
		t.Fatal("runs not newest-first")
	}

	for _, bad := range []string{"0", "-1", "abc"} {
		rec := g.get(t, "/api/history?limit="+bad, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: status = %d, want 400", bad, rec.Code)
		}
	}

	// Oversized limits are clamped, not rejected.
	rec = g.get(t, "/api/history?limit=100000", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("huge limit: status = %d, want 200", rec.Code)
	}
}

func TestEndpointsWithoutDeps(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true}, Deps{}, logx.Nop())
	for _, path := range []string{"/api/tasks", "/api/tasks/x", "/api/queue", "/api/alarms", "/api/history"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		svc.router(svc.cfg).ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: status = %d, want 503", path, rec.Code)
		}
	}
}

func TestUninitializedRunnerIs503(t *testing.T) {
	t.Parallel()
	kv, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "chronod.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	defer kv.Close()

	r := runner.New(runner.Config{}, runner.Deps{
		Tasks:     registry.New(kv, 1000, logx.Nop()),
		Callbacks: callback.NewRegistry(),
		Alarms:    alarm.New(logx.Nop()),
		Queue:     queue.New(queue.Config{}, kv, logx.Nop(), nil),
	}, logx.Nop(), nil)

	svc := New(Config{Enabled: true}, Deps{Runner: r}, logx.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	svc.router(svc.cfg).ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestPprofMount(t *testing.T) {
	t.Parallel()
	g := newAPIRig(t, Config{Enabled: true, Pprof: true})
	rec := g.get(t, "/debug/pprof/", nil)
	if rec.Code == http.StatusNotFound {
		t.Fatal("pprof not mounted with Pprof enabled")
	}

	plain := newAPIRig(t, Config{Enabled: true})
	rec = plain.get(t, "/debug/pprof/", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pprof reachable without Pprof: %d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{addr: "127.0.0.1:8321", want: true},
		{addr: "localhost:8080", want: true},
		{addr: "[::1]:9000", want: true},
		{addr: "0.0.0.0:8080", want: false},
		{addr: ":8080", want: false},
		{addr: "192.168.1.20:8080", want: false},
		{addr: "example.com:80", want: false},
		{addr: "no-port", want: false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
