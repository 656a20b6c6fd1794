package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chronod/internal/task/runner"
	logx "chronod/pkg/logx"
)

const (
	historyDefaultLimit = 50
	historyMaxLimit     = 500
)

func (s *Service) router(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Token != "" {
		r.Use(requireToken(cfg.Token))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.handleTasks)
		r.Get("/tasks/{name}", s.handleTask)
		r.Get("/queue", s.handleQueue)
		r.Get("/alarms", s.handleAlarms)
		r.Get("/history", s.handleHistory)
	})

	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := ""
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if got != token {
				w.Header().Set("WWW-Authenticate", `Bearer realm="chronod"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type taskView struct {
	Name         string    `json:"name"`
	Interval     string    `json:"interval"`
	Policy       string    `json:"policy"`
	Active       bool      `json:"active"`
	OneTime      bool      `json:"one_time"`
	Slot         int       `json:"slot"`
	RegisteredAt time.Time `json:"registered_at"`
	NextFire     string    `json:"next_fire,omitempty"`
}

func viewOf(t runner.TaskInfo) taskView {
	v := taskView{
		Name:         t.Name,
		Interval:     t.Interval.String(),
		Policy:       t.Policy.String(),
		Active:       t.Active,
		OneTime:      t.OneTime,
		Slot:         t.Slot,
		RegisteredAt: t.RegisteredAt,
	}
	if !t.NextFire.IsZero() {
		v.NextFire = t.NextFire.Format(time.RFC3339)
	}
	return v
}

func (s *Service) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner unavailable")
		return
	}
	infos, err := s.deps.Runner.Tasks(r.Context())
	if err != nil {
		s.apiError(w, err)
		return
	}
	views := make([]taskView, 0, len(infos))
	for _, t := range infos {
		views = append(views, viewOf(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Service) handleTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner unavailable")
		return
	}
	name := chi.URLParam(r, "name")
	info, err := s.deps.Runner.Task(r.Context(), name)
	if err != nil {
		if errors.Is(err, runner.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(info))
}

type unitView struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Tag        string    `json:"tag"`
	Reason     string    `json:"reason,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type backupView struct {
	Tag   string `json:"tag"`
	Every string `json:"every"`
	Next  string `json:"next,omitempty"`
}

type queueView struct {
	Workers    int          `json:"workers"`
	QueueLen   int          `json:"queue_len"`
	QueueCap   int          `json:"queue_cap"`
	InFlight   int          `json:"in_flight"`
	Queued     []unitView   `json:"queued"`
	Running    []string     `json:"running"`
	Backups    []backupView `json:"backups"`
	Dropped    uint64       `json:"dropped"`
	Superseded uint64       `json:"superseded"`
	KeptDrops  uint64       `json:"kept_drops"`
}

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	snap := s.deps.Queue.Snapshot()
	view := queueView{
		Workers:    snap.Workers,
		QueueLen:   snap.QueueLen,
		QueueCap:   snap.QueueCap,
		InFlight:   snap.InFlight,
		Queued:     make([]unitView, 0, len(snap.Queued)),
		Running:    snap.Running,
		Backups:    make([]backupView, 0, len(snap.Backups)),
		Dropped:    snap.Dropped,
		Superseded: snap.Superseded,
		KeptDrops:  snap.KeptDrops,
	}
	if view.Running == nil {
		view.Running = []string{}
	}
	for _, u := range snap.Queued {
		view.Queued = append(view.Queued, unitView{
			ID:         u.ID,
			Key:        u.Key,
			Tag:        u.Tag,
			Reason:     u.Reason,
			EnqueuedAt: u.EnqueuedAt,
		})
	}
	for _, b := range snap.Backups {
		bv := backupView{Tag: b.Tag, Every: b.Every.String()}
		if !b.Next.IsZero() {
			bv.Next = b.Next.Format(time.RFC3339)
		}
		view.Backups = append(view.Backups, bv)
	}
	writeJSON(w, http.StatusOK, view)
}

type alarmView struct {
	Slot   int    `json:"slot"`
	FireAt string `json:"fire_at"`
}

func (s *Service) handleAlarms(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alarms == nil {
		writeError(w, http.StatusServiceUnavailable, "alarms unavailable")
		return
	}
	slots := s.deps.Alarms.Snapshot()
	views := make([]alarmView, 0, len(slots))
	for _, sl := range slots {
		views = append(views, alarmView{Slot: sl.Slot, FireAt: sl.FireAt.Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"alarms": views})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	task := strings.TrimSpace(r.URL.Query().Get("task"))
	limit := historyDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	runs, err := s.deps.History.ListRuns(r.Context(), task, limit)
	if err != nil {
		s.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Service) apiError(w http.ResponseWriter, err error) {
	if errors.Is(err, runner.ErrNotInitialized) {
		writeError(w, http.StatusServiceUnavailable, "runner not initialized")
		return
	}
	s.log.Warn("api request failed", logx.Err(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
