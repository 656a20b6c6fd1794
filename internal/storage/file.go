package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "chronod/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.kv.snapshot.json  (periodic snapshot of all keys)
//   - <prefix>.kv.journal.jsonl  (append-only journal since last snapshot)
//   - <prefix>.runs.jsonl        (run history, rewritten on prune)
//
// The journal is periodically compacted into the snapshot. Corrupt journal
// lines and unreadable snapshots are skipped, never surfaced to callers.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	kvSnapshotPath string
	kvJournalFile  *os.File
	kv             map[string][]byte

	kvWrites int

	runsPath string
	runsFile *os.File
	runs     []RunRecord // newest last, capped per task

	runCap int
}

type kvRecord struct {
	Op    string `json:"op"` // "put" or "del"
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

const kvCompactEvery = 256

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".kv.snapshot.json"
	journalPath := prefix + ".kv.journal.jsonl"
	runsPath := prefix + ".runs.jsonl"

	// Load kv from snapshot + journal.
	kv := map[string][]byte{}
	_ = loadKVSnapshot(snapPath, kv)
	_ = replayKVJournal(journalPath, kv)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	runCap := historyCap(cfg)
	runs := loadRuns(runsPath, runCap)

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	return &fileStore{
		log:            log,
		kvSnapshotPath: snapPath,
		kvJournalFile:  jf,
		kv:             kv,
		runsPath:       runsPath,
		runsFile:       rf,
		runs:           runs,
		runCap:         runCap,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.kvJournalFile != nil {
		// Fold the journal into the snapshot so the next open starts clean.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("kv compact on close failed", logx.Any("err", err))
		}
		err1 = s.kvJournalFile.Close()
		s.kvJournalFile = nil
	}
	if s.runsFile != nil {
		err2 = s.runsFile.Close()
		s.runsFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *fileStore) Put(ctx context.Context, key string, value []byte) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(key, value)
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(key)
}

func (s *fileStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" || fn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.kv[key]
	var curCp []byte
	if ok {
		curCp = make([]byte, len(cur))
		copy(curCp, cur)
	}
	next, err := fn(curCp, ok)
	if err != nil {
		return err
	}
	if next == nil {
		if !ok {
			return nil
		}
		return s.deleteLocked(key)
	}
	return s.putLocked(key, next)
}

func (s *fileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.kv))
	for k := range s.kv {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) putLocked(key string, value []byte) error {
	if s.kvJournalFile == nil {
		return ErrClosed
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.kv[key] = cp

	enc := json.NewEncoder(s.kvJournalFile)
	if err := enc.Encode(kvRecord{Op: "put", Key: key, Value: cp}); err != nil {
		return err
	}
	s.noteWriteLocked()
	return nil
}

func (s *fileStore) deleteLocked(key string) error {
	if s.kvJournalFile == nil {
		return ErrClosed
	}
	delete(s.kv, key)

	enc := json.NewEncoder(s.kvJournalFile)
	if err := enc.Encode(kvRecord{Op: "del", Key: key}); err != nil {
		return err
	}
	s.noteWriteLocked()
	return nil
}

func (s *fileStore) noteWriteLocked() {
	s.kvWrites++
	if s.kvWrites%kvCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("kv compact failed", logx.Any("err", err))
		}
	}
}

func (s *fileStore) compactLocked() error {
	if s.kv == nil || s.kvJournalFile == nil {
		return nil
	}

	tmp := s.kvSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.kv); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.kvSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.kvJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.kvJournalFile.Seek(0, 2)
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if strings.TrimSpace(r.Task) == "" {
		return nil
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	enc := json.NewEncoder(s.runsFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	s.runs = append(s.runs, r)
	s.capRunsLocked()
	return nil
}

func (s *fileStore) ListRuns(ctx context.Context, task string, limit int) ([]RunRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunRecord, 0, limit)
	// Newest first.
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if task != "" && s.runs[i].Task != task {
			continue
		}
		out = append(out, s.runs[i])
	}
	return out, nil
}

func (s *fileStore) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.runs[:0]
	var removed int64
	for _, r := range s.runs {
		if r.Started.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.runs = kept
	if removed > 0 {
		if err := s.rewriteRunsLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// capRunsLocked drops the oldest records of tasks over the per-task cap.
func (s *fileStore) capRunsLocked() {
	counts := map[string]int{}
	for _, r := range s.runs {
		counts[r.Task]++
	}
	over := false
	for _, n := range counts {
		if n > s.runCap {
			over = true
			break
		}
	}
	if !over {
		return
	}
	// Walk newest to oldest, keep up to cap per task.
	seen := map[string]int{}
	kept := make([]RunRecord, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		r := s.runs[i]
		if seen[r.Task] >= s.runCap {
			continue
		}
		seen[r.Task]++
		kept = append(kept, r)
	}
	// Restore oldest-first order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	s.runs = kept
	if err := s.rewriteRunsLocked(); err != nil {
		s.log.Debug("runs rewrite failed", logx.Any("err", err))
	}
}

func (s *fileStore) rewriteRunsLocked() error {
	if s.runsFile == nil {
		return ErrClosed
	}
	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.runs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return err
	}
	_ = s.runsFile.Close()
	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.runsFile = nil
		return err
	}
	s.runsFile = rf
	return nil
}

func loadKVSnapshot(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string][]byte
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayKVJournal(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r kvRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		switch r.Op {
		case "put":
			out[r.Key] = r.Value
		case "del":
			delete(out, r.Key)
		}
	}
	return sc.Err()
}

func loadRuns(path string, perTask int) []RunRecord {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var runs []RunRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Task == "" {
			continue
		}
		runs = append(runs, r)
	}
	// Soft bound on total records carried in memory after load.
	if bound := perTask * 16; len(runs) > bound {
		runs = runs[len(runs)-bound:]
	}
	return runs
}
