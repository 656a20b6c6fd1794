package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"chronod/internal/storage"
	"chronod/internal/task/policy"
	logx "chronod/pkg/logx"
)

var ErrNameRequired = errors.New("task name is required")

// Store is the durable task registry.
//
// It persists the full collection on every change and degrades to an
// empty collection when the persisted form is unreadable: a corrupt
// registry must never take the scheduler down with it.
type Store struct {
	kv  storage.Store
	log logx.Logger

	slotBase int
}

func New(kv storage.Store, slotBase int, log logx.Logger) *Store {
	if slotBase <= 0 {
		slotBase = DefaultSlotBase
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{kv: kv, log: log, slotBase: slotBase}
}

// All returns every registered task, sorted by name.
// Unreadable collections and undecodable records are dropped, not surfaced.
func (s *Store) All(ctx context.Context) ([]Record, error) {
	raw, ok, err := s.kv.Get(ctx, keyTasks)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	recs, warn := decodeCollection(raw)
	if warn != "" {
		s.log.Warn("task registry unreadable; treating as empty", logx.String("reason", warn))
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

func (s *Store) Get(ctx context.Context, name string) (Record, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Record{}, false, nil
	}
	recs, err := s.All(ctx)
	if err != nil {
		return Record{}, false, err
	}
	for _, r := range recs {
		if r.Name == name {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

func (s *Store) BySlot(ctx context.Context, slot int) (Record, bool, error) {
	recs, err := s.All(ctx)
	if err != nil {
		return Record{}, false, err
	}
	for _, r := range recs {
		if r.Slot == slot {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// Save upserts a record by name and keeps the legacy mirror current.
func (s *Store) Save(ctx context.Context, rec Record) error {
	rec.Name = strings.TrimSpace(rec.Name)
	if rec.Name == "" {
		return ErrNameRequired
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now()
	}

	err := s.kv.Update(ctx, keyTasks, func(cur []byte, ok bool) ([]byte, error) {
		var recs []Record
		if ok {
			recs, _ = decodeCollection(cur)
		}
		replaced := false
		for i := range recs {
			if recs[i].Name == rec.Name {
				recs[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			recs = append(recs, rec)
		}
		return encodeCollection(recs)
	})
	if err != nil {
		return err
	}
	if rec.Name == DefaultTaskName {
		s.mirrorLegacy(ctx, rec)
	}
	return nil
}

// Remove deletes a record by name. It reports whether the name existed.
func (s *Store) Remove(ctx context.Context, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, nil
	}
	removed := false
	err := s.kv.Update(ctx, keyTasks, func(cur []byte, ok bool) ([]byte, error) {
		if !ok {
			return nil, nil
		}
		recs, _ := decodeCollection(cur)
		n := 0
		for _, r := range recs {
			if r.Name == name {
				removed = true
				continue
			}
			recs[n] = r
			n++
		}
		if !removed {
			// No change; keep the stored bytes as they are.
			return cur, nil
		}
		return encodeCollection(recs[:n])
	})
	if err != nil {
		return false, err
	}
	if removed && name == DefaultTaskName {
		s.clearLegacy(ctx)
	}
	return removed, nil
}

// ClearAll removes every record and the legacy mirror.
// The slot counter is preserved: slot ids are never reused.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.kv.Delete(ctx, keyTasks); err != nil {
		return err
	}
	s.clearLegacy(ctx)
	return nil
}

// NextSlot allocates the next alarm slot id.
//
// The counter is incremented then returned, so allocated ids start one
// above the configured base and stay strictly monotonic for the lifetime
// of the data directory.
func (s *Store) NextSlot(ctx context.Context) (int, error) {
	var slot int
	err := s.kv.Update(ctx, keyNextSlot, func(cur []byte, ok bool) ([]byte, error) {
		last := s.slotBase
		if ok {
			if v, err := strconv.Atoi(strings.TrimSpace(string(cur))); err == nil && v >= s.slotBase {
				last = v
			}
		}
		slot = last + 1
		return []byte(strconv.Itoa(slot)), nil
	})
	if err != nil {
		return 0, err
	}
	return slot, nil
}

func encodeCollection(recs []Record) ([]byte, error) {
	out := collectionJSON{Version: policy.CodecVersion, Tasks: make([]recordJSON, 0, len(recs))}
	for _, r := range recs {
		out.Tasks = append(out.Tasks, encodeRecord(r))
	}
	return json.Marshal(out)
}

// decodeCollection parses the stored collection. It returns the records it
// could decode plus a non-empty reason when anything was dropped.
func decodeCollection(raw []byte) ([]Record, string) {
	var col collectionJSON
	if err := json.Unmarshal(raw, &col); err != nil {
		return nil, "collection: " + err.Error()
	}
	if col.Version != policy.CodecVersion {
		return nil, "collection version " + strconv.Itoa(col.Version) + " unsupported"
	}
	recs := make([]Record, 0, len(col.Tasks))
	warn := ""
	for _, j := range col.Tasks {
		if strings.TrimSpace(j.Name) == "" {
			warn = "record with empty name dropped"
			continue
		}
		r, err := decodeRecord(j)
		if err != nil {
			warn = "record " + j.Name + ": " + err.Error()
			continue
		}
		recs = append(recs, r)
	}
	return recs, warn
}
