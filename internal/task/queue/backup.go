package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"chronod/internal/eventbus"
	"chronod/internal/task/policy"
	logx "chronod/pkg/logx"
)

// BackupFloor is the minimum spacing between periodic backup firings.
// Backups are a crash safety net, not a precise trigger; anything tighter
// belongs on the alarm service.
const BackupFloor = 15 * time.Minute

// RegisterPeriodicBackup upserts a periodic fallback firing for tag and
// returns the effective, floor-clamped interval.
func (s *Service) RegisterPeriodicBackup(tag string, every time.Duration) (time.Duration, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, fmt.Errorf("backup tag is required")
	}
	if every < BackupFloor {
		if every > 0 {
			s.log.Debug("backup interval clamped to floor",
				logx.String("tag", tag),
				logx.Duration("requested", every),
				logx.Duration("floor", BackupFloor))
		}
		every = BackupFloor
	}

	s.mu.Lock()
	err := s.addBackupLocked(tag, every)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	s.persistBackup(tag, every)
	return every, nil
}

// addBackupLocked upserts the cron entry for tag. mu must be held.
func (s *Service) addBackupLocked(tag string, every time.Duration) error {
	if id, ok := s.cronIDs[tag]; ok {
		if s.c != nil {
			s.c.Remove(id)
		}
		delete(s.cronIDs, tag)
	}
	s.backups[tag] = every
	if s.c == nil {
		// Not started yet; the persisted entry re-arms on Start.
		return nil
	}
	spec := fmt.Sprintf("@every %s", every.String())
	id, err := s.c.AddJob(spec, cron.FuncJob(func() { s.backupFired(tag, every) }))
	if err != nil {
		return fmt.Errorf("register backup %q: %w", tag, err)
	}
	s.cronIDs[tag] = id
	return nil
}

func (s *Service) backupFired(tag string, every time.Duration) {
	now := time.Now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "backup.fired", Time: now, Data: BackupEvent{Tag: tag, Every: every}})
	}
	// Backups never stack: while a pass for the tag is queued or running,
	// a new firing is dropped.
	d := policy.Directive{SlotKey: "backup:" + tag, OnConflict: policy.Keep}
	err := s.Enqueue(d, tag, "backup")
	switch {
	case err == nil:
		s.log.Debug("backup unit enqueued", logx.String("tag", tag))
	case errors.Is(err, ErrDuplicate):
		s.log.Debug("backup firing skipped: pass already pending", logx.String("tag", tag))
	default:
		s.log.Warn("backup enqueue failed", logx.String("tag", tag), logx.Err(err))
	}
}

// CancelByTag drops the periodic backup for tag and supersedes any queued
// units carrying the tag. Running units finish on their own. It reports
// whether anything was cancelled.
func (s *Service) CancelByTag(ctx context.Context, tag string) bool {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return false
	}
	removed := false

	s.mu.Lock()
	if id, ok := s.cronIDs[tag]; ok {
		if s.c != nil {
			s.c.Remove(id)
		}
		delete(s.cronIDs, tag)
		removed = true
	}
	if _, ok := s.backups[tag]; ok {
		delete(s.backups, tag)
		removed = true
	}
	s.mu.Unlock()

	if err := s.store.Delete(ctx, keyBackupPrefix+tag); err != nil {
		s.log.Warn("backup cleanup failed", logx.String("tag", tag), logx.Err(err))
	}

	var dead []string
	s.pmu.Lock()
	for id, u := range s.pending {
		if u.Tag == tag {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		s.supersedeLocked(id)
	}
	s.pmu.Unlock()

	for _, id := range dead {
		s.removeUnit(id)
		removed = true
	}

	if removed {
		s.log.Debug("tag cancelled", logx.String("tag", tag), logx.Int("superseded", len(dead)))
	}
	return removed
}

func (s *Service) persistBackup(tag string, every time.Duration) {
	data, err := json.Marshal(backupEntry{Tag: tag, EveryMS: every.Milliseconds()})
	if err != nil {
		return
	}
	if err := s.store.Put(context.Background(), keyBackupPrefix+tag, data); err != nil {
		s.log.Warn("backup persist failed", logx.String("tag", tag), logx.Err(err))
	}
}

// restoreBackups re-arms persisted backup entries. Runs before cron starts.
func (s *Service) restoreBackups(ctx context.Context) int {
	keys, err := s.store.Keys(ctx, keyBackupPrefix)
	if err != nil {
		s.log.Warn("backup scan failed", logx.Err(err))
		return 0
	}
	n := 0
	for _, k := range keys {
		raw, ok, err := s.store.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var e backupEntry
		if err := json.Unmarshal(raw, &e); err != nil || strings.TrimSpace(e.Tag) == "" {
			s.log.Warn("backup entry unreadable; discarding", logx.String("key", k))
			_ = s.store.Delete(ctx, k)
			continue
		}
		every := time.Duration(e.EveryMS) * time.Millisecond
		if every < BackupFloor {
			every = BackupFloor
		}
		s.mu.Lock()
		err = s.addBackupLocked(e.Tag, every)
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("backup re-arm failed", logx.String("tag", e.Tag), logx.Err(err))
			continue
		}
		n++
	}
	return n
}
