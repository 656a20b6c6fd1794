package registry

import (
	"context"
	"strconv"
	"strings"
	"time"

	"chronod/internal/task/callback"
	"chronod/internal/task/policy"
	logx "chronod/pkg/logx"
)

// The single-task deployments that predate the registry stored their one
// schedule under four flat keys. The reserved "default" task mirrors into
// those keys on every save so an older binary pointed at the same data
// directory still sees its schedule.

func (s *Store) mirrorLegacy(ctx context.Context, rec Record) {
	pairs := []struct {
		key string
		val string
	}{
		{keyLegacyHandle, strconv.FormatUint(uint64(rec.Handle), 10)},
		{keyLegacyInterval, strconv.FormatInt(rec.Interval.Milliseconds(), 10)},
		{keyLegacyActive, strconv.FormatBool(rec.Active)},
		{keyLegacyPolicy, strconv.Itoa(rec.Policy.Index())},
	}
	for _, p := range pairs {
		if err := s.kv.Put(ctx, p.key, []byte(p.val)); err != nil {
			s.log.Warn("legacy mirror write failed",
				logx.String("key", p.key), logx.Err(err))
			return
		}
	}
}

func (s *Store) clearLegacy(ctx context.Context) {
	for _, key := range []string{keyLegacyHandle, keyLegacyInterval, keyLegacyActive, keyLegacyPolicy} {
		if err := s.kv.Delete(ctx, key); err != nil {
			s.log.Warn("legacy mirror delete failed",
				logx.String("key", key), logx.Err(err))
		}
	}
}

// MigrateLegacy synthesizes a "default" registry record from the flat
// legacy keys when one is not already present. It reports whether a
// record was created.
func (s *Store) MigrateLegacy(ctx context.Context) (bool, error) {
	if _, ok, err := s.Get(ctx, DefaultTaskName); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}

	rawHandle, ok, err := s.kv.Get(ctx, keyLegacyHandle)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	handle, err := strconv.ParseUint(strings.TrimSpace(string(rawHandle)), 10, 64)
	if err != nil {
		s.log.Warn("legacy callback handle unreadable; skipping migration", logx.Err(err))
		return false, nil
	}

	rec := Record{
		Name:         DefaultTaskName,
		Handle:       callback.Handle(handle),
		Interval:     s.legacyInterval(ctx),
		Policy:       s.legacyPolicy(ctx),
		Active:       s.legacyActive(ctx),
		Slot:         DefaultSlot,
		RegisteredAt: time.Now(),
	}
	if err := s.Save(ctx, rec); err != nil {
		return false, err
	}
	s.log.Info("migrated legacy schedule into task registry",
		logx.String("task", DefaultTaskName),
		logx.Duration("interval", rec.Interval),
		logx.Bool("active", rec.Active))
	return true, nil
}

func (s *Store) legacyInterval(ctx context.Context) time.Duration {
	raw, ok, err := s.kv.Get(ctx, keyLegacyInterval)
	if err != nil || !ok {
		return 0
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Store) legacyPolicy(ctx context.Context) policy.Overlap {
	raw, ok, err := s.kv.Get(ctx, keyLegacyPolicy)
	if err != nil || !ok {
		return policy.Replace
	}
	idx, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return policy.Replace
	}
	o, err := policy.FromIndex(idx)
	if err != nil {
		return policy.Replace
	}
	return o
}

func (s *Store) legacyActive(ctx context.Context) bool {
	raw, ok, err := s.kv.Get(ctx, keyLegacyActive)
	if err != nil || !ok {
		return false
	}
	v, err := strconv.ParseBool(strings.TrimSpace(string(raw)))
	if err != nil {
		return false
	}
	return v
}
