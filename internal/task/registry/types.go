package registry

import (
	"time"

	"chronod/internal/task/callback"
	"chronod/internal/task/policy"
)

// Reserved identity for the single-task compatibility mode. It occupies
// alarm slot 0, below the allocator range, and mirrors into the legacy
// key layout older data directories used.
const (
	DefaultTaskName = "default"
	DefaultSlot     = 0
)

// DefaultSlotBase is the allocator floor when config leaves slot_base unset.
// Allocated slots start above it, so they never collide with DefaultSlot.
const DefaultSlotBase = 1000

// Record is one registered task.
type Record struct {
	Name         string
	Handle       callback.Handle
	Interval     time.Duration
	Policy       policy.Overlap
	Active       bool
	OneTime      bool
	Slot         int
	RegisteredAt time.Time
}

// Storage keys. The collection is rewritten as a whole on every change;
// task cardinality is tens, not thousands.
const (
	keyTasks    = "tasks/registry"
	keyNextSlot = "tasks/next_slot"

	keyLegacyHandle   = "legacy/callback_handle"
	keyLegacyInterval = "legacy/interval_ms"
	keyLegacyActive   = "legacy/active"
	keyLegacyPolicy   = "legacy/policy_index"
)

// Persisted forms. Field names and the version envelope are part of the
// stored format; change them only with a decoder for the old shape.
type recordJSON struct {
	Name               string `json:"name"`
	CallbackHandle     uint64 `json:"callbackHandle"`
	IntervalMS         int64  `json:"intervalMs"`
	OverlapPolicyIndex int    `json:"overlapPolicyIndex"`
	IsActive           bool   `json:"isActive"`
	AlarmID            int    `json:"alarmId"`
	RegisteredAt       string `json:"registeredAt"`
	IsOneTime          bool   `json:"isOneTime"`
}

type collectionJSON struct {
	Version int          `json:"version"`
	Tasks   []recordJSON `json:"tasks"`
}

func encodeRecord(r Record) recordJSON {
	return recordJSON{
		Name:               r.Name,
		CallbackHandle:     uint64(r.Handle),
		IntervalMS:         r.Interval.Milliseconds(),
		OverlapPolicyIndex: r.Policy.Index(),
		IsActive:           r.Active,
		AlarmID:            r.Slot,
		RegisteredAt:       r.RegisteredAt.UTC().Format(time.RFC3339),
		IsOneTime:          r.OneTime,
	}
}

func decodeRecord(j recordJSON) (Record, error) {
	pol, err := policy.FromIndex(j.OverlapPolicyIndex)
	if err != nil {
		return Record{}, err
	}
	at, err := time.Parse(time.RFC3339, j.RegisteredAt)
	if err != nil {
		// Tolerate a missing timestamp; reject garbage.
		if j.RegisteredAt != "" {
			return Record{}, err
		}
		at = time.Time{}
	}
	return Record{
		Name:         j.Name,
		Handle:       callback.Handle(j.CallbackHandle),
		Interval:     time.Duration(j.IntervalMS) * time.Millisecond,
		Policy:       pol,
		Active:       j.IsActive,
		OneTime:      j.IsOneTime,
		Slot:         j.AlarmID,
		RegisteredAt: at,
	}, nil
}
