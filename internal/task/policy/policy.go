package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Overlap controls what happens when a task fires while earlier work for
// the same task is still pending or running.
type Overlap int

const (
	// Replace supersedes a pending (not yet started) dispatch for the task.
	Replace Overlap = iota
	// SkipIfRunning drops the new dispatch while one is pending or running.
	SkipIfRunning
	// Parallel never conflicts; every dispatch gets its own slot key.
	Parallel
)

func (o Overlap) String() string {
	switch o {
	case Replace:
		return "replace"
	case SkipIfRunning:
		return "skip_if_running"
	case Parallel:
		return "parallel"
	default:
		return fmt.Sprintf("overlap(%d)", int(o))
	}
}

// ParseOverlap accepts the config spellings. Empty input means Replace.
func ParseOverlap(s string) (Overlap, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "replace":
		return Replace, nil
	case "skip_if_running", "skip-if-running", "skip":
		return SkipIfRunning, nil
	case "parallel":
		return Parallel, nil
	default:
		return Replace, fmt.Errorf("unknown overlap policy %q", s)
	}
}

// CodecVersion guards the persisted index table below. Bump it only when
// an index is added; existing indexes are append-only and never renumbered.
const CodecVersion = 1

const (
	indexReplace       = 0
	indexSkipIfRunning = 1
	indexParallel      = 2
)

var ErrUnknownIndex = errors.New("unknown overlap policy index")

// Index returns the persisted representation of o.
func (o Overlap) Index() int {
	switch o {
	case SkipIfRunning:
		return indexSkipIfRunning
	case Parallel:
		return indexParallel
	default:
		return indexReplace
	}
}

// FromIndex decodes a persisted index. Unknown indexes are an error so a
// record written by a newer build is dropped rather than misread.
func FromIndex(idx int) (Overlap, error) {
	switch idx {
	case indexReplace:
		return Replace, nil
	case indexSkipIfRunning:
		return SkipIfRunning, nil
	case indexParallel:
		return Parallel, nil
	default:
		return Replace, fmt.Errorf("%w: %d", ErrUnknownIndex, idx)
	}
}

// OnConflict tells the executor what to do when a dispatch unit's slot key
// is already occupied.
type OnConflict int

const (
	// Keep drops the new unit if the key is pending or running.
	Keep OnConflict = iota
	// ReplacePending supersedes a pending unit under the key; a running
	// unit is left to finish.
	ReplacePending
)

func (c OnConflict) String() string {
	if c == ReplacePending {
		return "replace"
	}
	return "keep"
}

// Directive is the executor-facing form of an overlap policy: a slot key
// plus what to do on key conflict.
type Directive struct {
	SlotKey    string
	OnConflict OnConflict
}

// Resolve maps a task's overlap policy to a dispatch directive.
//
// It is a pure function of its inputs: fixed-key policies always produce
// the same key for the same task, and Parallel produces a fresh key per
// call so units never collide.
func Resolve(o Overlap, task string) Directive {
	base := "task:" + task
	switch o {
	case SkipIfRunning:
		return Directive{SlotKey: base, OnConflict: Keep}
	case Parallel:
		return Directive{SlotKey: base + "@" + uuid.NewString(), OnConflict: Keep}
	default:
		return Directive{SlotKey: base, OnConflict: ReplacePending}
	}
}
