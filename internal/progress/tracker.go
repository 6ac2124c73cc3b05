// Package progress implements the watermark trackers the historical sync
// scheduler uses to know what remains to be fetched and when it is safe to
// advance the durable checkpoint for a chain.
package progress

import (
	"fmt"

	"github.com/0xkanth/indexcore/internal/intervalset"
)

// Tracker is a per-source progress tracker: target is the full range a
// source must eventually cover, completed is the subset already persisted.
type Tracker struct {
	target    intervalset.Set
	completed intervalset.Set
}

// New validates completed ⊆ target and returns a Tracker, or an error if
// the invariant is violated (e.g. a corrupted or mismatched resume state).
func New(target, completed intervalset.Set) (*Tracker, error) {
	if leftover := intervalset.Difference(completed, target); !intervalset.IsEmpty(leftover) {
		return nil, fmt.Errorf("progress: completed is not a subset of target (extra: %v)", leftover)
	}
	return &Tracker{target: target, completed: completed}, nil
}

// Required returns target − completed: the ranges still needing work.
func (t *Tracker) Required() intervalset.Set {
	return intervalset.Difference(t.target, t.completed)
}

// IsComplete reports whether Required() is empty.
func (t *Tracker) IsComplete() bool {
	return intervalset.IsEmpty(t.Required())
}

// Completed returns the tracker's current completed set.
func (t *Tracker) Completed() intervalset.Set {
	return t.completed
}

// Target returns the tracker's target set.
func (t *Tracker) Target() intervalset.Set {
	return t.target
}

// Checkpoint returns the supremum h such that [target.min, h] ⊆ completed,
// and false if target is empty or its minimum block is not yet completed.
func (t *Tracker) Checkpoint() (uint64, bool) {
	lo, ok := intervalset.Min(t.target)
	if !ok {
		return 0, false
	}
	for _, iv := range t.completed {
		if iv.Lo > lo {
			break
		}
		if iv.Lo <= lo && lo <= iv.Hi {
			return iv.Hi, true
		}
	}
	return 0, false
}

// Result reports the effect of an AddCompleted call.
type Result struct {
	Updated        bool
	PrevCheckpoint uint64
	PrevOk         bool
	NewCheckpoint  uint64
	NewOk          bool
}

// AddCompleted merges iv into completed and reports how the checkpoint moved.
func (t *Tracker) AddCompleted(iv intervalset.Interval) Result {
	prevCP, prevOk := t.Checkpoint()
	before := t.completed

	merged := intervalset.Union(t.completed, intervalset.Of(iv))
	updated := !setsEqual(before, merged)
	t.completed = merged

	newCP, newOk := t.Checkpoint()
	return Result{
		Updated:        updated,
		PrevCheckpoint: prevCP,
		PrevOk:         prevOk,
		NewCheckpoint:  newCP,
		NewOk:          newOk,
	}
}

func setsEqual(a, b intervalset.Set) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
