package progress

import "sort"

// BlockCompletion is a block number paired with the timestamp observed for
// it, as returned by BlockProgressTracker.AddCompleted.
type BlockCompletion struct {
	Number    uint64
	Timestamp uint64
}

// BlockProgressTracker emits a monotone, ordered stream of block checkpoints
// out of block completions that may arrive out of order. A completed block
// is only safe to report once it is smaller than every block number still
// registered as pending (or pending is empty, meaning nothing smaller is
// still outstanding) — otherwise an out-of-order lower block could still
// complete and would need to be reported first.
//
// Each AddCompleted call advances the watermark through every entry that is
// now safe and returns all of them, in ascending order — so an out-of-order
// completion that unblocks a run of several pending entries at once (spec.md
// §8 S8: complete 11, 10, 9 ⇒ watermark must surface 9, then 11) surfaces
// every intermediate checkpoint, not just the newest.
type BlockProgressTracker struct {
	pending     map[uint64]struct{}
	completedTs map[uint64]uint64
	lastEmitted uint64
	hasEmitted  bool
}

// NewBlockProgressTracker returns an empty tracker.
func NewBlockProgressTracker() *BlockProgressTracker {
	return &BlockProgressTracker{
		pending:     make(map[uint64]struct{}),
		completedTs: make(map[uint64]uint64),
	}
}

// AddPending registers block numbers as outstanding work.
func (b *BlockProgressTracker) AddPending(blocks ...uint64) {
	for _, n := range blocks {
		b.pending[n] = struct{}{}
	}
}

// PendingCount reports how many blocks are still outstanding.
func (b *BlockProgressTracker) PendingCount() int {
	return len(b.pending)
}

// LastEmitted returns the most recently emitted block number, if any.
func (b *BlockProgressTracker) LastEmitted() (uint64, bool) {
	return b.lastEmitted, b.hasEmitted
}

// minPending returns the smallest pending block number, or (0, false) if
// pending is empty.
func (b *BlockProgressTracker) minPending() (uint64, bool) {
	if len(b.pending) == 0 {
		return 0, false
	}
	min, first := uint64(0), true
	for n := range b.pending {
		if first || n < min {
			min = n
			first = false
		}
	}
	return min, true
}

// AddCompleted records that block n completed at timestamp ts, removes it
// from pending, and advances the watermark as far as is currently safe. It
// returns every (number, timestamp) the watermark advanced through in this
// call, in ascending order, or nil if nothing could be safely emitted yet.
func (b *BlockProgressTracker) AddCompleted(n, ts uint64) []BlockCompletion {
	b.completedTs[n] = ts
	delete(b.pending, n)

	var advanced []BlockCompletion

	for {
		next, ok := smallestKey(b.completedTs)
		if !ok {
			break
		}
		if minP, hasPending := b.minPending(); hasPending && next >= minP {
			break
		}

		nextTs := b.completedTs[next]
		delete(b.completedTs, next)
		b.lastEmitted = next
		b.hasEmitted = true
		advanced = append(advanced, BlockCompletion{Number: next, Timestamp: nextTs})
	}

	return advanced
}

func smallestKey(m map[uint64]uint64) (uint64, bool) {
	if len(m) == 0 {
		return 0, false
	}
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys[0], true
}
