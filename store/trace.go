package store

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// traceRingSize bounds how many recent commits Store.Traces reports. A
// fixed, small ring — this is an in-process diagnostic, not a durable
// audit log (the durability writer and each partition's Provider already
// own that job).
const traceRingSize = 256

// CommitTrace is a one-line summary of a single committed transaction:
// which relations it touched, how many keys, and at what commit
// timestamp. Relations uses a bitset sized to relationCount rather than
// RoaringBitmap/roaring/v2 (store/gc.go's choice for anonymous-object IDs,
// a large sparse space) because a transaction's relation footprint is a
// small fixed-size set known at compile time — a dense bitset is the
// right shape, not a sparse one.
type CommitTrace struct {
	TS        uint64
	Relations *bitset.BitSet
	KeyCount  int
}

// Touched reports whether r was part of this commit.
func (c CommitTrace) Touched(r Relation) bool {
	return c.Relations != nil && c.Relations.Test(uint(r))
}

// commitTraceRing is a fixed-capacity circular buffer of CommitTrace,
// guarded by its own mutex so reading recent traces never contends with
// Store.mu's commit critical section.
type commitTraceRing struct {
	mu      sync.Mutex
	entries []CommitTrace
	next    int
	full    bool
}

func newCommitTraceRing(size int) *commitTraceRing {
	return &commitTraceRing{entries: make([]CommitTrace, size)}
}

func (r *commitTraceRing) record(t CommitTrace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = t
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the ring's current contents oldest-to-newest.
func (r *commitTraceRing) snapshot() []CommitTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]CommitTrace, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]CommitTrace, len(r.entries))
	copy(out, r.entries[r.next:])
	copy(out[len(r.entries)-r.next:], r.entries[:r.next])
	return out
}

// Traces returns the most recent committed transactions, oldest first,
// bounded to traceRingSize. Intended for operator diagnostics (e.g. a
// future admin builtin or health-check endpoint) rather than for
// transaction logic itself.
func (s *Store) Traces() []CommitTrace {
	return s.traces.snapshot()
}
