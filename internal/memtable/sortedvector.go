package memtable

import (
	"sync"
	"sync/atomic"
)

// sortedVector is an append-only fixed-capacity array of key pointers
// with atomic count and sorted state (spec.md §3). It is sealed once
// sorted becomes true; sealing is published with release semantics and
// observed with acquire semantics so a reader never binary-searches a
// half-sorted slice.
type sortedVector struct {
	mu      sync.Mutex // guards in-place sort/truncate only
	entries []*keyEntry
	count   atomic.Int64
	sorted  atomic.Bool

	// allocCap is the capacity the SV was created with; sort truncates
	// entries, so capacity() shrinks to the live length once sealed.
	allocCap int
}

func newSortedVector(capacity int) *sortedVector {
	return &sortedVector{entries: make([]*keyEntry, capacity), allocCap: capacity}
}

func (sv *sortedVector) capacity() int { return len(sv.entries) }

// add appends e and returns the slot index it was written to, or -1 if
// the vector is already full (spec.md §4.1 step 1: "add increments count
// atomically; if the returned index is within capacity, the slot is
// written and the add succeeds").
func (sv *sortedVector) add(e *keyEntry) int {
	idx := int(sv.count.Add(1)) - 1
	if idx >= sv.capacity() {
		return -1
	}
	sv.entries[idx] = e
	return idx
}

// length returns the live element count, clamped to capacity (a writer
// that lost the capacity race already dropped its lock and retried on a
// fresh tail, so count can transiently exceed capacity by a small
// amount).
func (sv *sortedVector) length() int {
	n := int(sv.count.Load())
	if n > sv.capacity() {
		n = sv.capacity()
	}
	return n
}

// isSmall reports whether the SV is a merge candidate: less than
// fraction of its allocated capacity full (spec.md §4.1: "<75% of
// capacity").
func (sv *sortedVector) isSmall(fraction float64) bool {
	return float64(sv.length()) < fraction*float64(sv.allocCap)
}

// sort truncates the vector to its live length and comparator-sorts it
// in place under its own mutex, then publishes sorted=true with release
// semantics (spec.md §4.1: "sort thread ... performs an in-place
// comparator sort under the SV's own mutex, then publishes sorted=true
// with release semantics"). Safe to call more than once (re-entrant per
// spec.md §4.1 Failure semantics).
func (sv *sortedVector) sort(cmp Comparator) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.sorted.Load() {
		return
	}

	n := sv.length()
	live := sv.entries[:n]

	// insertion sort is adequate: SVs are capped at a few thousand
	// entries and this runs off the write path on the dedicated sort
	// thread, same tradeoff the spec's "append-only fixed-capacity
	// array" makes for simplicity over asymptotic cleverness here.
	for i := 1; i < len(live); i++ {
		for j := i; j > 0 && cmp.Compare(live[j].key, live[j-1].key) < 0; j-- {
			live[j], live[j-1] = live[j-1], live[j]
		}
	}

	sv.entries = live
	sv.sorted.Store(true)
}

// isSorted reports sealed state with acquire semantics (spec.md §4.1:
// "readers check sorted with acquire semantics before any binary
// search").
func (sv *sortedVector) isSorted() bool { return sv.sorted.Load() }

// lowerBound returns the index of the first entry >= key in a sealed SV.
func (sv *sortedVector) lowerBound(cmp Comparator, key []byte) int {
	lo, hi := 0, len(sv.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp.Compare(sv.entries[mid].key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// svContainer is the ordered list of SVs: at most one unsealed SV, and
// it is the tail (spec.md §3). The container becomes immutable once the
// memtable is marked read-only.
type svContainer struct {
	mu       sync.RWMutex
	vectors  []*sortedVector
	readOnly bool
	capacity int
}

func newSVContainer(svCapacity int) *svContainer {
	c := &svContainer{capacity: svCapacity}
	c.vectors = append(c.vectors, newSortedVector(svCapacity))
	return c
}

// tail returns the current (possibly unsealed) tail SV under the read
// lock, per the append protocol's step 1.
func (c *svContainer) tail() *sortedVector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vectors[len(c.vectors)-1]
}

// appendNewTail adds a fresh empty SV after re-checking under the write
// lock that the current tail is still full — spec.md §4.1 step 2:
// "exactly one writer wins the append; losers succeed on the retry".
// Returns the (possibly pre-existing) usable tail.
func (c *svContainer) appendNewTail(fullTail *sortedVector) *sortedVector {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.vectors[len(c.vectors)-1]
	if current != fullTail || current.length() < current.capacity() {
		// another writer already appended, or fullTail somehow has
		// room again (can't happen, but losing the race is safe).
		return current
	}

	fresh := newSortedVector(c.capacity)
	c.vectors = append(c.vectors, fresh)
	return fresh
}

// ensureMutableTail appends a new empty tail SV if the memtable is still
// mutable, so an iterator snapshot is well-defined (spec.md §4.1:
// "iterator construction ... if the memtable is still mutable, a new
// empty tail SV is appended").
func (c *svContainer) ensureMutableTail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readOnly {
		return
	}
	c.vectors = append(c.vectors, newSortedVector(c.capacity))
}

// snapshot returns the current vector list for iteration or merging.
func (c *svContainer) snapshot() []*sortedVector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*sortedVector, len(c.vectors))
	copy(out, c.vectors)
	return out
}

// markReadOnly freezes the container: every SV (including the tail) is
// sealed and no further appends are permitted (spec.md §4.1
// mark_read_only).
func (c *svContainer) markReadOnly(cmp Comparator) {
	c.mu.Lock()
	c.readOnly = true
	vectors := append([]*sortedVector(nil), c.vectors...)
	c.mu.Unlock()

	for _, sv := range vectors {
		sv.sort(cmp)
	}
}

// sealableRange returns every SV up to (not including) the current
// tail — the sort thread's walk range (spec.md §4.1: "walks SVs from its
// cursor to the current penultimate tail; the active tail stays
// untouched"). Once the container is read-only it returns every SV,
// the tail included.
func (c *svContainer) sealableRange() []*sortedVector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.vectors) == 0 {
		return nil
	}
	if c.readOnly {
		return append([]*sortedVector(nil), c.vectors...)
	}
	return append([]*sortedVector(nil), c.vectors[:len(c.vectors)-1]...)
}

// mergeSmallRun atomically swaps [start,start+len(run)) for merged under
// the write lock, erasing the originals (spec.md §4.1 Merging: "builds a
// merged vector ... then swaps the merged SV into the container under
// the write lock, erasing the originals"). start/run identify the
// originals by pointer identity so a concurrent mutation of the vector
// list between selection and swap is detected and aborted safely.
func (c *svContainer) mergeSmallRun(run []*sortedVector, merged *sortedVector) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := indexOfRun(c.vectors, run)
	if start < 0 {
		return false
	}

	newVectors := make([]*sortedVector, 0, len(c.vectors)-len(run)+1)
	newVectors = append(newVectors, c.vectors[:start]...)
	newVectors = append(newVectors, merged)
	newVectors = append(newVectors, c.vectors[start+len(run):]...)
	c.vectors = newVectors
	return true
}

func indexOfRun(vectors []*sortedVector, run []*sortedVector) int {
	if len(run) == 0 || len(run) > len(vectors) {
		return -1
	}
	for i := 0; i+len(run) <= len(vectors); i++ {
		match := true
		for j := range run {
			if vectors[i+j] != run[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
