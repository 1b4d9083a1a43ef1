// Package memtable implements HashSpd (spec.md §4.1): a concurrent
// hash+sorted-vector memtable that accepts writes from many goroutines
// and, via a dedicated background sort thread, yields an ordered
// iteration view without ever keeping a fully sorted structure up to
// date on the write path.
package memtable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperlsm/engine/internal/engineerrors"
	"github.com/hyperlsm/engine/internal/engineopts"
	"github.com/hyperlsm/engine/internal/logging"
	"github.com/hyperlsm/engine/internal/metrics"
)

// Memtable is the HashSpd concurrent memtable described in spec.md §4.1.
type Memtable struct {
	opts engineopts.MemtableOptions
	cmp  Comparator
	log  logging.Logger
	reg  *metrics.Registry

	arena     *arena
	buckets   *bucketSet
	container *svContainer

	readOnly atomic.Bool

	sortMu      sync.Mutex
	sortCond    *sync.Cond
	sortPending bool
	stopping    bool
	wg          sync.WaitGroup
}

// New constructs a HashSpd memtable and starts its background sort
// thread.
func New(opts engineopts.MemtableOptions, cmp Comparator, log logging.Logger, reg *metrics.Registry) (*Memtable, error) {
	if err := opts.Validate(); err != nil {
		return nil, engineerrors.NewError("new_memtable").Component("memtable").Cause(err).Err()
	}
	if cmp == nil {
		cmp = InternalKeyComparator{}
	}
	if log == nil {
		log = logging.NewNopLogger()
	}

	m := &Memtable{
		opts:      opts,
		cmp:       cmp,
		log:       log,
		reg:       reg,
		arena:     newArena(0),
		buckets:   newBucketSet(opts.NumBuckets, opts.NumMutexes),
		container: newSVContainer(opts.SVCapacity),
	}
	m.sortCond = sync.NewCond(&m.sortMu)

	m.wg.Add(1)
	go m.sortThreadLoop()

	return m, nil
}

// KeyHandle is returned by Allocate and consumed by Insert; it pairs the
// arena-backed key bytes with the not-yet-linked entry node (spec.md
// §4.1: allocate(len) → (handle, writable_buffer)).
type KeyHandle struct {
	entry *keyEntry
}

// Bytes returns the writable buffer backing this handle's key.
func (h *KeyHandle) Bytes() []byte { return h.entry.key }

// Allocate reserves a key slot sized max(len, inline) from the arena
// (spec.md §4.1) and returns a handle plus the writable buffer the
// caller fills with key bytes before calling Insert.
func (m *Memtable) Allocate(keyLen int) (*KeyHandle, []byte, error) {
	if keyLen <= 0 {
		return nil, nil, engineerrors.NewError("allocate").Component("memtable").
			Cause(engineerrors.ErrAllocationFailed).Context("non-positive length").Err()
	}

	amt := keyLen
	if amt < m.opts.InlineKeySize {
		amt = m.opts.InlineKeySize
	}

	raw := m.arena.allocate(amt)
	buf := raw[:keyLen:amt]
	return &KeyHandle{entry: &keyEntry{key: buf}}, buf, nil
}

// Insert attempts to install the handle's key into its hash bucket. A
// duplicate key (comparator returns 0 against an existing entry) fails
// silently: it returns false, nil and does not double-charge (spec.md
// §4.1, §7). On success the same key pointer is appended to the tail
// sorted vector.
func (m *Memtable) Insert(h *KeyHandle) (bool, error) {
	if m.readOnly.Load() {
		return false, engineerrors.NewError("insert").Component("memtable").
			Context("memtable is read-only").Err()
	}

	hash := hashBytes(h.entry.key)
	bucketIdx := m.buckets.bucketIndex(hash)
	mu := m.buckets.lockFor(bucketIdx)

	mu.Lock()
	ok := m.buckets.buckets[bucketIdx].insert(m.cmp, h.entry)
	mu.Unlock()

	if !ok {
		if m.reg != nil {
			m.reg.MemtableDuplicateKeysTotal.Inc()
		}
		return false, nil
	}

	m.appendToTail(h.entry)

	if m.reg != nil {
		m.reg.MemtableInsertsTotal.Inc()
	}
	return true, nil
}

// appendToTail implements the sorted-vector append protocol (spec.md
// §4.1 step 1-3): try the read-locked tail first; on overflow, escalate
// to the write lock to append a fresh SV, and retry. Exactly one writer
// wins the append race; losers just retry the add on the winner's new
// tail.
func (m *Memtable) appendToTail(e *keyEntry) {
	appendedNew := false

	for {
		// the read lock is held across add so that no new tail can be
		// appended (and the old one sealed) between reserving a slot and
		// writing it.
		m.container.mu.RLock()
		tail := m.container.vectors[len(m.container.vectors)-1]
		idx := tail.add(e)
		m.container.mu.RUnlock()
		if idx >= 0 {
			break
		}
		m.container.appendNewTail(tail)
		appendedNew = true
	}

	if appendedNew {
		m.signalSort()
	}
}

func (m *Memtable) signalSort() {
	m.sortMu.Lock()
	m.sortPending = true
	m.sortMu.Unlock()
	m.sortCond.Signal()
}

// Contains reports whether a key comparator-equal to key was ever
// successfully inserted (spec.md §6, §8 invariant 4).
func (m *Memtable) Contains(key []byte) bool {
	hash := hashBytes(key)
	bucketIdx := m.buckets.bucketIndex(hash)
	mu := m.buckets.lockFor(bucketIdx)

	mu.Lock()
	defer mu.Unlock()
	return m.buckets.buckets[bucketIdx].contains(m.cmp, key)
}

// Get enumerates entries matching lookupKey in ascending key order,
// stopping when fn returns false (spec.md §4.1, §6). Lookup holds the
// bucket's mutex for the duration of the linked-list walk only (spec.md
// §4.1: "Hash+list discipline").
func (m *Memtable) Get(lookupKey []byte, fn func(key []byte) bool) {
	var started time.Time
	if m.reg != nil {
		started = time.Now()
	}

	hash := hashBytes(lookupKey)
	bucketIdx := m.buckets.bucketIndex(hash)
	mu := m.buckets.lockFor(bucketIdx)

	mu.Lock()
	m.buckets.buckets[bucketIdx].get(m.cmp, lookupKey, fn)
	mu.Unlock()

	if m.reg != nil {
		m.reg.MemtablePointLookupDuration.Observe(time.Since(started).Seconds())
	}
}

// MarkReadOnly freezes the container: the sort thread runs one final
// pass over every SV but the active tail and then terminates, after
// which the container itself is frozen and every SV, the tail included,
// is sealed (spec.md §4.1 mark_read_only). Subsequent Insert calls
// return an error.
func (m *Memtable) MarkReadOnly() {
	m.readOnly.Store(true)

	m.sortMu.Lock()
	m.stopping = true
	m.sortMu.Unlock()
	m.sortCond.Signal()

	m.wg.Wait()

	m.container.markReadOnly(m.cmp)
}

// ApproximateMemoryUsage sums arena bytes handed out to key allocations
// (spec.md §6 approximate_memory_usage; spec.md §12's supplemented
// accounting formula).
func (m *Memtable) ApproximateMemoryUsage() uint64 {
	return m.arena.approximateMemoryUsage()
}

// sortThreadLoop is the single cooperative background thread described
// in spec.md §4.1 "Sort thread": waits on a condition variable, and on
// wake walks SVs from the sealable range, sorting and opportunistically
// merging "small" runs.
func (m *Memtable) sortThreadLoop() {
	defer m.wg.Done()

	for {
		m.sortMu.Lock()
		for !m.sortPending && !m.stopping {
			m.sortCond.Wait()
		}
		pending := m.sortPending
		stopping := m.stopping
		m.sortPending = false
		m.sortMu.Unlock()

		if pending || stopping {
			m.runSortPass()
		}
		if stopping {
			return
		}
	}
}

// runSortPass seals every unsealed SV in the sealable range (everything
// but the active tail, unless the container is already read-only) and
// then looks for a mergeable run.
func (m *Memtable) runSortPass() {
	sealed := m.container.sealableRange()

	for _, sv := range sealed {
		if !sv.isSorted() {
			sv.sort(m.cmp)
		}
	}

	m.tryMerge(sealed)
}

// tryMerge implements spec.md §4.1 "Merging": once the container exceeds
// a bounded number of SVs, search for a run of small SVs of length >= 2
// up to MaxMergedVectors, k-way merge them, and swap the merged SV in
// under the write lock. Merging is idempotent and never touches the
// unsealed tail, since sealed never includes it.
func (m *Memtable) tryMerge(sealed []*sortedVector) {
	if len(sealed) <= m.opts.MaxSVsBeforeMerge {
		return
	}

	run := m.findSmallRun(sealed)
	if run == nil {
		return
	}

	merged := m.kWayMerge(run)
	if m.container.mergeSmallRun(run, merged) {
		m.log.Debug("memtable sv merge", logging.Int("merged_count", len(run)), logging.Int("result_len", merged.length()))
		if m.reg != nil {
			m.reg.MemtableSVMergesTotal.Inc()
		}
	}
}

func (m *Memtable) findSmallRun(sealed []*sortedVector) []*sortedVector {
	n := len(sealed)
	i := 0
	for i < n {
		if !sealed[i].isSmall(m.opts.SmallSVFraction) {
			i++
			continue
		}
		j := i
		for j < n && j-i < m.opts.MaxMergedVectors && sealed[j].isSmall(m.opts.SmallSVFraction) {
			j++
		}
		if j-i >= 2 {
			return sealed[i:j]
		}
		i = j + 1
	}
	return nil
}

// kWayMerge heap-merges run into a single freshly sealed sorted vector.
func (m *Memtable) kWayMerge(run []*sortedVector) *sortedVector {
	total := 0
	for _, sv := range run {
		total += sv.length()
	}

	merged := newSortedVector(total)
	h := newCursorHeap(func(a, b *svCursor) bool {
		return m.cmp.Compare(a.sv.entries[a.pos].key, b.sv.entries[b.pos].key) < 0
	})
	for _, sv := range run {
		if sv.length() > 0 {
			h.push(&svCursor{sv: sv, pos: 0})
		}
	}

	idx := 0
	for h.Len() > 0 {
		top := h.peek()
		merged.entries[idx] = top.sv.entries[top.pos]
		idx++
		top.pos++
		if top.pos >= top.sv.length() {
			h.pop()
		} else {
			h.fix()
		}
	}

	merged.count.Store(int64(idx))
	merged.sorted.Store(true)
	return merged
}

// NewIterator returns an ordered iterator over the container (spec.md
// §4.1, §6). If the memtable is still mutable, a new empty tail SV is
// appended first so the iterator's snapshot is well-defined.
func (m *Memtable) NewIterator() *Iterator {
	if !m.readOnly.Load() {
		m.container.ensureMutableTail()
		m.signalSort()
	}
	return newIterator(m.container.snapshot(), m.cmp)
}
