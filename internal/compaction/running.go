package compaction

import "sync"

// runningState tracks in-flight rearranges and compactions per
// hyper-level so the concurrency predicates (spec.md §4.3) can answer
// MayRunRearrange/MayRunCompaction/MayStartLevelCompaction without
// touching the picker's own pick_compaction critical section. Grounded
// on the teacher's `LSMStorage.levels` + stats bookkeeping
// (`pkg/lsm/lsm_workers.go`) generalized into an explicit in-progress
// registry, the goleveldb-style `compactionState` idiom the wider
// corpus shows for the same concern.
type runningState struct {
	mu sync.Mutex

	rearrangeRunningAnywhere bool
	rearrangeRunning         map[int]bool // hyper-level -> running
	compactionRunning        map[int]bool // hyper-level -> running
	manualInProgress         bool

	subCompactionCursor map[int]*SubCompactionCursor // hyper-level -> cursor
}

func newRunningState() *runningState {
	return &runningState{
		rearrangeRunning:    make(map[int]bool),
		compactionRunning:   make(map[int]bool),
		subCompactionCursor: make(map[int]*SubCompactionCursor),
	}
}

// MayRunRearrange reports spec.md §4.3: H > 0 AND no rearrange running
// anywhere AND hyper-level H has no running compaction.
func (r *runningState) MayRunRearrange(H int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return H > 0 && !r.rearrangeRunningAnywhere && !r.compactionRunning[H]
}

// MayRunCompaction reports spec.md §4.3: hyper-level H has no running
// compaction AND (H is last OR H+1 has no rearrange running).
func (r *runningState) MayRunCompaction(H, lastHyperLevel int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.compactionRunning[H] {
		return false
	}
	if H == lastHyperLevel {
		return true
	}
	return !r.rearrangeRunning[H+1]
}

// MayStartLevelCompaction reports spec.md §4.3: H has no running
// compaction AND, if H != last, either the sub-compaction cursor is
// empty or the level immediately below LastLevelInHyper(H) is empty.
func (r *runningState) MayStartLevelCompaction(H, lastHyperLevel int, levelBelowLastIsEmpty bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.compactionRunning[H] {
		return false
	}
	if H == lastHyperLevel {
		return true
	}
	cursor := r.subCompactionCursor[H]
	return cursor == nil || levelBelowLastIsEmpty
}

func (r *runningState) beginRearrange(H int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rearrangeRunningAnywhere = true
	r.rearrangeRunning[H] = true
}

func (r *runningState) endRearrange(H int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rearrangeRunning[H] = false
	r.rearrangeRunningAnywhere = false
	for _, running := range r.rearrangeRunning {
		if running {
			r.rearrangeRunningAnywhere = true
			break
		}
	}
}

func (r *runningState) beginCompaction(H int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compactionRunning[H] = true
}

func (r *runningState) endCompaction(H int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compactionRunning[H] = false
}

// CompactionsInProgress returns how much work is running on hyperLevel:
// one for a running compaction plus one for a running rearrange, so 0,
// 1 or 2 (spec.md §12's supplemented metric:
// "CompactionsInProgress(hyperLevel int) int").
func (r *runningState) CompactionsInProgress(hyperLevel int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	if r.compactionRunning[hyperLevel] {
		count++
	}
	if r.rearrangeRunning[hyperLevel] {
		count++
	}
	return count
}

func (r *runningState) setCursor(H int, cursor *SubCompactionCursor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subCompactionCursor[H] = cursor
}

func (r *runningState) getCursor(H int) *SubCompactionCursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subCompactionCursor[H]
}

func (r *runningState) setManualInProgress(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manualInProgress = v
}

func (r *runningState) isManualInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manualInProgress
}
