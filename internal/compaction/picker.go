package compaction

import (
	"sync"

	"github.com/hyperlsm/engine/internal/engineerrors"
	"github.com/hyperlsm/engine/internal/engineopts"
	"github.com/hyperlsm/engine/internal/logging"
	"github.com/hyperlsm/engine/internal/metrics"
)

// Picker is the Hybrid Compaction Picker (spec.md §4.3). One mutex
// serializes pick_compaction so cursor updates never race (spec.md §5
// "Picker: one mutex around pick_compaction to serialize cursor
// updates").
type Picker struct {
	opts engineopts.PickerOptions
	log  logging.Logger
	reg  *metrics.Registry

	mu     sync.Mutex
	layout *hyperLevelLayout
	run    *runningState
}

// New constructs a Picker.
func New(opts engineopts.PickerOptions, log logging.Logger, reg *metrics.Registry) (*Picker, error) {
	if err := opts.Validate(); err != nil {
		return nil, engineerrors.NewError("new_picker").Component("compaction").Cause(err).Err()
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Picker{
		opts:   opts,
		log:    log,
		reg:    reg,
		layout: newHyperLevelLayout(opts),
		run:    newRunningState(),
	}, nil
}

// SetManualCompactionInProgress marks that a manual compaction is
// running, which forces NeedsCompaction false and aborts automatic
// picking for the tick (spec.md §4.3 "Failure semantics").
func (p *Picker) SetManualCompactionInProgress(v bool) {
	p.run.setManualInProgress(v)
}

// CompactionsInProgress reports the supplemented per-hyper-level
// running count (spec.md §12).
func (p *Picker) CompactionsInProgress(hyperLevel int) int {
	return p.run.CompactionsInProgress(hyperLevel)
}

// NeedsCompaction implements spec.md §4.3's needs_compaction signal.
func (p *Picker) NeedsCompaction(v *VersionStorageInfo) bool {
	if p.run.isManualInProgress() {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.layout.initialized {
		return true
	}

	cur := p.layout.curNumHyper()
	for H := 1; H <= cur; H++ {
		if p.levelNeedsRearrange(v, H) && p.run.MayRunRearrange(H) {
			return true
		}
		if p.needToRunLevelCompaction(v, H, cur) && p.run.MayStartLevelCompaction(H, cur, p.levelBelowLastEmpty(v, H, cur)) {
			return true
		}
	}

	last := v.numLevels() - 1
	if last >= 0 && len(v.level(last)) > p.opts.MaxOpenFiles/2 {
		return true
	}

	return false
}

// PickCompaction runs the picking-order algorithm (spec.md §4.3 steps
// 1-6) and returns the first eligible compaction, or nil if nothing is
// eligible. It never panics on bad input; a manual compaction in
// progress aborts automatic picking for the tick.
func (p *Picker) PickCompaction(cfName string, v *VersionStorageInfo) *Compaction {
	if p.run.isManualInProgress() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Step 1: initialize hyper-level count, multipliers, size_to_compact[].
	p.layout.initialize(p.opts.WriteBufferSize)
	cur := p.layout.curNumHyper()

	// Step 2: rearrange.
	for H := 1; H <= cur; H++ {
		if p.levelNeedsRearrange(v, H) && p.run.MayRunRearrange(H) {
			c := p.rearrangeLevel(v, H)
			p.recordPicked(c)
			return c
		}
	}

	// Step 3: promote / move large SST.
	if c := p.maybePromoteOrMoveLargeSST(v, cur); c != nil {
		p.recordPicked(c)
		return c
	}

	// Step 4: L0 ingestion.
	if c := p.maybeL0Ingestion(v); c != nil {
		p.recordPicked(c)
		return c
	}

	// Step 5: level compaction.
	cur = p.layout.curNumHyper()
	for H := 1; H <= cur; H++ {
		if !p.needToRunLevelCompaction(v, H, cur) {
			continue
		}
		if !p.run.MayStartLevelCompaction(H, cur, p.levelBelowLastEmpty(v, H, cur)) {
			continue
		}
		c := p.selectLevelCompaction(v, H, cur)
		if c != nil {
			p.recordPicked(c)
			return c
		}
	}

	// Step 6: tail coalescing.
	if c := p.maybeCoalesceTail(v, cur); c != nil {
		p.recordPicked(c)
		return c
	}

	return nil
}

// BeginExecuting marks c as in flight against the concurrency
// predicates, so a subsequent PickCompaction/NeedsCompaction call
// correctly excludes whatever hyper-level(s) c occupies (spec.md §4.3's
// MayRunRearrange/MayRunCompaction/MayStartLevelCompaction). The
// embedding engine calls this before handing c to the worker pool, and
// EndExecuting once the executor returns.
func (p *Picker) BeginExecuting(c *Compaction) {
	if c == nil {
		return
	}
	if c.Kind == KindRearrange {
		p.run.beginRearrange(c.HyperLevel)
		return
	}
	p.run.beginCompaction(c.HyperLevel)
}

// EndExecuting releases whatever BeginExecuting reserved for c.
func (p *Picker) EndExecuting(c *Compaction) {
	if c == nil {
		return
	}
	if c.Kind == KindRearrange {
		p.run.endRearrange(c.HyperLevel)
		return
	}
	p.run.endCompaction(c.HyperLevel)
}

func (p *Picker) recordPicked(c *Compaction) {
	if c == nil {
		return
	}
	if p.reg != nil {
		p.reg.CompactionsPickedTotal.WithLabelValues(c.Kind.String()).Inc()
	}
	p.log.Info("compaction picked", logging.String("kind", c.Kind.String()), logging.HyperLevel(c.HyperLevel))
}

// levelNeedsRearrange implements spec.md §4.3 LevelNeedsRearrange: true
// iff there exists a non-empty level followed by an empty level in H.
func (p *Picker) levelNeedsRearrange(v *VersionStorageInfo, H int) bool {
	first := p.layout.FirstLevelInHyper(H)
	last := p.layout.LastLevelInHyper(H)
	for lvl := first; lvl < last; lvl++ {
		if len(v.level(lvl)) > 0 && len(v.level(lvl+1)) == 0 {
			return true
		}
	}
	return false
}

// rearrangeLevel implements spec.md §4.3 RearrangeLevel: picks the
// deepest empty level in H and produces a trivial-move compaction that
// carries all non-empty levels above it down to that empty level.
func (p *Picker) rearrangeLevel(v *VersionStorageInfo, H int) *Compaction {
	first := p.layout.FirstLevelInHyper(H)
	last := p.layout.LastLevelInHyper(H)

	deepestEmpty := -1
	for lvl := last; lvl >= first; lvl-- {
		if len(v.level(lvl)) == 0 {
			deepestEmpty = lvl
			break
		}
	}
	if deepestEmpty == -1 {
		return nil
	}

	inputs := make(map[int]LevelFiles)
	var inputLevels []int
	for lvl := first; lvl < deepestEmpty; lvl++ {
		if len(v.level(lvl)) > 0 {
			inputs[lvl] = v.level(lvl)
			inputLevels = append(inputLevels, lvl)
		}
	}

	return &Compaction{
		Kind:          KindRearrange,
		HyperLevel:    H,
		InputLevels:   inputLevels,
		Inputs:        inputs,
		OutputLevel:   deepestEmpty,
		IsTrivialMove: true,
	}
}

// maybePromoteOrMoveLargeSST implements spec.md §4.3 step 3. Both
// branches are gated by MayRunCompaction on the hyper-level they'd
// occupy, the same concurrency predicate steps 4-5 use, so a repeated
// PickCompaction call against an unchanged v (e.g. while the picked
// compaction is still queued for execution) doesn't keep re-emitting
// it.
func (p *Picker) maybePromoteOrMoveLargeSST(v *VersionStorageInfo, cur int) *Compaction {
	lastLevel := p.layout.LastLevelInHyper(cur)
	lastBytes := v.levelBytes(lastLevel)
	threshold := uint64(float64(p.layout.sizeToCompactAt(cur)) * p.opts.SpaceAmpFactor * 1.2)

	if lastBytes > threshold && p.run.MayRunCompaction(cur, cur) {
		p.layout.growToHyperLevel(cur+1, p.opts.WriteBufferSize)
		return &Compaction{
			Kind:        KindPromoteLastHyperLevel,
			HyperLevel:  cur,
			InputLevels: []int{lastLevel},
			Inputs:      map[int]LevelFiles{lastLevel: v.level(lastLevel)},
			OutputLevel: lastLevel,
		}
	}

	if cur >= 2 {
		preLast := cur - 1
		preLastLevel := p.layout.LastLevelInHyper(preLast)
		preLastBytes := v.levelBytes(preLastLevel)
		if lastBytes > 0 && preLastBytes > lastBytes/2 && p.run.MayRunCompaction(preLast, cur) {
			// pre-last hyper-level disproportionately large vs the tail
			target := p.firstEmptyBelow(v, preLastLevel)
			if target > preLastLevel {
				return &Compaction{
					Kind:          KindMoveLargeSST,
					HyperLevel:    preLast,
					InputLevels:   []int{preLastLevel},
					Inputs:        map[int]LevelFiles{preLastLevel: v.level(preLastLevel)},
					OutputLevel:   target,
					IsTrivialMove: true,
				}
			}
		}
	}

	return nil
}

func (p *Picker) firstEmptyBelow(v *VersionStorageInfo, level int) int {
	for lvl := level + 1; lvl < v.numLevels(); lvl++ {
		if len(v.level(lvl)) == 0 {
			return lvl
		}
	}
	return level
}

// maybeL0Ingestion implements spec.md §4.3 step 4: if L0 file count >=
// trigger, compact up to multiplier[0]*1.5 newest L0 files into the
// deepest empty level within H=1.
func (p *Picker) maybeL0Ingestion(v *VersionStorageInfo) *Compaction {
	l0 := v.level(0)
	if len(l0) < p.opts.L0CompactionTrigger {
		return nil
	}
	if !p.run.MayRunCompaction(1, p.layout.curNumHyper()) {
		return nil
	}

	maxInputs := int(float64(p.layout.multiplierAt(0+1)) * 1.5)
	if maxInputs < 1 {
		maxInputs = 1
	}
	n := len(l0)
	if n > maxInputs {
		n = maxInputs
	}
	// "newest" L0 files are the tail of the slice by convention (files
	// appended in flush order).
	selected := l0[len(l0)-n:]

	target := p.deepestEmptyInHyper(v, 1)
	if target < 0 {
		return nil
	}

	return &Compaction{
		Kind:        KindL0Ingestion,
		HyperLevel:  1,
		InputLevels: []int{0},
		Inputs:      map[int]LevelFiles{0: selected},
		OutputLevel: target,
	}
}

func (p *Picker) deepestEmptyInHyper(v *VersionStorageInfo, H int) int {
	first := p.layout.FirstLevelInHyper(H)
	last := p.layout.LastLevelInHyper(H)
	for lvl := last; lvl >= first; lvl-- {
		if len(v.level(lvl)) == 0 {
			return lvl
		}
	}
	return last
}

// needToRunLevelCompaction implements spec.md §4.3 step 5's
// NeedToRunLevelCompaction: a forced-depth level is non-empty, or the
// hyper-level's byte size exceeds size_to_compact[H] (or, for the
// tail, last_level_bytes / (space_amp_factor * 1.1), last_level_bytes
// being the bytes in the version's last physical level).
func (p *Picker) needToRunLevelCompaction(v *VersionStorageInfo, H, cur int) bool {
	first := p.layout.FirstLevelInHyper(H)
	last := p.layout.LastLevelInHyper(H)

	var total uint64
	for lvl := first; lvl <= last; lvl++ {
		total += v.levelBytes(lvl)
	}

	if H == cur {
		lastLevelBytes := v.levelBytes(v.numLevels() - 1)
		limit := uint64(float64(lastLevelBytes) / (p.opts.SpaceAmpFactor * 1.1))
		return total > limit && total > 0
	}
	return total > p.layout.sizeToCompactAt(H)
}

func (p *Picker) levelBelowLastEmpty(v *VersionStorageInfo, H, cur int) bool {
	if H == cur {
		return true
	}
	last := p.layout.LastLevelInHyper(H)
	return len(v.level(last+1)) == 0
}

// selectLevelCompaction runs SelectNBuffers (spec.md §4.3) starting
// from the lowest level in H, honoring nBuffers = nSub * 4.
func (p *Picker) selectLevelCompaction(v *VersionStorageInfo, H, cur int) *Compaction {
	first := p.layout.FirstLevelInHyper(H)
	last := p.layout.LastLevelInHyper(H)
	if len(v.level(first)) == 0 {
		return nil
	}

	const nSub = 1 // sub-compaction parallelism is external; picker always selects one sub-range per tick
	nBuffers := nSub * 4

	cursor := p.run.getCursor(H)
	sel := selectNBuffers(v, first, last, nBuffers, cursor)
	if sel == nil {
		return nil
	}

	p.run.setCursor(H, &SubCompactionCursor{OutputLevel: sel.outputLevel, LastKey: sel.lastKey})

	trivial := sel.isTrivialMove()
	return &Compaction{
		Kind:          KindLevelCompaction,
		HyperLevel:    H,
		InputLevels:   sel.inputLevels(),
		Inputs:        sel.inputs,
		OutputLevel:   sel.outputLevel,
		IsTrivialMove: trivial,
	}
}

// maybeCoalesceTail implements spec.md §4.3 step 6: if the tail has too
// many files, emit a small-file coalescing compaction bounded to 200
// files (configurable via MaxCoalesceFiles). Gated by MayRunCompaction
// on the tail hyper-level for the same reason step 3 is.
func (p *Picker) maybeCoalesceTail(v *VersionStorageInfo, cur int) *Compaction {
	if !p.run.MayRunCompaction(cur, cur) {
		return nil
	}
	last := p.layout.LastLevelInHyper(cur)
	files := v.level(last)
	if len(files) <= p.opts.MaxCoalesceFiles {
		return nil
	}

	n := p.opts.MaxCoalesceFiles
	selected := files[:n]
	return &Compaction{
		Kind:        KindCoalesce,
		HyperLevel:  cur,
		InputLevels: []int{last},
		Inputs:      map[int]LevelFiles{last: selected},
		OutputLevel: last,
	}
}
