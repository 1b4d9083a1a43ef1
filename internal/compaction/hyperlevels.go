package compaction

import (
	"github.com/hyperlsm/engine/internal/engineopts"
	"github.com/hyperlsm/engine/internal/numeric"
)

// hyperLevelLayout holds the derived, per-hyper-level sizing the picker
// recomputes whenever the number of active hyper-levels changes
// (spec.md §4.3 "Hyper-level layout").
type hyperLevelLayout struct {
	baseMultiplier  int
	levelsPerHyper  int // physical levels assigned to each hyper-level
	multiplier      []int
	sizeToCompact   []uint64
	curNumHyperLevels int
	initialized     bool
}

// newHyperLevelLayout clamps the configured base multiplier into
// [MinMergeWidth, MaxMergeWidth] and fixes how many physical levels
// belong to each hyper-level: L0 is its own special case (ingested
// directly, spec.md §4.3 step 4); physical levels 1..N-1 are banded
// four at a time, so a band whose levels first and first+2 hold files
// while first+1 and first+3 are empty rearranges both down into its
// empty last level. Bands narrow when there are too few physical
// levels to fill a full band.
func newHyperLevelLayout(opts engineopts.PickerOptions) *hyperLevelLayout {
	m := numeric.Clamp(opts.BaseMultiplier, opts.MinMergeWidth, opts.MaxMergeWidth)

	levelsPerHyper := numeric.Min(4, opts.NumLevels-1)
	levelsPerHyper = numeric.Max(levelsPerHyper, 1)

	return &hyperLevelLayout{
		baseMultiplier: m,
		levelsPerHyper: levelsPerHyper,
	}
}

// initialize sets up multiplier[] and size_to_compact[] for hyper-level
// 1 (the picker starts with exactly one active hyper-level beyond L0;
// promote grows curNumHyperLevels over time per spec.md §4.3 step 3).
func (h *hyperLevelLayout) initialize(writeBufferSize uint64) {
	if h.initialized {
		return
	}
	h.curNumHyperLevels = 1
	h.multiplier = []int{h.baseMultiplier}
	h.sizeToCompact = []uint64{sizeToCompactFor(writeBufferSize, h.baseMultiplier, 1)}
	h.initialized = true
}

// sizeToCompactFor implements spec.md §4.3: size_to_compact[H] =
// write_buffer_size * M^(H+1), H being the 1-indexed hyper-level.
func sizeToCompactFor(writeBufferSize uint64, multiplier, H int) uint64 {
	size := writeBufferSize
	for i := 0; i < H+1; i++ {
		size *= uint64(multiplier)
	}
	return size
}

// growToHyperLevel extends multiplier[]/size_to_compact[] up through H
// (spec.md §4.3 step 3's "incrementing cur_num_hyper_levels").
func (h *hyperLevelLayout) growToHyperLevel(H int, writeBufferSize uint64) {
	for h.curNumHyperLevels < H {
		newH := h.curNumHyperLevels + 1
		h.multiplier = append(h.multiplier, h.baseMultiplier)
		h.sizeToCompact = append(h.sizeToCompact, sizeToCompactFor(writeBufferSize, h.baseMultiplier, newH))
		h.curNumHyperLevels = newH
	}
}

// FirstLevelInHyper returns the first physical level (1-indexed, L0
// excluded) belonging to hyper-level H (H starts at 1).
func (h *hyperLevelLayout) FirstLevelInHyper(H int) int {
	return 1 + (H-1)*h.levelsPerHyper
}

// LastLevelInHyper returns the last physical level belonging to
// hyper-level H.
func (h *hyperLevelLayout) LastLevelInHyper(H int) int {
	return h.FirstLevelInHyper(H) + h.levelsPerHyper - 1
}

func (h *hyperLevelLayout) curNumHyper() int { return h.curNumHyperLevels }

func (h *hyperLevelLayout) multiplierAt(H int) int {
	idx := H - 1
	if idx < 0 || idx >= len(h.multiplier) {
		return h.baseMultiplier
	}
	return h.multiplier[idx]
}

func (h *hyperLevelLayout) sizeToCompactAt(H int) uint64 {
	idx := H - 1
	if idx < 0 || idx >= len(h.sizeToCompact) {
		return 0
	}
	return h.sizeToCompact[idx]
}
