package compaction

import (
	"testing"

	"github.com/hyperlsm/engine/internal/engineopts"
)

func testPickerOptions() engineopts.PickerOptions {
	opts := engineopts.DefaultPickerOptions(1 << 20) // 1MiB write buffer
	opts.NumLevels = 7
	opts.BaseMultiplier = 4
	opts.MinMergeWidth = 2
	opts.MaxMergeWidth = 8
	opts.L0CompactionTrigger = 4
	return opts
}

func file(n uint64, smallest, largest string, size uint64) *FileMetadata {
	return &FileMetadata{
		Number:      n,
		SmallestKey: []byte(smallest),
		LargestKey:  []byte(largest),
		SizeBytes:   size,
	}
}

func emptyVersion(numLevels int) *VersionStorageInfo {
	v := &VersionStorageInfo{Levels: make([]LevelFiles, numLevels)}
	return v
}

func TestL0IngestionPicksDeepestEmptyLevelInH1(t *testing.T) {
	p, err := New(testPickerOptions(), nil, nil)
	if err != nil {
		t.Fatalf("new picker: %v", err)
	}

	v := emptyVersion(7)
	for i := 0; i < 4; i++ {
		v.Levels[0] = append(v.Levels[0], file(uint64(i), "a", "b", 100))
	}

	c := p.PickCompaction("default", v)
	if c == nil {
		t.Fatal("expected a compaction to be picked")
	}
	if c.Kind != KindL0Ingestion {
		t.Fatalf("expected KindL0Ingestion, got %v", c.Kind)
	}
	if c.HyperLevel != 1 {
		t.Fatalf("expected hyper-level 1, got %d", c.HyperLevel)
	}
	// deepest empty level within H=1 is LastLevelInHyper(1)
	wantOutput := p.layout.LastLevelInHyper(1)
	if c.OutputLevel != wantOutput {
		t.Fatalf("output level = %d, want %d (deepest empty in H=1)", c.OutputLevel, wantOutput)
	}
}

func TestRearrangeRelocatesNonEmptyLevelsToDeepestEmpty(t *testing.T) {
	p, err := New(testPickerOptions(), nil, nil)
	if err != nil {
		t.Fatalf("new picker: %v", err)
	}
	p.layout.initialize(p.opts.WriteBufferSize)

	v := emptyVersion(7)
	first := p.layout.FirstLevelInHyper(1)
	// first and first+2 non-empty, first+1 empty (matches spec.md's boundary test 6)
	v.Levels[first] = LevelFiles{file(1, "a", "c", 10)}
	v.Levels[first+2] = LevelFiles{file(2, "d", "f", 10)}

	c := p.PickCompaction("default", v)
	if c == nil {
		t.Fatal("expected a rearrange compaction")
	}
	if c.Kind != KindRearrange {
		t.Fatalf("expected KindRearrange, got %v", c.Kind)
	}
	if !c.IsTrivialMove {
		t.Fatal("rearrange must be a trivial move")
	}
	wantOutput := p.layout.LastLevelInHyper(1)
	if c.OutputLevel != wantOutput {
		t.Fatalf("output level = %d, want %d", c.OutputLevel, wantOutput)
	}
	if _, ok := c.Inputs[first]; !ok {
		t.Fatalf("expected level %d among rearrange inputs", first)
	}
	if _, ok := c.Inputs[first+2]; !ok {
		t.Fatalf("expected level %d among rearrange inputs", first+2)
	}
}

func TestNeedsCompactionFalseWhenManualInProgress(t *testing.T) {
	p, err := New(testPickerOptions(), nil, nil)
	if err != nil {
		t.Fatalf("new picker: %v", err)
	}
	p.SetManualCompactionInProgress(true)

	v := emptyVersion(7)
	for i := 0; i < 10; i++ {
		v.Levels[0] = append(v.Levels[0], file(uint64(i), "a", "b", 100))
	}

	if p.NeedsCompaction(v) {
		t.Fatal("NeedsCompaction must be false while a manual compaction is in progress")
	}
	if c := p.PickCompaction("default", v); c != nil {
		t.Fatal("PickCompaction must return nil while a manual compaction is in progress")
	}
}

func TestPickCompactionReturnsNilWhenNothingEligible(t *testing.T) {
	p, err := New(testPickerOptions(), nil, nil)
	if err != nil {
		t.Fatalf("new picker: %v", err)
	}

	v := emptyVersion(7)
	if c := p.PickCompaction("default", v); c != nil {
		t.Fatalf("expected nil compaction on an empty version, got %v", c.Kind)
	}
}

func TestMayRunRearrangeExcludesConcurrentHyperLevelCompaction(t *testing.T) {
	r := newRunningState()
	r.beginCompaction(2)

	if r.MayRunRearrange(2) {
		t.Fatal("hyper-level with a running compaction may not also rearrange")
	}
	if !r.MayRunRearrange(3) {
		t.Fatal("an unrelated hyper-level should still be allowed to rearrange")
	}
	if r.MayRunRearrange(0) {
		t.Fatal("H=0 may never rearrange")
	}
}

func TestCompactionsInProgressReflectsRunningState(t *testing.T) {
	r := newRunningState()
	if r.CompactionsInProgress(1) != 0 {
		t.Fatal("expected zero running compactions initially")
	}
	r.beginCompaction(1)
	if r.CompactionsInProgress(1) != 1 {
		t.Fatal("expected one running compaction after beginCompaction")
	}
	r.endCompaction(1)
	if r.CompactionsInProgress(1) != 0 {
		t.Fatal("expected zero running compactions after endCompaction")
	}
}
