package pinning

import (
	"errors"
	"testing"

	"github.com/hyperlsm/engine/internal/engineerrors"
	"github.com/hyperlsm/engine/internal/engineopts"
)

func testOpts() engineopts.PinningOptions {
	o := engineopts.DefaultPinningOptions(1 << 20) // 1MiB
	o.MaxFileSizeForL0MetaPin = 64 << 10
	return o
}

func TestTierNoneAdmitsNothing(t *testing.T) {
	p, err := NewPolicy(testOpts(), TierNone, TierNone, nil, nil)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	if _, ok := p.Admit(TablePinningInfo{IsL0: true, SizeBytes: 10}); ok {
		t.Fatal("TierNone must never admit")
	}
}

func TestTierFlushedAndSimilarOnlyAdmitsSmallL0(t *testing.T) {
	p, err := NewPolicy(testOpts(), TierFlushedAndSimilar, TierNone, nil, nil)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}

	if _, ok := p.Admit(TablePinningInfo{IsL0: false, SizeBytes: 10}); ok {
		t.Fatal("non-L0 table must not be admitted by TierFlushedAndSimilar")
	}
	if _, ok := p.Admit(TablePinningInfo{IsL0: true, SizeBytes: 128 << 10}); ok {
		t.Fatal("L0 file over MaxFileSizeForL0MetaPin must not be admitted")
	}
	entry, ok := p.Admit(TablePinningInfo{IsL0: true, SizeBytes: 32 << 10})
	if !ok {
		t.Fatal("small L0 file must be admitted")
	}
	if p.Usage("global") != 32<<10 {
		t.Fatalf("usage = %d, want %d", p.Usage("global"), 32<<10)
	}
	p.Release(entry)
	if p.Usage("global") != 0 {
		t.Fatalf("usage after release = %d, want 0", p.Usage("global"))
	}
}

func TestTierAllRespectsGlobalBudget(t *testing.T) {
	opts := testOpts()
	opts.Capacity = 100
	p, err := NewPolicy(opts, TierAll, TierNone, nil, nil)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}

	if _, ok := p.Admit(TablePinningInfo{SizeBytes: 60}); !ok {
		t.Fatal("expected first 60-byte pin to be admitted")
	}
	if _, ok := p.Admit(TablePinningInfo{SizeBytes: 60}); ok {
		t.Fatal("second 60-byte pin must be rejected: exceeds 100-byte budget")
	}
	if _, ok := p.Admit(TablePinningInfo{SizeBytes: 40}); !ok {
		t.Fatal("40-byte pin should still fit within budget")
	}
}

func TestScopedBucketsAreIndependent(t *testing.T) {
	opts := testOpts()
	opts.Capacity = 1000
	opts.LastLevelWithDataPercent = 10 // 100 bytes
	opts.MidPercent = 20               // 200 bytes
	p, err := NewPolicy(opts, TierAll, TierNone, nil, nil)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}

	if _, ok := p.Admit(TablePinningInfo{IsLastLevelWithData: true, SizeBytes: 100}); !ok {
		t.Fatal("expected last-level-with-data pin to fit its 100-byte bucket")
	}
	if _, ok := p.Admit(TablePinningInfo{IsLastLevelWithData: true, SizeBytes: 1}); ok {
		t.Fatal("last-level-with-data bucket should now be full")
	}
	// Mid bucket is untouched by the above.
	if _, ok := p.Admit(TablePinningInfo{Level: 2, SizeBytes: 150}); !ok {
		t.Fatal("mid bucket should still have budget available")
	}
	// Level 0, not last-level-with-data -> falls to global bucket.
	if _, ok := p.Admit(TablePinningInfo{Level: 0, SizeBytes: 500}); !ok {
		t.Fatal("global bucket should admit a table not scoped to any named bucket")
	}
}

func TestFallbackTierDefersWithoutRecursion(t *testing.T) {
	p, err := NewPolicy(testOpts(), TierFallback, TierAll, nil, nil)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	if _, ok := p.Admit(TablePinningInfo{Level: 3, SizeBytes: 10}); !ok {
		t.Fatal("fallback to TierAll should admit any table")
	}
}

func TestFallbackToFallbackRejectedAtConstruction(t *testing.T) {
	_, err := NewPolicy(testOpts(), TierFallback, TierFallback, nil, nil)
	if err == nil {
		t.Fatal("expected an error constructing a fallback-to-fallback policy")
	}
	if !errors.Is(err, engineerrors.ErrInvalidPinningTier) {
		t.Fatalf("expected error to wrap ErrInvalidPinningTier, got %v", err)
	}
}
