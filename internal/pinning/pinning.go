// Package pinning implements the scoped Pinning Policy (spec.md §4.4):
// budget-scoped admission of cache entries that should never be
// evicted (table metadata, filters, index blocks), layered into named
// tiers so a caller can widen or narrow what gets pinned without
// touching the admission arithmetic itself.
package pinning

import (
	"sync"

	"github.com/hyperlsm/engine/internal/engineerrors"
	"github.com/hyperlsm/engine/internal/engineopts"
	"github.com/hyperlsm/engine/internal/logging"
	"github.com/hyperlsm/engine/internal/metrics"
)

// TablePinningInfo describes the table a pin decision is being made
// for (spec.md §3's TablePinningInfo/PinnedEntry model).
type TablePinningInfo struct {
	Level                int
	IsLastLevelWithData  bool
	SizeBytes            uint64
	IsL0                 bool
}

// PinnedEntry is a bookkeeping record for one admitted pin, returned by
// Admit so the caller can later Release it.
type PinnedEntry struct {
	bucket    string
	sizeBytes uint64
}

// Tier names the pinning policy's admission behavior (spec.md §4.4).
type Tier int

const (
	// TierNone admits nothing.
	TierNone Tier = iota
	// TierFlushedAndSimilar admits only L0 files at or under
	// MaxFileSizeForL0MetaPin.
	TierFlushedAndSimilar
	// TierAll admits any table regardless of level or size, subject
	// only to the scoped budget.
	TierAll
	// TierFallback defers to a configured secondary tier. A fallback
	// tier whose secondary is itself TierFallback is rejected by
	// NewPolicy — recursion is not permitted (spec.md §4.4).
	TierFallback
)

// Policy is the scoped-budget pinning admission policy. One Policy
// tracks usage per named bucket (global / last-level-with-data / mid)
// so admission for one scope never starves another.
type Policy struct {
	opts     engineopts.PinningOptions
	tier     Tier
	fallback Tier
	log      logging.Logger
	reg      *metrics.Registry

	mu    sync.Mutex
	usage map[string]uint64
}

// NewPolicy constructs a Policy at the given tier. fallback is only
// consulted when tier is TierFallback, and must not itself be
// TierFallback.
func NewPolicy(opts engineopts.PinningOptions, tier, fallback Tier, log logging.Logger, reg *metrics.Registry) (*Policy, error) {
	if err := opts.Validate(); err != nil {
		return nil, engineerrors.NewError("new_pinning_policy").Component("pinning").Cause(err).Err()
	}
	if tier == TierFallback && fallback == TierFallback {
		return nil, engineerrors.NewError("new_pinning_policy").
			Component("pinning").
			Cause(engineerrors.ErrInvalidPinningTier).Err()
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Policy{
		opts:     opts,
		tier:     tier,
		fallback: fallback,
		log:      log,
		reg:      reg,
		usage:    make(map[string]uint64),
	}, nil
}

// bucketFor implements spec.md §4.4's bucket selection: the scoped
// last-level-with-data bucket takes priority, then the mid bucket for
// any level > 0, and otherwise the global bucket.
func (p *Policy) bucketFor(info TablePinningInfo) (name string, capacity uint64) {
	if info.IsLastLevelWithData && p.opts.LastLevelWithDataPercent > 0 {
		return "last_level_with_data", uint64(float64(p.opts.Capacity) * p.opts.LastLevelWithDataPercent / 100)
	}
	if info.Level > 0 && p.opts.MidPercent > 0 {
		return "mid", uint64(float64(p.opts.Capacity) * p.opts.MidPercent / 100)
	}
	return "global", p.opts.Capacity
}

// admitsByTier reports whether the given tier would admit info,
// independent of budget (spec.md §4.4's three-tier rules). TierFallback
// defers to the configured secondary tier; that secondary is never
// itself TierFallback, so this never recurses more than once.
func (p *Policy) admitsByTier(tier Tier, info TablePinningInfo) bool {
	switch tier {
	case TierNone:
		return false
	case TierFlushedAndSimilar:
		return info.IsL0 && info.SizeBytes <= p.opts.MaxFileSizeForL0MetaPin
	case TierAll:
		return true
	case TierFallback:
		return p.admitsByTier(p.fallback, info)
	default:
		return false
	}
}

// Admit evaluates info against the policy's tier and, if the tier
// admits it, against the applicable scoped budget (spec.md §4.4: "A pin
// is admitted iff adding size to the current usage keeps within the
// applicable bucket"). Returns nil, false if either check fails.
func (p *Policy) Admit(info TablePinningInfo) (*PinnedEntry, bool) {
	if !p.admitsByTier(p.tier, info) {
		return nil, false
	}

	bucket, capacity := p.bucketFor(info)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.usage[bucket]+info.SizeBytes > capacity {
		if p.reg != nil {
			p.reg.PinningRejectedTotal.WithLabelValues(bucket).Inc()
		}
		return nil, false
	}

	p.usage[bucket] += info.SizeBytes
	if p.reg != nil {
		p.reg.PinningUsageBytes.WithLabelValues(bucket).Set(float64(p.usage[bucket]))
		p.reg.PinningAdmittedTotal.WithLabelValues(bucket).Inc()
	}
	p.log.Debug("pin admitted", logging.String("bucket", bucket), logging.Bytes(info.SizeBytes))

	return &PinnedEntry{bucket: bucket, sizeBytes: info.SizeBytes}, true
}

// Release returns entry's bytes to its bucket's budget. Safe to call
// at most once per entry; a nil entry is a no-op.
func (p *Policy) Release(entry *PinnedEntry) {
	if entry == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.usage[entry.bucket]
	if entry.sizeBytes >= cur {
		p.usage[entry.bucket] = 0
	} else {
		p.usage[entry.bucket] = cur - entry.sizeBytes
	}
	if p.reg != nil {
		p.reg.PinningUsageBytes.WithLabelValues(entry.bucket).Set(float64(p.usage[entry.bucket]))
	}
}

// Usage reports current bytes pinned in bucket (for tests/metrics).
func (p *Policy) Usage(bucket string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage[bucket]
}
