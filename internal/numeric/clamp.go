// Package numeric holds the small generic helpers shared across the
// threshold math in internal/wbm and internal/compaction, so the clamp
// idiom used for merge widths, level bands, and the mutable-usage clamp
// lives in one place instead of being hand-rolled per call site.
package numeric

import "golang.org/x/exp/constraints"

// Clamp bounds v to [lo, hi]. Callers are responsible for lo <= hi.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}
