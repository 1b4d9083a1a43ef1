// Package engineopts defines the option structs the three core subsystems
// are constructed with, plus struct-tag validation. It is not a config
// *loader* (out of scope per spec.md §1) — nothing here reads a file or
// environment variable; callers build these structs themselves (from
// flags, a YAML file, wherever) and pass them in.
package engineopts

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// WBMOptions configures the Write Buffer Manager (spec.md §4.2).
type WBMOptions struct {
	// BufferSize is the total byte budget. 0 disables the WBM.
	BufferSize uint64 `validate:"gte=0"`
	// AllowStall enables should_stall()/begin_write_stall blocking.
	AllowStall bool
	// AllowDelay enables the write-delay factor computation.
	AllowDelay bool
	// FlushInitiationEnabled turns on the initiation thread.
	FlushInitiationEnabled bool
	// MaxParallelFlushes bounds how many flushes may be running or
	// pending at once.
	MaxParallelFlushes int `validate:"gte=0"`
	// FlushDesireStepFraction is the tunable fraction spec.md §9 OQ-iii
	// preserves verbatim from the source ("step_size/2").
	FlushDesireStepFraction float64 `validate:"gt=0,lte=1"`
	// FlushStartPercent is the fraction of BufferSize at which a flush
	// becomes desired in principle (spec.md §3: "flush_start = 80%").
	FlushStartPercent float64 `validate:"gt=0,lte=1"`
	// MutableLimitFraction is spec.md §3's mutable_limit = buffer_size*7/8.
	MutableLimitFraction float64 `validate:"gt=0,lte=1"`
	// CacheReservationStep rounds cache mirroring charges up to a coarse
	// step so cache reservation resizes are rare (spec.md §4.2).
	CacheReservationStep uint64 `validate:"gte=0"`
}

// DefaultWBMOptions returns spec.md's named defaults.
func DefaultWBMOptions(bufferSize uint64) WBMOptions {
	return WBMOptions{
		BufferSize:              bufferSize,
		AllowStall:              true,
		AllowDelay:              true,
		FlushInitiationEnabled:  true,
		MaxParallelFlushes:      1,
		FlushDesireStepFraction: 0.5,
		FlushStartPercent:       0.8,
		MutableLimitFraction:    7.0 / 8.0,
		CacheReservationStep:    256 * 1024,
	}
}

// Validate checks the struct tags and a handful of cross-field invariants
// that tags alone can't express.
func (o WBMOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return formatValidationError(err)
	}
	if o.BufferSize > 0 && o.MaxParallelFlushes == 0 && o.FlushInitiationEnabled {
		return fmt.Errorf("MaxParallelFlushes must be > 0 when flush initiation is enabled")
	}
	return nil
}

// PickerOptions configures the Hybrid Compaction Picker (spec.md §4.3).
type PickerOptions struct {
	// NumLevels is the number of physical levels, last is the sink.
	NumLevels int `validate:"gte=2"`
	// BaseMultiplier is the hyper-level merge width M, clamped to
	// [MinMergeWidth, MaxMergeWidth].
	BaseMultiplier     int `validate:"gte=1"`
	MinMergeWidth      int `validate:"gte=1"`
	MaxMergeWidth      int `validate:"gtefield=MinMergeWidth"`
	L0CompactionTrigger int `validate:"gte=1"`
	WriteBufferSize    uint64 `validate:"gt=0"`
	SpaceAmpFactor     float64 `validate:"gt=0"`
	MaxOpenFiles       int `validate:"gte=1"`
	// MaxCoalesceFiles bounds the tail small-file coalescing compaction
	// (spec.md §4.3 step 6: "bounded to 200 files").
	MaxCoalesceFiles int `validate:"gte=1"`
}

// DefaultPickerOptions returns spec.md's named defaults.
func DefaultPickerOptions(writeBufferSize uint64) PickerOptions {
	return PickerOptions{
		NumLevels:           7,
		BaseMultiplier:      8,
		MinMergeWidth:       2,
		MaxMergeWidth:       16,
		L0CompactionTrigger: 4,
		WriteBufferSize:     writeBufferSize,
		SpaceAmpFactor:      1.25,
		MaxOpenFiles:        512,
		MaxCoalesceFiles:    200,
	}
}

func (o PickerOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return formatValidationError(err)
	}
	if o.BaseMultiplier < o.MinMergeWidth || o.BaseMultiplier > o.MaxMergeWidth {
		return fmt.Errorf("BaseMultiplier %d must be within [MinMergeWidth=%d, MaxMergeWidth=%d]",
			o.BaseMultiplier, o.MinMergeWidth, o.MaxMergeWidth)
	}
	return nil
}

// MemtableOptions configures the HashSpd memtable (spec.md §4.1).
type MemtableOptions struct {
	// NumBuckets is the number of hash buckets (and independently sized
	// mutex shards).
	NumBuckets int `validate:"gte=1"`
	// NumMutexes is the number of mutexes protecting the buckets; may
	// differ from NumBuckets so two keys sharing a mutex need not share
	// a bucket (spec.md §4.1).
	NumMutexes int `validate:"gte=1"`
	// SVCapacity is the fixed capacity of each sorted vector.
	SVCapacity int `validate:"gte=1"`
	// MaxSVsBeforeMerge is spec.md §4.1's "bounded number of SVs (≈8)".
	MaxSVsBeforeMerge int `validate:"gte=2"`
	// SmallSVFraction is the "<75% of capacity" threshold for merge
	// eligibility.
	SmallSVFraction float64 `validate:"gt=0,lte=1"`
	// MaxMergedVectors bounds how many SVs a single merge combines
	// (kMergedVectorsMax).
	MaxMergedVectors int `validate:"gte=2"`
	// InlineKeySize is the minimum allocation size for small keys.
	InlineKeySize int `validate:"gte=0"`
}

// DefaultMemtableOptions returns spec.md's named defaults.
func DefaultMemtableOptions() MemtableOptions {
	return MemtableOptions{
		NumBuckets:        4096,
		NumMutexes:        256,
		SVCapacity:        4096,
		MaxSVsBeforeMerge: 8,
		SmallSVFraction:   0.75,
		MaxMergedVectors:  4,
		InlineKeySize:     32,
	}
}

func (o MemtableOptions) Validate() error {
	return formatValidationError(validate.Struct(o))
}

// PinningOptions configures the Pinning Policy (spec.md §4.4).
type PinningOptions struct {
	// Capacity is the global pin budget in bytes.
	Capacity uint64 `validate:"gt=0"`
	// LastLevelWithDataPercent scopes a separate bucket for the last
	// level holding data, as a percent of Capacity; 0 disables scoping
	// (the global bucket applies instead).
	LastLevelWithDataPercent float64 `validate:"gte=0,lte=100"`
	// MidPercent scopes a separate bucket for levels > 0 that aren't the
	// last level with data; 0 disables scoping.
	MidPercent float64 `validate:"gte=0,lte=100"`
	// MaxFileSizeForL0MetaPin bounds which L0 files kFlushedAndSimilar
	// admits.
	MaxFileSizeForL0MetaPin uint64 `validate:"gte=0"`
}

// DefaultPinningOptions returns spec.md's named defaults.
func DefaultPinningOptions(capacity uint64) PinningOptions {
	return PinningOptions{
		Capacity:                 capacity,
		LastLevelWithDataPercent: 0,
		MidPercent:               0,
		MaxFileSizeForL0MetaPin:  4 << 20,
	}
}

func (o PinningOptions) Validate() error {
	return formatValidationError(validate.Struct(o))
}

func formatValidationError(err error) error {
	if err == nil {
		return nil
	}
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	for _, e := range validationErrs {
		return fmt.Errorf("%s: failed validation '%s'", e.Field(), e.Tag())
	}
	return err
}
