// Package engineerrors defines the error kinds surfaced by the core
// runtime (spec.md §7): duplicate keys, unsupported table formats, stall
// cancellation, and allocation failure, wrapped with enough structured
// context to debug without losing errors.Is/As compatibility.
package engineerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error kinds named in spec.md §7.
var (
	// ErrDuplicateKey is returned (non-fatal) when a memtable insert
	// targets a key that already compares equal to an existing entry.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrUnsupportedFormat is returned when adaptive table dispatch sees
	// a footer magic number it does not recognize.
	ErrUnsupportedFormat = errors.New("unsupported table format")
	// ErrStallCancelled is returned if an external cancellation mechanism
	// signals a stall handle before the stall ends naturally.
	ErrStallCancelled = errors.New("write stall cancelled")
	// ErrAllocationFailed is returned when the memtable arena cannot
	// satisfy a key allocation request.
	ErrAllocationFailed = errors.New("arena allocation failed")
	// ErrWBMDisabled flags operations that are no-ops while the write
	// buffer manager is in disabled mode (buffer_size == 0).
	ErrWBMDisabled = errors.New("write buffer manager disabled")
	// ErrInvalidPinningTier flags a TierFallback policy configured with
	// a fallback tier that is itself TierFallback (recursion not
	// permitted, spec.md §4.4).
	ErrInvalidPinningTier = errors.New("pinning fallback tier must not itself be a fallback")
)

// EngineError carries structured context (which component, which
// operation, what underlying cause) alongside a sentinel so callers can
// still errors.Is against it.
type EngineError struct {
	Op        string // operation that failed, e.g. "insert", "pick_compaction"
	Component string // component name, e.g. "memtable", "wbm", "picker"
	Context   string // free-form extra context
	Cause     error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Component, e.Op, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s %s: %v", e.Component, e.Op, e.Cause)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *EngineError) Unwrap() error { return e.Cause }

// Is reports whether target matches this error's cause.
func (e *EngineError) Is(target error) bool {
	if target == nil {
		return false
	}
	return errors.Is(e.Cause, target)
}

// ErrorBuilder gives callers a fluent way to attach op/component/context
// before producing the final *EngineError.
type ErrorBuilder struct {
	err EngineError
}

// NewError starts building an EngineError for the given operation.
func NewError(op string) *ErrorBuilder {
	return &ErrorBuilder{err: EngineError{Op: op}}
}

func (b *ErrorBuilder) Component(name string) *ErrorBuilder {
	b.err.Component = name
	return b
}

func (b *ErrorBuilder) Context(ctx string) *ErrorBuilder {
	b.err.Context = ctx
	return b
}

func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.err.Cause = err
	return b
}

// Build returns the constructed *EngineError.
func (b *ErrorBuilder) Build() *EngineError { return &b.err }

// Err returns the constructed error as the error interface.
func (b *ErrorBuilder) Err() error { return &b.err }

// IsDuplicateKey reports whether err wraps ErrDuplicateKey.
func IsDuplicateKey(err error) bool { return errors.Is(err, ErrDuplicateKey) }

// IsUnsupportedFormat reports whether err wraps ErrUnsupportedFormat.
func IsUnsupportedFormat(err error) bool { return errors.Is(err, ErrUnsupportedFormat) }
