// Package wbm implements the cross-database Write Buffer Manager
// (spec.md §4.2): memory accounting shared by every attached database,
// flush initiation via a round-robin callback registry, and write
// delay/stall.
package wbm

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hyperlsm/engine/internal/engineerrors"
	"github.com/hyperlsm/engine/internal/engineopts"
	"github.com/hyperlsm/engine/internal/logging"
	"github.com/hyperlsm/engine/internal/metrics"
	"github.com/hyperlsm/engine/internal/numeric"
)

// StallHandle is the opaque synchronization object a DB parks itself on
// while the WBM holds it back (spec.md §6). Implementations provide
// Block (must not return until a matching Signal) and Signal.
type StallHandle interface {
	Block()
	Signal()
}

// FlushInitiatorFunc is the callback contract registered per column
// family (spec.md §6): returns true when the client accepted the
// request and will eventually call FlushStarted/FlushEnded; false when
// it declined this turn.
type FlushInitiatorFunc func(minSizeToFlush uint64) bool

// OwnerID is the opaque identity a caller uses to register/deregister a
// flush initiator, issued by the engine rather than a raw pointer
// (spec.md §9 Design Notes).
type OwnerID = uuid.UUID

// CacheChargeReserver is the cache-charging contract the WBM
// consumes (spec.md §1 Non-goals: the block cache itself is out of
// scope, only this contract). Reservations are opaque "dummy" entries
// sized by coarse rounding; the cache never inspects their contents.
type CacheChargeReserver interface {
	UpdateCacheReservation(bytes uint64) error
}

type initiatorEntry struct {
	owner OwnerID
	cb    FlushInitiatorFunc
}

// WriteBufferManager is shared across every database instance that
// registers with it.
type WriteBufferManager struct {
	opts engineopts.WBMOptions
	log  logging.Logger
	reg  *metrics.Registry

	bufferSize              atomic.Uint64
	mutableLimit            atomic.Uint64
	additionalFlushInitSize atomic.Uint64
	flushStep               atomic.Uint64
	flushMin                atomic.Uint64

	used       atomic.Uint64
	inactive   atomic.Uint64
	beingFreed atomic.Uint64

	cacheMu            sync.Mutex
	cache              CacheChargeReserver
	cacheReservedBytes uint64

	initMu        sync.Mutex
	initiators    []initiatorEntry
	nextCandidate int

	numRunningFlushes    atomic.Int32
	numFlushesToInitiate atomic.Int32

	initCondMu sync.Mutex
	initCond   *sync.Cond
	wakePending bool
	stopping    bool
	wg          sync.WaitGroup

	stallMu    sync.Mutex
	stallQueue []StallHandle
	stallActive atomic.Bool
}

// New constructs a WriteBufferManager and, if flush initiation is
// enabled, starts its dedicated initiation thread (spec.md §4.2, §5).
func New(opts engineopts.WBMOptions, cache CacheChargeReserver, log logging.Logger, reg *metrics.Registry) (*WriteBufferManager, error) {
	if err := opts.Validate(); err != nil {
		return nil, engineerrors.NewError("new_wbm").Component("wbm").Cause(err).Err()
	}
	if log == nil {
		log = logging.NewNopLogger()
	}

	m := &WriteBufferManager{opts: opts, log: log, reg: reg, cache: cache}
	m.initCond = sync.NewCond(&m.initCondMu)
	m.recomputeThresholds(opts.BufferSize)

	if opts.FlushInitiationEnabled {
		m.wg.Add(1)
		go m.initiationThreadLoop()
	}

	return m, nil
}

func (m *WriteBufferManager) recomputeThresholds(bufferSize uint64) {
	m.bufferSize.Store(bufferSize)
	m.mutableLimit.Store(uint64(float64(bufferSize) * m.opts.MutableLimitFraction))
	initSize := uint64(float64(bufferSize) * m.opts.FlushStartPercent)
	m.additionalFlushInitSize.Store(initSize)

	step := bufferSize - initSize
	if bufferSize > 0 && step == 0 {
		step = 1
	}
	m.flushStep.Store(step)
	m.flushMin.Store(step / 4)
}

// SetBufferSize atomically retunes buffer_size and mutable_limit,
// recomputes flush thresholds, and may end an active stall (spec.md
// §4.2). Switching between disabled (0) and enabled at runtime is
// permitted; per spec.md §4.2 counters may be momentarily invalid
// across that transition (a documented, known-lossy accounting drift,
// spec.md §9 OQ-i).
func (m *WriteBufferManager) SetBufferSize(n uint64) {
	m.recomputeThresholds(n)
	m.reevaluateFlushDesire()
	m.MaybeEndWriteStall()
	if m.reg != nil {
		m.reg.WBMUsedBytes.Set(float64(m.used.Load()))
	}
}

func (m *WriteBufferManager) disabled() bool {
	return m.bufferSize.Load() == 0
}

// Reserve grows used by mem (spec.md §4.2).
func (m *WriteBufferManager) Reserve(mem uint64) {
	newUsed := m.used.Add(mem)
	m.mirrorToCache(newUsed)
	m.reevaluateFlushDesire()
	m.publishMetrics()
}

// ScheduleFree grows inactive by mem; never decreases used (spec.md
// §4.2).
func (m *WriteBufferManager) ScheduleFree(mem uint64) {
	m.inactive.Add(mem)
	m.publishMetrics()
}

// FreeBegin grows being_freed by mem. Precondition: the same mem was
// previously scheduled (spec.md §4.2).
func (m *WriteBufferManager) FreeBegin(mem uint64) {
	m.beingFreed.Add(mem)
	m.publishMetrics()
}

// FreeAbort decreases both inactive and being_freed by mem; the bytes
// are considered live again (spec.md §4.2, §8 invariant 3).
func (m *WriteBufferManager) FreeAbort(mem uint64) {
	subtractClamped(&m.inactive, mem)
	subtractClamped(&m.beingFreed, mem)
	m.publishMetrics()
}

// Free decreases used, inactive, and being_freed by mem; trims the
// mirrored cache reservation if a cache is attached (spec.md §4.2).
func (m *WriteBufferManager) Free(mem uint64) {
	newUsed := subtractClamped(&m.used, mem)
	subtractClamped(&m.inactive, mem)
	subtractClamped(&m.beingFreed, mem)
	m.mirrorToCache(newUsed)
	m.reevaluateFlushDesire()
	m.MaybeEndWriteStall()
	m.publishMetrics()
}

func subtractClamped(counter *atomic.Uint64, mem uint64) uint64 {
	for {
		cur := counter.Load()
		next := uint64(0)
		if cur > mem {
			next = cur - mem
		}
		if counter.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func (m *WriteBufferManager) mirrorToCache(newUsed uint64) {
	if m.cache == nil {
		return
	}
	step := m.opts.CacheReservationStep
	rounded := roundUp(newUsed, step)

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if rounded == m.cacheReservedBytes {
		return
	}
	if err := m.cache.UpdateCacheReservation(rounded); err != nil {
		m.log.Warn("cache reservation update failed", logging.Error(err), logging.Bytes(rounded))
		return
	}
	m.cacheReservedBytes = rounded
}

func roundUp(x, step uint64) uint64 {
	if step == 0 {
		return x
	}
	return ((x + step - 1) / step) * step
}

// MemoryUsage returns used (spec.md §6).
func (m *WriteBufferManager) MemoryUsage() uint64 { return m.used.Load() }

// MutableMemtableMemoryUsage returns used-inactive, clamped at zero
// (spec.md §3: mutable = used − inactive ≥ 0).
func (m *WriteBufferManager) MutableMemtableMemoryUsage() uint64 {
	used := m.used.Load()
	inactive := m.inactive.Load()
	return numeric.Max(used, inactive) - inactive
}

// BufferSize returns the configured buffer_size.
func (m *WriteBufferManager) BufferSize() uint64 { return m.bufferSize.Load() }

// DummyEntriesInCacheUsage returns the bytes currently mirrored into the
// attached cache, if any.
func (m *WriteBufferManager) DummyEntriesInCacheUsage() uint64 {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return m.cacheReservedBytes
}

// ShouldFlush reports whether the mutable memtable memory usage has
// crossed mutable_limit. Disabled WBMs always report true (spec.md
// §4.2 Disabled mode).
func (m *WriteBufferManager) ShouldFlush() bool {
	if m.disabled() {
		return true
	}
	return m.MutableMemtableMemoryUsage() >= m.mutableLimit.Load()
}

// ShouldStall reports spec.md §4.2's stall predicate. A disabled WBM
// never stalls, even though the literal "used >= buffer_size" formula
// would otherwise be vacuously true when buffer_size is 0.
func (m *WriteBufferManager) ShouldStall() bool {
	if m.disabled() || !m.opts.AllowStall {
		return false
	}
	return m.stallActive.Load() || m.used.Load() >= m.bufferSize.Load()
}

// BeginWriteStall appends handle to the stall queue and blocks the
// caller on it (spec.md §4.2).
func (m *WriteBufferManager) BeginWriteStall(handle StallHandle) {
	m.stallMu.Lock()
	m.stallQueue = append(m.stallQueue, handle)
	m.stallActive.Store(true)
	if m.reg != nil {
		m.reg.WBMStallsTotal.Inc()
		m.reg.WBMStallActive.Set(1)
	}
	m.stallMu.Unlock()

	m.log.Info("write stall begun", logging.Bytes(m.used.Load()))
	handle.Block()
}

// MaybeEndWriteStall is called after any release; if used has dropped
// below buffer_size, or the WBM is now disabled, every parked handle is
// popped, stall_active is cleared, and each handle is signaled outside
// the lock (spec.md §4.2).
func (m *WriteBufferManager) MaybeEndWriteStall() {
	m.stallMu.Lock()
	if len(m.stallQueue) == 0 {
		m.stallMu.Unlock()
		return
	}
	if m.used.Load() < m.bufferSize.Load() || m.disabled() {
		handles := m.stallQueue
		m.stallQueue = nil
		m.stallActive.Store(false)
		m.stallMu.Unlock()

		if m.reg != nil {
			m.reg.WBMStallActive.Set(0)
		}
		m.log.Info("write stall ended", logging.Count(len(handles)))
		for _, h := range handles {
			h.Signal()
		}
		return
	}
	m.stallMu.Unlock()
}

// RemoveDB removes a specific handle, e.g. because the owning DB is
// shutting down, and signals it so the parked caller doesn't leak
// (spec.md §4.2).
func (m *WriteBufferManager) RemoveDB(handle StallHandle) {
	m.stallMu.Lock()
	for i, h := range m.stallQueue {
		if h == handle {
			m.stallQueue = append(m.stallQueue[:i], m.stallQueue[i+1:]...)
			break
		}
	}
	if len(m.stallQueue) == 0 {
		m.stallActive.Store(false)
	}
	m.stallMu.Unlock()
	handle.Signal()
}

// WriteDelayFactor computes the write-rate delay factor in [0,1] per
// spec.md §4.2: growing linearly from flush_start toward buffer_size.
// The delay never blocks; only a stall does.
func (m *WriteBufferManager) WriteDelayFactor() float64 {
	if !m.opts.AllowDelay || m.disabled() {
		return 0
	}
	bufferSize := m.bufferSize.Load()
	start := m.additionalFlushInitSize.Load()
	used := m.used.Load()

	if used < start {
		return 0
	}
	if used >= bufferSize {
		return 1
	}
	return float64(used-start) / float64(bufferSize-start)
}

func (m *WriteBufferManager) publishMetrics() {
	if m.reg == nil {
		return
	}
	m.reg.WBMUsedBytes.Set(float64(m.used.Load()))
	m.reg.WBMInactiveBytes.Set(float64(m.inactive.Load()))
	m.reg.WBMBeingFreedBytes.Set(float64(m.beingFreed.Load()))
}

// Close stops the initiation thread.
func (m *WriteBufferManager) Close() {
	if !m.opts.FlushInitiationEnabled {
		return
	}
	m.initCondMu.Lock()
	m.stopping = true
	m.initCondMu.Unlock()
	m.initCond.Signal()
	m.wg.Wait()
}
