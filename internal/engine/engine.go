// Package engine wires the memtable (C1), write buffer manager (C2),
// and compaction picker (C3) together so the three core subsystems can
// be exercised as a whole — by integration tests and by
// cmd/hyperlsmctl's smoke driver. It is deliberately thin: no
// get/put/scan surface is added here, since the public key/value API
// is out of scope (spec.md §1 Non-goals); this package only owns the
// plumbing a real embedding engine would otherwise provide.
package engine

import (
	"context"

	"github.com/hyperlsm/engine/internal/compaction"
	"github.com/hyperlsm/engine/internal/engineopts"
	"github.com/hyperlsm/engine/internal/logging"
	"github.com/hyperlsm/engine/internal/memtable"
	"github.com/hyperlsm/engine/internal/metrics"
	"github.com/hyperlsm/engine/internal/wbm"
)

// Engine owns one memtable, registered against a shared write buffer
// manager, plus a compaction picker and worker pool that operate on a
// caller-supplied version snapshot.
type Engine struct {
	log logging.Logger
	reg *metrics.Registry

	WBM      *wbm.WriteBufferManager
	Memtable *memtable.Memtable
	Picker   *compaction.Picker
	Workers  *compaction.WorkerPool

	ownerID wbm.OwnerID

	flushFn func() error
}

// Options bundles the three subsystems' option structs plus the
// compaction executor the worker pool should run.
type Options struct {
	WBM      engineopts.WBMOptions
	Memtable engineopts.MemtableOptions
	Picker   engineopts.PickerOptions

	Cache             wbm.CacheChargeReserver
	MaxWorkers        int64
	CompactionExecute compaction.Executor

	// OnFlushDesired is invoked from the WBM's flush-initiator callback
	// when the write buffer manager wants this engine's memtable
	// flushed. A nil func always declines (returns false), matching
	// spec.md §6's "false when it declined this turn".
	OnFlushDesired func() error
}

// New constructs every subsystem, registers the memtable's flush
// initiator with the WBM, and starts the compaction worker pool.
func New(opts Options, log logging.Logger, reg *metrics.Registry) (*Engine, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}

	m, err := memtable.New(opts.Memtable, nil, log, reg)
	if err != nil {
		return nil, err
	}

	w, err := wbm.New(opts.WBM, opts.Cache, log, reg)
	if err != nil {
		return nil, err
	}

	p, err := compaction.New(opts.Picker, log, reg)
	if err != nil {
		return nil, err
	}

	maxWorkers := opts.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	execute := opts.CompactionExecute
	if execute == nil {
		execute = func(context.Context, *compaction.Compaction) error { return nil }
	}
	workers := compaction.NewWorkerPool(maxWorkers, execute, p, log, reg)

	e := &Engine{
		log:      log,
		reg:      reg,
		WBM:      w,
		Memtable: m,
		Picker:   p,
		Workers:  workers,
		flushFn:  opts.OnFlushDesired,
	}

	if opts.WBM.FlushInitiationEnabled {
		e.ownerID = w.RegisterFlushInitiator(e.onFlushInitiatorCallback)
	}

	return e, nil
}

// onFlushInitiatorCallback implements the initiator callback contract
// (spec.md §6): accept by returning true and eventually call
// FlushStarted/FlushEnded; decline by returning false.
func (e *Engine) onFlushInitiatorCallback(minSizeToFlush uint64) bool {
	if e.flushFn == nil {
		return false
	}

	e.WBM.FlushStarted(true)
	err := e.flushFn()
	e.WBM.FlushEnded(true)

	if err != nil {
		e.log.Warn("flush callback failed", logging.Error(err))
	}
	return true
}

// Close stops the WBM's initiation thread and deregisters this
// engine's flush initiator.
func (e *Engine) Close() {
	if e.ownerID != (wbm.OwnerID{}) {
		e.WBM.DeregisterFlushInitiator(e.ownerID)
	}
	e.WBM.Close()
}

// RunCompactions asks the picker for every currently eligible
// compaction against v and runs them through the worker pool. It loops
// until PickCompaction returns nil, so callers get one "drain" per
// call rather than having to poll themselves. Each picked compaction is
// marked in-progress as soon as it's picked (not just once the worker
// pool starts it), so the concurrency predicates exclude it from the
// next PickCompaction call in this same drain.
func (e *Engine) RunCompactions(ctx context.Context, cfName string, v *compaction.VersionStorageInfo) error {
	var batch []*compaction.Compaction
	for {
		c := e.Picker.PickCompaction(cfName, v)
		if c == nil {
			break
		}
		e.Picker.BeginExecuting(c)
		batch = append(batch, c)
	}
	if len(batch) == 0 {
		return nil
	}
	return e.Workers.Run(ctx, batch)
}
