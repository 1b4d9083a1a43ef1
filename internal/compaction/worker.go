package compaction

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hyperlsm/engine/internal/logging"
	"github.com/hyperlsm/engine/internal/metrics"
)

// Executor runs a single Compaction, producing whatever output file
// metadata results (or relocating existing files unchanged for a
// trivial move). Supplied by the embedding engine; the picker never
// touches bytes itself.
type Executor func(ctx context.Context, c *Compaction) error

// WorkerPool is the concrete realization of spec.md §5's "external"
// compaction worker pool: a fixed-size goroutine pool, bounded by a
// semaphore and coordinated with errgroup, that executes *Compaction
// values the picker emits (SPEC_FULL.md §5). Grounded on the teacher's
// panic-recovery discipline in `Compactor.Compact` (pkg/lsm/compaction.go):
// a panic inside Execute is recovered and converted into an error result
// instead of crashing the pool.
type WorkerPool struct {
	sem     *semaphore.Weighted
	log     logging.Logger
	reg     *metrics.Registry
	execute Executor
	picker  *Picker
}

// NewWorkerPool constructs a pool with the given maximum concurrency.
// picker may be nil (the pool then runs without updating any
// concurrency predicates, e.g. in a test harness that drives Executor
// directly).
func NewWorkerPool(maxConcurrent int64, execute Executor, picker *Picker, log logging.Logger, reg *metrics.Registry) *WorkerPool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &WorkerPool{
		sem:     semaphore.NewWeighted(maxConcurrent),
		log:     log,
		reg:     reg,
		execute: execute,
		picker:  picker,
	}
}

// Run submits every compaction in batch to the pool and waits for all
// started ones to finish, returning the first error encountered.
// Compactions already running when an error occurs run to completion;
// once an error has cancelled the group's context, compactions not yet
// started are skipped.
func (p *WorkerPool) Run(ctx context.Context, batch []*Compaction) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range batch {
		c := c
		if err := p.sem.Acquire(ctx, 1); err != nil {
			if werr := g.Wait(); werr != nil {
				return werr
			}
			return err
		}
		g.Go(func() error {
			defer p.sem.Release(1)
			return p.runOne(ctx, c)
		})
	}

	return g.Wait()
}

func (p *WorkerPool) runOne(ctx context.Context, c *Compaction) (err error) {
	if p.picker != nil {
		p.picker.BeginExecuting(c)
		defer p.picker.EndExecuting(c)
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic during compaction execution",
				logging.String("kind", c.Kind.String()), logging.HyperLevel(c.HyperLevel), logging.Any("panic", r))
			err = fmt.Errorf("panic during compaction (hyper_level=%d, kind=%s): %v", c.HyperLevel, c.Kind, r)
		}
	}()

	started := time.Now()
	timer := logging.StartTimer(p.log, "compaction executed",
		logging.String("kind", c.Kind.String()), logging.HyperLevel(c.HyperLevel))

	err = p.execute(ctx, c)

	if err != nil {
		timer.EndError(err)
	} else {
		timer.End()
	}
	if p.reg != nil {
		p.reg.CompactionDuration.WithLabelValues(c.Kind.String()).Observe(time.Since(started).Seconds())
	}
	return err
}
