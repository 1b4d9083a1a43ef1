package compaction

import (
	"context"
	"errors"
	"testing"
)

func TestWorkerPoolRunExecutesEveryCompaction(t *testing.T) {
	var executed []int
	pool := NewWorkerPool(4, func(ctx context.Context, c *Compaction) error {
		executed = append(executed, c.HyperLevel)
		return nil
	}, nil, nil, nil)

	batch := []*Compaction{
		{Kind: KindLevelCompaction, HyperLevel: 1},
		{Kind: KindLevelCompaction, HyperLevel: 2},
		{Kind: KindLevelCompaction, HyperLevel: 3},
	}
	if err := pool.Run(context.Background(), batch); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(executed) != 3 {
		t.Fatalf("executed %d compactions, want 3", len(executed))
	}
}

func TestWorkerPoolRecoversPanicIntoError(t *testing.T) {
	pool := NewWorkerPool(1, func(ctx context.Context, c *Compaction) error {
		panic("boom")
	}, nil, nil, nil)

	err := pool.Run(context.Background(), []*Compaction{{Kind: KindCoalesce, HyperLevel: 1}})
	if err == nil {
		t.Fatal("expected an error from a panicking executor")
	}
}

func TestWorkerPoolPropagatesExecutorError(t *testing.T) {
	wantErr := errors.New("executor failed")
	pool := NewWorkerPool(1, func(ctx context.Context, c *Compaction) error {
		return wantErr
	}, nil, nil, nil)

	err := pool.Run(context.Background(), []*Compaction{{Kind: KindCoalesce, HyperLevel: 1}})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestWorkerPoolUpdatesPickerRunningState(t *testing.T) {
	p, err := New(testPickerOptions(), nil, nil)
	if err != nil {
		t.Fatalf("new picker: %v", err)
	}

	release := make(chan struct{})
	started := make(chan struct{})
	pool := NewWorkerPool(1, func(ctx context.Context, c *Compaction) error {
		close(started)
		<-release
		return nil
	}, p, nil, nil)

	c := &Compaction{Kind: KindLevelCompaction, HyperLevel: 2}

	done := make(chan error, 1)
	go func() { done <- pool.Run(context.Background(), []*Compaction{c}) }()

	<-started
	if p.CompactionsInProgress(2) != 1 {
		t.Fatal("expected the picker to see hyper-level 2 as in-progress while the executor runs")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.CompactionsInProgress(2) != 0 {
		t.Fatal("expected hyper-level 2 to be released once the executor returns")
	}
}
