package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperlsm/engine/internal/compaction"
	"github.com/hyperlsm/engine/internal/engineopts"
)

func testOptions() Options {
	memOpts := engineopts.DefaultMemtableOptions()
	wbmOpts := engineopts.DefaultWBMOptions(1 << 20)
	pickerOpts := engineopts.DefaultPickerOptions(1 << 16)
	pickerOpts.NumLevels = 7
	return Options{Memtable: memOpts, WBM: wbmOpts, Picker: pickerOpts, MaxWorkers: 2}
}

func TestNewWiresAllThreeSubsystems(t *testing.T) {
	e, err := New(testOptions(), nil, nil)
	require.NoError(t, err)
	defer e.Close()

	assert.NotNil(t, e.Memtable)
	assert.NotNil(t, e.WBM)
	assert.NotNil(t, e.Picker)
	assert.NotNil(t, e.Workers)
}

func TestMemtableInsertFeedsWBMReserve(t *testing.T) {
	e, err := New(testOptions(), nil, nil)
	require.NoError(t, err)
	defer e.Close()

	h, buf, err := e.Memtable.Allocate(5)
	require.NoError(t, err)
	copy(buf, "hello")
	ok, err := e.Memtable.Insert(h)
	require.NoError(t, err)
	assert.True(t, ok)

	e.WBM.Reserve(e.Memtable.ApproximateMemoryUsage())
	assert.Greater(t, e.WBM.MemoryUsage(), uint64(0))
}

func TestFlushInitiatorCallbackRunsOnFlushDesired(t *testing.T) {
	opts := testOptions()
	opts.WBM.BufferSize = 10 << 20
	opts.WBM.MaxParallelFlushes = 1

	flushed := make(chan struct{}, 1)
	opts.OnFlushDesired = func() error {
		select {
		case flushed <- struct{}{}:
		default:
		}
		return nil
	}

	e, err := New(opts, nil, nil)
	require.NoError(t, err)
	defer e.Close()

	e.WBM.Reserve(9 << 20)
	e.WBM.Reserve(1)

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the flush callback to run within 2s")
	}
}

func TestRunCompactionsDrainsUntilNilAndExecutesBatch(t *testing.T) {
	opts := testOptions()
	var executedKinds []compaction.CompactionKind
	opts.CompactionExecute = func(ctx context.Context, c *compaction.Compaction) error {
		executedKinds = append(executedKinds, c.Kind)
		return nil
	}

	e, err := New(opts, nil, nil)
	require.NoError(t, err)
	defer e.Close()

	v := &compaction.VersionStorageInfo{Levels: make([]compaction.LevelFiles, 7)}
	for i := 0; i < opts.Picker.L0CompactionTrigger; i++ {
		v.Levels[0] = append(v.Levels[0], &compaction.FileMetadata{
			Number: uint64(i), SmallestKey: []byte("a"), LargestKey: []byte("b"), SizeBytes: 100,
		})
	}

	err = e.RunCompactions(context.Background(), "default", v)
	require.NoError(t, err)
	assert.Contains(t, executedKinds, compaction.KindL0Ingestion)
}

func TestRunCompactionsNoOpOnEmptyVersion(t *testing.T) {
	e, err := New(testOptions(), nil, nil)
	require.NoError(t, err)
	defer e.Close()

	v := &compaction.VersionStorageInfo{Levels: make([]compaction.LevelFiles, 7)}
	err = e.RunCompactions(context.Background(), "default", v)
	assert.NoError(t, err)
}
