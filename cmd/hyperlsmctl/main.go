// Command hyperlsmctl is a smoke driver exercising the core runtime's
// three subsystems together: it inserts keys into the memtable,
// charges the write buffer manager with the memtable's usage once the
// inserts are done, populates a synthetic
// L0 to trigger compaction picking, and prints what happened. It is
// not a database — no get/put/scan API is exposed beyond this
// demonstration.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/hyperlsm/engine/internal/compaction"
	"github.com/hyperlsm/engine/internal/engine"
	"github.com/hyperlsm/engine/internal/engineopts"
)

func main() {
	fmt.Println("Starting hyperlsmctl smoke run...")

	opts := engine.Options{
		Memtable:   engineopts.DefaultMemtableOptions(),
		WBM:        engineopts.DefaultWBMOptions(1 << 20), // 1MiB, small for a quick demo
		Picker:     engineopts.DefaultPickerOptions(1 << 16),
		MaxWorkers: 2,
		CompactionExecute: func(ctx context.Context, c *compaction.Compaction) error {
			fmt.Printf("  executed %s compaction at hyper-level %d -> output level %d\n",
				c.Kind, c.HyperLevel, c.OutputLevel)
			return nil
		},
	}

	e, err := engine.New(opts, nil, nil)
	if err != nil {
		log.Fatalf("failed to construct engine: %v", err)
	}
	defer e.Close()

	fmt.Println("Writing keys into the memtable...")
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		h, buf, err := e.Memtable.Allocate(len(key))
		if err != nil {
			log.Fatalf("allocate: %v", err)
		}
		copy(buf, key)
		ok, err := e.Memtable.Insert(h)
		if err != nil {
			log.Fatalf("insert: %v", err)
		}
		fmt.Printf("  inserted %s (new=%v)\n", key, ok)
	}

	e.WBM.Reserve(e.Memtable.ApproximateMemoryUsage())
	fmt.Printf("WBM usage after inserts: %d bytes (should_flush=%v)\n",
		e.WBM.MemoryUsage(), e.WBM.ShouldFlush())

	fmt.Println("Reading back via the memtable iterator...")
	it := e.Memtable.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		fmt.Printf("  %s\n", it.Key())
	}

	fmt.Println("Populating a synthetic L0 to trigger compaction picking...")
	v := &compaction.VersionStorageInfo{Levels: make([]compaction.LevelFiles, opts.Picker.NumLevels)}
	for i := 0; i < opts.Picker.L0CompactionTrigger; i++ {
		v.Levels[0] = append(v.Levels[0], &compaction.FileMetadata{
			Number:      uint64(i),
			SmallestKey: []byte(fmt.Sprintf("key%03d", i*2)),
			LargestKey:  []byte(fmt.Sprintf("key%03d", i*2+1)),
			SizeBytes:   4096,
		})
	}

	if err := e.RunCompactions(context.Background(), "default", v); err != nil {
		log.Fatalf("run compactions: %v", err)
	}

	fmt.Println("Smoke run complete.")
}
