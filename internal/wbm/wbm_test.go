package wbm

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperlsm/engine/internal/engineopts"
)

// chanStallHandle is a minimal StallHandle backed by a channel, enough to
// exercise BeginWriteStall/MaybeEndWriteStall/RemoveDB without a real DB.
type chanStallHandle struct {
	signalled chan struct{}
	once      sync.Once
}

func newChanStallHandle() *chanStallHandle {
	return &chanStallHandle{signalled: make(chan struct{})}
}

func (h *chanStallHandle) Block() { <-h.signalled }
func (h *chanStallHandle) Signal() {
	h.once.Do(func() { close(h.signalled) })
}

func TestDisabledWBMAlwaysFlushesNeverStalls(t *testing.T) {
	opts := engineopts.DefaultWBMOptions(0)
	m, err := New(opts, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()

	m.Reserve(1 << 30) // would exceed any real buffer, but WBM is disabled
	if !m.ShouldFlush() {
		t.Fatal("disabled WBM should always report ShouldFlush() == true")
	}
	if m.ShouldStall() {
		t.Fatal("disabled WBM must never stall")
	}
}

func TestReserveFreeRoundTrip(t *testing.T) {
	opts := engineopts.DefaultWBMOptions(1024)
	opts.FlushInitiationEnabled = false
	m, err := New(opts, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()

	m.Reserve(100)
	if got := m.MemoryUsage(); got != 100 {
		t.Fatalf("memory usage = %d, want 100", got)
	}
	m.ScheduleFree(40)
	m.FreeBegin(40)
	if got := m.MutableMemtableMemoryUsage(); got != 60 {
		t.Fatalf("mutable usage = %d, want 60", got)
	}
	m.Free(40)
	if got := m.MemoryUsage(); got != 60 {
		t.Fatalf("memory usage after free = %d, want 60", got)
	}
}

func TestFreeAbortRestoresLiveBytes(t *testing.T) {
	opts := engineopts.DefaultWBMOptions(1024)
	opts.FlushInitiationEnabled = false
	m, err := New(opts, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()

	m.Reserve(200)
	m.ScheduleFree(200)
	m.FreeBegin(200)
	m.FreeAbort(200)

	if got := m.MutableMemtableMemoryUsage(); got != 200 {
		t.Fatalf("mutable usage after abort = %d, want 200 (bytes are live again)", got)
	}
}

func TestBoundaryExactlyOneFlushCallback(t *testing.T) {
	opts := engineopts.DefaultWBMOptions(10 * 1024 * 1024) // 10MiB
	opts.MaxParallelFlushes = 1
	m, err := New(opts, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()

	var callbacks atomic.Int32
	m.RegisterFlushInitiator(func(minSizeToFlush uint64) bool {
		callbacks.Add(1)
		m.FlushStarted(true) // accepting means "will eventually call FlushStarted/FlushEnded"
		return true
	})

	m.Reserve(9 * 1024 * 1024)
	m.Reserve(1)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if callbacks.Load() >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if got := callbacks.Load(); got != 1 {
		t.Fatalf("expected exactly one initiator callback, got %d", got)
	}

	m.Free(5 * 1024 * 1024) // drop usage back under additional_flush_initiation_size first
	m.FlushEnded(true)

	time.Sleep(20 * time.Millisecond)
	if got := callbacks.Load(); got != 1 {
		t.Fatalf("expected no further callback until threshold crossed again, got %d", got)
	}
}

func TestRoundRobinAdvancesOnDecline(t *testing.T) {
	opts := engineopts.DefaultWBMOptions(10 * 1024 * 1024)
	opts.MaxParallelFlushes = 3
	m, err := New(opts, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()

	var firstCalls, secondCalls atomic.Int32
	m.RegisterFlushInitiator(func(minSizeToFlush uint64) bool {
		firstCalls.Add(1)
		return false
	})
	m.RegisterFlushInitiator(func(minSizeToFlush uint64) bool {
		secondCalls.Add(1)
		m.FlushStarted(true)
		return true
	})

	m.Reserve(9 * 1024 * 1024)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if secondCalls.Load() >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if firstCalls.Load() == 0 {
		t.Fatal("first (declining) initiator should have been tried")
	}
	if secondCalls.Load() == 0 {
		t.Fatal("second (accepting) initiator should have been tried after the first declined")
	}
}

func TestWriteStallBlocksUntilUsageDrops(t *testing.T) {
	opts := engineopts.DefaultWBMOptions(1000)
	opts.FlushInitiationEnabled = false
	m, err := New(opts, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()

	m.Reserve(1000)
	if !m.ShouldStall() {
		t.Fatal("usage at buffer_size should require a stall")
	}

	handle := newChanStallHandle()
	done := make(chan struct{})
	go func() {
		m.BeginWriteStall(handle)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("stall returned before usage dropped")
	default:
	}

	m.Free(500)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stall never released after usage dropped below buffer_size")
	}
}

func TestRemoveDBUnblocksHandle(t *testing.T) {
	opts := engineopts.DefaultWBMOptions(1000)
	opts.FlushInitiationEnabled = false
	m, err := New(opts, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()

	m.Reserve(1000)
	handle := newChanStallHandle()
	done := make(chan struct{})
	go func() {
		m.BeginWriteStall(handle)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	m.RemoveDB(handle)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RemoveDB should unblock the parked handle even though usage never dropped")
	}
}

type fakeCache struct {
	mu         sync.Mutex
	reserved   uint64
	updateErr  error
	calls      int
}

func (c *fakeCache) UpdateCacheReservation(bytes uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.updateErr != nil {
		return c.updateErr
	}
	c.reserved = bytes
	return nil
}

func TestCacheMirroringRoundsUpToStep(t *testing.T) {
	opts := engineopts.DefaultWBMOptions(1 << 20)
	opts.FlushInitiationEnabled = false
	opts.CacheReservationStep = 1024
	cache := &fakeCache{}
	m, err := New(opts, cache, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()

	m.Reserve(100)

	cache.mu.Lock()
	reserved := cache.reserved
	cache.mu.Unlock()

	if reserved != 1024 {
		t.Fatalf("cache reservation = %d, want rounded-up 1024", reserved)
	}
	if got := m.DummyEntriesInCacheUsage(); got != 1024 {
		t.Fatalf("DummyEntriesInCacheUsage() = %d, want 1024", got)
	}
}

func TestWriteDelayFactorGrowsLinearly(t *testing.T) {
	opts := engineopts.DefaultWBMOptions(1000)
	opts.FlushStartPercent = 0.8
	opts.FlushInitiationEnabled = false
	m, err := New(opts, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()

	m.Reserve(700)
	if got := m.WriteDelayFactor(); got != 0 {
		t.Fatalf("below flush_start, delay factor = %f, want 0", got)
	}

	m.Reserve(200) // used = 900, start = 800, buffer = 1000
	got := m.WriteDelayFactor()
	want := 0.5
	if got < want-0.01 || got > want+0.01 {
		t.Fatalf("delay factor = %f, want ~%f", got, want)
	}

	m.Reserve(1000) // used clamps conceptually at/over buffer_size
	if got := m.WriteDelayFactor(); got != 1 {
		t.Fatalf("at/over buffer_size, delay factor = %f, want 1", got)
	}
}

func TestDeregisterFlushInitiatorClampsCursor(t *testing.T) {
	opts := engineopts.DefaultWBMOptions(1024)
	opts.FlushInitiationEnabled = false
	m, err := New(opts, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()

	a := m.RegisterFlushInitiator(func(uint64) bool { return true })
	m.nextCandidate = 1
	m.DeregisterFlushInitiator(a)

	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.nextCandidate != 0 {
		t.Fatalf("nextCandidate = %d, want 0 after removing the last initiator", m.nextCandidate)
	}
}
