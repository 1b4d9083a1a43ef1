// Package metrics wraps Prometheus collectors for the core runtime's
// internal instrumentation. It never registers an HTTP handler or scrape
// endpoint — that exporter surface is explicitly out of scope (spec.md
// §1 Non-goals); callers that already run a Prometheus registry can pass
// their own in, or use NewRegistry for a self-contained one in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric the core runtime emits.
type Registry struct {
	registry *prometheus.Registry

	// Write Buffer Manager (C2)
	WBMUsedBytes             prometheus.Gauge
	WBMInactiveBytes         prometheus.Gauge
	WBMBeingFreedBytes       prometheus.Gauge
	WBMStallsTotal           prometheus.Counter
	WBMStallActive           prometheus.Gauge
	WBMFlushesInitiatedTotal prometheus.Counter
	WBMFlushCallbacksTotal   *prometheus.CounterVec // outcome=accepted|declined

	// Hybrid Compaction Picker (C3)
	CompactionsPickedTotal *prometheus.CounterVec // kind=rearrange|promote|move_large_sst|l0_ingestion|level_compaction|coalesce
	CompactionDuration     *prometheus.HistogramVec
	HyperLevelCount        prometheus.Gauge
	CompactionsInProgress  *prometheus.GaugeVec // hyper_level -> count

	// Memtable (C1)
	MemtableInsertsTotal        prometheus.Counter
	MemtableDuplicateKeysTotal  prometheus.Counter
	MemtableSVMergesTotal       prometheus.Counter
	MemtablePointLookupDuration prometheus.Histogram

	// Pinning Policy (C4)
	PinningAdmittedTotal *prometheus.CounterVec // category
	PinningRejectedTotal *prometheus.CounterVec // category
	PinningUsageBytes    *prometheus.GaugeVec   // category

	// Adaptive Table Dispatch (C5)
	TableDispatchTotal *prometheus.CounterVec // format
}

// NewRegistry builds a Registry backed by a fresh prometheus.Registry.
func NewRegistry() *Registry {
	return NewRegistryWith(prometheus.NewRegistry())
}

// NewRegistryWith builds a Registry backed by a caller-supplied
// prometheus.Registry, so an embedding process can fold these metrics
// into its own /metrics surface without this package owning one.
func NewRegistryWith(reg *prometheus.Registry) *Registry {
	r := &Registry{registry: reg}
	r.initWBMMetrics()
	r.initCompactionMetrics()
	r.initMemtableMetrics()
	r.initPinningMetrics()
	r.initTableDispatchMetrics()
	return r
}

// PrometheusRegistry returns the underlying prometheus.Registry, useful
// for tests that want to scrape values directly without an HTTP server.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}

func (r *Registry) initWBMMetrics() {
	r.WBMUsedBytes = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "hyperlsm_wbm_used_bytes",
		Help: "Bytes currently charged against the write buffer manager.",
	})
	r.WBMInactiveBytes = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "hyperlsm_wbm_inactive_bytes",
		Help: "Bytes scheduled to be freed but not yet reclaimed.",
	})
	r.WBMBeingFreedBytes = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "hyperlsm_wbm_being_freed_bytes",
		Help: "Bytes currently undergoing reclamation.",
	})
	r.WBMStallsTotal = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "hyperlsm_wbm_stalls_total",
		Help: "Total number of write stalls begun.",
	})
	r.WBMStallActive = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "hyperlsm_wbm_stall_active",
		Help: "1 if a write stall is currently active, 0 otherwise.",
	})
	r.WBMFlushesInitiatedTotal = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "hyperlsm_wbm_flushes_initiated_total",
		Help: "Total number of flushes initiated by the write buffer manager.",
	})
	r.WBMFlushCallbacksTotal = promauto.With(r.registry).NewCounterVec(prometheus.CounterOpts{
		Name: "hyperlsm_wbm_flush_callbacks_total",
		Help: "Flush initiator callback outcomes.",
	}, []string{"outcome"})
}

func (r *Registry) initCompactionMetrics() {
	r.CompactionsPickedTotal = promauto.With(r.registry).NewCounterVec(prometheus.CounterOpts{
		Name: "hyperlsm_compactions_picked_total",
		Help: "Total number of compactions picked, by kind.",
	}, []string{"kind"})
	r.CompactionDuration = promauto.With(r.registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hyperlsm_compaction_duration_seconds",
		Help:    "Time spent executing a compaction.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"kind"})
	r.HyperLevelCount = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "hyperlsm_hyper_level_count",
		Help: "Current number of active hyper-levels.",
	})
	r.CompactionsInProgress = promauto.With(r.registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "hyperlsm_compactions_in_progress",
		Help: "Number of in-progress compactions per hyper-level.",
	}, []string{"hyper_level"})
}

func (r *Registry) initMemtableMetrics() {
	r.MemtableInsertsTotal = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "hyperlsm_memtable_inserts_total",
		Help: "Total number of successful memtable inserts.",
	})
	r.MemtableDuplicateKeysTotal = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "hyperlsm_memtable_duplicate_keys_total",
		Help: "Total number of inserts rejected as duplicate keys.",
	})
	r.MemtableSVMergesTotal = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "hyperlsm_memtable_sv_merges_total",
		Help: "Total number of sorted-vector merge operations performed by the sort thread.",
	})
	r.MemtablePointLookupDuration = promauto.With(r.registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "hyperlsm_memtable_point_lookup_duration_seconds",
		Help:    "Latency of memtable point lookups.",
		Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005},
	})
}

func (r *Registry) initPinningMetrics() {
	r.PinningAdmittedTotal = promauto.With(r.registry).NewCounterVec(prometheus.CounterOpts{
		Name: "hyperlsm_pinning_admitted_total",
		Help: "Total number of cache pins admitted, by category.",
	}, []string{"category"})
	r.PinningRejectedTotal = promauto.With(r.registry).NewCounterVec(prometheus.CounterOpts{
		Name: "hyperlsm_pinning_rejected_total",
		Help: "Total number of cache pins rejected, by category.",
	}, []string{"category"})
	r.PinningUsageBytes = promauto.With(r.registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "hyperlsm_pinning_usage_bytes",
		Help: "Bytes currently pinned, by category.",
	}, []string{"category"})
}

func (r *Registry) initTableDispatchMetrics() {
	r.TableDispatchTotal = promauto.With(r.registry).NewCounterVec(prometheus.CounterOpts{
		Name: "hyperlsm_table_dispatch_total",
		Help: "Total number of table reader dispatches, by format.",
	}, []string{"format"})
}
