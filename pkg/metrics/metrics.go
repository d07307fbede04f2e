package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Entity counts
	NounsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_nouns_total",
			Help: "Total number of nouns by type and branch",
		},
		[]string{"type", "branch"},
	)

	VerbsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_verbs_total",
			Help: "Total number of verbs by type and branch",
		},
		[]string{"type", "branch"},
	)

	BranchesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_branches_total",
			Help: "Total number of branches",
		},
	)

	// Cache metrics (C4)
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_cache_hits_total",
			Help: "Read-through cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_cache_misses_total",
			Help: "Read-through cache misses that fell through to the object store",
		},
	)

	// Write buffer / backpressure metrics (C5)
	WriteBufferDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_write_buffer_depth",
			Help: "Pending entries per write-buffer kind",
		},
		[]string{"kind"},
	)

	WriteBufferFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_write_buffer_flushes_total",
			Help: "Completed flushes by kind and trigger",
		},
		[]string{"kind", "trigger"},
	)

	WriteRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_write_retries_total",
			Help: "Write-buffer flush retries by kind",
		},
		[]string{"kind"},
	)

	WriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_write_failures_total",
			Help: "Write-buffer entries dropped after exhausting retries",
		},
		[]string{"kind"},
	)

	BackpressureBand = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_backpressure_band",
			Help: "Current backpressure band: 0=low 1=moderate 2=high 3=extreme",
		},
	)

	BackpressureInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_backpressure_inflight",
			Help: "In-flight storage operations admitted by the backpressure limiter",
		},
	)

	// Object store metrics (C1)
	StorageOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lattice_storage_op_duration_seconds",
			Help:    "Object store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	StorageOpErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_storage_op_errors_total",
			Help: "Object store operation errors by op and error kind",
		},
		[]string{"op", "error_kind"},
	)

	// HNSW metrics (C9)
	HNSWInsertDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_hnsw_insert_duration_seconds",
			Help:    "Time taken to insert a node into the HNSW index",
			Buckets: prometheus.DefBuckets,
		},
	)

	HNSWSearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_hnsw_search_duration_seconds",
			Help:    "Time taken for a k-nearest-neighbor search",
			Buckets: prometheus.DefBuckets,
		},
	)

	HNSWNeighborWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_hnsw_neighbor_write_failures_total",
			Help: "Neighbor back-edge rewrites abandoned after exhausting retries",
		},
	)

	// Query metrics (C10)
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lattice_query_duration_seconds",
			Help:    "find() query duration in seconds by shape",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shape"}, // similar|filter|graph|combined
	)

	// Branch / commit metrics (C11)
	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_commit_duration_seconds",
			Help:    "Time taken to flush buffers and create a commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	ForkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_fork_duration_seconds",
			Help:    "Time taken to fork a branch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	VersionDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_version_deduped_total",
			Help: "version.save calls that deduplicated against the prior content hash",
		},
	)
)

func init() {
	prometheus.MustRegister(NounsTotal)
	prometheus.MustRegister(VerbsTotal)
	prometheus.MustRegister(BranchesTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(WriteBufferDepth)
	prometheus.MustRegister(WriteBufferFlushesTotal)
	prometheus.MustRegister(WriteRetriesTotal)
	prometheus.MustRegister(WriteFailuresTotal)
	prometheus.MustRegister(BackpressureBand)
	prometheus.MustRegister(BackpressureInflight)
	prometheus.MustRegister(StorageOpDuration)
	prometheus.MustRegister(StorageOpErrorsTotal)
	prometheus.MustRegister(HNSWInsertDuration)
	prometheus.MustRegister(HNSWSearchDuration)
	prometheus.MustRegister(HNSWNeighborWriteFailuresTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(ForkDuration)
	prometheus.MustRegister(VersionDedupedTotal)
}

// Handler returns the Prometheus HTTP handler for a /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
