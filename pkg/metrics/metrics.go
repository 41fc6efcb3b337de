package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bundle store metrics (internal/sqlstore)
	BundleStoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundlestore_bundle_store_ops_total",
			Help: "Total bundle store operations by kind and result",
		},
		[]string{"op", "result"},
	)

	BundleStoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bundlestore_bundle_store_op_duration_seconds",
			Help:    "Bundle store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Blob store metrics (internal/blobstore)
	BlobStoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundlestore_blob_store_ops_total",
			Help: "Total blob store operations by backend, kind, and result",
		},
		[]string{"backend", "op", "result"},
	)

	BlobStoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bundlestore_blob_store_op_duration_seconds",
			Help:    "Blob store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// Transactional write driver metrics (internal/txn)
	WriteTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundlestore_write_transactions_total",
			Help: "Total change-log transactions applied by result",
		},
		[]string{"result"},
	)

	WriteTransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundlestore_write_transaction_duration_seconds",
			Help:    "Time taken to apply one change-log transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Bundle codec metrics (internal/codec)
	CodecBytesInlineTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundlestore_codec_bytes_inline_total",
			Help: "Total BINARY property bytes encoded inline in bundle payloads",
		},
	)

	CodecBytesExternalizedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundlestore_codec_bytes_externalized_total",
			Help: "Total BINARY property bytes externalized to the blob store instead of encoded inline",
		},
	)

	// Consistency checker metrics (internal/consistency)
	ConsistencyFindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundlestore_consistency_findings_total",
			Help: "Total consistency findings by kind",
		},
		[]string{"kind"},
	)

	ConsistencyScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundlestore_consistency_scans_total",
			Help: "Total consistency-check runs completed",
		},
	)

	ConsistencyScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundlestore_consistency_scan_duration_seconds",
			Help:    "Time taken for a full consistency scan",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	// Schema bootstrap metrics (internal/schema)
	SchemaBootstrapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundlestore_schema_bootstraps_total",
			Help: "Total schema bootstrap attempts by result",
		},
		[]string{"result"},
	)

	// Engine lifecycle metrics (internal/engine)
	BundlesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bundlestore_bundles_total",
			Help: "Most recently observed number of stored bundles",
		},
	)

	EngineUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bundlestore_engine_up",
			Help: "Whether the engine's database connection is currently healthy (1) or not (0)",
		},
	)
)

func init() {
	prometheus.MustRegister(BundleStoreOpsTotal)
	prometheus.MustRegister(BundleStoreOpDuration)
	prometheus.MustRegister(BlobStoreOpsTotal)
	prometheus.MustRegister(BlobStoreOpDuration)
	prometheus.MustRegister(WriteTransactionsTotal)
	prometheus.MustRegister(WriteTransactionDuration)
	prometheus.MustRegister(CodecBytesInlineTotal)
	prometheus.MustRegister(CodecBytesExternalizedTotal)
	prometheus.MustRegister(ConsistencyFindingsTotal)
	prometheus.MustRegister(ConsistencyScansTotal)
	prometheus.MustRegister(ConsistencyScanDuration)
	prometheus.MustRegister(SchemaBootstrapsTotal)
	prometheus.MustRegister(BundlesTotal)
	prometheus.MustRegister(EngineUp)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Snapshot is a point-in-time summary of engine state, returned by
// Engine.Stats() for administrative callers that want values without
// scraping /metrics.
type Snapshot struct {
	BundlesTotal      int
	Up                bool
	ConsistencyChecks int
	LastFindingsCount int
}

// Timer is a helper for timing operations.
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

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
