/*
Package metrics provides Prometheus metrics collection and exposition for
the bundle-oriented persistence engine.

The metrics package defines and registers every metric using the
Prometheus client library, giving observability into bundle store and
blob store operation counts/latencies, write-transaction outcomes, and
consistency-checker findings. Metrics are exposed via an HTTP endpoint
for scraping by Prometheus servers.

# Metrics Catalog

Bundle Store:

bundlestore_bundle_store_ops_total{op, result}:
  - Type: Counter
  - Description: bundle store operations by kind and result (ok/error); internal/engine records only op="load"

bundlestore_bundle_store_op_duration_seconds{op}:
  - Type: Histogram
  - Description: bundle store operation duration in seconds

Blob Store:

bundlestore_blob_store_ops_total{backend, op, result}:
  - Type: Counter
  - Description: blob store operations by backend (db/fs), kind, and result

bundlestore_blob_store_op_duration_seconds{backend, op}:
  - Type: Histogram
  - Description: blob store operation duration in seconds

Transactional Write Driver:

bundlestore_write_transactions_total{result}:
  - Type: Counter
  - Description: change-log transactions applied, by result (committed/rolled_back)

bundlestore_write_transaction_duration_seconds:
  - Type: Histogram
  - Description: time to apply one change-log transaction

Bundle Codec:

bundlestore_codec_bytes_inline_total:
  - Type: Counter
  - Description: BINARY property bytes encoded inline in bundle payloads

bundlestore_codec_bytes_externalized_total:
  - Type: Counter
  - Description: BINARY property bytes externalized to the blob store

Consistency Checker:

bundlestore_consistency_findings_total{kind}:
  - Type: Counter
  - Description: findings by kind (missing_child/wrong_parent/missing_parent/decode_error)

bundlestore_consistency_scans_total:
  - Type: Counter
  - Description: completed consistency-check runs

bundlestore_consistency_scan_duration_seconds:
  - Type: Histogram
  - Description: full consistency scan duration

Schema Bootstrapper:

bundlestore_schema_bootstraps_total{result}:
  - Type: Counter
  - Description: schema bootstrap attempts by result (created/already_present/error)

Engine:

bundlestore_bundles_total:
  - Type: Gauge
  - Description: most recently observed number of stored bundles

bundlestore_engine_up:
  - Type: Gauge
  - Description: whether the engine's database connection is currently healthy

# Usage

	import "github.com/cuemby/bundlestore/pkg/metrics"

	timer := metrics.NewTimer()
	err := store.StoreBundle(ctx, b)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.BundleStoreOpsTotal.WithLabelValues("store", result).Inc()
	timer.ObserveDurationVec(metrics.BundleStoreOpDuration, "store")

	// Expose metrics endpoint
	http.Handle("/metrics", metrics.Handler())

# Collector

Collector polls anything satisfying StatsSource (internal/engine.Engine
does, structurally) every 15 seconds and republishes its Snapshot as
gauges, mirroring the push-based counters/histograms updated inline by
the components above.

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
