package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "transit_dwh_"

	resultSuccess  = "success"
	resultError    = "error"
	resultRejected = "rejected"
	resultConflict = "conflict"

	cacheHit  = "hit"
	cacheMiss = "miss"
)

var (
	registerOnce sync.Once

	ingestRecords *prometheus.CounterVec
	ingestErrors  *prometheus.CounterVec
	ingestLatency *prometheus.HistogramVec
	ingestBatches *prometheus.CounterVec

	conflictRetries *prometheus.CounterVec
	dimensionCache  *prometheus.CounterVec

	queryTotal   *prometheus.CounterVec
	queryLatency *prometheus.HistogramVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers metrics and, when db is set, the row-count gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ingestRecords = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_records_total",
				Help: "Total recorded movement events by result",
			},
			[]string{"result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total ingest errors by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Per-record ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		ingestBatches = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_batches_total",
				Help: "Total ingest batches by result",
			},
			[]string{"result"},
		)

		conflictRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "conflict_retries_total",
				Help: "Total transient conflict retries by operation",
			},
			[]string{"op"},
		)
		dimensionCache = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dimension_cache_total",
				Help: "Dimension key cache lookups by dimension and outcome",
			},
			[]string{"dimension", "outcome"},
		)

		queryTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "query_total",
				Help: "Total queries by name and result",
			},
			[]string{"query", "result"},
		)
		queryLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "query_latency_seconds",
				Help:    "Query latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"query"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total delay report exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "export_latency_seconds",
				Help:    "Delay report export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			ingestRecords,
			ingestErrors,
			ingestLatency,
			ingestBatches,
			conflictRetries,
			dimensionCache,
			queryTotal,
			queryLatency,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records one event's ingest duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRecords != nil {
		ingestRecords.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestError increments the ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// IncIngestBatch counts a finished batch.
func IncIngestBatch(result string) {
	if result == "" {
		result = resultSuccess
	}
	if ingestBatches != nil {
		ingestBatches.WithLabelValues(result).Inc()
	}
}

// IncConflictRetry counts one retry of op after a transient conflict.
func IncConflictRetry(op string) {
	if op == "" {
		op = "unknown"
	}
	if conflictRetries != nil {
		conflictRetries.WithLabelValues(op).Inc()
	}
}

// ObserveCache counts a dimension key cache lookup.
func ObserveCache(dimension string, hit bool) {
	outcome := cacheMiss
	if hit {
		outcome = cacheHit
	}
	if dimensionCache != nil {
		dimensionCache.WithLabelValues(dimension, outcome).Inc()
	}
}

// ObserveQuery records query latency and result.
func ObserveQuery(query, result string, duration time.Duration) {
	if query == "" {
		query = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if queryTotal != nil {
		queryTotal.WithLabelValues(query, result).Inc()
	}
	if queryLatency != nil {
		queryLatency.WithLabelValues(query).Observe(duration.Seconds())
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess  = resultSuccess
	ResultError    = resultError
	ResultRejected = resultRejected
	ResultConflict = resultConflict
)
