package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector provides application metrics collection
type Collector struct {
	// API Metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrorsTotal     *prometheus.CounterVec

	// Acquisition Metrics
	FetchAttemptsTotal  *prometheus.CounterVec
	ArchiveKeysTotal    *prometheus.CounterVec
	ArchiveBytesWritten prometheus.Counter
	AcquisitionRuns     *prometheus.CounterVec
	AcquisitionDuration prometheus.Histogram

	// Parsing and Climate Metrics
	ParserRowsDropped   *prometheus.CounterVec
	BaselinesBuilt      prometheus.Counter
	AnomalyStations     *prometheus.CounterVec
	AnomalyCalcDuration prometheus.Histogram

	// Database Metrics
	DBQueryDuration  *prometheus.HistogramVec
	DBConnectionPool *prometheus.GaugeVec
	DBErrorsTotal    *prometheus.CounterVec
}

// NewCollector creates a new metrics collector registered on reg.
// A nil reg means prometheus.DefaultRegisterer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		APIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests by endpoint, method, and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		APIRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"endpoint"},
		),

		APIErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_errors_total",
				Help:      "Total number of API errors by type",
			},
			[]string{"error_type", "endpoint"},
		),

		FetchAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_attempts_total",
				Help:      "Fetch attempts against the JMA service by outcome",
			},
			[]string{"outcome"}, // "success", "marker_absent", "transport_error"
		),

		ArchiveKeysTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_keys_total",
				Help:      "Archive keys processed by result",
			},
			[]string{"result"}, // "skipped", "acquired", "failed"
		),

		ArchiveBytesWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_bytes_written_total",
				Help:      "Uncompressed bytes written to the archive store",
			},
		),

		AcquisitionRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acquisition_runs_total",
				Help:      "Acquisition runs by terminal state",
			},
			[]string{"state"},
		),

		AcquisitionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "acquisition_duration_seconds",
				Help:      "Duration of acquisition runs in seconds",
				Buckets:   []float64{1, 10, 60, 300, 600, 1800, 3600, 10800, 21600},
			},
		),

		ParserRowsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parser_rows_dropped_total",
				Help:      "Archive rows dropped during parsing by reason",
			},
			[]string{"reason"}, // "arity", "timestamp"
		),

		BaselinesBuilt: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "baselines_built_total",
				Help:      "Station climatology baselines computed",
			},
		),

		AnomalyStations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomaly_stations_total",
				Help:      "Stations considered by the anomaly engine by status",
			},
			[]string{"status"}, // "included", "missing_baseline", "missing_current", "null_variable"
		),

		AnomalyCalcDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "anomaly_calculation_duration_seconds",
				Help:      "Duration of one anomaly target computation in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds by query type",
				Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
			},
			[]string{"query_type"},
		),

		DBConnectionPool: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"state"}, // "in_use", "idle", "total"
		),

		DBErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_errors_total",
				Help:      "Total number of database errors by type",
			},
			[]string{"error_type"},
		),
	}
}

// Timer provides timing functionality for operations
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer
func (c *Collector) NewTimer(histogram prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: histogram,
	}
}

// ObserveDuration records the elapsed time since timer creation
func (t *Timer) ObserveDuration() time.Duration {
	duration := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(duration.Seconds())
	}
	return duration
}

// RecordAPIRequest increments API request counter
func (c *Collector) RecordAPIRequest(endpoint, method, status string) {
	c.APIRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// RecordAPIError increments API error counter
func (c *Collector) RecordAPIError(errorType, endpoint string) {
	c.APIErrorsTotal.WithLabelValues(errorType, endpoint).Inc()
}

// RecordFetchAttempt counts one fetch attempt by outcome
func (c *Collector) RecordFetchAttempt(outcome string) {
	c.FetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordArchiveKey counts one processed archive key by result
func (c *Collector) RecordArchiveKey(result string) {
	c.ArchiveKeysTotal.WithLabelValues(result).Inc()
}

// RecordAcquisitionRun counts a finished run and observes its duration
func (c *Collector) RecordAcquisitionRun(state string, duration time.Duration) {
	c.AcquisitionRuns.WithLabelValues(state).Inc()
	c.AcquisitionDuration.Observe(duration.Seconds())
}

// RecordRowsDropped adds n dropped parser rows for reason
func (c *Collector) RecordRowsDropped(reason string, n int) {
	if n <= 0 {
		return
	}
	c.ParserRowsDropped.WithLabelValues(reason).Add(float64(n))
}

// RecordAnomalyStation counts one station outcome of the anomaly engine
func (c *Collector) RecordAnomalyStation(status string) {
	c.AnomalyStations.WithLabelValues(status).Inc()
}

// RecordDBError increments database error counter
func (c *Collector) RecordDBError(errorType string) {
	c.DBErrorsTotal.WithLabelValues(errorType).Inc()
}

// UpdateDBConnectionPool updates database connection pool metrics
func (c *Collector) UpdateDBConnectionPool(inUse, idle, total int) {
	c.DBConnectionPool.WithLabelValues("in_use").Set(float64(inUse))
	c.DBConnectionPool.WithLabelValues("idle").Set(float64(idle))
	c.DBConnectionPool.WithLabelValues("total").Set(float64(total))
}
