package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the audio pipeline service
type Metrics struct {
	// Submission metrics
	ChunksSubmitted prometheus.Counter
	ChunksRejected  prometheus.Counter
	ChunkDuration   prometheus.Histogram
	ChunkSize       prometheus.Histogram

	// Quota metrics
	QuotaReservations prometheus.Counter
	QuotaRejections   prometheus.Counter
	MinutesReserved   prometheus.Counter

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Job metrics
	JobsCreated   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	ActiveJobs    prometheus.Gauge

	// Separation metrics
	SeparationRequests prometheus.Counter
	SeparationRetries  prometheus.Counter
	SeparationDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ChunksSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_chunks_submitted_total",
			Help: "Total number of audio chunks submitted",
		}),
		ChunksRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_chunks_rejected_total",
			Help: "Total number of chunk submissions rejected at validation",
		}),
		ChunkDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_chunk_duration_seconds",
			Help:    "Declared duration of submitted audio chunks",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		ChunkSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_chunk_size_bytes",
			Help:    "Size of submitted audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		QuotaReservations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_quota_reservations_total",
			Help: "Total number of successful quota reservations",
		}),
		QuotaRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_quota_rejections_total",
			Help: "Total number of submissions rejected for insufficient quota",
		}),
		MinutesReserved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_minutes_reserved_total",
			Help: "Total minutes deducted from account balances",
		}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_hits_total",
			Help: "Total number of result cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_misses_total",
			Help: "Total number of result cache misses",
		}),

		JobsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_jobs_created_total",
			Help: "Total number of background jobs created",
		}),
		JobsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_jobs_completed_total",
			Help: "Total number of jobs reaching the ready state",
		}),
		JobsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_jobs_failed_total",
			Help: "Total number of jobs reaching the error state",
		}),
		ActiveJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_active_jobs",
			Help: "Current number of jobs being processed in the background",
		}),

		SeparationRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_separation_requests_total",
			Help: "Total number of separation requests sent",
		}),
		SeparationRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_separation_retries_total",
			Help: "Total number of separation request retries",
		}),
		SeparationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_separation_duration_seconds",
			Help:    "Duration of separation requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSubmission records a chunk submission with its declared duration and size
func (m *Metrics) RecordSubmission(durationSeconds float64, sizeBytes int64) {
	m.ChunksSubmitted.Inc()
	m.ChunkDuration.Observe(durationSeconds)
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordRejection increments the validation rejection counter
func (m *Metrics) RecordRejection() {
	m.ChunksRejected.Inc()
}

// RecordQuotaReservation records a successful reservation of minutes
func (m *Metrics) RecordQuotaReservation(minutes float64) {
	m.QuotaReservations.Inc()
	m.MinutesReserved.Add(minutes)
}

// RecordQuotaRejection increments the insufficient-quota counter
func (m *Metrics) RecordQuotaRejection() {
	m.QuotaRejections.Inc()
}

// RecordCacheLookup records a cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// RecordJobCreated increments the jobs created counter and active gauge
func (m *Metrics) RecordJobCreated() {
	m.JobsCreated.Inc()
	m.ActiveJobs.Inc()
}

// RecordJobCompleted records a job reaching ready
func (m *Metrics) RecordJobCompleted(separationSeconds float64) {
	m.JobsCompleted.Inc()
	m.ActiveJobs.Dec()
	m.SeparationDuration.Observe(separationSeconds)
}

// RecordJobFailed records a job reaching error
func (m *Metrics) RecordJobFailed() {
	m.JobsFailed.Inc()
	m.ActiveJobs.Dec()
}

// RecordSeparationRequest increments the separation requests counter
func (m *Metrics) RecordSeparationRequest() {
	m.SeparationRequests.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
