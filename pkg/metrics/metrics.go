package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Submission outcomes by mode (new, propose, edit).
	SubmissionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milestone_submission_count",
			Help: "Total number of milestone submissions",
		},
		[]string{"mode", "outcome"}, // outcome: succeeded, failed, declined
	)

	// Time spent in each orchestrator stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "milestone_stage_duration_seconds",
			Help:    "Submission stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"stage"},
	)

	// Conversion-rate lookups.
	RateLookupCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversion_rate_lookup_count",
			Help: "Total number of conversion rate lookups",
		},
		[]string{"source"}, // source: memory, redis, fetch
	)

	// Attachment upload latency.
	UploadLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attachment_upload_latency_ms",
			Help:    "Attachment upload latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"status"},
	)

	// Time from broadcast to terminal confirmation/rejection.
	BroadcastConfirmLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcast_confirm_latency_seconds",
			Help:    "Time from transaction broadcast to terminal event in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
	)

	// Queries over the slow-query threshold.
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of queries over the slow-query threshold",
		},
	)

	// HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordSubmission increments the submission counter.
func RecordSubmission(mode, outcome string) {
	SubmissionCount.WithLabelValues(mode, outcome).Inc()
}

// RecordStageDuration records time spent in an orchestrator stage.
func RecordStageDuration(stage string, duration time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordRateLookup increments the rate lookup counter.
func RecordRateLookup(source string) {
	RateLookupCount.WithLabelValues(source).Inc()
}

// RecordUploadLatency records attachment upload latency.
func RecordUploadLatency(status string, duration time.Duration) {
	UploadLatency.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

// RecordBroadcastConfirmLatency records broadcast-to-terminal latency.
func RecordBroadcastConfirmLatency(duration time.Duration) {
	BroadcastConfirmLatency.Observe(duration.Seconds())
}

// RecordSlowQuery increments the slow query counter.
func RecordSlowQuery() {
	SlowQueryCount.Inc()
}

// RecordHTTPRequestDuration records HTTP request latency.
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
