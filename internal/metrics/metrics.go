package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_metering_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "silo_metering_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	QuotaChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_metering_quota_checks_total",
			Help: "Pre-flight quota checks by usage type and outcome.",
		},
		[]string{"usage_type", "result", "reason"},
	)

	QuotaCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_metering_quota_commits_total",
			Help: "Usage commits by usage type and outcome (conflict = limit reached at commit time).",
		},
		[]string{"usage_type", "result"},
	)

	QuotaWarningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_metering_quota_warnings_total",
			Help: "Allowed checks that crossed the 80% utilization threshold.",
		},
		[]string{"usage_type"},
	)

	EstimationRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "silo_metering_estimation_ratio",
			Help: "Ratio currently used by the response amount estimator.",
		},
	)

	AccuracySamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silo_metering_accuracy_samples_total",
			Help: "Accuracy samples persisted for estimator recalibration.",
		},
	)

	ResetMarksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silo_metering_reset_marks_total",
			Help: "Users marked for a quota reset notification.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QuotaChecksTotal,
		QuotaCommitsTotal,
		QuotaWarningsTotal,
		EstimationRatio,
		AccuracySamplesTotal,
		ResetMarksTotal,
	)
}
