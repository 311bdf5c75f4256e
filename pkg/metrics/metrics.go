package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_tasks_total",
			Help: "Number of tasks by status",
		},
		[]string{"status"},
	)

	TasksAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_tasks_admitted_total",
			Help: "Total admitted task submissions",
		},
	)

	AdmissionRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_admission_rejected_total",
			Help: "Rejected task submissions by reason",
		},
		[]string{"reason"},
	)

	// Auth metrics
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_auth_failures_total",
			Help: "Signed-request verification failures by internal reason",
		},
		[]string{"reason"},
	)

	NonceCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_nonce_cache_size",
			Help: "Current nonce cache entry count",
		},
	)

	// Worker metrics
	WorkerRuntime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_worker_runtime_seconds",
			Help:    "Worker wall-clock runtime from spawn to exit",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	SensitiveReverts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_sensitive_reverts_total",
			Help: "Sensitive files reverted by the guard",
		},
	)

	// Callback metrics
	CallbackDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_callback_deliveries_total",
			Help: "Callback delivery outcomes (accepted, permanent_reject, dropped)",
		},
		[]string{"outcome"},
	)

	CallbackRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_callback_retries_total",
			Help: "Callback delivery attempts beyond the first",
		},
	)

	// Token metrics
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_token_refreshes_total",
			Help: "Credential refresh outcomes (ok, error)",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		TasksAdmitted,
		AdmissionRejected,
		AuthFailures,
		NonceCacheSize,
		WorkerRuntime,
		SensitiveReverts,
		CallbackDeliveries,
		CallbackRetries,
		TokenRefreshes,
	)
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}
