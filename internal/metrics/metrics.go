// Package metrics exposes Prometheus collectors for the stats and alerting service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	resolutionsTotal           *prometheus.CounterVec
	resolutionFailuresTotal    *prometheus.CounterVec
	backupWritesTotal          *prometheus.CounterVec
	alertFlagsTotal            *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	controlActionsTotal        *prometheus.CounterVec
	trackedJobs                prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		resolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlwatch_resolutions_total",
				Help: "Total number of resolved stats snapshots, labeled by provenance.",
			},
			[]string{"provenance"},
		)

		resolutionFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlwatch_resolution_failures_total",
				Help: "Total number of failed resolutions, labeled by reason.",
			},
			[]string{"reason"},
		)

		backupWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlwatch_backup_writes_total",
				Help: "Total number of backup snapshot writes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		alertFlagsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlwatch_alert_flags_total",
				Help: "Total number of alert evaluations that produced a flag, labeled by flag.",
			},
			[]string{"flag"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlwatch_notifications_total",
				Help: "Total number of notifications, labeled by outcome (sent, suppressed, dropped, error).",
			},
			[]string{"outcome"},
		)

		controlActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlwatch_control_actions_total",
				Help: "Total number of job-control actions, labeled by action and outcome.",
			},
			[]string{"action", "outcome"},
		)

		trackedJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlwatch_tracked_jobs",
				Help: "Number of jobs with alerting state held in memory.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// The Observe helpers are no-ops until Init runs, so library packages can
// call them from tests without registering collectors.

// ObserveResolution counts a resolved snapshot by provenance.
func ObserveResolution(provenance string) {
	if resolutionsTotal == nil {
		return
	}
	if provenance == "" {
		provenance = "text"
	}
	resolutionsTotal.WithLabelValues(provenance).Inc()
}

// ObserveResolutionFailure counts a failed resolution.
func ObserveResolutionFailure(reason string) {
	if resolutionFailuresTotal == nil {
		return
	}
	resolutionFailuresTotal.WithLabelValues(reason).Inc()
}

// ObserveBackupWrite counts a backup write by outcome ("ok" or "error").
func ObserveBackupWrite(outcome string) {
	if backupWritesTotal == nil {
		return
	}
	backupWritesTotal.WithLabelValues(outcome).Inc()
}

// ObserveAlertFlag counts an evaluation that produced the given flag.
func ObserveAlertFlag(flag string) {
	if alertFlagsTotal == nil {
		return
	}
	alertFlagsTotal.WithLabelValues(flag).Inc()
}

// ObserveNotification counts a notification outcome.
func ObserveNotification(outcome string) {
	if notificationsTotal == nil {
		return
	}
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveControlAction counts a stop or force-stop attempt.
func ObserveControlAction(action, outcome string) {
	if controlActionsTotal == nil {
		return
	}
	controlActionsTotal.WithLabelValues(action, outcome).Inc()
}

// SetTrackedJobs records the size of the alert state table.
func SetTrackedJobs(n int) {
	if trackedJobs == nil {
		return
	}
	trackedJobs.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
