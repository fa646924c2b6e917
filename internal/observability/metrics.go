// Package observability holds the Prometheus metrics and OpenTelemetry
// tracing used across the scheduler.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coaching_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coaching_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Session lifecycle metrics
	sessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coaching_session_transitions_total",
			Help: "Total number of session lifecycle operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Calendar sync metrics
	syncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coaching_calendar_sync_runs_total",
			Help: "Total number of calendar sync runs",
		},
		[]string{"provider", "direction", "status"},
	)

	syncRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coaching_calendar_sync_duration_seconds",
			Help:    "Calendar sync run duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	syncEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coaching_calendar_sync_events_total",
			Help: "Events touched by calendar sync runs",
		},
		[]string{"provider", "change"},
	)

	providerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coaching_calendar_provider_call_duration_seconds",
			Help:    "Calendar provider call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
		},
		[]string{"provider", "operation", "outcome"},
	)

	tokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coaching_calendar_token_refreshes_total",
			Help: "OAuth token refresh attempts",
		},
		[]string{"provider", "status"},
	)

	// Notification metrics
	notificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coaching_notifications_sent_total",
			Help: "Notifications marked as sent",
		},
		[]string{"type"},
	)

	initOnce sync.Once
)

// InitMetrics registers the metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			sessionTransitionsTotal,
			syncRunsTotal,
			syncRunDuration,
			syncEventsTotal,
			providerCallDuration,
			tokenRefreshesTotal,
			notificationsSentTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordSessionTransition counts a lifecycle operation such as "cancel".
func RecordSessionTransition(operation, outcome string) {
	sessionTransitionsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordSyncRun records a finished sync run and its change counts.
func RecordSyncRun(provider, direction, status string, created, updated, deleted int, duration time.Duration) {
	syncRunsTotal.WithLabelValues(provider, direction, status).Inc()
	syncRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
	syncEventsTotal.WithLabelValues(provider, "created").Add(float64(created))
	syncEventsTotal.WithLabelValues(provider, "updated").Add(float64(updated))
	syncEventsTotal.WithLabelValues(provider, "deleted").Add(float64(deleted))
}

// RecordTokenRefresh counts a token refresh attempt.
func RecordTokenRefresh(provider, status string) {
	tokenRefreshesTotal.WithLabelValues(provider, status).Inc()
}

// RecordNotificationSent counts a notification flag flip.
func RecordNotificationSent(kind string) {
	notificationsSentTotal.WithLabelValues(kind).Inc()
}

// RecordProviderCall records the latency and outcome of one calendar provider call.
func RecordProviderCall(provider, operation, outcome string, duration time.Duration) {
	providerCallDuration.WithLabelValues(provider, operation, outcome).Observe(duration.Seconds())
}
