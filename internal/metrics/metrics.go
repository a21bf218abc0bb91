package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequestsTotal counts logical backend calls by method and terminal outcome.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_api_requests_total",
			Help: "Total number of panel backend calls (by method and outcome).",
		},
		[]string{"method", "outcome"},
	)

	// APIRequestDuration measures logical backend calls, retries included.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "panel_api_request_duration_seconds",
			Help:    "Duration of panel backend calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"method"},
	)

	// TokenRefreshTotal counts calls to the refresh endpoint by outcome.
	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_token_refresh_total",
			Help: "Number of token refresh calls (by outcome).",
		},
		[]string{"outcome"},
	)

	// AuthRetriesTotal counts retries scheduled after a 401.
	AuthRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "panel_auth_retries_total",
			Help: "Number of request retries scheduled after an authentication failure.",
		},
	)

	// DedupRejectionsTotal counts calls rejected because an identical call was already retrying.
	DedupRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "panel_dedup_rejections_total",
			Help: "Number of calls rejected because an identical call was already refreshing.",
		},
	)

	// BroadcastEventsTotal counts credential events delivered to each sink.
	BroadcastEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_broadcast_events_total",
			Help: "Number of credential events forwarded to sinks (by sink and status).",
		},
		[]string{"sink", "status"},
	)
)

// IncAPIRequest increments the backend call counter.
func IncAPIRequest(method, outcome string) {
	APIRequestsTotal.WithLabelValues(method, outcome).Inc()
}

// IncTokenRefresh increments the refresh counter for the given outcome.
func IncTokenRefresh(outcome string) {
	TokenRefreshTotal.WithLabelValues(outcome).Inc()
}

// IncBroadcast records one event delivery attempt to a sink.
func IncBroadcast(sink, status string) {
	BroadcastEventsTotal.WithLabelValues(sink, status).Inc()
}

// ObserveDuration records elapsed time since start into a HistogramVec or SummaryVec.
func ObserveDuration(v any, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()
	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	}
}
