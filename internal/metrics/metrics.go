// Package metrics provides Prometheus instrumentation for the realtime core.
// It exposes gauges for live connections and calls, counters for message
// and notification throughput, and histograms for pipeline latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open client connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "haven_connections_total",
		Help: "Current number of open client connections",
	})

	// OnlineIdentities tracks identities with at least one live connection.
	OnlineIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "haven_online_identities",
		Help: "Identities with at least one live connection",
	})

	// MessagesTotal counts messages handled by the pipeline, labeled by
	// outcome: "sent", "duplicate", "rejected", "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_messages_total",
		Help: "Total number of messages handled by the pipeline",
	}, []string{"outcome"})

	// MessageLatency records send pipeline latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "haven_message_latency_seconds",
		Help:    "Message send pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 3},
	})

	// CrisisAlerts counts crisis detections by severity.
	CrisisAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_crisis_alerts_total",
		Help: "Crisis keyword detections by severity",
	}, []string{"severity"})

	// RateLimited counts rejected actions by rule name.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_rate_limited_total",
		Help: "Actions rejected by the rate limiter",
	}, []string{"rule"})

	// SlowConsumers counts connections closed because their send queue filled.
	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "haven_slow_consumers_total",
		Help: "Connections force-closed because their send queue was full",
	})

	// ActiveCalls tracks calls that are ringing or active.
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "haven_active_calls",
		Help: "Calls currently ringing or active",
	})

	// NotificationsTotal counts notifications by channel: "live" or "offline".
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_notifications_total",
		Help: "Notifications dispatched by channel",
	}, []string{"channel"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineIdentities,
		MessagesTotal,
		MessageLatency,
		CrisisAlerts,
		RateLimited,
		SlowConsumers,
		ActiveCalls,
		NotificationsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
