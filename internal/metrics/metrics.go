package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbase_client_calls_total",
			Help: "Total number of remote function calls",
		},
		[]string{"kind", "status"},
	)

	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fluxbase_client_call_duration_seconds",
			Help:    "Remote call round-trip duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"kind"},
	)

	// Subscription metrics
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fluxbase_client_active_subscriptions",
			Help: "Current number of distinct live subscriptions",
		},
	)

	UpdatesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxbase_client_updates_delivered_total",
			Help: "Total number of subscription updates delivered to watchers",
		},
	)

	// Transport metrics
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxbase_client_reconnects_total",
			Help: "Total number of transport reconnect attempts",
		},
	)

	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fluxbase_client_connected",
			Help: "Whether the transport currently has a live session (1 or 0)",
		},
	)

	// Auth metrics
	AuthRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbase_client_auth_refreshes_total",
			Help: "Total number of auth token refresh attempts",
		},
		[]string{"status"},
	)

	// Simulator metrics
	SimConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fluxbase_sim_connections",
			Help: "Current number of simulator WebSocket sessions",
		},
	)

	SimMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbase_sim_messages_total",
			Help: "Total number of simulator messages handled",
		},
		[]string{"type"},
	)
)

// RecordCall records a completed remote function call
func RecordCall(kind, status string, duration float64) {
	CallsTotal.WithLabelValues(kind, status).Inc()
	CallDuration.WithLabelValues(kind).Observe(duration)
}

// SetActiveSubscriptions sets the distinct subscription gauge
func SetActiveSubscriptions(count float64) {
	ActiveSubscriptions.Set(count)
}

// RecordUpdateDelivered increments the delivered update counter
func RecordUpdateDelivered() {
	UpdatesDelivered.Inc()
}

// RecordReconnect increments the reconnect attempt counter
func RecordReconnect() {
	Reconnects.Inc()
}

// SetConnected records whether a session is currently live
func SetConnected(connected bool) {
	if connected {
		ConnectionState.Set(1)
	} else {
		ConnectionState.Set(0)
	}
}

// RecordAuthRefresh records an auth token refresh attempt
func RecordAuthRefresh(status string) {
	AuthRefreshes.WithLabelValues(status).Inc()
}

// SetSimConnections sets the simulator session gauge
func SetSimConnections(count float64) {
	SimConnections.Set(count)
}

// RecordSimMessage records a simulator message by envelope type
func RecordSimMessage(msgType string) {
	SimMessages.WithLabelValues(msgType).Inc()
}
