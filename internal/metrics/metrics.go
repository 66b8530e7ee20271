// Package metrics provides Prometheus instrumentation for the Pulse chat
// server. It exposes gauges for connection and subscription counts, counters
// for typing and message throughput, and a histogram for presence sweep
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveSubscriptions tracks the current number of live typing subscriptions.
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_typing_subscriptions",
		Help: "Current number of live typing subscriptions",
	})

	// TypingUpdates counts typing status updates, labeled by result:
	// "ok", "rejected", or "failed".
	TypingUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_typing_updates_total",
		Help: "Total number of typing status updates processed",
	}, []string{"result"}) // result = "ok", "rejected", "failed"

	// SweptEntries counts typing entries evicted by the expiry sweeper.
	SweptEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_swept_typing_entries_total",
		Help: "Total number of stale typing entries evicted by the sweeper",
	})

	// SweepDuration records the duration of a full sweep pass in seconds.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_sweep_duration_seconds",
		Help:    "Duration of a presence sweep pass in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MessagesTotal counts channel messages processed, labeled by type:
	// "sent", "delivered", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_messages_total",
		Help: "Total number of channel messages processed",
	}, []string{"type"}) // type = "sent", "delivered", "rejected"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveSubscriptions,
		TypingUpdates,
		SweptEntries,
		SweepDuration,
		MessagesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
