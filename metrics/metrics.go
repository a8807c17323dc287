// Package metrics exposes Prometheus instrumentation for the sync
// engine's push/pull/connection lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the engine's Prometheus collectors. Callers embed it
// into their own HTTP exposition surface; this package does not serve
// /metrics itself (the engine has no HTTP surface of its own).
var Registry = prometheus.NewRegistry()

var (
	// PendingEvents tracks the current size of each repository's
	// pending-push queue.
	PendingEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "syncengine",
			Name:      "pending_events",
			Help:      "Current number of events with sync_status=Pending per repository.",
		},
		[]string{"repository"},
	)

	// PushTotal counts push attempts by outcome.
	PushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncengine",
			Name:      "push_total",
			Help:      "Total number of events pushed to a sync strategy, by resulting status.",
		},
		[]string{"strategy", "status"},
	)

	// MergeTotal counts remote-merge outcomes.
	MergeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncengine",
			Name:      "merge_total",
			Help:      "Total number of merge_remote_event calls, by result.",
		},
		[]string{"repository", "result"},
	)

	// ConnectionState reports each strategy's last-known connectivity
	// as 0/1.
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "syncengine",
			Name:      "connection_state",
			Help:      "Last reported connectivity of a sync strategy (1=connected, 0=disconnected).",
		},
		[]string{"strategy"},
	)
)

func init() {
	Registry.MustRegister(PendingEvents, PushTotal, MergeTotal, ConnectionState)
}

// SetConnectionState records a strategy's connectivity as a gauge value.
func SetConnectionState(strategy string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	ConnectionState.WithLabelValues(strategy).Set(v)
}
