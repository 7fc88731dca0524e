package ranksync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ranksync"

var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "client",
		Name:      "frames_received_total",
		Help:      "Inbound frames by message type.",
	}, []string{"type"})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "client",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames dropped as malformed.",
	})

	framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "client",
		Name:      "frames_sent_total",
		Help:      "Outbound frames by result.",
	}, []string{"result"})

	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "client",
		Name:      "reconnect_attempts_total",
		Help:      "Scheduled reconnect attempts.",
	})

	connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "client",
		Name:      "connection_state",
		Help:      "1 for the current connection state of each client, 0 otherwise.",
	}, []string{"state"})

	reconcilerApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "reconciler",
		Name:      "applied_total",
		Help:      "Reconciler inputs by kind and outcome.",
	}, []string{"kind", "outcome"})

	reconcilerClamped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "reconciler",
		Name:      "clamped_values_total",
		Help:      "Metric values clamped to zero.",
	})

	reconcilerProfiles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "reconciler",
		Name:      "profiles",
		Help:      "Profiles in the canonical table.",
	})
)

func reportConnectionState(previous ConnectionState, next ConnectionState) {
	if previous != next {
		connectionState.WithLabelValues(previous.String()).Dec()
		connectionState.WithLabelValues(next.String()).Inc()
	}
}
