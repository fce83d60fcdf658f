// Package metrics exposes Prometheus counters for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Streaming metrics
	StreamUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawrelay_stream_units_total",
			Help: "Message units closed, by reason",
		},
		[]string{"reason"}, // "idle", "overflow", "final"
	)

	TransportCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawrelay_transport_calls_total",
			Help: "Transport calls by operation and result",
		},
		[]string{"op", "result"},
	)

	// Arbitration metrics
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawrelay_inbound_messages_total",
			Help: "Observed chat messages by sender kind and decision",
		},
		[]string{"sender", "decision"},
	)

	PendingReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawrelay_pending_replies_total",
			Help: "Pending agent reply lifecycle events",
		},
		[]string{"event"}, // "queued", "replaced", "fired", "cancelled"
	)

	// Execution metrics
	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawrelay_runs_total",
			Help: "Injection runs by outcome",
		},
		[]string{"outcome"}, // "ok", "cancelled", "failed", "busy"
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clawrelay_run_duration_seconds",
			Help:    "Injection run duration",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)
