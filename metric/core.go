// Package metric provides Prometheus-based metrics collection and an HTTP
// server for monitoring the acquisition core: per-stream sample counters,
// staleness transitions, bridge queue drops, and transport health.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not per-instance)
type Metrics struct {
	// Acquisition metrics
	SamplesReceived  *prometheus.CounterVec
	SamplesPersisted *prometheus.CounterVec
	WriteFailures    *prometheus.CounterVec
	StaleTransitions *prometheus.CounterVec

	// Event log metrics
	EventsAppended  prometheus.Counter
	EventsPersisted prometheus.Counter

	// Session metrics
	SessionActive    prometheus.Gauge
	StreamsRecording prometheus.Gauge

	// Bridge metrics
	SamplesForwarded     prometheus.Counter
	SamplesDropped       prometheus.Counter
	DownstreamConnected  prometheus.Gauge
	DownstreamReconnects prometheus.Counter

	// Transport metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SamplesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "realtime_mrs",
				Subsystem: "samples",
				Name:      "received_total",
				Help:      "Total number of samples pulled from subscriptions",
			},
			[]string{"stream"},
		),

		SamplesPersisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "realtime_mrs",
				Subsystem: "samples",
				Name:      "persisted_total",
				Help:      "Total number of samples written to session files",
			},
			[]string{"stream"},
		),

		WriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "realtime_mrs",
				Subsystem: "recorder",
				Name:      "write_failures_total",
				Help:      "Total number of failed sample/event batch writes",
			},
			[]string{"stream"},
		),

		StaleTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "realtime_mrs",
				Subsystem: "streams",
				Name:      "stale_transitions_total",
				Help:      "Total number of staleness state transitions",
			},
			[]string{"stream", "state"},
		),

		EventsAppended: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "realtime_mrs",
				Subsystem: "events",
				Name:      "appended_total",
				Help:      "Total number of events appended to the event log",
			},
		),

		EventsPersisted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "realtime_mrs",
				Subsystem: "events",
				Name:      "persisted_total",
				Help:      "Total number of events drained and persisted",
			},
		),

		SessionActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "realtime_mrs",
				Subsystem: "recorder",
				Name:      "session_active",
				Help:      "Whether a recording session is active (0 or 1)",
			},
		),

		StreamsRecording: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "realtime_mrs",
				Subsystem: "recorder",
				Name:      "streams_recording",
				Help:      "Number of streams currently being recorded",
			},
		),

		SamplesForwarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "realtime_mrs",
				Subsystem: "bridge",
				Name:      "forwarded_total",
				Help:      "Total number of samples forwarded downstream",
			},
		),

		SamplesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "realtime_mrs",
				Subsystem: "bridge",
				Name:      "dropped_total",
				Help:      "Total number of samples dropped from the bridge queue",
			},
		),

		DownstreamConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "realtime_mrs",
				Subsystem: "bridge",
				Name:      "downstream_connected",
				Help:      "Whether the downstream connection is established (0 or 1)",
			},
		),

		DownstreamReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "realtime_mrs",
				Subsystem: "bridge",
				Name:      "downstream_reconnects_total",
				Help:      "Total number of downstream reconnection attempts",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "realtime_mrs",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "Whether the NATS connection is established (0 or 1)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "realtime_mrs",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}
