package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CommandsEnqueued counts commands accepted by the queue.
	CommandsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_commands_enqueued_total",
			Help: "Total number of commands accepted by the queue.",
		},
		[]string{"type"},
	)

	// CommandsFinished counts commands reaching a terminal status.
	CommandsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_commands_finished_total",
			Help: "Total number of commands that completed or failed.",
		},
		[]string{"status"},
	)

	// RelayPulses counts pulses sent on the relay bus.
	// mode: multi/single, result: ok/error.
	RelayPulses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_relay_pulses_total",
			Help: "Total number of relay pulses by write mode and result.",
		},
		[]string{"mode", "result"},
	)

	// OpenLatency records the time an open request spent on the bus.
	OpenLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockerd_open_duration_seconds",
			Help:    "Duration of locker open sequences including burst retries.",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 12},
		},
		[]string{"result"},
	)

	// LockerTransitions counts committed locker state transitions.
	LockerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_locker_transitions_total",
			Help: "Total number of locker state transitions.",
		},
		[]string{"from", "to"},
	)

	// Heartbeats counts heartbeat ingestions per kiosk.
	Heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_kiosk_heartbeats_total",
			Help: "Total number of kiosk heartbeats received.",
		},
		[]string{"kiosk"},
	)

	// AlertsSent counts operator push alerts by result: ok/error/dropped.
	AlertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_alerts_sent_total",
			Help: "Total number of operator push alerts.",
		},
		[]string{"result"},
	)

	// AuditEventsDropped counts stored audit events that were not published
	// because the publish queue was full.
	AuditEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockerd_audit_events_unpublished_total",
			Help: "Total number of audit events stored but not handed to publishers.",
		},
	)
)

func init() {
	prometheus.MustRegister(CommandsEnqueued)
	prometheus.MustRegister(CommandsFinished)
	prometheus.MustRegister(RelayPulses)
	prometheus.MustRegister(OpenLatency)
	prometheus.MustRegister(LockerTransitions)
	prometheus.MustRegister(Heartbeats)
	prometheus.MustRegister(AlertsSent)
	prometheus.MustRegister(AuditEventsDropped)
}
