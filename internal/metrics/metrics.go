// Package metrics defines the Prometheus metrics exported on /metrics.
//
// Naming:
//   - coldeye_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every collector served by the API.
var Registry = prometheus.NewRegistry()

var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldeye_evaluation_cycles_total",
			Help: "Evaluation cycles by outcome.",
		},
		[]string{"outcome"},
	)

	CycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coldeye_evaluation_cycle_duration_seconds",
			Help:    "Wall time of a full evaluation cycle.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	UnitEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldeye_unit_evaluations_total",
			Help: "Per-unit evaluations by result (ok, error, skipped_locked).",
		},
		[]string{"result"},
	)

	ComputedAlerts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coldeye_computed_alerts",
			Help: "Alerts computed in the most recent cycle by severity.",
		},
		[]string{"severity"},
	)

	UnitsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coldeye_units",
			Help: "Units by derived status after the most recent cycle.",
		},
		[]string{"status"},
	)

	ReadingsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldeye_readings_ingested_total",
			Help: "Telemetry readings accepted by source transport.",
		},
		[]string{"transport"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldeye_notifications_total",
			Help: "Notification attempts by channel and status.",
		},
		[]string{"channel", "status"},
	)

	DispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coldeye_dispatch_queue_depth",
			Help: "Jobs waiting in the notification dispatch queue.",
		},
	)

	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldeye_escalation_actions_total",
			Help: "Escalation actions by kind, e.g. initial, step, reminder, resolved, paused or stale.",
		},
		[]string{"kind"},
	)

	ChannelsDisabledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coldeye_channels_disabled_total",
			Help: "Channels switched off after exhausting delivery retries.",
		},
		[]string{"channel"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		CyclesTotal,
		CycleDurationSeconds,
		UnitEvaluationsTotal,
		ComputedAlerts,
		UnitsByStatus,
		ReadingsIngestedTotal,
		NotificationsTotal,
		DispatchQueueDepth,
		EscalationsTotal,
		ChannelsDisabledTotal,
	)
}

// RecordCycle records a finished evaluation cycle.
func RecordCycle(outcome string, d time.Duration) {
	CyclesTotal.WithLabelValues(outcome).Inc()
	CycleDurationSeconds.Observe(d.Seconds())
}

func RecordUnitEvaluation(result string) {
	UnitEvaluationsTotal.WithLabelValues(result).Inc()
}

// SetComputed replaces the per-severity alert gauges.
func SetComputed(critical, warning int) {
	ComputedAlerts.WithLabelValues("critical").Set(float64(critical))
	ComputedAlerts.WithLabelValues("warning").Set(float64(warning))
}

// SetUnitStatuses replaces the per-status unit gauges.
func SetUnitStatuses(counts map[string]int) {
	UnitsByStatus.Reset()
	for status, n := range counts {
		UnitsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func RecordReadings(transport string, n int) {
	ReadingsIngestedTotal.WithLabelValues(transport).Add(float64(n))
}

func RecordNotification(channel, status string) {
	NotificationsTotal.WithLabelValues(channel, status).Inc()
}

func RecordEscalation(kind string) {
	EscalationsTotal.WithLabelValues(kind).Inc()
}

func RecordChannelDisabled(channel string) {
	ChannelsDisabledTotal.WithLabelValues(channel).Inc()
}
