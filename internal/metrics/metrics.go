// Package metrics registers the pipeline's Prometheus collectors. They are
// package-level so any stage can record without carrying a registry around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bus metrics
	BusPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_bus_published_total",
			Help: "Payloads accepted by the event bus, by topic",
		},
		[]string{"topic"},
	)

	BusDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_bus_dropped_total",
			Help: "Payloads dropped by the event bus, by topic and reason",
		},
		[]string{"topic", "reason"},
	)

	BusBrokerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_bus_broker_connected",
			Help: "1 while the broker transport is connected, 0 while degraded to memory",
		},
	)

	// Detection metrics
	PacketsProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_packets_processed_total",
			Help: "Packets consumed from the packet source",
		},
	)

	PacketsInvalidTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_packets_invalid_total",
			Help: "Packets dropped by validation before flow aggregation",
		},
	)

	FlowsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_flows_tracked",
			Help: "Flows currently resident in the flow table",
		},
	)

	FlowsEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_flows_evicted_total",
			Help: "Flows evicted from the flow table, by reason (idle, lru)",
		},
		[]string{"reason"},
	)

	AlertsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_emitted_total",
			Help: "Alerts emitted by the detection engine, by severity",
		},
		[]string{"severity"},
	)

	ScoreBatchSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_score_batch_seconds",
			Help:    "Latency of one micro-batch scoring pass",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100us .. ~1.6s
		},
	)

	// Investigation metrics
	TILookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_ti_lookups_total",
			Help: "Threat-intel lookups, by provider and outcome (hit, call, error, ratelimited)",
		},
		[]string{"provider", "outcome"},
	)

	InvestigationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_investigation_seconds",
			Help:    "Wall time of one investigation including TI fan-out",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~65s
		},
	)

	ReportsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_reports_emitted_total",
			Help: "Investigation reports emitted, by verdict",
		},
		[]string{"verdict"},
	)

	// Response metrics
	ActionsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_actions_executed_total",
			Help: "Actions executed, by action type and result class",
		},
		[]string{"action_type", "result"},
	)

	ActionSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_action_seconds",
			Help:    "Latency of action execution",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		},
		[]string{"action_type"},
	)

	GateDowngradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_gate_downgrades_total",
			Help: "Safety-gate downgrades, by rule (whitelist, protected_network, low_confidence)",
		},
		[]string{"rule"},
	)

	// Repository metrics
	RepositoryWriteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_repository_write_failures_total",
			Help: "Repository writes that failed after retry, by table",
		},
		[]string{"table"},
	)
)

// RecordActionResult collapses free-form action results into a bounded
// label set so the metric cardinality stays fixed.
func RecordActionResult(actionType, result string) {
	class := "ok"
	switch {
	case result == "timeout":
		class = "timeout"
	case len(result) >= 6 && result[:6] == "error:":
		class = "error"
	}
	ActionsExecutedTotal.WithLabelValues(actionType, class).Inc()
}
