// Package metrics holds the process-wide Prometheus registry and the
// instruments every engine decision reports to.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the supervisor's metrics registry, exposed by the daemon.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		TasksDispatched, DispatchRefused, RunsFinished, RunDuration,
		RetriesScheduled, TerminalFailures, LeasesReclaimed,
		CycleEnds, AnomaliesDetected, ReplanOutcomes, QueueDepth,
	)
}

// TasksDispatched counts successful dispatches per agent role.
var TasksDispatched = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tiger_tasks_dispatched_total",
		Help: "Tasks handed to an agent, by role.",
	},
	[]string{"role"},
)

// DispatchRefused counts envelopes dropped or deferred, by reason.
var DispatchRefused = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tiger_dispatch_refused_total",
		Help: "Dispatch refusals, by reason (stale, conflict, no_agent, lease_lost).",
	},
	[]string{"reason"},
)

// RunsFinished counts run outcomes.
var RunsFinished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tiger_runs_finished_total",
		Help: "Finished runs, by status.",
	},
	[]string{"status"},
)

// RunDuration observes wall time of finished runs.
var RunDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tiger_run_duration_seconds",
		Help:    "Run duration from start to finish.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	},
)

// RetriesScheduled counts requeues, by failure category.
var RetriesScheduled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tiger_retries_scheduled_total",
		Help: "Task retries scheduled, by failure category.",
	},
	[]string{"category"},
)

// TerminalFailures counts tasks failed permanently, by canonical code.
var TerminalFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tiger_terminal_failures_total",
		Help: "Tasks terminated as failed, by failure code.",
	},
	[]string{"code"},
)

// LeasesReclaimed counts leases recovered from dead agents.
var LeasesReclaimed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tiger_leases_reclaimed_total",
		Help: "Leases reclaimed from dead agents.",
	},
)

// CycleEnds counts cycle terminations, by trigger type.
var CycleEnds = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tiger_cycle_ends_total",
		Help: "Cycle ends, by trigger type.",
	},
	[]string{"trigger"},
)

// AnomaliesDetected counts anomaly scan findings, by kind and severity.
var AnomaliesDetected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tiger_anomalies_detected_total",
		Help: "Anomalies detected by the monitor tick.",
	},
	[]string{"kind", "severity"},
)

// ReplanOutcomes counts replan evaluations, by outcome.
var ReplanOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tiger_replan_outcomes_total",
		Help: "Replan evaluations (triggered, skipped, finished, failed).",
	},
	[]string{"outcome"},
)

// QueueDepth reports ready jobs per queue.
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "tiger_queue_depth",
		Help: "Ready jobs per queue.",
	},
	[]string{"queue"},
)
