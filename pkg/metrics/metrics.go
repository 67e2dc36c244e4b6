package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "archetype_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	LabsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "archetype_labs_total",
			Help: "Total number of labs by state",
		},
		[]string{"state"},
	)

	NodeStatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "archetype_node_states_total",
			Help: "Total number of node states by actual state",
		},
		[]string{"state"},
	)

	LinksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "archetype_links_total",
			Help: "Total number of links by actual state and locality",
		},
		[]string{"state", "cross_host"},
	)

	VxlanTunnelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "archetype_vxlan_tunnels_total",
			Help: "Total number of VXLAN tunnel ledger entries by status",
		},
		[]string{"status"},
	)

	// Job pipeline metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archetype_jobs_total",
			Help: "Total number of jobs by action verb and final status",
		},
		[]string{"verb", "status"},
	)

	JobConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archetype_job_conflicts_total",
			Help: "Total number of jobs rejected at admission due to conflicts",
		},
	)

	JobFailureReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archetype_job_failure_reasons_total",
			Help: "Total number of failed jobs by classified reason",
		},
		[]string{"reason"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archetype_job_duration_seconds",
			Help:    "Job duration in seconds by action verb",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)

	// Reconciliation metrics
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archetype_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archetype_reconciliation_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodeFlapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archetype_node_flaps_total",
			Help: "Total number of rapid node state oscillations detected",
		},
		[]string{"lab_id"},
	)

	// Enforcement metrics
	EnforcementAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archetype_enforcement_attempts_total",
			Help: "Total number of enforcement dispatches",
		},
	)

	EnforcementExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archetype_enforcement_exhausted_total",
			Help: "Total number of node states that hit the enforcement circuit breaker",
		},
	)

	// Agent RPC metrics
	AgentCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archetype_agent_calls_total",
			Help: "Total number of agent RPC calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	AgentCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archetype_agent_call_duration_seconds",
			Help:    "Agent RPC call duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Cleanup substrate metrics
	CleanupEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archetype_cleanup_events_total",
			Help: "Total number of cleanup events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	CleanupEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archetype_cleanup_events_dropped_total",
			Help: "Total number of cleanup events dropped because the queue was full",
		},
	)

	CleanupQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archetype_cleanup_queue_depth",
			Help: "Current depth of the cleanup event queue",
		},
	)

	CleanupBreakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "archetype_cleanup_breaker_open",
			Help: "Whether the circuit breaker for a cleanup handler is open (1) or closed (0)",
		},
		[]string{"handler"},
	)

	CleanupSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archetype_cleanup_sweeps_total",
			Help: "Total number of periodic cleanup sweep cycles",
		},
	)

	// Broadcaster metrics
	BroadcastSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archetype_broadcast_subscribers",
			Help: "Current number of live-state subscribers",
		},
	)

	BroadcastDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archetype_broadcast_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(LabsTotal)
	prometheus.MustRegister(NodeStatesTotal)
	prometheus.MustRegister(LinksTotal)
	prometheus.MustRegister(VxlanTunnelsTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobConflictsTotal)
	prometheus.MustRegister(JobFailureReasons)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(NodeFlapsTotal)
	prometheus.MustRegister(EnforcementAttemptsTotal)
	prometheus.MustRegister(EnforcementExhaustedTotal)
	prometheus.MustRegister(AgentCallsTotal)
	prometheus.MustRegister(AgentCallDuration)
	prometheus.MustRegister(CleanupEventsTotal)
	prometheus.MustRegister(CleanupEventsDropped)
	prometheus.MustRegister(CleanupQueueDepth)
	prometheus.MustRegister(CleanupBreakerOpen)
	prometheus.MustRegister(CleanupSweepsTotal)
	prometheus.MustRegister(BroadcastSubscribers)
	prometheus.MustRegister(BroadcastDroppedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
