// Package metrics exposes the Prometheus counters and histograms described
// in spec.md §4.9 (Run Log / Metrics): invocation counts per function and
// tenant, scheduler queue depths, and worker slot utilization.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the platform's Prometheus collectors, kept separate from
// the global default registry so tests can spin up isolated instances.
var Registry = prometheus.NewRegistry()

var (
	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "r3e_faas",
			Subsystem: "invocations",
			Name:      "total",
			Help:      "Total invocation outcomes by function, tenant, and state (terminal or retrying).",
		},
		[]string{"function_id", "tenant", "state"},
	)

	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "r3e_faas",
			Subsystem: "invocations",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of invocation runs, by outcome state (terminal or retrying).",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"function_id", "state"},
	)

	schedulerQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "r3e_faas",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Current depth of scheduler queues.",
		},
		[]string{"queue"},
	)

	workerSlotUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "r3e_faas",
			Subsystem: "worker",
			Name:      "slots_in_use",
			Help:      "Number of sandbox slots currently in use per worker.",
		},
		[]string{"worker_id"},
	)

	hostOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "r3e_faas",
			Subsystem: "hostbridge",
			Name:      "ops_total",
			Help:      "Total host-bridge operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)
)

func init() {
	Registry.MustRegister(invocations, invocationDuration, schedulerQueueDepth, workerSlotUtilization, hostOps)
}

// RecordInvocation records an invocation outcome's state and duration: a
// terminal state, or "retrying" for a transient failure that is re-queued.
func RecordInvocation(functionID, tenant, state string, duration time.Duration) {
	invocations.WithLabelValues(functionID, tenant, state).Inc()
	invocationDuration.WithLabelValues(functionID, state).Observe(duration.Seconds())
}

// SetQueueDepth reports a scheduler queue's current depth.
func SetQueueDepth(queue string, depth int) {
	schedulerQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetWorkerSlotsInUse reports a worker's current slot utilization.
func SetWorkerSlotsInUse(workerID string, inUse int) {
	workerSlotUtilization.WithLabelValues(workerID).Set(float64(inUse))
}

// RecordHostOp records a single host-bridge operation outcome.
func RecordHostOp(op, outcome string) {
	hostOps.WithLabelValues(op, outcome).Inc()
}

// Handler returns the HTTP handler serving the platform's metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
