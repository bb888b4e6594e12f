// Package metrics publishes the engine's Prometheus series (spec.md
// §6: "counters/gauges for jobs by status, phases dispatched,
// activities pending, activation-slot occupancy"). Collectors are
// package-level, registered against the default registry on import,
// the same shape as the pack's pkg/metrics packages: Record*/Set*
// functions wrapping promauto-built vectors, with Handler exposing
// them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "provisioner"

var (
	// JobsTotal counts terminal job outcomes by workflow and final status.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Total jobs reaching a terminal status, by workflow and status.",
	}, []string{"workflow", "status"})

	// PhasesDispatchedTotal counts every phase dispatch, by workflow,
	// phase id, and whether it ran per-unit or once globally.
	PhasesDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "phases_dispatched_total",
		Help:      "Total phase executions dispatched, by workflow, phase, and scope.",
	}, []string{"workflow", "phase", "scope"})

	// PhaseDuration observes phase execution wall time in seconds, by
	// workflow, phase, and outcome.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "phase_duration_seconds",
		Help:      "Phase execution duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"workflow", "phase", "outcome"})

	// ActivitiesPending reports activities currently awaiting
	// resolution for a job, so it can be deleted once the job finishes
	// rather than leaking a stale series forever.
	ActivitiesPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "activities_pending",
		Help:      "Activities currently awaiting resolution, by job.",
	}, []string{"job_id"})

	// ActivationSlotsOccupied reports how many of a job's activation
	// slots are currently held between an ACQUIRE and its paired
	// RELEASE phase.
	ActivationSlotsOccupied = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "activation_slots_occupied",
		Help:      "Activation slots currently held, by job.",
	}, []string{"job_id"})

	// JobsActive gauges in-flight (non-terminal) jobs by workflow.
	JobsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_active",
		Help:      "Jobs currently not in a terminal status, by workflow.",
	}, []string{"workflow"})
)

// RecordJobStarted increments the active-job gauge for workflow. Call
// once per Run invocation.
func RecordJobStarted(workflowName string) {
	JobsActive.WithLabelValues(workflowName).Inc()
}

// RecordJobFinished decrements the active-job gauge and records the
// terminal outcome. Call exactly once per job, when it leaves Run.
func RecordJobFinished(workflowName, status string) {
	JobsActive.WithLabelValues(workflowName).Dec()
	JobsTotal.WithLabelValues(workflowName, status).Inc()
}

// RecordPhaseDispatch records one phase dispatch.
func RecordPhaseDispatch(workflowName, phaseID, scope string) {
	PhasesDispatchedTotal.WithLabelValues(workflowName, phaseID, scope).Inc()
}

// ObservePhaseDuration records how long a phase took to run.
func ObservePhaseDuration(workflowName, phaseID, outcome string, seconds float64) {
	PhaseDuration.WithLabelValues(workflowName, phaseID, outcome).Observe(seconds)
}

// SetActivitiesPending sets the pending-activity gauge for a job.
func SetActivitiesPending(jobID string, n int) {
	ActivitiesPending.WithLabelValues(jobID).Set(float64(n))
}

// SetActivationSlotsOccupied sets the activation-slot gauge for a job.
func SetActivationSlotsOccupied(jobID string, n int) {
	ActivationSlotsOccupied.WithLabelValues(jobID).Set(float64(n))
}

// ClearJob removes a finished job's per-job series so they don't
// accumulate forever across the fleet's job history.
func ClearJob(jobID string) {
	ActivitiesPending.DeleteLabelValues(jobID)
	ActivationSlotsOccupied.DeleteLabelValues(jobID)
}

// Handler exposes the default registry for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
