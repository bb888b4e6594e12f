package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetwire/provisioner/internal/activity"
	"github.com/fleetwire/provisioner/internal/job"
	"github.com/fleetwire/provisioner/internal/metrics"
	"github.com/fleetwire/provisioner/internal/phase"
	"github.com/fleetwire/provisioner/internal/slotgate"
	"github.com/fleetwire/provisioner/internal/workflow"
)

// tracer emits one span per job run and one per phase execution,
// per-unit or global (the validate phase included), so a job's run can
// be followed across a trace backend the same way its
// SSE stream follows it for a human.
var tracer = otel.Tracer("github.com/fleetwire/provisioner/internal/scheduler")

// unitResult is what a worker goroutine reports back to the loop.
type unitResult struct {
	unit         *job.UnitMapping
	phaseID      string
	outputs      phase.Outputs
	perr         *phase.PhaseError
	critical     bool
	acquiredSlot bool
	releaseSlot  bool
	durationMs   int64
}

// Run drives a RUNNING job's main execution loop to completion
// (spec.md §4.6 "Main execution loop"). It blocks until the job
// reaches a terminal status.
func (s *Scheduler) Run(ctx context.Context, wf *workflow.Compiled, j *job.Job) error {
	if j.Status != job.StatusRunning {
		return ErrWrongState
	}

	ctx, span := tracer.Start(ctx, "job.run",
		trace.WithAttributes(attribute.String("job_id", j.ID)))
	defer span.End()

	tracker := s.trackerFor(ctx, j.ID)
	gate := s.gateFor(j.ID, wf.Workflow.MaxActivationSlots)
	defer s.cleanupJob(j.ID)
	defer metrics.ClearJob(j.ID)

	s.events.JobStarted(ctx, j.ID)
	metrics.RecordJobStarted(j.WorkflowName)
	defer func() { metrics.RecordJobFinished(j.WorkflowName, string(j.Status)) }()

	maxConcurrent := s.cfg.MaxConcurrentUnits
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	sem := make(chan struct{}, maxConcurrent)
	results := make(chan unitResult, maxConcurrent*2)
	busy := make(map[string]bool, len(j.Units))

	var wg sync.WaitGroup
	var criticalGlobalFailure bool

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		cancelled, err := s.store.IsCancelled(ctx, j.ID)
		if err != nil {
			s.log.Warn("scheduler: cancellation check failed", "error", err, "job_id", j.ID)
		}
		if cancelled {
			s.cancelJob(ctx, j, tracker, gate, busy)
			wg.Wait()
			s.drainResults(ctx, j, gate, results)
			return nil
		}

		metrics.SetActivitiesPending(j.ID, tracker.Pending())
		metrics.SetActivationSlotsOccupied(j.ID, gate.Occupied())

		progressed := false
		if !criticalGlobalFailure {
			if failed := s.dispatchGlobalPhases(ctx, wf, j); failed {
				criticalGlobalFailure = true
			}
		}

		if !criticalGlobalFailure {
			for _, u := range sortedUnits(j) {
				if busy[u.UnitID] || u.Status.IsTerminal() {
					continue
				}

				ready := nextReadyPhase(wf, j, u)
				if ready == "" {
					// No ready phase remains: either everything completed,
					// or every remaining ready candidate already failed and
					// nothing downstream of it can ever become ready
					// (spec.md §4.2, §4.7 "unit continues with next ready
					// phase whose deps are satisfied").
					if len(u.FailedPhases) > 0 {
						u.Status = job.UnitFailed
					} else {
						u.Status = job.UnitCompleted
					}
					if err := s.store.SaveUnit(ctx, j.ID, u); err != nil {
						s.log.Warn("scheduler: failed to persist finished unit", "error", err, "unit_id", u.UnitID)
					}
					progressed = true
					continue
				}

				phaseID := ready
				pd, _ := wf.Graph.Phase(phaseID)

				if pd.SkipIf != nil && pd.SkipIf(j.Options, j.InputData) {
					u.CompletedPhases = append(u.CompletedPhases, phaseID)
					if err := s.store.SaveUnit(ctx, j.ID, u); err != nil {
						s.log.Warn("scheduler: failed to persist skipped phase", "error", err, "unit_id", u.UnitID, "phase_id", phaseID)
					}
					progressed = true
					continue
				}

				if pd.Executor == nil {
					u.FailedPhases = append(u.FailedPhases, phaseID)
					u.PhaseErrors[phaseID] = "no executor registered for phase"
					u.Status = job.UnitFailed
					_ = s.store.SaveUnit(ctx, j.ID, u)
					progressed = true
					continue
				}

				acquiredSlot := false
				if pd.ActivationSlot == workflow.ActivationSlotAcquire {
					if !gate.TryAcquire(u.UnitID) {
						continue
					}
					acquiredSlot = true
				}

				select {
				case sem <- struct{}{}:
				default:
					if acquiredSlot {
						gate.Release(u.UnitID)
					}
					continue
				}

				busy[u.UnitID] = true
				u.Status = job.UnitRunning
				u.CurrentPhase = phaseID
				if err := s.store.SaveUnit(ctx, j.ID, u); err != nil {
					s.log.Warn("scheduler: failed to persist unit dispatch", "error", err, "unit_id", u.UnitID)
				}
				s.events.PhaseStarted(ctx, j.ID, phaseID, u.UnitID)
				metrics.RecordPhaseDispatch(j.WorkflowName, phaseID, "per_unit")

				wg.Add(1)
				go s.runUnitPhase(ctx, j, u, pd, acquiredSlot, tracker, sem, &wg, results)
				progressed = true
			}
		}

		select {
		case r := <-results:
			s.applyUnitResult(ctx, j, gate, r, busy)
			progressed = true
		default:
		}

		if !progressed {
			select {
			case r := <-results:
				s.applyUnitResult(ctx, j, gate, r, busy)
			case <-ticker.C:
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			}
		}

		if !anyBusy(busy) && (criticalGlobalFailure || j.AllTerminal()) {
			wg.Wait()
			s.drainResults(ctx, j, gate, results)
			return s.finalize(ctx, j, criticalGlobalFailure)
		}
	}
}

// nextReadyPhase returns the first ready per-unit phase for u that
// hasn't already failed, or "" if none remains. A phase that failed
// (non-critical, after exhausting retries) is never re-dispatched, but
// it also never counts as completed, so downstream phases depending on
// it correctly stay un-ready forever (spec.md §4.2, §4.7).
func nextReadyPhase(wf *workflow.Compiled, j *job.Job, u *job.UnitMapping) string {
	failed := make(map[string]bool, len(u.FailedPhases))
	for _, id := range u.FailedPhases {
		failed[id] = true
	}
	for _, id := range wf.Graph.ReadyForUnit(u.CompletedSet(), j.GlobalCompletedSet()) {
		if !failed[id] {
			return id
		}
	}
	return ""
}

func anyBusy(busy map[string]bool) bool {
	for _, v := range busy {
		if v {
			return true
		}
	}
	return false
}

// drainResults processes any results that arrived after the loop
// decided to terminate, so a worker that finished between the busy
// check and wg.Wait() is never lost.
func (s *Scheduler) drainResults(ctx context.Context, j *job.Job, gate *slotgate.Gate, results chan unitResult) {
	for {
		select {
		case r := <-results:
			s.applyUnitResult(ctx, j, gate, r, map[string]bool{})
		default:
			return
		}
	}
}

// retryPolicy builds the exponential-backoff policy phase dispatch
// wraps every executor call in, from the engine's configured attempts
// and base delay (spec.md §7 item 3, §9 phase_retry_base_s).
func (s *Scheduler) retryPolicy() *phase.RetryPolicy {
	rp := phase.DefaultRetryPolicy()
	if s.cfg.PhaseRetryAttempts > 0 {
		rp.MaxAttempts = s.cfg.PhaseRetryAttempts
	}
	if s.cfg.PhaseRetryBase > 0 {
		rp.BaseDelay = s.cfg.PhaseRetryBase
	}
	return rp
}

func (s *Scheduler) runUnitPhase(ctx context.Context, j *job.Job, u *job.UnitMapping, pd workflow.PhaseDefinition,
	acquiredSlot bool, tracker *activity.Tracker, sem chan struct{}, wg *sync.WaitGroup, results chan<- unitResult) {
	defer wg.Done()
	defer func() { <-sem }()

	pc := &phase.Context{
		JobID:               j.ID,
		VenueID:             j.VenueID,
		TenantID:            j.TenantID,
		UnitID:              u.UnitID,
		Options:             j.Options,
		Upstream:            s.upstream,
		Activities:          tracker,
		Events:              s.events,
		Resources:           s.store,
		Retry:               s.retryPolicy(),
		ParallelConcurrency: s.cfg.ParallelMapDefaultConcurrency,
	}
	in := s.buildUnitInputs(j, u)

	ctx, span := tracer.Start(ctx, "phase."+pd.ID,
		trace.WithAttributes(
			attribute.String("job_id", j.ID),
			attribute.String("unit_id", u.UnitID),
			attribute.String("phase_id", pd.ID),
		))
	start := time.Now()
	var out phase.Outputs
	perr := pc.Retry.Execute(ctx, func() *phase.PhaseError {
		var e *phase.PhaseError
		out, e = pd.Executor.Execute(ctx, pc, in)
		return e
	})
	durationMs := time.Since(start).Milliseconds()
	if perr != nil {
		span.SetStatus(codes.Error, perr.Error())
	}
	span.End()

	results <- unitResult{
		unit:         u,
		phaseID:      pd.ID,
		outputs:      out,
		perr:         perr,
		critical:     pd.Critical,
		acquiredSlot: acquiredSlot,
		releaseSlot:  pd.ActivationSlot == workflow.ActivationSlotRelease,
		durationMs:   durationMs,
	}
}

func (s *Scheduler) applyUnitResult(ctx context.Context, j *job.Job, gate *slotgate.Gate, r unitResult, busy map[string]bool) {
	u := r.unit
	busy[u.UnitID] = false

	if u.Status.IsTerminal() {
		// The unit was cancelled (or otherwise finalized) while this
		// phase was still in flight; its outcome no longer matters.
		if r.acquiredSlot && !r.releaseSlot {
			gate.Release(u.UnitID)
		}
		return
	}
	u.CurrentPhase = ""

	if r.perr != nil {
		u.FailedPhases = append(u.FailedPhases, r.phaseID)
		u.PhaseErrors[r.phaseID] = r.perr.Error()
		s.events.PhaseCompleted(ctx, j.ID, r.phaseID, u.UnitID, "FAILED", r.durationMs)
		metrics.ObservePhaseDuration(j.WorkflowName, r.phaseID, "FAILED", float64(r.durationMs)/1000)
		if r.critical {
			u.Status = job.UnitFailed
		} else {
			// Retries already happened inside runUnitPhase; this phase
			// is done failing. The unit keeps going: the next dispatch
			// pass skips phaseID (it's in FailedPhases) and picks the
			// next ready phase whose deps are satisfied, finalizing the
			// unit as FAILED only once no such phase remains (spec.md
			// §4.2, §4.7).
			u.Status = job.UnitPending
		}
		gate.Release(u.UnitID)
	} else {
		for k, v := range r.outputs {
			u.Resolved[k] = v
		}
		u.CompletedPhases = append(u.CompletedPhases, r.phaseID)
		u.Status = job.UnitPending
		s.events.PhaseCompleted(ctx, j.ID, r.phaseID, u.UnitID, "COMPLETED", r.durationMs)
		metrics.ObservePhaseDuration(j.WorkflowName, r.phaseID, "COMPLETED", float64(r.durationMs)/1000)
		if r.releaseSlot {
			gate.Release(u.UnitID)
		}
	}

	if err := s.store.SaveUnit(ctx, j.ID, u); err != nil {
		s.log.Warn("scheduler: failed to persist unit phase result", "error", err, "unit_id", u.UnitID, "phase_id", r.phaseID)
	}
}

// cancelJob implements spec.md §4.6 step 1: wake all activity waiters,
// mark every non-terminal unit CANCELLED, release any activation
// slots it held, and set the job CANCELLED.
func (s *Scheduler) cancelJob(ctx context.Context, j *job.Job, tracker *activity.Tracker, gate *slotgate.Gate, busy map[string]bool) {
	tracker.CancelJob(j.ID)

	for _, u := range j.Units {
		if u.Status.IsTerminal() {
			continue
		}
		u.Status = job.UnitCancelled
		u.CurrentPhase = ""
		gate.Release(u.UnitID)
		if err := s.store.SaveUnit(ctx, j.ID, u); err != nil {
			s.log.Warn("scheduler: failed to persist cancelled unit", "error", err, "unit_id", u.UnitID)
		}
		busy[u.UnitID] = false
	}

	j.Status = job.StatusCancelled
	now := time.Now().UTC()
	j.UpdatedAt = now
	j.CompletedAt = &now
	if err := s.store.SaveJob(ctx, j); err != nil {
		s.log.Error("scheduler: failed to persist cancelled job", "error", err, "job_id", j.ID)
	}
	s.events.JobCancelled(ctx, j.ID)
}

// dispatchGlobalPhases runs the next ready non-validate global phase,
// if any (globals are sequential: one dispatch per tick). It returns
// true iff a critical global phase failed, which halts further
// per-unit dispatch for the remainder of the run.
func (s *Scheduler) dispatchGlobalPhases(ctx context.Context, wf *workflow.Compiled, j *job.Job) bool {
	completed := j.GlobalCompletedSet()

	for _, id := range wf.Graph.TopoSort() {
		pd, _ := wf.Graph.Phase(id)
		if pd.PerUnit || id == wf.Workflow.ValidatePhaseID {
			continue
		}
		if completed[id] {
			continue
		}
		if st, ok := j.GlobalPhaseStatus[id]; ok && st == job.GlobalPhaseFailed {
			continue
		}
		satisfied := true
		for _, dep := range pd.DependsOn {
			if !completed[dep] {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		return s.runGlobalPhase(ctx, wf, j, pd)
	}
	return false
}

func (s *Scheduler) runGlobalPhase(ctx context.Context, wf *workflow.Compiled, j *job.Job, pd workflow.PhaseDefinition) (criticalFailure bool) {
	if pd.SkipIf != nil && pd.SkipIf(j.Options, j.InputData) {
		j.GlobalPhaseStatus[pd.ID] = job.GlobalPhaseSkipped
		_ = s.store.SaveJob(ctx, j)
		return false
	}
	if pd.Executor == nil {
		j.GlobalPhaseStatus[pd.ID] = job.GlobalPhaseFailed
		j.Errors = append(j.Errors, fmt.Sprintf("%s: no executor registered", pd.ID))
		return pd.Critical
	}

	j.GlobalPhaseStatus[pd.ID] = job.GlobalPhaseRunning
	s.events.PhaseStarted(ctx, j.ID, pd.ID, "")
	metrics.RecordPhaseDispatch(j.WorkflowName, pd.ID, "global")

	pc := &phase.Context{
		JobID:               j.ID,
		VenueID:             j.VenueID,
		TenantID:            j.TenantID,
		Options:             j.Options,
		Upstream:            s.upstream,
		Activities:          s.trackerFor(ctx, j.ID),
		Events:              s.events,
		Resources:           s.store,
		Retry:               s.retryPolicy(),
		ParallelConcurrency: s.cfg.ParallelMapDefaultConcurrency,
	}
	in := s.buildGlobalInputs(j)

	ctx, span := tracer.Start(ctx, "phase."+pd.ID,
		trace.WithAttributes(
			attribute.String("job_id", j.ID),
			attribute.String("phase_id", pd.ID),
			attribute.Bool("global", true),
		))
	start := time.Now()
	var out phase.Outputs
	perr := pc.Retry.Execute(ctx, func() *phase.PhaseError {
		var e *phase.PhaseError
		out, e = pd.Executor.Execute(ctx, pc, in)
		return e
	})
	durationMs := time.Since(start).Milliseconds()

	if perr != nil {
		span.SetStatus(codes.Error, perr.Error())
		span.End()
		j.GlobalPhaseStatus[pd.ID] = job.GlobalPhaseFailed
		j.Errors = append(j.Errors, fmt.Sprintf("%s: %s", pd.ID, perr.Error()))
		s.events.PhaseCompleted(ctx, j.ID, pd.ID, "", "FAILED", durationMs)
		metrics.ObservePhaseDuration(j.WorkflowName, pd.ID, "FAILED", float64(durationMs)/1000)
		_ = s.store.SaveJob(ctx, j)
		return pd.Critical
	}
	span.End()

	j.GlobalPhaseResults[pd.ID] = map[string]any(out)
	j.GlobalPhaseStatus[pd.ID] = job.GlobalPhaseCompleted
	s.events.PhaseCompleted(ctx, j.ID, pd.ID, "", "COMPLETED", durationMs)
	metrics.ObservePhaseDuration(j.WorkflowName, pd.ID, "COMPLETED", float64(durationMs)/1000)
	_ = s.store.SaveJob(ctx, j)
	return false
}

func (s *Scheduler) finalize(ctx context.Context, j *job.Job, criticalGlobalFailure bool) error {
	if criticalGlobalFailure {
		j.Status = job.StatusFailed
	} else {
		j.Status = j.FinalStatus()
	}
	now := time.Now().UTC()
	j.UpdatedAt = now
	j.CompletedAt = &now
	// Phase bodies record created resources straight into the stored
	// document (TrackResource); pick them up so this save keeps them.
	if stored, err := s.store.GetJob(ctx, j.ID); err == nil {
		j.CreatedResources = stored.CreatedResources
	}
	if err := s.store.SaveJob(ctx, j); err != nil {
		return fmt.Errorf("scheduler: persist final status: %w", err)
	}

	if j.Status == job.StatusFailed {
		s.events.JobFailed(ctx, j.ID, "one or more units failed")
	} else {
		s.events.JobCompleted(ctx, j.ID, string(j.Status))
	}
	return nil
}

// buildUnitInputs combines the unit's input_config, its own resolved
// outputs, and every global phase's results into one Inputs bag
// (spec.md §4.6 step 4).
func (s *Scheduler) buildUnitInputs(j *job.Job, u *job.UnitMapping) phase.Inputs {
	in := phase.Inputs{}
	for k, v := range u.InputConfig {
		in[k] = v
	}
	for k, v := range u.Plan {
		in[k] = v
	}
	for k, v := range u.Resolved {
		in[k] = v
	}
	for _, result := range j.GlobalPhaseResults {
		for k, v := range result {
			in[k] = v
		}
	}
	in["unit_id"] = u.UnitID
	in["unit_number"] = u.UnitNumber
	return in
}

func (s *Scheduler) buildGlobalInputs(j *job.Job) phase.Inputs {
	in := phase.Inputs{"options": j.Options, "input_data": j.InputData}
	for _, result := range j.GlobalPhaseResults {
		for k, v := range result {
			in[k] = v
		}
	}
	return in
}
