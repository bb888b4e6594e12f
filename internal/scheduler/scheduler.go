// Package scheduler implements the Brain (spec.md §4.6): the
// orchestrator that runs a workflow's validate phase, waits for
// confirmation, then drives per-unit execution across the phase DAG
// with bounded concurrency, activity tracking, activation-slot
// gating, and cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetwire/provisioner/internal/activity"
	"github.com/fleetwire/provisioner/internal/config"
	"github.com/fleetwire/provisioner/internal/events"
	"github.com/fleetwire/provisioner/internal/job"
	"github.com/fleetwire/provisioner/internal/logger"
	"github.com/fleetwire/provisioner/internal/phase"
	"github.com/fleetwire/provisioner/internal/slotgate"
	"github.com/fleetwire/provisioner/internal/state"
	"github.com/fleetwire/provisioner/internal/workflow"
)

// ErrWrongState is returned when an operation is attempted from a job
// status that does not permit it (e.g. confirming a job that is not
// AWAITING_CONFIRMATION).
var ErrWrongState = errors.New("scheduler: job is not in the required state")

// CreateRequest is the input to Create (spec.md §4.6 step 1).
type CreateRequest struct {
	UserID     string
	VenueID    string
	TenantID   string
	WorkflowName string
	Options    map[string]any
	InputData  map[string]any
}

// Scheduler is the Brain. One instance serves every job; per-job
// concurrency state (activity tracker, activation-slot gate) is
// created lazily and torn down when the job's Run loop exits.
type Scheduler struct {
	cfg      config.EngineConfig
	store    *state.Manager
	events   *events.Publisher
	upstream phase.UpstreamClient
	log      *logger.Logger

	mu       sync.Mutex
	trackers map[string]*activity.Tracker
	gates    map[string]*slotgate.Gate
}

// New builds a Scheduler.
func New(cfg config.EngineConfig, store *state.Manager, pub *events.Publisher, upstream phase.UpstreamClient, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		events:   pub,
		upstream: upstream,
		log:      log,
		trackers: make(map[string]*activity.Tracker),
		gates:    make(map[string]*slotgate.Gate),
	}
}

// Create builds a new PENDING job from a workflow definition and
// request, and persists it (spec.md §4.6 step 1).
func (s *Scheduler) Create(ctx context.Context, wf *workflow.Compiled, req CreateRequest) (*job.Job, error) {
	id := uuid.NewString()
	j := job.NewJob(id, req.UserID, req.VenueID, req.TenantID, wf.Workflow.Name,
		wf.Graph.Phases(), mergeOptions(wf.Workflow.DefaultOptions, req.Options), req.InputData)
	j.Status = job.StatusPending

	if err := s.store.SaveJob(ctx, j); err != nil {
		return nil, fmt.Errorf("scheduler: create job: %w", err)
	}
	return j, nil
}

func mergeOptions(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Validate runs the workflow's designated Phase 0 (spec.md §4.6 step
// 2). A second call is idempotent: it re-runs validate and overwrites
// the prior result.
func (s *Scheduler) Validate(ctx context.Context, wf *workflow.Compiled, j *job.Job) error {
	j.Status = job.StatusValidating
	if err := s.store.SaveJob(ctx, j); err != nil {
		return fmt.Errorf("scheduler: persist validating status: %w", err)
	}

	pd, ok := wf.Graph.Phase(wf.Workflow.ValidatePhaseID)
	if !ok || pd.Executor == nil {
		return s.fail(ctx, j, fmt.Sprintf("validate phase %q not found or has no executor", wf.Workflow.ValidatePhaseID))
	}

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
	in := phase.Inputs{"input_data": j.InputData, "options": j.Options}

	spanCtx, span := tracer.Start(ctx, "phase."+pd.ID,
		trace.WithAttributes(
			attribute.String("job_id", j.ID),
			attribute.String("phase_id", pd.ID),
		))
	var out phase.Outputs
	perr := pc.Retry.Execute(spanCtx, func() *phase.PhaseError {
		var e *phase.PhaseError
		out, e = pd.Executor.Execute(spanCtx, pc, in)
		return e
	})
	if perr != nil {
		span.SetStatus(codes.Error, perr.Error())
	}
	span.End()
	if perr != nil {
		return s.fail(ctx, j, perr.Error())
	}

	if units, ok := out["units"].(map[string]*job.UnitMapping); ok {
		j.Units = units
	}
	if vr, ok := out["validation_result"].(*job.ValidationResult); ok {
		j.ValidationResult = vr
		if !vr.Valid {
			return s.fail(ctx, j, "validation failed")
		}
	}
	for k, v := range out {
		if k == "units" || k == "validation_result" {
			continue
		}
		if j.GlobalPhaseResults[pd.ID] == nil {
			j.GlobalPhaseResults[pd.ID] = map[string]any{}
		}
		j.GlobalPhaseResults[pd.ID][k] = v
	}
	j.GlobalPhaseStatus[pd.ID] = job.GlobalPhaseCompleted

	if wf.Workflow.RequiresConfirmation {
		j.Status = job.StatusAwaitingConfirmation
	} else {
		j.Status = job.StatusRunning
	}
	j.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveJob(ctx, j); err != nil {
		return fmt.Errorf("scheduler: persist validation result: %w", err)
	}
	for _, u := range j.Units {
		if err := s.store.SaveUnit(ctx, j.ID, u); err != nil {
			return fmt.Errorf("scheduler: persist unit %s: %w", u.UnitID, err)
		}
	}
	return nil
}

func (s *Scheduler) fail(ctx context.Context, j *job.Job, reason string) error {
	j.Status = job.StatusFailed
	j.Errors = append(j.Errors, reason)
	j.UpdatedAt = time.Now().UTC()
	now := j.UpdatedAt
	j.CompletedAt = &now
	if err := s.store.SaveJob(ctx, j); err != nil {
		s.log.Error("scheduler: failed to persist failed job", "error", err, "job_id", j.ID)
	}
	s.events.JobFailed(ctx, j.ID, reason)
	return fmt.Errorf("scheduler: %s", reason)
}

// Confirm transitions a job from AWAITING_CONFIRMATION to RUNNING
// (spec.md §4.6 step 3). The caller is responsible for invoking Run
// afterward (typically in a background goroutine).
func (s *Scheduler) Confirm(ctx context.Context, j *job.Job) error {
	if j.Status != job.StatusAwaitingConfirmation {
		return ErrWrongState
	}
	j.Status = job.StatusRunning
	j.UpdatedAt = time.Now().UTC()
	return s.store.SaveJob(ctx, j)
}

func (s *Scheduler) trackerFor(ctx context.Context, jobID string) *activity.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trackers[jobID]; ok {
		return t
	}
	t := activity.New(ctx, s.upstream, activity.Config{
		PollInterval: s.cfg.ActivityPollInterval,
		TimeoutPolls: s.cfg.ActivityTimeoutPolls,
		Concurrency:  8,
	}, s.log)
	s.trackers[jobID] = t
	return t
}

func (s *Scheduler) gateFor(jobID string, capacity int) *slotgate.Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gates[jobID]; ok {
		return g
	}
	g := slotgate.New(capacity)
	s.gates[jobID] = g
	return g
}

func (s *Scheduler) cleanupJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trackers[jobID]; ok {
		t.Stop()
		delete(s.trackers, jobID)
	}
	delete(s.gates, jobID)
}

func sortedUnits(j *job.Job) []*job.UnitMapping {
	ids := make([]string, 0, len(j.Units))
	for id := range j.Units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*job.UnitMapping, 0, len(ids))
	for _, id := range ids {
		out = append(out, j.Units[id])
	}
	return out
}
