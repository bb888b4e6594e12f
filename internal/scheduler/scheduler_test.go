package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwire/provisioner/internal/config"
	"github.com/fleetwire/provisioner/internal/events"
	"github.com/fleetwire/provisioner/internal/job"
	"github.com/fleetwire/provisioner/internal/phase"
	"github.com/fleetwire/provisioner/internal/state"
	"github.com/fleetwire/provisioner/internal/upstream"
	"github.com/fleetwire/provisioner/internal/workflow"
)

// funcExecutor adapts plain functions to phase.Executor, for tests.
type funcExecutor struct {
	execute func(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError)
}

func (f funcExecutor) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError) {
	return f.execute(ctx, pc, in)
}

func (f funcExecutor) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.PhaseValidation, *phase.PhaseError) {
	return phase.PhaseValidation{Valid: true}, nil
}

func newTestScheduler(t *testing.T, unitNumbers []string) (*Scheduler, *state.Manager, *workflow.Compiled, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	mgr := state.NewFromClient(client, time.Hour, nil)
	pub := events.New(mgr, nil)
	fake := upstream.NewFake(map[string][]string{"venue-1": {"AP-1", "AP-2"}})

	validatePhase := workflow.PhaseDefinition{
		ID: "validate",
		Executor: funcExecutor{execute: func(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError) {
			units := map[string]*job.UnitMapping{}
			for _, n := range unitNumbers {
				units[n] = job.NewUnitMapping(n, n, map[string]any{"ssid": "guest-" + n})
			}
			return phase.Outputs{
				"units":             units,
				"validation_result": &job.ValidationResult{Valid: true},
			}, nil
		}},
	}
	step1 := workflow.PhaseDefinition{
		ID:      "step1",
		PerUnit: true,
		Executor: funcExecutor{execute: func(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError) {
			return phase.Outputs{"step1_done": true}, nil
		}},
	}
	step2 := workflow.PhaseDefinition{
		ID:        "step2",
		PerUnit:   true,
		DependsOn: []string{"step1"},
		Critical:  true,
		Executor: funcExecutor{execute: func(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError) {
			return phase.Outputs{"step2_done": true}, nil
		}},
	}

	wf := &workflow.Workflow{
		Name:                 "test_workflow",
		Phases:               []workflow.PhaseDefinition{validatePhase, step1, step2},
		ValidatePhaseID:      "validate",
		MaxActivationSlots:   0,
		RequiresConfirmation: true,
	}
	require.NoError(t, wf.Validate())
	graph, err := workflow.BuildGraph(wf.Phases)
	require.NoError(t, err)
	compiled := &workflow.Compiled{Workflow: wf, Graph: graph}

	sched := New(config.DefaultEngineConfig(), mgr, pub, fake, nil)
	return sched, mgr, compiled, s
}

func TestScheduler_HappyPath_SingleUnit(t *testing.T) {
	sched, mgr, wf, s := newTestScheduler(t, []string{"101"})
	defer s.Close()
	ctx := context.Background()

	j, err := sched.Create(ctx, wf, CreateRequest{UserID: "u1", VenueID: "venue-1", TenantID: "t1", WorkflowName: wf.Workflow.Name})
	require.NoError(t, err)

	require.NoError(t, sched.Validate(ctx, wf, j))
	assert.Equal(t, job.StatusAwaitingConfirmation, j.Status)
	assert.Len(t, j.Units, 1)

	require.NoError(t, sched.Confirm(ctx, j))
	assert.Equal(t, job.StatusRunning, j.Status)

	require.NoError(t, sched.Run(ctx, wf, j))
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, job.UnitCompleted, j.Units["101"].Status)
	assert.Contains(t, j.Units["101"].CompletedPhases, "step1")
	assert.Contains(t, j.Units["101"].CompletedPhases, "step2")

	loaded, err := mgr.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, loaded.Status)
}

func TestScheduler_CriticalPhaseFailure_MarksUnitFailed(t *testing.T) {
	sched, _, wf, s := newTestScheduler(t, []string{"101", "102"})
	defer s.Close()
	ctx := context.Background()

	// Override step2 for unit 101 to fail, by wrapping the executor
	// with one that fails on a specific unit.
	for i, p := range wf.Graph.Phases() {
		if p.ID != "step2" {
			continue
		}
		_ = i
	}
	failing := funcExecutor{execute: func(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError) {
		if pc.UnitID == "101" {
			return nil, phase.NewPhaseError(phase.ErrKindUpstreamNonRetryable, "boom", false, nil)
		}
		return phase.Outputs{"step2_done": true}, nil
	}}
	for idx := range wf.Workflow.Phases {
		if wf.Workflow.Phases[idx].ID == "step2" {
			wf.Workflow.Phases[idx].Executor = failing
		}
	}
	graph, err := workflow.BuildGraph(wf.Workflow.Phases)
	require.NoError(t, err)
	wf.Graph = graph

	j, err := sched.Create(ctx, wf, CreateRequest{UserID: "u1", VenueID: "venue-1", TenantID: "t1"})
	require.NoError(t, err)
	require.NoError(t, sched.Validate(ctx, wf, j))
	require.NoError(t, sched.Confirm(ctx, j))
	require.NoError(t, sched.Run(ctx, wf, j))

	assert.Equal(t, job.StatusPartial, j.Status)
	assert.Equal(t, job.UnitFailed, j.Units["101"].Status)
	assert.Equal(t, job.UnitCompleted, j.Units["102"].Status)
}

func TestScheduler_Cancel_StopsBeforeRemainingUnitsComplete(t *testing.T) {
	units := []string{"101", "102", "103"}
	sched, mgr, wf, s := newTestScheduler(t, units)
	defer s.Close()
	ctx := context.Background()

	// step1 blocks until cancelled so Run() observes the cancel flag
	// before any unit finishes step1.
	blocked := make(chan struct{})
	for idx := range wf.Workflow.Phases {
		if wf.Workflow.Phases[idx].ID == "step1" {
			wf.Workflow.Phases[idx].Executor = funcExecutor{execute: func(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError) {
				<-blocked
				return phase.Outputs{"step1_done": true}, nil
			}}
		}
	}
	graph, err := workflow.BuildGraph(wf.Workflow.Phases)
	require.NoError(t, err)
	wf.Graph = graph

	j, err := sched.Create(ctx, wf, CreateRequest{UserID: "u1", VenueID: "venue-1", TenantID: "t1"})
	require.NoError(t, err)
	require.NoError(t, sched.Validate(ctx, wf, j))
	require.NoError(t, sched.Confirm(ctx, j))

	go func() {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, mgr.SetCancelled(ctx, j.ID))
		// Unblock the in-flight step1 workers so Run's wg.Wait() (which
		// runs after it observes the cancellation flag) can return.
		close(blocked)
	}()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx, wf, j) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not observe cancellation in time")
	}

	assert.Equal(t, job.StatusCancelled, j.Status)
	for _, u := range j.Units {
		assert.True(t, u.Status.IsTerminal())
	}
}
