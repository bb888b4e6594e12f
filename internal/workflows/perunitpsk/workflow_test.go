package perunitpsk

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
	"github.com/fleetwire/provisioner/internal/scheduler"
	"github.com/fleetwire/provisioner/internal/state"
	"github.com/fleetwire/provisioner/internal/upstream"
	"github.com/fleetwire/provisioner/internal/workflow"
)

func newHarness(t *testing.T, venueAPs map[string][]string, maxActivationSlots int) (*scheduler.Scheduler, *state.Manager, *workflow.Compiled, *upstream.Fake) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mgr := state.NewFromClient(client, time.Hour, nil)
	pub := events.New(mgr, nil)
	fake := upstream.NewFake(venueAPs)
	cfg := config.DefaultEngineConfig()
	cfg.ActivityPollInterval = 5 * time.Millisecond
	sched := scheduler.New(cfg, mgr, pub, fake, nil)

	wf := New(maxActivationSlots)
	graph, err := workflow.BuildGraph(wf.Phases)
	require.NoError(t, err)
	compiled := &workflow.Compiled{Workflow: wf, Graph: graph}
	return sched, mgr, compiled, fake
}

func unitPayload(unitNumber, ssid string, aps ...string) map[string]any {
	apAny := make([]any, len(aps))
	for i, a := range aps {
		apAny[i] = a
	}
	return map[string]any{
		"unit_number":    unitNumber,
		"ssid_name":      ssid,
		"ssid_password":  "pw12345678",
		"default_vlan":   "10",
		"ap_identifiers": apAny,
	}
}

// Scenario A — happy path, one unit.
func TestScenarioA_HappyPathSingleUnit(t *testing.T) {
	ctx := context.Background()
	sched, mgr, compiled, _ := newHarness(t, map[string][]string{"venue-1": {"AP-SERIAL-1"}}, 3)

	j, err := sched.Create(ctx, compiled, scheduler.CreateRequest{
		VenueID:      "venue-1",
		WorkflowName: Name,
		InputData: map[string]any{
			"units": []any{unitPayload("101", "U101", "AP-SERIAL-1")},
		},
	})
	require.NoError(t, err)
	require.NoError(t, sched.Validate(ctx, compiled, j))

	require.True(t, j.ValidationResult.Valid)
	assert.Equal(t, 1, j.ValidationResult.AggregateCounts["ap_groups_to_create"])
	assert.Equal(t, 1, j.ValidationResult.AggregateCounts["networks_to_create"])

	require.NoError(t, sched.Confirm(ctx, j))
	require.NoError(t, sched.Run(ctx, compiled, j))

	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, job.UnitCompleted, j.Units["101"].Status)
	require.Len(t, j.CreatedResources["ap_groups"], 1)
	assert.Equal(t, "101", j.CreatedResources["ap_groups"][0].Data["name"])
	require.Len(t, j.CreatedResources["wifi_networks"], 1)
	assert.Equal(t, "U101", j.CreatedResources["wifi_networks"][0].Data["ssid"])

	persisted, err := mgr.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, persisted.Status)
}

// Scenario B — rerunning the same request reuses the prior AP group
// and network instead of recreating them.
func TestScenarioB_ReuseOnRerun(t *testing.T) {
	ctx := context.Background()
	sched, _, compiled, _ := newHarness(t, map[string][]string{"venue-1": {"AP-SERIAL-1"}}, 3)

	run := func() *job.Job {
		j, err := sched.Create(ctx, compiled, scheduler.CreateRequest{
			VenueID:      "venue-1",
			WorkflowName: Name,
			InputData: map[string]any{
				"units": []any{unitPayload("101", "U101", "AP-SERIAL-1")},
			},
		})
		require.NoError(t, err)
		require.NoError(t, sched.Validate(ctx, compiled, j))
		require.NoError(t, sched.Confirm(ctx, j))
		require.NoError(t, sched.Run(ctx, compiled, j))
		return j
	}

	first := run()
	require.Equal(t, job.StatusCompleted, first.Status)
	firstTotal := first.ValidationResult.TotalAPICalls

	second := run()
	assert.Equal(t, 1, second.ValidationResult.AggregateCounts["ap_groups_to_reuse"])
	assert.Equal(t, 1, second.ValidationResult.AggregateCounts["networks_to_reuse"])
	assert.Equal(t, firstTotal-2, second.ValidationResult.TotalAPICalls)
	assert.Equal(t, job.StatusCompleted, second.Status)
}

// Scenario C — one unit names an AP identifier the venue doesn't have;
// the other unit is fine. The bad unit fails at assign_aps without
// taking down the job.
func TestScenarioC_PartialFailureOnUnknownAP(t *testing.T) {
	ctx := context.Background()
	sched, _, compiled, _ := newHarness(t, map[string][]string{"venue-1": {"AP-SERIAL-2"}}, 3)

	j, err := sched.Create(ctx, compiled, scheduler.CreateRequest{
		VenueID:      "venue-1",
		WorkflowName: Name,
		InputData: map[string]any{
			"units": []any{
				unitPayload("101", "U101", "AP-DOES-NOT-EXIST"),
				unitPayload("102", "U102", "AP-SERIAL-2"),
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, sched.Validate(ctx, compiled, j))
	require.NoError(t, sched.Confirm(ctx, j))
	require.NoError(t, sched.Run(ctx, compiled, j))

	assert.Equal(t, job.StatusPartial, j.Status)
	assert.Equal(t, job.UnitFailed, j.Units["101"].Status)
	assert.Equal(t, job.UnitCompleted, j.Units["102"].Status)

	progress := j.ComputeProgress()
	assert.Equal(t, 1, progress.Failed)
	assert.Equal(t, 1, progress.Completed)
}

// Scenario D — cancelling mid-run leaves every unit terminal, with the
// bulk of them CANCELLED rather than completed.
func TestScenarioD_Cancellation(t *testing.T) {
	ctx := context.Background()
	const unitCount = 20
	venueAPs := []string{}
	units := make([]any, unitCount)
	for i := 0; i < unitCount; i++ {
		serial := "AP-" + string(rune('A'+i))
		venueAPs = append(venueAPs, serial)
		units[i] = unitPayload(string(rune('0'+i)), "SSID-"+string(rune('0'+i)), serial)
	}

	sched, mgr, compiled, _ := newHarness(t, map[string][]string{"venue-1": venueAPs}, 5)
	j, err := sched.Create(ctx, compiled, scheduler.CreateRequest{
		VenueID:      "venue-1",
		WorkflowName: Name,
		InputData:    map[string]any{"units": units},
	})
	require.NoError(t, err)
	require.NoError(t, sched.Validate(ctx, compiled, j))
	require.NoError(t, sched.Confirm(ctx, j))

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = mgr.SetCancelled(ctx, j.ID)
	}()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx, compiled, j) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe cancellation in time")
	}

	assert.Equal(t, job.StatusCancelled, j.Status)
	for _, u := range j.Units {
		assert.True(t, u.Status.IsTerminal())
	}
}

// Scenario E — twelve units share three activation slots between
// activate_network and assign_aps; every unit still completes, so the
// ACQUIRE/RELEASE wiring never deadlocks the run.
func TestScenarioE_ActivationSlotBound(t *testing.T) {
	ctx := context.Background()
	const unitCount = 12
	const maxSlots = 3

	venueAPs := []string{}
	units := make([]any, unitCount)
	for i := 0; i < unitCount; i++ {
		serial := "AP-" + string(rune('A'+i))
		venueAPs = append(venueAPs, serial)
		units[i] = unitPayload(string(rune('0'+i)), "SSID-E-"+string(rune('0'+i)), serial)
	}

	sched, _, compiled, _ := newHarness(t, map[string][]string{"venue-1": venueAPs}, maxSlots)
	j, err := sched.Create(ctx, compiled, scheduler.CreateRequest{
		VenueID:      "venue-1",
		WorkflowName: Name,
		InputData:    map[string]any{"units": units},
	})
	require.NoError(t, err)
	require.NoError(t, sched.Validate(ctx, compiled, j))
	require.NoError(t, sched.Confirm(ctx, j))
	require.NoError(t, sched.Run(ctx, compiled, j))

	assert.Equal(t, job.StatusCompleted, j.Status)
	// Gate capacity itself is the enforcement mechanism (slotgate has
	// its own dedicated concurrency tests); this confirms the workflow
	// wires activate_network/assign_aps to ACQUIRE/RELEASE correctly
	// by checking every unit completed without deadlocking below the
	// configured slot count.
	for _, u := range j.Units {
		assert.Equal(t, job.UnitCompleted, u.Status)
	}
}

// Scenario F — a duplicate SSID within one request is flagged as a
// conflict and the job never reaches RUNNING.
func TestScenarioF_DryRunConflict(t *testing.T) {
	ctx := context.Background()
	sched, _, compiled, _ := newHarness(t, map[string][]string{"venue-1": {"AP-SERIAL-1", "AP-SERIAL-2"}}, 3)

	j, err := sched.Create(ctx, compiled, scheduler.CreateRequest{
		VenueID:      "venue-1",
		WorkflowName: Name,
		InputData: map[string]any{
			"units": []any{
				unitPayload("101", "SAME-SSID", "AP-SERIAL-1"),
				unitPayload("102", "SAME-SSID", "AP-SERIAL-2"),
			},
		},
	})
	require.NoError(t, err)
	require.Error(t, sched.Validate(ctx, compiled, j))

	assert.Equal(t, job.StatusFailed, j.Status)
	require.NotNil(t, j.ValidationResult)
	assert.False(t, j.ValidationResult.Valid)
	require.Len(t, j.ValidationResult.Conflicts, 1)
	assert.Equal(t, "wifi_network", j.ValidationResult.Conflicts[0].ResourceType)

	err = sched.Confirm(ctx, j)
	assert.ErrorIs(t, err, scheduler.ErrWrongState)
}
