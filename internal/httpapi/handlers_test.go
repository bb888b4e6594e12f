package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwire/provisioner/internal/config"
	"github.com/fleetwire/provisioner/internal/events"
	"github.com/fleetwire/provisioner/internal/job"
	"github.com/fleetwire/provisioner/internal/phase"
	"github.com/fleetwire/provisioner/internal/scheduler"
	"github.com/fleetwire/provisioner/internal/state"
	"github.com/fleetwire/provisioner/internal/upstream"
	"github.com/fleetwire/provisioner/internal/workflow"
)

func init() { gin.SetMode(gin.TestMode) }

type stubExecutor struct {
	outputs phase.Outputs
}

func (e stubExecutor) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError) {
	return e.outputs, nil
}

func (e stubExecutor) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.PhaseValidation, *phase.PhaseError) {
	return phase.PhaseValidation{Valid: true}, nil
}

func setupTestServer(t *testing.T) (*gin.Engine, *state.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := state.NewFromClient(client, time.Hour, nil)
	pub := events.New(store, nil)
	fake := upstream.NewFake(map[string][]string{"venue-1": {"AP-1"}})
	sched := scheduler.New(config.DefaultEngineConfig(), store, pub, fake, nil)

	registry := workflow.NewRegistry()
	require.NoError(t, registry.Register(&workflow.Workflow{
		Name:                 "onboard",
		ValidatePhaseID:      "validate",
		RequiresConfirmation: true,
		Phases: []workflow.PhaseDefinition{
			{
				ID: "validate",
				Executor: stubExecutor{outputs: phase.Outputs{
					"units": map[string]*job.UnitMapping{
						"101": job.NewUnitMapping("101", "101", map[string]any{}),
					},
					"validation_result": &job.ValidationResult{Valid: true},
				}},
			},
			{ID: "step1", PerUnit: true, Executor: stubExecutor{outputs: phase.Outputs{"done": true}}},
		},
	}))

	srv := NewServer(registry, sched, store, nil, 15*time.Second)
	router := NewRouter(srv, nil, nil)
	return router, store, mr
}

func performJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlePlan_UnknownWorkflow_Returns404(t *testing.T) {
	router, _, mr := setupTestServer(t)
	defer mr.Close()

	w := performJSON(router, http.MethodPost, "/missing/plan", PlanRequest{VenueID: "venue-1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlanConfirmStatus_HappyPath(t *testing.T) {
	router, store, mr := setupTestServer(t)
	defer mr.Close()

	w := performJSON(router, http.MethodPost, "/onboard/plan", PlanRequest{VenueID: "venue-1"})
	require.Equal(t, http.StatusOK, w.Code)

	var planResp struct {
		Data struct {
			JobID string `json:"job_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &planResp))
	jobID := planResp.Data.JobID
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), jobID)
		return err == nil && j.Status == job.StatusAwaitingConfirmation
	}, time.Second, 5*time.Millisecond)

	w = performJSON(router, http.MethodPost, "/onboard/"+jobID+"/confirm", nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), jobID)
		return err == nil && j.Status == job.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	w = performJSON(router, http.MethodGet, "/jobs/"+jobID+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var statusResp struct {
		Data StatusResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statusResp))
	assert.Equal(t, job.StatusCompleted, statusResp.Data.Status)
	assert.Equal(t, 1, statusResp.Data.Progress.Completed)
}

func TestHandleCancelJob_UnknownJob_Returns404(t *testing.T) {
	router, _, mr := setupTestServer(t)
	defer mr.Close()

	w := performJSON(router, http.MethodPost, "/jobs/does-not-exist/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGraph_ReturnsNodesAndEdges(t *testing.T) {
	router, _, mr := setupTestServer(t)
	defer mr.Close()

	w := performJSON(router, http.MethodGet, "/onboard/any-job-id/graph", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var graphResp struct {
		Data GraphResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &graphResp))
	assert.Len(t, graphResp.Data.Nodes, 2)
}

func TestHandleDeleteJobs_ReportsPerIDResult(t *testing.T) {
	router, _, mr := setupTestServer(t)
	defer mr.Close()

	w := performJSON(router, http.MethodDelete, "/jobs", DeleteJobsRequest{JobIDs: []string{"missing-1"}})
	require.Equal(t, http.StatusOK, w.Code)

	var delResp struct {
		Data []DeleteResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &delResp))
	require.Len(t, delResp.Data, 1)
	assert.False(t, delResp.Data[0].Success)
}
