package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetwire/provisioner/internal/job"
	"github.com/fleetwire/provisioner/internal/scheduler"
	"github.com/fleetwire/provisioner/internal/workflow"
)

// PlanRequest is the body of POST /{workflow}/plan (spec.md §6).
type PlanRequest struct {
	VenueID   string         `json:"venue_id" binding:"required"`
	TenantID  string         `json:"tenant_id"`
	Options   map[string]any `json:"options"`
	InputData map[string]any `json:"input_data"`
}

// HandlePlan creates a job and schedules its validate phase in the
// background, returning immediately (spec.md §6 "POST /{workflow}/plan").
func (s *Server) HandlePlan(c *gin.Context) {
	workflowName, ok := getParam(c, "workflow")
	if !ok {
		return
	}
	compiled, ok := s.registry.Get(workflowName)
	if !ok {
		respondAPIError(c, ErrUnknownWorkflow)
		return
	}

	var req PlanRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = GetTenantID(c)
	}

	j, err := s.scheduler.Create(c.Request.Context(), compiled, scheduler.CreateRequest{
		UserID:       GetUserID(c),
		VenueID:      req.VenueID,
		TenantID:     tenantID,
		WorkflowName: workflowName,
		Options:      req.Options,
		InputData:    req.InputData,
	})
	if err != nil {
		respondAPIError(c, err)
		return
	}

	go s.runValidate(compiled, j)

	respondJSON(c, http.StatusOK, gin.H{"job_id": j.ID, "status": job.StatusValidating})
}

func (s *Server) runValidate(compiled *workflow.Compiled, j *job.Job) {
	ctx := context.Background()
	if err := s.scheduler.Validate(ctx, compiled, j); err != nil {
		s.log.Warn("httpapi: background validate failed", "error", err, "job_id", j.ID)
	}
}

// HandleGetPlan polls validation progress (spec.md §6 "GET /{workflow}/{job_id}/plan").
func (s *Server) HandleGetPlan(c *gin.Context) {
	jobID, ok := getParam(c, "job_id")
	if !ok {
		return
	}
	j, err := s.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondAPIError(c, err)
		return
	}

	switch j.Status {
	case job.StatusValidating, job.StatusPending:
		respondJSON(c, http.StatusOK, gin.H{"status": j.Status})
	case job.StatusFailed:
		respondJSON(c, http.StatusOK, gin.H{"status": j.Status, "errors": j.Errors})
	default:
		respondJSON(c, http.StatusOK, gin.H{"status": j.Status, "validation_result": j.ValidationResult})
	}
}

// HandleConfirm transitions an AWAITING_CONFIRMATION job to RUNNING and
// schedules execution in the background (spec.md §6 "POST /{workflow}/{job_id}/confirm").
func (s *Server) HandleConfirm(c *gin.Context) {
	workflowName, ok := getParam(c, "workflow")
	if !ok {
		return
	}
	jobID, ok := getParam(c, "job_id")
	if !ok {
		return
	}
	compiled, ok := s.registry.Get(workflowName)
	if !ok {
		respondAPIError(c, ErrUnknownWorkflow)
		return
	}

	j, err := s.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondAPIError(c, err)
		return
	}
	if err := s.scheduler.Confirm(c.Request.Context(), j); err != nil {
		respondAPIError(c, err)
		return
	}

	go s.runExecute(compiled, j)

	respondJSON(c, http.StatusOK, gin.H{"status": j.Status})
}

func (s *Server) runExecute(compiled *workflow.Compiled, j *job.Job) {
	ctx := context.Background()
	if err := s.scheduler.Run(ctx, compiled, j); err != nil {
		s.log.Warn("httpapi: background run failed", "error", err, "job_id", j.ID)
	}
}

// GraphNode/GraphEdge/GraphResponse are the DAG visualization shapes
// for spec.md §6 "GET /{workflow}/{job_id}/graph".
type GraphNode struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PerUnit  bool   `json:"per_unit"`
	Critical bool   `json:"critical"`
}

type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type GraphResponse struct {
	Nodes  []GraphNode `json:"nodes"`
	Edges  []GraphEdge `json:"edges"`
	Levels [][]string  `json:"levels"`
}

// HandleGraph returns the workflow's phase DAG for visualization. The
// job_id path segment is accepted for symmetry with the other
// per-job endpoints but the graph is the same for every job of a
// given workflow, so it is not used to look anything up.
func (s *Server) HandleGraph(c *gin.Context) {
	workflowName, ok := getParam(c, "workflow")
	if !ok {
		return
	}
	compiled, ok := s.registry.Get(workflowName)
	if !ok {
		respondAPIError(c, ErrUnknownWorkflow)
		return
	}

	resp := GraphResponse{Levels: compiled.Graph.Levels()}
	for _, pd := range compiled.Graph.Phases() {
		resp.Nodes = append(resp.Nodes, GraphNode{ID: pd.ID, Name: pd.Name, PerUnit: pd.PerUnit, Critical: pd.Critical})
		for _, dep := range pd.DependsOn {
			resp.Edges = append(resp.Edges, GraphEdge{From: dep, To: pd.ID})
		}
	}
	respondJSON(c, http.StatusOK, resp)
}
