package httpapi

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/fleetwire/provisioner/internal/job"
)

// JobSummary is one row of GET /jobs.
type JobSummary struct {
	ID           string    `json:"id"`
	WorkflowName string    `json:"workflow_name"`
	VenueID      string    `json:"venue_id"`
	Status       job.Status `json:"status"`
	CreatedAt    string    `json:"created_at"`
}

// HandleListJobs returns jobs visible to the caller, optionally
// filtered by workflow name and status (spec.md §6 "GET /jobs").
func (s *Server) HandleListJobs(c *gin.Context) {
	workflowFilter := getQuery(c, "workflow_name", "")
	statusFilter := getQuery(c, "status", "")

	ids, err := s.store.ListJobIDs(c.Request.Context())
	if err != nil {
		respondAPIError(c, err)
		return
	}

	summaries := make([]JobSummary, 0, len(ids))
	for _, id := range ids {
		j, err := s.store.GetJob(c.Request.Context(), id)
		if err != nil {
			continue
		}
		if workflowFilter != "" && j.WorkflowName != workflowFilter {
			continue
		}
		if statusFilter != "" && string(j.Status) != statusFilter {
			continue
		}
		summaries = append(summaries, JobSummary{
			ID:           j.ID,
			WorkflowName: j.WorkflowName,
			VenueID:      j.VenueID,
			Status:       j.Status,
			CreatedAt:    j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	sort.Slice(summaries, func(i, k int) bool { return summaries[i].CreatedAt > summaries[k].CreatedAt })

	respondJSON(c, http.StatusOK, summaries)
}

// PhaseAggregate is the per-phase unit-status breakdown on the status endpoint.
type PhaseAggregate struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// StatusResponse is the body of GET /jobs/{id}/status.
type StatusResponse struct {
	ID                string                    `json:"id"`
	Status            job.Status                `json:"status"`
	Progress          job.Progress              `json:"progress"`
	PhaseAggregate    map[string]PhaseAggregate `json:"phase_aggregate"`
	CreatedResources  map[string]int            `json:"created_resources"`
	Errors            []string                  `json:"errors"`
}

// HandleJobStatus returns a snapshot of job progress (spec.md §6 "GET /jobs/{id}/status").
func (s *Server) HandleJobStatus(c *gin.Context) {
	jobID, ok := getParam(c, "job_id")
	if !ok {
		return
	}
	j, err := s.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondAPIError(c, err)
		return
	}

	aggregate := map[string]PhaseAggregate{}
	for _, u := range j.Units {
		for _, phaseID := range u.CompletedPhases {
			a := aggregate[phaseID]
			a.Completed++
			aggregate[phaseID] = a
		}
		for _, phaseID := range u.FailedPhases {
			a := aggregate[phaseID]
			a.Failed++
			aggregate[phaseID] = a
		}
		if u.CurrentPhase != "" {
			a := aggregate[u.CurrentPhase]
			a.Pending++
			aggregate[u.CurrentPhase] = a
		}
	}

	resourceCounts := map[string]int{}
	for resourceType, items := range j.CreatedResources {
		resourceCounts[resourceType] = len(items)
	}

	respondJSON(c, http.StatusOK, StatusResponse{
		ID:               j.ID,
		Status:           j.Status,
		Progress:         j.ComputeProgress(),
		PhaseAggregate:   aggregate,
		CreatedResources: resourceCounts,
		Errors:           j.Errors,
	})
}

// HandleCancelJob sets the cancel flag; idempotent regardless of the
// job's current status (spec.md §6 "POST /jobs/{id}/cancel").
func (s *Server) HandleCancelJob(c *gin.Context) {
	jobID, ok := getParam(c, "job_id")
	if !ok {
		return
	}
	if _, err := s.store.GetJob(c.Request.Context(), jobID); err != nil {
		respondAPIError(c, err)
		return
	}
	if err := s.store.SetCancelled(c.Request.Context(), jobID); err != nil {
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"job_id": jobID, "cancelled": true})
}

// DeleteJobsRequest is the body of DELETE /jobs.
type DeleteJobsRequest struct {
	JobIDs []string `json:"job_ids" binding:"required"`
}

// DeleteResult reports one job id's deletion outcome.
type DeleteResult struct {
	JobID   string `json:"job_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// HandleDeleteJobs hard-deletes jobs from the store. Admin-only in
// spec.md §6; enforcement is left to the RBAC layer the engine treats
// as an external collaborator (spec.md §1 Non-goals).
func (s *Server) HandleDeleteJobs(c *gin.Context) {
	var req DeleteJobsRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	results := make([]DeleteResult, 0, len(req.JobIDs))
	for _, id := range req.JobIDs {
		j, err := s.store.GetJob(c.Request.Context(), id)
		if err != nil {
			results = append(results, DeleteResult{JobID: id, Success: false, Error: err.Error()})
			continue
		}
		if err := s.store.DeleteJob(c.Request.Context(), j); err != nil {
			results = append(results, DeleteResult{JobID: id, Success: false, Error: err.Error()})
			continue
		}
		results = append(results, DeleteResult{JobID: id, Success: true})
	}

	respondJSON(c, http.StatusOK, results)
}
