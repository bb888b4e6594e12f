// Package httpapi implements the HTTP surface spec.md §6 describes:
// per-workflow plan/confirm/graph endpoints plus generic job
// endpoints (list/status/stream/cancel/delete), built on gin exactly
// as the teacher's internal/infrastructure/api/rest is.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetwire/provisioner/internal/logger"
	"github.com/fleetwire/provisioner/internal/scheduler"
	"github.com/fleetwire/provisioner/internal/state"
	"github.com/fleetwire/provisioner/internal/workflow"
)

// Server holds the collaborators every handler needs.
type Server struct {
	registry     *workflow.Registry
	scheduler    *scheduler.Scheduler
	store        *state.Manager
	log          *logger.Logger
	sseKeepalive time.Duration
}

// NewServer builds a Server.
func NewServer(registry *workflow.Registry, sched *scheduler.Scheduler, store *state.Manager, log *logger.Logger, sseKeepalive time.Duration) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{registry: registry, scheduler: sched, store: store, log: log, sseKeepalive: sseKeepalive}
}

// NewRouter builds the full gin engine: middleware chain, every
// spec.md §6 route, and a health check. metricsHandler is mounted at
// GET /metrics when non-nil (internal/metrics supplies it).
func NewRouter(s *Server, log *logger.Logger, metricsHandler gin.HandlerFunc) *gin.Engine {
	if log == nil {
		log = logger.Default()
	}
	r := gin.New()
	r.Use(Recovery(log), RequestLogger(log), Identity())

	r.GET("/healthz", func(c *gin.Context) {
		if err := s.store.Health(c.Request.Context()); err != nil {
			respondAPIError(c, NewAPIError("UNHEALTHY", err.Error(), http.StatusServiceUnavailable))
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if metricsHandler != nil {
		r.GET("/metrics", metricsHandler)
	}

	wf := r.Group("/:workflow")
	{
		wf.POST("/plan", s.HandlePlan)
		wf.GET("/:job_id/plan", s.HandleGetPlan)
		wf.POST("/:job_id/confirm", s.HandleConfirm)
		wf.GET("/:job_id/graph", s.HandleGraph)
	}

	jobs := r.Group("/jobs")
	{
		jobs.GET("", s.HandleListJobs)
		jobs.DELETE("", s.HandleDeleteJobs)
		jobs.GET("/:job_id/status", s.HandleJobStatus)
		jobs.GET("/:job_id/stream", s.HandleJobStream)
		jobs.POST("/:job_id/cancel", s.HandleCancelJob)
	}

	return r
}
