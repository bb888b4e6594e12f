package httpapi

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fleetwire/provisioner/internal/logger"
)

const (
	headerRequestID = "X-Request-ID"
	ctxKeyRequestID = "request_id"
	ctxKeyUserID    = "user_id"
	ctxKeyTenantID  = "tenant_id"
)

// GetRequestID returns the request-scoped id set by RequestLogger.
func GetRequestID(c *gin.Context) string {
	v, _ := c.Get(ctxKeyRequestID)
	id, _ := v.(string)
	return id
}

// GetUserID returns the caller identity extracted by Identity. Real
// authentication is out of scope (spec.md §1 Non-goals); this is the
// minimal interface a future auth layer plugs into.
func GetUserID(c *gin.Context) string {
	v, _ := c.Get(ctxKeyUserID)
	id, _ := v.(string)
	if id == "" {
		return "anonymous"
	}
	return id
}

// GetTenantID returns the caller's tenant, defaulting to "default".
func GetTenantID(c *gin.Context) string {
	v, _ := c.Get(ctxKeyTenantID)
	id, _ := v.(string)
	if id == "" {
		return "default"
	}
	return id
}

// Identity reads caller identity from headers and stashes it in the
// gin context. It stands in for the RBAC/auth layer spec.md §1 treats
// as an external collaborator: anyone presenting headers is trusted.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxKeyUserID, c.GetHeader("X-User-ID"))
		c.Set(ctxKeyTenantID, c.GetHeader("X-Tenant-ID"))
		c.Next()
	}
}

// RequestLogger assigns/propagates a request id and logs request
// start/finish the way the teacher's LoggingMiddleware does.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, requestID)
		c.Header(headerRequestID, requestID)

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		args := []any{
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", duration.Milliseconds(),
			"user_id", GetUserID(c),
		}
		switch {
		case status >= 500:
			log.Error("request completed", args...)
		case status >= 400:
			log.Warn("request completed", args...)
		default:
			log.Info("request completed", args...)
		}
	}
}

// Recovery converts a panic in any handler into a 500 APIError instead
// of crashing the process, logging the stack for diagnosis.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				requestID := GetRequestID(c)
				log.Error("panic recovered",
					"request_id", requestID,
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"error", r,
					"stack", string(debug.Stack()),
				)
				apiErr := NewAPIError("INTERNAL_ERROR", fmt.Sprintf("internal server error (request_id: %s)", requestID), http.StatusInternalServerError)
				c.AbortWithStatusJSON(apiErr.HTTPStatus, apiErr)
			}
		}()
		c.Next()
	}
}
