package httpapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetwire/provisioner/internal/events"
)

const defaultSSEKeepalive = 15 * time.Second

// HandleJobStream streams a job's lifecycle events as SSE until a
// terminal job_* event is published, sending keep-alive comments on
// the configured interval (spec.md §6 "GET /jobs/{id}/stream").
func (s *Server) HandleJobStream(c *gin.Context) {
	jobID, ok := getParam(c, "job_id")
	if !ok {
		return
	}
	if _, err := s.store.GetJob(c.Request.Context(), jobID); err != nil {
		respondAPIError(c, err)
		return
	}

	ctx := c.Request.Context()
	sub := s.store.Subscribe(ctx, jobID)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(200)

	writeEvent(c, "connected", map[string]any{"job_id": jobID})
	c.Writer.Flush()

	keepalive := s.sseKeepalive
	if keepalive <= 0 {
		keepalive = defaultSSEKeepalive
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
		case msg, more := <-ch:
			if !more {
				return
			}
			var ev events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.Warn("httpapi: malformed event on stream", "error", err, "job_id", jobID)
				continue
			}
			writeEvent(c, string(ev.Type), ev.Data)
			c.Writer.Flush()
			if ev.Type.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(c *gin.Context, eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, payload)
}
