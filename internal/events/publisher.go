// Package events implements the thin event-publisher adapter over
// pub/sub described in spec.md §4.8: phase/task started/completed,
// progress updates, status messages, and terminal job events.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetwire/provisioner/internal/logger"
)

// Type enumerates the SSE event vocabulary from spec.md §6.
type Type string

const (
	TypeConnected      Type = "connected"
	TypeStatus         Type = "status"
	TypePhaseStarted   Type = "phase_started"
	TypePhaseCompleted Type = "phase_completed"
	TypeTaskStarted    Type = "task_started"
	TypeTaskCompleted  Type = "task_completed"
	TypeProgressUpdate Type = "progress_update"
	TypeMessage        Type = "message"
	TypeJobStarted     Type = "job_started"
	TypeJobCompleted   Type = "job_completed"
	TypeJobFailed      Type = "job_failed"
	TypeJobCancelled   Type = "job_cancelled"
)

// IsTerminal reports whether this event type ends an SSE stream
// (spec.md §6: "the stream terminates immediately after publishing a
// job_* terminal event").
func (t Type) IsTerminal() bool {
	switch t {
	case TypeJobCompleted, TypeJobFailed, TypeJobCancelled:
		return true
	default:
		return false
	}
}

// Event is one message published to a job's event channel.
type Event struct {
	Type Type           `json:"type"`
	Data map[string]any `json:"data"`
}

// PubSub is the narrow publish capability the publisher needs. The
// Redis-backed state manager implements this.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Publisher publishes workflow lifecycle events to a job's channel
// (and mirrors job_* terminal events to the global channel).
type Publisher struct {
	pubsub PubSub
	log    *logger.Logger
}

// New creates a Publisher over the given pub/sub backend.
func New(pubsub PubSub, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.Default()
	}
	return &Publisher{pubsub: pubsub, log: log}
}

func jobChannel(jobID string) string { return "events:" + jobID }
func globalChannel() string          { return "events:global" }

func (p *Publisher) publish(ctx context.Context, jobID string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("events: failed to marshal event", "error", err, "job_id", jobID, "type", ev.Type)
		return
	}
	if err := p.pubsub.Publish(ctx, jobChannel(jobID), payload); err != nil {
		p.log.Warn("events: publish failed", "error", err, "job_id", jobID, "type", ev.Type)
	}
	if ev.Type.IsTerminal() {
		if err := p.pubsub.Publish(ctx, globalChannel(), payload); err != nil {
			p.log.Warn("events: global publish failed", "error", err, "job_id", jobID, "type", ev.Type)
		}
	}
}

// Emit publishes a free-form status message (satisfies phase.EventEmitter).
func (p *Publisher) Emit(ctx context.Context, jobID, message, level string, details map[string]any) {
	data := map[string]any{"message": message, "level": level, "timestamp": time.Now().UTC()}
	for k, v := range details {
		data[k] = v
	}
	p.publish(ctx, jobID, Event{Type: TypeMessage, Data: data})
}

// PhaseStarted publishes a phase_started event.
func (p *Publisher) PhaseStarted(ctx context.Context, jobID, phaseID, unitID string) {
	p.publish(ctx, jobID, Event{Type: TypePhaseStarted, Data: map[string]any{
		"phase_id": phaseID, "unit_id": unitID, "timestamp": time.Now().UTC(),
	}})
}

// PhaseCompleted publishes a phase_completed event.
func (p *Publisher) PhaseCompleted(ctx context.Context, jobID, phaseID, unitID, status string, durationMs int64) {
	p.publish(ctx, jobID, Event{Type: TypePhaseCompleted, Data: map[string]any{
		"phase_id": phaseID, "unit_id": unitID, "status": status, "duration_ms": durationMs,
		"timestamp": time.Now().UTC(),
	}})
}

// TaskStarted/TaskCompleted cover parallel_map item-level events.
func (p *Publisher) TaskStarted(ctx context.Context, jobID, itemName string) {
	p.publish(ctx, jobID, Event{Type: TypeTaskStarted, Data: map[string]any{"item": itemName, "timestamp": time.Now().UTC()}})
}

func (p *Publisher) TaskCompleted(ctx context.Context, jobID, itemName string, success bool) {
	p.publish(ctx, jobID, Event{Type: TypeTaskCompleted, Data: map[string]any{
		"item": itemName, "success": success, "timestamp": time.Now().UTC(),
	}})
}

// ProgressUpdate publishes an aggregate progress snapshot.
func (p *Publisher) ProgressUpdate(ctx context.Context, jobID string, progress map[string]any) {
	p.publish(ctx, jobID, Event{Type: TypeProgressUpdate, Data: progress})
}

// JobStarted/JobCompleted/JobFailed/JobCancelled publish the terminal
// (or running) job-level lifecycle events.
func (p *Publisher) JobStarted(ctx context.Context, jobID string) {
	p.publish(ctx, jobID, Event{Type: TypeJobStarted, Data: map[string]any{"job_id": jobID, "timestamp": time.Now().UTC()}})
}

func (p *Publisher) JobCompleted(ctx context.Context, jobID string, status string) {
	p.publish(ctx, jobID, Event{Type: TypeJobCompleted, Data: map[string]any{"job_id": jobID, "status": status, "timestamp": time.Now().UTC()}})
}

func (p *Publisher) JobFailed(ctx context.Context, jobID string, reason string) {
	p.publish(ctx, jobID, Event{Type: TypeJobFailed, Data: map[string]any{"job_id": jobID, "reason": reason, "timestamp": time.Now().UTC()}})
}

func (p *Publisher) JobCancelled(ctx context.Context, jobID string) {
	p.publish(ctx, jobID, Event{Type: TypeJobCancelled, Data: map[string]any{"job_id": jobID, "timestamp": time.Now().UTC()}})
}
