// Package job defines the Job/UnitMapping data model (spec.md §3):
// the top-level unit of work, its per-unit state, and the artifacts
// Phase 0 produces. It has no dependency on the scheduler or the
// Redis-backed state manager so both can depend on it without cycles.
package job

import (
	"time"

	"github.com/fleetwire/provisioner/internal/workflow"
)

// Status is the job-level state machine (spec.md §3).
type Status string

const (
	StatusPending              Status = "PENDING"
	StatusValidating           Status = "VALIDATING"
	StatusAwaitingConfirmation Status = "AWAITING_CONFIRMATION"
	StatusRunning              Status = "RUNNING"
	StatusCompleted            Status = "COMPLETED"
	StatusPartial              Status = "PARTIAL"
	StatusFailed               Status = "FAILED"
	StatusCancelled            Status = "CANCELLED"
)

// IsTerminal reports whether a job in this status will never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// UnitStatus is the per-unit state machine (spec.md §3).
type UnitStatus string

const (
	UnitPending   UnitStatus = "PENDING"
	UnitRunning   UnitStatus = "RUNNING"
	UnitCompleted UnitStatus = "COMPLETED"
	UnitFailed    UnitStatus = "FAILED"
	UnitSkipped   UnitStatus = "SKIPPED"
	UnitCancelled UnitStatus = "CANCELLED"
)

// IsTerminal reports whether a unit in this status will never change again.
func (s UnitStatus) IsTerminal() bool {
	switch s {
	case UnitCompleted, UnitFailed, UnitSkipped, UnitCancelled:
		return true
	default:
		return false
	}
}

// GlobalPhaseStatus is the status of a non-per-unit phase.
type GlobalPhaseStatus string

const (
	GlobalPhasePending   GlobalPhaseStatus = "PENDING"
	GlobalPhaseRunning   GlobalPhaseStatus = "RUNNING"
	GlobalPhaseCompleted GlobalPhaseStatus = "COMPLETED"
	GlobalPhaseSkipped   GlobalPhaseStatus = "SKIPPED"
	GlobalPhaseFailed    GlobalPhaseStatus = "FAILED"
)

// IsDone reports whether the global phase status counts as completed
// for dependency-satisfaction purposes (COMPLETED or SKIPPED).
func (s GlobalPhaseStatus) IsDone() bool {
	return s == GlobalPhaseCompleted || s == GlobalPhaseSkipped
}

// UnitMapping is a single work unit's planned/resolved state (spec.md §3).
type UnitMapping struct {
	UnitID        string         `json:"unit_id"`
	UnitNumber    string         `json:"unit_number"`
	InputConfig   map[string]any `json:"input_config"`
	Plan          map[string]any `json:"plan"`
	Resolved      map[string]any `json:"resolved"`
	Status        UnitStatus     `json:"status"`
	CurrentPhase  string         `json:"current_phase"`
	CompletedPhases []string     `json:"completed_phases"`
	FailedPhases  []string       `json:"failed_phases"`
	PhaseErrors   map[string]string `json:"phase_errors"`
}

// NewUnitMapping creates a fresh, PENDING unit mapping.
func NewUnitMapping(unitID, unitNumber string, inputConfig map[string]any) *UnitMapping {
	return &UnitMapping{
		UnitID:      unitID,
		UnitNumber:  unitNumber,
		InputConfig: inputConfig,
		Plan:        map[string]any{},
		Resolved:    map[string]any{},
		Status:      UnitPending,
		PhaseErrors: map[string]string{},
	}
}

// CompletedSet returns the unit's completed phases as a set, including
// SKIPPED is tracked the same way (both satisfy downstream dependencies).
func (u *UnitMapping) CompletedSet() map[string]bool {
	out := make(map[string]bool, len(u.CompletedPhases))
	for _, id := range u.CompletedPhases {
		out[id] = true
	}
	return out
}

// CreatedResource is one resource the engine recorded as created
// (spec.md §3 "created-resource tracking").
type CreatedResource struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// ConflictDetail mirrors phase.ConflictDetail for serialization on Job.
type ConflictDetail struct {
	UnitID       string `json:"unit_id,omitempty"`
	ResourceType string `json:"resource_type"`
	ResourceName string `json:"resource_name"`
	Description  string `json:"description"`
	Severity     string `json:"severity"`
}

// ResourceAction mirrors phase.ResourceAction for serialization on Job.
type ResourceAction struct {
	ResourceType string `json:"resource_type"`
	Name         string `json:"name"`
	Action       string `json:"action"`
	ExistingID   string `json:"existing_id,omitempty"`
}

// ValidationResult is the output of Phase 0 (spec.md §3).
type ValidationResult struct {
	Valid           bool                `json:"valid"`
	Conflicts       []ConflictDetail    `json:"conflicts"`
	Actions         []ResourceAction    `json:"actions"`
	AggregateCounts map[string]int      `json:"aggregate_counts"`
	TotalAPICalls   int                 `json:"total_api_calls"`
}

// Job is the top-level unit of work (spec.md §3).
type Job struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	VenueID  string `json:"venue_id"`
	TenantID string `json:"tenant_id"`

	WorkflowName string         `json:"workflow_name"`
	Options      map[string]any `json:"options"`
	InputData    map[string]any `json:"input_data"`

	Units             map[string]*UnitMapping     `json:"units"`
	GlobalPhaseStatus map[string]GlobalPhaseStatus `json:"global_phase_status"`
	GlobalPhaseResults map[string]map[string]any  `json:"global_phase_results"`
	CreatedResources  map[string][]CreatedResource `json:"created_resources"`

	Status           Status            `json:"status"`
	ValidationResult *ValidationResult `json:"validation_result,omitempty"`
	Errors           []string          `json:"errors"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob constructs a PENDING job. phases is only consulted to seed
// GlobalPhaseStatus for every non-per-unit phase; the job otherwise
// carries no copy of the phase list itself — a reloaded job's phase
// set comes from the workflow registry via the caller's compiled
// workflow, not from anything stored on Job (spec.md §3).
func NewJob(id, userID, venueID, tenantID, workflowName string, phases []workflow.PhaseDefinition, options, inputData map[string]any) *Job {
	now := time.Now().UTC()
	globalStatus := make(map[string]GlobalPhaseStatus)
	for _, p := range phases {
		if !p.PerUnit {
			globalStatus[p.ID] = GlobalPhasePending
		}
	}

	return &Job{
		ID:                 id,
		UserID:             userID,
		VenueID:            venueID,
		TenantID:           tenantID,
		WorkflowName:       workflowName,
		Options:            options,
		InputData:          inputData,
		Units:              make(map[string]*UnitMapping),
		GlobalPhaseStatus:  globalStatus,
		GlobalPhaseResults: make(map[string]map[string]any),
		CreatedResources:   make(map[string][]CreatedResource),
		Status:             StatusPending,
		Errors:             []string{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// GlobalCompletedSet returns the ids of global phases that are
// COMPLETED or SKIPPED, i.e. that satisfy downstream dependencies.
func (j *Job) GlobalCompletedSet() map[string]bool {
	out := make(map[string]bool)
	for id, st := range j.GlobalPhaseStatus {
		if st.IsDone() {
			out[id] = true
		}
	}
	return out
}

// Progress is the aggregate progress snapshot for the status endpoint.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Pending   int     `json:"pending"`
	Running   int     `json:"running"`
	Skipped   int     `json:"skipped"`
	Percent   float64 `json:"percent"`
}

// ComputeProgress aggregates unit statuses (spec.md §5.7).
func (j *Job) ComputeProgress() Progress {
	p := Progress{Total: len(j.Units)}
	for _, u := range j.Units {
		switch u.Status {
		case UnitCompleted:
			p.Completed++
		case UnitFailed:
			p.Failed++
		case UnitSkipped:
			p.Skipped++
		case UnitRunning:
			p.Running++
		default:
			p.Pending++
		}
	}
	if p.Total > 0 {
		done := p.Completed + p.Failed + p.Skipped
		p.Percent = float64(done) / float64(p.Total) * 100
	}
	return p
}

// FinalStatus applies the final-status rule from spec.md §4.6:
// COMPLETED if every (non-skipped) unit is COMPLETED; FAILED if every
// unit failed; PARTIAL otherwise.
func (j *Job) FinalStatus() Status {
	if len(j.Units) == 0 {
		return StatusCompleted
	}

	total, completed, failed, counted := 0, 0, 0, 0
	for _, u := range j.Units {
		if u.Status == UnitSkipped {
			continue
		}
		counted++
		total++
		switch u.Status {
		case UnitCompleted:
			completed++
		case UnitFailed:
			failed++
		}
	}

	if counted == 0 {
		return StatusCompleted
	}
	if completed == counted {
		return StatusCompleted
	}
	if failed == counted {
		return StatusFailed
	}
	return StatusPartial
}

// AllTerminal reports whether every unit and every global phase has
// reached a terminal state (spec.md §4.6 step 5).
func (j *Job) AllTerminal() bool {
	for _, u := range j.Units {
		if !u.Status.IsTerminal() {
			return false
		}
	}
	for _, st := range j.GlobalPhaseStatus {
		if !st.IsDone() && st != GlobalPhaseFailed {
			return false
		}
	}
	return true
}
