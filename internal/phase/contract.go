// Package phase defines the contract every phase implementation
// honours (spec.md §4.2): typed inputs/outputs, execute/validate,
// and the helper surface phases use to talk to the rest of the
// engine. The package depends only on narrow local interfaces so it
// never imports the scheduler, state, or activity packages directly.
package phase

import (
	"context"
	"time"
)

// Inputs is the typed input bag passed to a phase: field names map to
// outputs of dependency phases, or to scheduler-populated fields
// (unit_id, unit_number, input_config entries).
type Inputs map[string]any

// Outputs is the typed output bag a phase returns: each field is
// stored into the unit's resolved block (per-unit phases) or the
// job's global phase results (global phases).
type Outputs map[string]any

// String returns a string input field, or zero value if absent/wrong type.
func (i Inputs) String(key string) string {
	v, _ := i[key].(string)
	return v
}

// StringSlice returns a []string input field.
func (i Inputs) StringSlice(key string) []string {
	v, _ := i[key].([]string)
	return v
}

// ErrorKind classifies why a phase failed (spec.md §4.2, §7).
type ErrorKind string

const (
	ErrKindUpstreamRetryable    ErrorKind = "upstream_retryable"
	ErrKindUpstreamNonRetryable ErrorKind = "upstream_non_retryable"
	ErrKindActivityTimeout      ErrorKind = "activity_timeout"
	ErrKindValidation           ErrorKind = "validation"
	ErrKindCancelled            ErrorKind = "cancelled"
	ErrKindInternal             ErrorKind = "internal"
)

// PhaseError is the typed failure a phase returns instead of raising
// an exception (spec.md §9 "Exception-based control flow").
type PhaseError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

func (e *PhaseError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *PhaseError) Unwrap() error { return e.Cause }

// NewPhaseError builds a PhaseError.
func NewPhaseError(kind ErrorKind, message string, retryable bool, cause error) *PhaseError {
	return &PhaseError{Kind: kind, Message: message, Retryable: retryable, Cause: cause}
}

// ResourceActionKind enumerates what Phase 0 decided to do about a resource.
type ResourceActionKind string

const (
	ActionCreate ResourceActionKind = "create"
	ActionReuse  ResourceActionKind = "reuse"
	ActionRename ResourceActionKind = "rename"
	ActionDelete ResourceActionKind = "delete"
)

// ResourceAction records one planned action on an upstream resource.
type ResourceAction struct {
	ResourceType string
	Name         string
	Action       ResourceActionKind
	ExistingID   string
}

// Severity of a plan-time conflict.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ConflictDetail is one blocking or advisory issue found during dry-run.
type ConflictDetail struct {
	UnitID       string
	ResourceType string
	ResourceName string
	Description  string
	Severity     Severity
}

// PhaseValidation is the dry-run result a phase's Validate returns
// (spec.md §4.2). It must not mutate upstream state.
type PhaseValidation struct {
	Valid               bool
	WillCreate          bool
	WillReuse           bool
	ExistingResourceID  string
	EstimatedAPICalls   int
	Actions             []ResourceAction
	Notes               []string
	Warnings            []string
	Errors              []string
}

// Executor is the capability every phase implementation honours.
type Executor interface {
	// Execute performs the phase's work.
	Execute(ctx context.Context, pc *Context, in Inputs) (Outputs, *PhaseError)
	// Validate performs a dry-run: inspects upstream state without
	// mutating it, and reports what Execute would do.
	Validate(ctx context.Context, pc *Context, in Inputs) (PhaseValidation, *PhaseError)
}

// ActivityResult is what a waiter receives once the Activity Tracker
// observes a terminal state for the activity it registered.
type ActivityResult struct {
	Success bool
	Data    map[string]any
	Error   string
	Timeout bool
}

// ActivityWaiter is the narrow view of the Activity Tracker a phase needs.
type ActivityWaiter interface {
	Register(ctx context.Context, jobID, unitID, phaseID, activityID string) error
	Wait(ctx context.Context, activityID string) (ActivityResult, error)
}

// EventEmitter is the narrow view of the event publisher a phase needs.
type EventEmitter interface {
	Emit(ctx context.Context, jobID string, message string, level string, details map[string]any)
}

// ResourceTracker is the narrow view of the state manager a phase
// needs to record created upstream resources.
type ResourceTracker interface {
	TrackResource(ctx context.Context, jobID, resourceType string, data map[string]any) error
}

// Context bundles everything a phase execution needs: identity,
// collaborators, options, and (for per-unit phases) the current unit.
type Context struct {
	JobID      string
	VenueID    string
	TenantID   string
	UnitID     string // empty for global phases
	Options    map[string]any
	Upstream   UpstreamClient
	Activities ActivityWaiter
	Events     EventEmitter
	Resources  ResourceTracker

	// Retry is the exponential-backoff policy (spec.md §7 item 3) the
	// scheduler wraps around this phase's whole Execute call, built from
	// the engine's configured attempts and base delay. The scheduler
	// always sets it; a nil Retry is not replaced with DefaultRetryPolicy.
	Retry *RetryPolicy
	// ParallelConcurrency bounds ParallelMap fan-out for phases that use
	// it (spec.md §9 parallel_map_default_concurrency). Zero falls back
	// to ParallelMap's own default.
	ParallelConcurrency int
}

// UpstreamClient is the narrow contract the phase bodies use to reach
// the upstream controller. The real HTTP implementation is an
// external collaborator, out of scope per spec.md §1; this interface
// is all the engine core depends on.
type UpstreamClient interface {
	CreateAPGroup(ctx context.Context, venueID, name string) (id string, activityID string, err error)
	FindAPGroupByName(ctx context.Context, venueID, name string) (id string, found bool, err error)
	CreateNetwork(ctx context.Context, venueID, ssid, password string) (id string, activityID string, err error)
	FindNetworkByName(ctx context.Context, venueID, ssid string) (id string, found bool, err error)
	ActivateNetwork(ctx context.Context, networkID, apGroupID string) (activityID string, err error)
	AssignAPs(ctx context.Context, apGroupID string, apIdentifiers []string, vlan string) (activityID string, err error)
	CreateDPSKPool(ctx context.Context, networkID, name string) (id string, err error)
	PollActivity(ctx context.Context, activityID string) (done bool, success bool, data map[string]any, err error)
	ListVenueAPs(ctx context.Context, venueID string) (serials []string, err error)
}

// FireAndWait enrolls an activity id and immediately waits for it
// (the "fire_and_wait" convenience from spec.md §4.2).
func FireAndWait(ctx context.Context, pc *Context, unitID, phaseID, activityID string) (ActivityResult, error) {
	if err := pc.Activities.Register(ctx, pc.JobID, unitID, phaseID, activityID); err != nil {
		return ActivityResult{}, err
	}
	return pc.Activities.Wait(ctx, activityID)
}

// Emit is a convenience wrapper over pc.Events.Emit with a timestamp note.
func (pc *Context) Emit(ctx context.Context, message, level string, details map[string]any) {
	if pc.Events == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["at"] = time.Now().UTC()
	pc.Events.Emit(ctx, pc.JobID, message, level, details)
}
