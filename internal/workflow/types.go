// Package workflow defines the declarative workflow model: phases,
// their dependencies, and the registry workflows are looked up from.
package workflow

import (
	"errors"

	"github.com/fleetwire/provisioner/internal/phase"
)

// ActivationSlot marks a phase's role with respect to the
// Activation-Slot Gate (spec.md §4.4).
type ActivationSlot string

const (
	ActivationSlotNone    ActivationSlot = "none"
	ActivationSlotAcquire ActivationSlot = "acquire"
	ActivationSlotRelease ActivationSlot = "release"
)

// APICallEstimate is either a fixed integer or the "dynamic" sentinel.
type APICallEstimate struct {
	Dynamic bool
	Count   int
}

// Fixed returns an APICallEstimate for a known call count.
func Fixed(n int) APICallEstimate { return APICallEstimate{Count: n} }

// DynamicEstimate returns the "dynamic" sentinel estimate.
func DynamicEstimate() APICallEstimate { return APICallEstimate{Dynamic: true} }

// ContractField names a phase's typed input or output slot.
type ContractField struct {
	Name string
	Type string // informational type hint, e.g. "string", "int", "bool"
}

// Contract is the static input/output wiring surface of a phase.
type Contract struct {
	Inputs  []ContractField
	Outputs []ContractField
}

// SkipPredicate decides, given a job's options and raw input data,
// whether a phase should be recorded as SKIPPED rather than run.
type SkipPredicate func(options map[string]any, inputData map[string]any) bool

// PhaseDefinition is a single node in the workflow DAG (spec.md §3).
type PhaseDefinition struct {
	ID             string
	Name           string
	Description    string
	DependsOn      []string
	PerUnit        bool
	Critical       bool
	SkipIf         SkipPredicate
	ActivationSlot ActivationSlot
	Contract       Contract
	APICallsPerUnit APICallEstimate
	Executor       phase.Executor
}

// Workflow is an immutable, named declarative workflow value
// (spec.md §4.1). Once registered it must not be mutated.
type Workflow struct {
	Name                string
	Phases              []PhaseDefinition
	ValidatePhaseID     string // the global phase that implements Phase 0
	MaxActivationSlots  int
	RequiresConfirmation bool
	DefaultOptions      map[string]any
}

// PhaseByID returns the phase definition with the given ID, if any.
func (w *Workflow) PhaseByID(id string) (PhaseDefinition, bool) {
	for _, p := range w.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return PhaseDefinition{}, false
}

var (
	// ErrUnknownPhase names a phase id that does not exist in the
	// workflow. Validate and graph construction do not return it: an
	// unknown validate-phase id yields ErrNoValidatePhase, and an
	// unknown dependency yields *MissingDependencyError.
	ErrUnknownPhase = errors.New("unknown phase id")
	// ErrNoValidatePhase is returned by Validate when ValidatePhaseID
	// names no phase in the workflow.
	ErrNoValidatePhase = errors.New("workflow has no validate phase")
)

// Validate checks static workflow-level invariants beyond graph
// acyclicity (which Graph construction checks separately): the
// validate phase must exist and must not be per-unit.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return errors.New("workflow: name is required")
	}
	if len(w.Phases) == 0 {
		return errors.New("workflow: at least one phase is required")
	}
	vp, ok := w.PhaseByID(w.ValidatePhaseID)
	if !ok {
		return ErrNoValidatePhase
	}
	if vp.PerUnit {
		return errors.New("workflow: validate phase must be global")
	}
	if w.MaxActivationSlots < 0 {
		return errors.New("workflow: max activation slots must be >= 0")
	}
	return nil
}
