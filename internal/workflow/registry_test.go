package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	w := &Workflow{
		Name:            "per_unit_psk",
		ValidatePhaseID: "validate",
		Phases: []PhaseDefinition{
			{ID: "validate"},
			{ID: "create_ap_group", PerUnit: true, DependsOn: []string{"validate"}},
		},
	}

	require.NoError(t, r.Register(w))

	c, ok := r.Get("per_unit_psk")
	require.True(t, ok)
	assert.Equal(t, w, c.Workflow)
	assert.NotNil(t, c.Graph)
}

func TestRegistry_RejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	w := &Workflow{Name: "dup", ValidatePhaseID: "validate", Phases: []PhaseDefinition{{ID: "validate"}}}
	require.NoError(t, r.Register(w))
	require.Error(t, r.Register(w))
}

func TestRegistry_RejectsMissingValidatePhase(t *testing.T) {
	r := NewRegistry()
	w := &Workflow{Name: "broken", ValidatePhaseID: "nope", Phases: []PhaseDefinition{{ID: "a"}}}
	require.Error(t, r.Register(w))
}

func TestRegistry_GetUnknownReturnsFalse(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("missing")
	assert.False(t, ok)
}
