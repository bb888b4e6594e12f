package perunitpsk

import "github.com/fleetwire/provisioner/internal/workflow"

// Name is the registry key this workflow is served under.
const Name = "per_unit_psk"

// New builds the per_unit_psk workflow definition (spec.md §8): one
// AP group, SSID network, and DPSK pool per work unit, with the
// network activation step bounded by maxActivationSlots concurrent
// in-flight units.
func New(maxActivationSlots int) *workflow.Workflow {
	return &workflow.Workflow{
		Name:                 Name,
		ValidatePhaseID:      "validate",
		MaxActivationSlots:   maxActivationSlots,
		RequiresConfirmation: true,
		Phases: []workflow.PhaseDefinition{
			{
				ID:          "validate",
				Name:        "Validate request",
				Description: "Inspects upstream AP groups and networks to plan reuse vs. create for every unit, and flags SSID collisions within the request.",
				Executor:    ValidateExecutor{},
			},
			{
				ID:          "create_ap_group",
				Name:        "Create AP group",
				Description: "Creates (or reuses) the unit's AP group.",
				PerUnit:     true,
				Critical:    true,
				Contract: workflow.Contract{
					Outputs: []workflow.ContractField{{Name: "ap_group_id", Type: "string"}},
				},
				APICallsPerUnit: workflow.Fixed(1),
				Executor:        CreateAPGroupExecutor{},
			},
			{
				ID:          "create_network",
				Name:        "Create SSID network",
				Description: "Creates (or reuses) the unit's wireless network.",
				PerUnit:     true,
				Critical:    true,
				Contract: workflow.Contract{
					Outputs: []workflow.ContractField{{Name: "network_id", Type: "string"}},
				},
				APICallsPerUnit: workflow.Fixed(1),
				Executor:        CreateNetworkExecutor{},
			},
			{
				ID:             "activate_network",
				Name:           "Activate network",
				Description:    "Binds the SSID network to the AP group, bounded by the activation-slot gate.",
				PerUnit:        true,
				Critical:       true,
				DependsOn:      []string{"create_ap_group", "create_network"},
				ActivationSlot: workflow.ActivationSlotAcquire,
				APICallsPerUnit: workflow.Fixed(1),
				Executor:        ActivateNetworkExecutor{},
			},
			{
				ID:             "assign_aps",
				Name:           "Assign access points",
				Description:    "Assigns the unit's access points and VLAN to its AP group.",
				PerUnit:        true,
				Critical:       false,
				DependsOn:      []string{"activate_network"},
				ActivationSlot: workflow.ActivationSlotRelease,
				APICallsPerUnit: workflow.Fixed(1),
				Executor:        AssignAPsExecutor{},
			},
			{
				ID:          "create_dpsk_pool",
				Name:        "Create DPSK pool",
				Description: "Mints the unit's dynamic pre-shared key credential pool.",
				PerUnit:     true,
				Critical:    true,
				DependsOn:   []string{"assign_aps"},
				Contract: workflow.Contract{
					Outputs: []workflow.ContractField{{Name: "dpsk_pool_id", Type: "string"}},
				},
				APICallsPerUnit: workflow.Fixed(1),
				Executor:        CreateDPSKPoolExecutor{},
			},
		},
	}
}
