package perunitpsk

import (
	"context"
	"fmt"

	"github.com/fleetwire/provisioner/internal/phase"
)

// CreateAPGroupExecutor creates (or reuses, per the validate-phase
// plan) the unit's AP group and waits for the upstream activity to
// settle before handing off to the next phase.
type CreateAPGroupExecutor struct{}

func (CreateAPGroupExecutor) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError) {
	if id, ok := in["ap_group_id"].(string); ok && id != "" {
		return phase.Outputs{"ap_group_id": id}, nil
	}

	name := in.String("unit_number")
	id, activityID, err := pc.Upstream.CreateAPGroup(ctx, pc.VenueID, name)
	if err != nil {
		return nil, phase.NewPhaseError(phase.ErrKindUpstreamRetryable, "create ap group", true, err)
	}
	res, err := phase.FireAndWait(ctx, pc, pc.UnitID, "create_ap_group", activityID)
	if err != nil {
		return nil, phase.NewPhaseError(phase.ErrKindActivityTimeout, "ap group activation did not resolve", true, err)
	}
	if !res.Success {
		return nil, phase.NewPhaseError(phase.ErrKindUpstreamNonRetryable, "ap group creation reported failure upstream", false, nil)
	}

	if pc.Resources != nil {
		if err := pc.Resources.TrackResource(ctx, pc.JobID, "ap_groups", map[string]any{"name": name, "id": id}); err != nil {
			pc.Emit(ctx, "failed to record created ap group", "warn", map[string]any{"error": err.Error()})
		}
	}
	return phase.Outputs{"ap_group_id": id}, nil
}

func (CreateAPGroupExecutor) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.PhaseValidation, *phase.PhaseError) {
	if id, ok := in["ap_group_id"].(string); ok && id != "" {
		return phase.PhaseValidation{Valid: true, WillReuse: true, ExistingResourceID: id}, nil
	}
	return phase.PhaseValidation{Valid: true, WillCreate: true, EstimatedAPICalls: 1}, nil
}

// CreateNetworkExecutor creates (or reuses) the unit's SSID network.
type CreateNetworkExecutor struct{}

func (CreateNetworkExecutor) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError) {
	if id, ok := in["network_id"].(string); ok && id != "" {
		return phase.Outputs{"network_id": id}, nil
	}

	ssid := in.String("ssid_name")
	password := in.String("ssid_password")
	id, activityID, err := pc.Upstream.CreateNetwork(ctx, pc.VenueID, ssid, password)
	if err != nil {
		return nil, phase.NewPhaseError(phase.ErrKindUpstreamRetryable, "create network", true, err)
	}
	res, err := phase.FireAndWait(ctx, pc, pc.UnitID, "create_network", activityID)
	if err != nil {
		return nil, phase.NewPhaseError(phase.ErrKindActivityTimeout, "network activation did not resolve", true, err)
	}
	if !res.Success {
		return nil, phase.NewPhaseError(phase.ErrKindUpstreamNonRetryable, "network creation reported failure upstream", false, nil)
	}

	if pc.Resources != nil {
		if err := pc.Resources.TrackResource(ctx, pc.JobID, "wifi_networks", map[string]any{"ssid": ssid, "id": id}); err != nil {
			pc.Emit(ctx, "failed to record created network", "warn", map[string]any{"error": err.Error()})
		}
	}
	return phase.Outputs{"network_id": id}, nil
}

func (CreateNetworkExecutor) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.PhaseValidation, *phase.PhaseError) {
	if id, ok := in["network_id"].(string); ok && id != "" {
		return phase.PhaseValidation{Valid: true, WillReuse: true, ExistingResourceID: id}, nil
	}
	return phase.PhaseValidation{Valid: true, WillCreate: true, EstimatedAPICalls: 1}, nil
}

// ActivateNetworkExecutor binds the network to the AP group. It is
// the ACQUIRE half of the Activation-Slot Gate pairing (spec.md §4.4):
// the scheduler only dispatches it once a slot is free.
type ActivateNetworkExecutor struct{}

func (ActivateNetworkExecutor) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError) {
	networkID := in.String("network_id")
	apGroupID := in.String("ap_group_id")

	activityID, err := pc.Upstream.ActivateNetwork(ctx, networkID, apGroupID)
	if err != nil {
		return nil, phase.NewPhaseError(phase.ErrKindUpstreamRetryable, "activate network", true, err)
	}
	res, err := phase.FireAndWait(ctx, pc, pc.UnitID, "activate_network", activityID)
	if err != nil {
		return nil, phase.NewPhaseError(phase.ErrKindActivityTimeout, "network activation did not resolve", true, err)
	}
	if !res.Success {
		return nil, phase.NewPhaseError(phase.ErrKindUpstreamNonRetryable, "network activation reported failure upstream", false, nil)
	}
	return phase.Outputs{"activated": true}, nil
}

func (ActivateNetworkExecutor) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.PhaseValidation, *phase.PhaseError) {
	return phase.PhaseValidation{Valid: true, EstimatedAPICalls: 1}, nil
}

// AssignAPsExecutor assigns the unit's access points to its AP group
// and VLAN. It is the RELEASE half of the Activation-Slot Gate
// pairing, and the one phase in this workflow that is not critical:
// an AP identifier the venue doesn't recognize fails only this unit,
// not the job (spec.md §8 Scenario C).
type AssignAPsExecutor struct{}

func (AssignAPsExecutor) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError) {
	apGroupID := in.String("ap_group_id")
	vlan := in.String("default_vlan")
	requested := in.StringSlice("ap_identifiers")

	known, err := pc.Upstream.ListVenueAPs(ctx, pc.VenueID)
	if err != nil {
		return nil, phase.NewPhaseError(phase.ErrKindUpstreamRetryable, "list venue aps", true, err)
	}
	knownSet := make(map[string]bool, len(known))
	for _, s := range known {
		knownSet[s] = true
	}
	var missing []string
	for _, id := range requested {
		if !knownSet[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, phase.NewPhaseError(phase.ErrKindValidation,
			fmt.Sprintf("ap identifiers not found in venue: %v", missing), false, nil)
	}

	activityID, err := pc.Upstream.AssignAPs(ctx, apGroupID, requested, vlan)
	if err != nil {
		return nil, phase.NewPhaseError(phase.ErrKindUpstreamRetryable, "assign aps", true, err)
	}
	res, err := phase.FireAndWait(ctx, pc, pc.UnitID, "assign_aps", activityID)
	if err != nil {
		return nil, phase.NewPhaseError(phase.ErrKindActivityTimeout, "ap assignment did not resolve", true, err)
	}
	if !res.Success {
		return nil, phase.NewPhaseError(phase.ErrKindUpstreamNonRetryable, "ap assignment reported failure upstream", false, nil)
	}
	return phase.Outputs{"aps_assigned": len(requested)}, nil
}

func (AssignAPsExecutor) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.PhaseValidation, *phase.PhaseError) {
	requested := in.StringSlice("ap_identifiers")
	return phase.PhaseValidation{Valid: true, EstimatedAPICalls: 1, Notes: []string{fmt.Sprintf("%d access points to assign", len(requested))}}, nil
}

// CreateDPSKPoolExecutor mints the per-unit DPSK credential pool once
// the network is live and its APs are assigned.
type CreateDPSKPoolExecutor struct{}

func (CreateDPSKPoolExecutor) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError) {
	networkID := in.String("network_id")
	name := fmt.Sprintf("dpsk-%s", in.String("unit_number"))

	id, err := pc.Upstream.CreateDPSKPool(ctx, networkID, name)
	if err != nil {
		return nil, phase.NewPhaseError(phase.ErrKindUpstreamRetryable, "create dpsk pool", true, err)
	}
	if pc.Resources != nil {
		if err := pc.Resources.TrackResource(ctx, pc.JobID, "dpsk_pools", map[string]any{"name": name, "id": id}); err != nil {
			pc.Emit(ctx, "failed to record created dpsk pool", "warn", map[string]any{"error": err.Error()})
		}
	}
	return phase.Outputs{"dpsk_pool_id": id}, nil
}

func (CreateDPSKPoolExecutor) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.PhaseValidation, *phase.PhaseError) {
	return phase.PhaseValidation{Valid: true, WillCreate: true, EstimatedAPICalls: 1}, nil
}
