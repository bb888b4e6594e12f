package perunitpsk

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetwire/provisioner/internal/job"
	"github.com/fleetwire/provisioner/internal/phase"
)

// defaultValidateConcurrency is used when the engine's configured
// parallel_map concurrency is unset (e.g. a direct unit test that
// builds a bare phase.Context).
const defaultValidateConcurrency = 10

// ValidateExecutor implements Phase 0: it never mutates upstream
// state, only inspects it (FindAPGroupByName/FindNetworkByName) to
// decide reuse-vs-create per unit, flags SSID collisions within the
// request, and seeds the UnitMapping set the scheduler persists.
type ValidateExecutor struct{}

func (ValidateExecutor) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, *phase.PhaseError) {
	inputData, _ := in["input_data"].(map[string]any)
	requests, err := parseUnits(inputData)
	if err != nil {
		return nil, phase.NewPhaseError(phase.ErrKindValidation, err.Error(), false, err)
	}

	result := &job.ValidationResult{
		Valid:           true,
		AggregateCounts: map[string]int{},
	}

	// Pass 1: sequential SSID-conflict detection. This must stay
	// sequential so "first unit in the request wins a contested SSID"
	// is deterministic; it does no upstream I/O.
	seenSSID := map[string]string{} // ssid -> first unit_number that claimed it
	units := make(map[string]*job.UnitMapping, len(requests))
	var accepted []UnitRequest

	for _, req := range requests {
		if owner, dup := seenSSID[req.SSIDName]; dup {
			result.Valid = false
			result.Conflicts = append(result.Conflicts, job.ConflictDetail{
				UnitID:       req.UnitNumber,
				ResourceType: "wifi_network",
				ResourceName: req.SSIDName,
				Description:  fmt.Sprintf("ssid %q already claimed by unit %s in this request", req.SSIDName, owner),
				Severity:     string(phase.SeverityError),
			})
			continue
		}
		seenSSID[req.SSIDName] = req.UnitNumber

		u := job.NewUnitMapping(req.UnitNumber, req.UnitNumber, map[string]any{
			"ssid_name":      req.SSIDName,
			"ssid_password":  req.SSIDPassword,
			"default_vlan":   req.DefaultVLAN,
			"ap_identifiers": req.APIdentifiers,
		})
		units[u.UnitID] = u
		accepted = append(accepted, req)
	}

	// Pass 2: the upstream lookups are independent per unit (each
	// writes only into its own unit's Plan map), so they fan out
	// through parallel_map rather than running one at a time
	// (spec.md §4.2 "the sole intra-phase concurrency primitive").
	concurrency := pc.ParallelConcurrency
	if concurrency <= 0 {
		concurrency = defaultValidateConcurrency
	}

	var mu sync.Mutex
	var upstreamErr *phase.PhaseError

	phase.ParallelMap(ctx, accepted, func(ctx context.Context, req UnitRequest) error {
		u := units[req.UnitNumber]

		apGroupID, apFound, err := pc.Upstream.FindAPGroupByName(ctx, pc.VenueID, apGroupName(req))
		if err != nil {
			mu.Lock()
			if upstreamErr == nil {
				upstreamErr = phase.NewPhaseError(phase.ErrKindUpstreamRetryable, "find ap group", true, err)
			}
			mu.Unlock()
			return err
		}
		netID, netFound, err := pc.Upstream.FindNetworkByName(ctx, pc.VenueID, req.SSIDName)
		if err != nil {
			mu.Lock()
			if upstreamErr == nil {
				upstreamErr = phase.NewPhaseError(phase.ErrKindUpstreamRetryable, "find network", true, err)
			}
			mu.Unlock()
			return err
		}

		apiCalls := 3 // activate_network + assign_aps + create_dpsk_pool
		u.Plan["will_create_ap_group"] = !apFound
		u.Plan["will_create_network"] = !netFound

		var actions []job.ResourceAction
		counts := map[string]int{}
		if apFound {
			u.Plan["ap_group_id"] = apGroupID
			counts["ap_groups_to_reuse"]++
			actions = append(actions, job.ResourceAction{ResourceType: "ap_group", Name: apGroupName(req), Action: string(phase.ActionReuse), ExistingID: apGroupID})
		} else {
			apiCalls++
			counts["ap_groups_to_create"]++
			actions = append(actions, job.ResourceAction{ResourceType: "ap_group", Name: apGroupName(req), Action: string(phase.ActionCreate)})
		}
		if netFound {
			u.Plan["network_id"] = netID
			counts["networks_to_reuse"]++
			actions = append(actions, job.ResourceAction{ResourceType: "wifi_network", Name: req.SSIDName, Action: string(phase.ActionReuse), ExistingID: netID})
		} else {
			apiCalls++
			counts["networks_to_create"]++
			actions = append(actions, job.ResourceAction{ResourceType: "wifi_network", Name: req.SSIDName, Action: string(phase.ActionCreate)})
		}

		mu.Lock()
		for k, v := range counts {
			result.AggregateCounts[k] += v
		}
		result.Actions = append(result.Actions, actions...)
		result.TotalAPICalls += apiCalls
		mu.Unlock()

		return nil
	}, concurrency, "unit", nil, 0)

	if upstreamErr != nil {
		return nil, upstreamErr
	}

	out := phase.Outputs{
		"units":             units,
		"validation_result": result,
	}
	return out, nil
}

func (e ValidateExecutor) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.PhaseValidation, *phase.PhaseError) {
	return phase.PhaseValidation{Valid: true, Notes: []string{"validate is itself the dry run; re-running it is idempotent"}}, nil
}
