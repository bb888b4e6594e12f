// Package perunitpsk implements the demonstration workflow named in
// spec.md §8's test scenarios: per-unit DPSK (dynamic pre-shared key)
// onboarding, one AP group and SSID per dwelling unit, an activation
// step bounded by the Activation-Slot Gate, and a DPSK credential pool
// per unit. It is grounded on the engine's own phase contract rather
// than a single teacher file: there is no equivalent workflow body in
// the pack, so these executors are original code written to the
// shape phase.Executor requires.
package perunitpsk

import "fmt"

// UnitRequest is one entry of the plan request's input_data["units"]
// array.
type UnitRequest struct {
	UnitNumber    string
	SSIDName      string
	SSIDPassword  string
	DefaultVLAN   string
	APIdentifiers []string
}

// parseUnits decodes the raw, JSON-shaped input_data into UnitRequests.
// input_data arrives as map[string]any (net/http JSON decoding leaves
// nested values as []any/map[string]any), so this is a defensive,
// field-by-field decode rather than a JSON re-marshal round trip.
func parseUnits(inputData map[string]any) ([]UnitRequest, error) {
	raw, ok := inputData["units"]
	if !ok {
		return nil, fmt.Errorf("perunitpsk: input_data.units is required")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("perunitpsk: input_data.units must be an array")
	}

	units := make([]UnitRequest, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("perunitpsk: units[%d] must be an object", i)
		}
		u := UnitRequest{
			UnitNumber:   str(m, "unit_number"),
			SSIDName:     str(m, "ssid_name"),
			SSIDPassword: str(m, "ssid_password"),
			DefaultVLAN:  str(m, "default_vlan"),
		}
		if u.UnitNumber == "" {
			return nil, fmt.Errorf("perunitpsk: units[%d].unit_number is required", i)
		}
		if ids, ok := m["ap_identifiers"].([]any); ok {
			for _, id := range ids {
				if s, ok := id.(string); ok {
					u.APIdentifiers = append(u.APIdentifiers, s)
				}
			}
		}
		units = append(units, u)
	}
	return units, nil
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func apGroupName(u UnitRequest) string { return u.UnitNumber }
