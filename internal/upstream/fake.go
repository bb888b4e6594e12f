package upstream

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory phase.UpstreamClient used by the demonstration
// workflow and by phase-level tests: it never makes a network call,
// and resolves every activity on the first poll.
type Fake struct {
	mu sync.Mutex

	apGroups     map[string]string // venueID/name -> id
	networks     map[string]string // venueID/ssid -> id
	dpskPools    []string
	activities   map[string]bool // activityID -> success
	venueAPs     map[string][]string
	nextID       int
	FailActivity map[string]bool // activityID -> force failure
}

// NewFake builds a Fake seeded with the given venue AP inventory.
func NewFake(venueAPs map[string][]string) *Fake {
	return &Fake{
		apGroups:     map[string]string{},
		networks:     map[string]string{},
		activities:   map[string]bool{},
		venueAPs:     venueAPs,
		FailActivity: map[string]bool{},
	}
}

func (f *Fake) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

// CreateAPGroup satisfies phase.UpstreamClient.
func (f *Fake) CreateAPGroup(ctx context.Context, venueID, name string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newID("apg")
	f.apGroups[venueID+"/"+name] = id
	activityID := f.newID("act")
	f.activities[activityID] = !f.FailActivity[activityID]
	return id, activityID, nil
}

// FindAPGroupByName satisfies phase.UpstreamClient.
func (f *Fake) FindAPGroupByName(ctx context.Context, venueID, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.apGroups[venueID+"/"+name]
	return id, ok, nil
}

// CreateNetwork satisfies phase.UpstreamClient.
func (f *Fake) CreateNetwork(ctx context.Context, venueID, ssid, password string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newID("net")
	f.networks[venueID+"/"+ssid] = id
	activityID := f.newID("act")
	f.activities[activityID] = !f.FailActivity[activityID]
	return id, activityID, nil
}

// FindNetworkByName satisfies phase.UpstreamClient.
func (f *Fake) FindNetworkByName(ctx context.Context, venueID, ssid string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.networks[venueID+"/"+ssid]
	return id, ok, nil
}

// ActivateNetwork satisfies phase.UpstreamClient.
func (f *Fake) ActivateNetwork(ctx context.Context, networkID, apGroupID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	activityID := f.newID("act")
	f.activities[activityID] = !f.FailActivity[activityID]
	return activityID, nil
}

// AssignAPs satisfies phase.UpstreamClient.
func (f *Fake) AssignAPs(ctx context.Context, apGroupID string, apIdentifiers []string, vlan string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	activityID := f.newID("act")
	f.activities[activityID] = !f.FailActivity[activityID]
	return activityID, nil
}

// CreateDPSKPool satisfies phase.UpstreamClient.
func (f *Fake) CreateDPSKPool(ctx context.Context, networkID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newID("dpsk")
	f.dpskPools = append(f.dpskPools, id)
	return id, nil
}

// PollActivity satisfies phase.UpstreamClient: always resolves on the
// first poll (deterministic tests should drive timing through the
// activity tracker's config, not this fake).
func (f *Fake) PollActivity(ctx context.Context, activityID string) (bool, bool, map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	success, known := f.activities[activityID]
	if !known {
		return false, false, nil, fmt.Errorf("upstream: fake unknown activity %s", activityID)
	}
	return true, success, map[string]any{}, nil
}

// ListVenueAPs satisfies phase.UpstreamClient.
func (f *Fake) ListVenueAPs(ctx context.Context, venueID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.venueAPs[venueID], nil
}
