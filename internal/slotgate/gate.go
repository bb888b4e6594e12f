// Package slotgate implements the Activation-Slot Gate (spec.md
// §4.4): a scoped semaphore bounding the number of units that may be
// "in-flight" between an ACQUIRE phase and its paired RELEASE phase,
// working around a fixed upstream per-group activation limit.
package slotgate

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate is a per-job scoped semaphore with double-release safety: a
// unit that fails between acquire and release still releases its
// slot exactly once when the unit terminates (spec.md §4.4, §9).
type Gate struct {
	sem      *semaphore.Weighted
	capacity int

	mu      sync.Mutex
	holders map[string]bool // unit_id -> currently holding a slot
}

// New creates a Gate with the given capacity (0 = unlimited: Acquire
// always succeeds immediately).
func New(capacity int) *Gate {
	if capacity <= 0 {
		return &Gate{capacity: 0, holders: make(map[string]bool)}
	}
	return &Gate{sem: semaphore.NewWeighted(int64(capacity)), capacity: capacity, holders: make(map[string]bool)}
}

// TryAcquire attempts a non-blocking acquire for unitID. Returns false
// if no slot is currently available (the scheduler leaves the unit
// idle this tick per spec.md §4.6 step 3).
func (g *Gate) TryAcquire(unitID string) bool {
	if g.capacity == 0 {
		g.markHeld(unitID)
		return true
	}
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.markHeld(unitID)
	return true
}

// Acquire blocks until a slot is available or ctx is cancelled.
func (g *Gate) Acquire(ctx context.Context, unitID string) error {
	if g.capacity == 0 {
		g.markHeld(unitID)
		return nil
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.markHeld(unitID)
	return nil
}

// Release releases unitID's slot. Safe to call more than once for the
// same unit (double-release is a no-op) — both the paired
// RELEASE-phase path and the unit-termination path may call it.
func (g *Gate) Release(unitID string) {
	g.mu.Lock()
	held := g.holders[unitID]
	if held {
		delete(g.holders, unitID)
	}
	g.mu.Unlock()

	if held && g.capacity > 0 {
		g.sem.Release(1)
	}
}

// Occupied reports how many slots are currently held, for tests and metrics.
func (g *Gate) Occupied() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.holders)
}

func (g *Gate) markHeld(unitID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holders[unitID] = true
}
