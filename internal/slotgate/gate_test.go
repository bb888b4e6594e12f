package slotgate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGate_BoundsConcurrentHolders(t *testing.T) {
	g := New(3)

	for i := 0; i < 3; i++ {
		assert.True(t, g.TryAcquire(unitID(i)))
	}
	assert.False(t, g.TryAcquire("unit-overflow"))
	assert.Equal(t, 3, g.Occupied())
}

func TestGate_ReleaseFreesSlot(t *testing.T) {
	g := New(1)
	assert.True(t, g.TryAcquire("u1"))
	assert.False(t, g.TryAcquire("u2"))

	g.Release("u1")
	assert.True(t, g.TryAcquire("u2"))
}

func TestGate_DoubleReleaseIsSafe(t *testing.T) {
	g := New(1)
	assert.True(t, g.TryAcquire("u1"))
	g.Release("u1")
	g.Release("u1") // must not panic or over-release the semaphore

	assert.True(t, g.TryAcquire("u2"))
	assert.False(t, g.TryAcquire("u3"))
	assert.Equal(t, 1, g.Occupied())
}

func TestGate_UnlimitedCapacityAlwaysAcquires(t *testing.T) {
	g := New(0)
	for i := 0; i < 100; i++ {
		assert.True(t, g.TryAcquire(unitID(i)))
	}
}

func unitID(i int) string {
	return "unit-" + string(rune('a'+i))
}
