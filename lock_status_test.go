package tclock

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockStatus(t *testing.T) {
	ls := NewLockStatus(4, 2)
	assert.Equal(t, 0, ls.Len())
	assert.Equal(t, 0.0, ls.RMS())
	assert.False(t, ls.Locked(0, true), "an empty window is not locked")

	for _, e := range []float64{1, -1, 1, -1} {
		ls.Add(e)
	}
	assert.Equal(t, 4, ls.Len())
	assert.InDelta(t, 1.0, ls.RMS(), 1e-12)
	assert.True(t, ls.Locked(-1, true))
	assert.False(t, ls.Locked(-1, false), "a missing peak is never locked")
	assert.False(t, ls.Locked(2.5, true), "the latest error must also be small")

	// The window keeps only the most recent errors.
	for _, e := range []float64{10, 20, 10, 20} {
		ls.Add(e)
	}
	assert.Equal(t, 4, ls.Len())
	assert.InDelta(t, 5.0, ls.RMS(), 1e-12)
	assert.False(t, ls.Locked(0, true))
}

func TestLockStatusResize(t *testing.T) {
	ls := NewLockStatus(3, 1)
	for _, e := range []float64{1, 2, 3, 4} {
		ls.Add(e)
	}
	ls.resize(2, 5)
	assert.Equal(t, []float64{3, 4}, ls.values())
	ls.Add(5)
	assert.Equal(t, 2, ls.Len())
	assert.InDelta(t, 0.5, ls.RMS(), 1e-12)
	assert.True(t, ls.Locked(4, true))

	ls.resize(5, 5)
	assert.ElementsMatch(t, []float64{4, 5}, ls.values())
	ls.resize(0, 5)
	assert.Equal(t, 1, ls.Len())

	big := NewLockStatus(0, 1)
	big.Add(math.Pi)
	assert.Equal(t, 1, big.Len())
	assert.Equal(t, 0.0, big.RMS())
}
