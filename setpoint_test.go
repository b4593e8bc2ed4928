package tclock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetpointTable(t *testing.T) {
	table := NewSetpointTable(2)
	assert.Equal(t, 2, table.Len())
	_, ok := table.Load(0)
	assert.False(t, ok)
	assert.NoError(t, table.Store(1, 194.3))
	assert.Error(t, table.Store(2, 1))
	assert.Error(t, table.Store(-1, 1))
	f, ok := table.Load(1)
	assert.True(t, ok)
	assert.Equal(t, 194.3, f)
	_, ok = table.Load(7)
	assert.False(t, ok)

	table.Resize(3)
	f, ok = table.Load(1)
	assert.True(t, ok, "resizing keeps existing values")
	assert.Equal(t, 194.3, f)
	v, set := table.Values()
	assert.Equal(t, []float64{0, 194.3, 0}, v)
	assert.Equal(t, []bool{false, true, false}, set)

	table.Resize(1)
	assert.Equal(t, 1, table.Len())
}

// TestSetpointMailboxConcurrent is meant to be run with -race.
func TestSetpointMailboxConcurrent(t *testing.T) {
	table := NewSetpointTable(4)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				table.Store(w, float64(i))
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			for w := 0; w < 4; w++ {
				if f, ok := table.Load(w); ok && (f < 0 || f > 999) {
					t.Errorf("laser %d read torn value %g", w, f)
				}
			}
		}
	}()
	wg.Wait()
	for w := 0; w < 4; w++ {
		f, ok := table.Load(w)
		assert.True(t, ok)
		assert.Equal(t, 999.0, f, "last write wins")
	}
}
