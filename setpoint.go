package tclock

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// SetpointMailbox is a single-slot, last-write-wins holder for one externally
// supplied frequency. Stores and loads never block each other.
type SetpointMailbox struct {
	bits atomic.Uint64
	set  atomic.Bool
}

// Store replaces the held frequency.
func (m *SetpointMailbox) Store(freqMHz float64) {
	m.bits.Store(math.Float64bits(freqMHz))
	m.set.Store(true)
}

// Load returns the most recent frequency and whether one was ever stored.
func (m *SetpointMailbox) Load() (float64, bool) {
	if !m.set.Load() {
		return 0, false
	}
	return math.Float64frombits(m.bits.Load()), true
}

// SetpointTable holds one mailbox per laser. It can be resized while the lock is idle;
// resizing keeps the values of lasers that remain.
type SetpointTable struct {
	mu    sync.RWMutex
	boxes []*SetpointMailbox
}

// NewSetpointTable makes a table with n empty mailboxes.
func NewSetpointTable(n int) *SetpointTable {
	t := new(SetpointTable)
	t.Resize(n)
	return t
}

// Len returns the number of lasers addressable in the table.
func (t *SetpointTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.boxes)
}

// Resize changes the number of mailboxes.
func (t *SetpointTable) Resize(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.boxes) < n {
		t.boxes = append(t.boxes, new(SetpointMailbox))
	}
	t.boxes = t.boxes[:n]
}

// Store sets laser i's external frequency.
func (t *SetpointTable) Store(i int, freqMHz float64) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.boxes) {
		return fmt.Errorf("laser index %d is out of range [0, %d)", i, len(t.boxes))
	}
	t.boxes[i].Store(freqMHz)
	return nil
}

// Load returns laser i's external frequency and whether one has been received.
func (t *SetpointTable) Load(i int) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.boxes) {
		return 0, false
	}
	return t.boxes[i].Load()
}

// Values returns every laser's external frequency and whether one was received.
func (t *SetpointTable) Values() ([]float64, []bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v := make([]float64, len(t.boxes))
	ok := make([]bool, len(t.boxes))
	for i, b := range t.boxes {
		v[i], ok[i] = b.Load()
	}
	return v, ok
}
