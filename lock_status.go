package tclock

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// LockStatus keeps a rolling window of a channel's recent errors and decides
// whether the channel counts as locked.
type LockStatus struct {
	window   []float64
	next     int
	full     bool
	criteria float64
}

// NewLockStatus makes a window of the given length and a threshold in MHz.
func NewLockStatus(length int, criteria float64) *LockStatus {
	if length < 1 {
		length = 1
	}
	return &LockStatus{window: make([]float64, length), criteria: criteria}
}

// Add appends one error, discarding the oldest if the window is full.
func (ls *LockStatus) Add(err float64) {
	ls.window[ls.next] = err
	ls.next++
	if ls.next == len(ls.window) {
		ls.next = 0
		ls.full = true
	}
}

func (ls *LockStatus) values() []float64 {
	if ls.full {
		return ls.window
	}
	return ls.window[:ls.next]
}

// Len returns the number of errors in the window.
func (ls *LockStatus) Len() int {
	return len(ls.values())
}

// RMS returns the standard deviation of the errors in the window, or 0 if it is empty.
func (ls *LockStatus) RMS() float64 {
	v := ls.values()
	if len(v) == 0 {
		return 0
	}
	_, variance := stat.PopMeanVariance(v, nil)
	return math.Sqrt(variance)
}

// Locked is true when the peak was found, the latest error and the window's RMS
// are both below the criteria.
func (ls *LockStatus) Locked(lastErr float64, found bool) bool {
	if !found || ls.Len() == 0 {
		return false
	}
	return math.Abs(lastErr) < ls.criteria && ls.RMS() < ls.criteria
}

// resize changes the window length and criteria, keeping the most recent errors.
func (ls *LockStatus) resize(length int, criteria float64) {
	ls.criteria = criteria
	if length < 1 {
		length = 1
	}
	if length == len(ls.window) {
		return
	}
	old := ls.values()
	if ls.full {
		old = append(append([]float64{}, ls.window[ls.next:]...), ls.window[:ls.next]...)
	}
	if len(old) > length {
		old = old[len(old)-length:]
	}
	ls.window = make([]float64, length)
	copy(ls.window, old)
	ls.next = len(old) % length
	ls.full = len(old) == length
}
