package tclock

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/usnistgov/tclock/internal/appendablenpy"
)

// ErrorLog records one row per cycle to an .npy file: seconds since the run
// started, the cycle number, then the error (MHz) and output (V) of the cavity and
// of each laser in turn. Rows are written by a separate goroutine; if it falls
// behind, rows are dropped rather than delaying the control loop.
type ErrorLog struct {
	filename string
	w        *appendablenpy.Writer
	rows     chan []float64
	done     chan struct{}
	dropped  atomic.Int64
	err      error
}

// errorLogColumns is the row length for a lock with nlasers lasers.
func errorLogColumns(nlasers int) int {
	return 2 + 2*(1+nlasers)
}

// NewErrorLog creates filename for a lock with nlasers lasers and starts its writer.
func NewErrorLog(filename string, nlasers int) (*ErrorLog, error) {
	w, err := appendablenpy.Create(filename, errorLogColumns(nlasers))
	if err != nil {
		return nil, err
	}
	el := &ErrorLog{
		filename: filename,
		w:        w,
		rows:     make(chan []float64, 256),
		done:     make(chan struct{}),
	}
	go el.run()
	return el, nil
}

func (el *ErrorLog) run() {
	defer close(el.done)
	for row := range el.rows {
		if el.err != nil {
			continue
		}
		if err := el.w.Append(row); err != nil {
			el.err = err
			ProblemLogger.Printf("error log %s stopped recording: %v", el.filename, err)
		}
	}
}

// Add queues one row without blocking.
func (el *ErrorLog) Add(row []float64) {
	select {
	case el.rows <- row:
	default:
		el.dropped.Add(1)
	}
}

// Dropped returns how many rows were discarded because the writer was behind.
func (el *ErrorLog) Dropped() int64 {
	return el.dropped.Load()
}

// Close writes every queued row and closes the file. Add must not be called after Close.
func (el *ErrorLog) Close() error {
	close(el.rows)
	<-el.done
	if err := el.w.Close(); err != nil && el.err == nil {
		el.err = err
	}
	if el.err != nil {
		return fmt.Errorf("error log %s: %w", el.filename, el.err)
	}
	return nil
}

// errorRow builds the error log row of the cycle just processed.
func (r *lockRun) errorRow(res *cycleResult) []float64 {
	row := make([]float64, 0, errorLogColumns(len(r.lasers)))
	row = append(row, r.lastCycle.Sub(r.start).Seconds(), float64(r.cycles))
	row = append(row, errorOrNaN(res.channels[0]), r.cavityFB.LastOutput)
	for i := range r.lasers {
		row = append(row, errorOrNaN(res.channels[i+1]), r.laserFB[i].LastOutput)
	}
	return row
}

// errorOrNaN marks cycles where the channel's peak was missing.
func errorOrNaN(ch channelResult) float64 {
	if !ch.found {
		return math.NaN()
	}
	return ch.err
}
