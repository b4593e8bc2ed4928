// Package tracedump saves photodiode traces in numpy's *.npy format.
package tracedump

import (
	"fmt"
	"os"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix packs traces into one row per channel, preceded by a row holding the time
// of each sample in ms. All traces must have the same length.
func Matrix(traces [][]float64, sampleRate float64) (*mat.Dense, error) {
	if len(traces) == 0 || len(traces[0]) == 0 {
		return nil, fmt.Errorf("no traces to save")
	}
	nsamp := len(traces[0])
	m := mat.NewDense(len(traces)+1, nsamp, nil)
	times := make([]float64, nsamp)
	if nsamp > 1 {
		floats.Span(times, 0, float64(nsamp-1)/sampleRate*1000)
	}
	m.SetRow(0, times)
	for i, tr := range traces {
		if len(tr) != nsamp {
			return nil, fmt.Errorf("trace %d has %d samples, want %d", i, len(tr), nsamp)
		}
		m.SetRow(i+1, tr)
	}
	return m, nil
}

// Save writes traces to filename; see Matrix for the layout.
func Save(filename string, traces [][]float64, sampleRate float64) error {
	m, err := Matrix(traces, sampleRate)
	if err != nil {
		return err
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return f.Close()
}
