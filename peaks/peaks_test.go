package peaks

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaussian(x []float64, center, sigma, height float64) {
	for i := range x {
		d := (float64(i) - center) / sigma
		x[i] += height * math.Exp(-0.5*d*d)
	}
}

func TestTwoGaussians(t *testing.T) {
	x := make([]float64, 2000)
	gaussian(x, 600, 20, 1.0)
	gaussian(x, 1100, 20, 0.3)

	pks := Find(x, 0.5, 5)
	require.Len(t, pks, 1)
	assert.InDelta(t, 600, pks[0].Index, 1)
	assert.InDelta(t, 1.0, pks[0].Height, 1e-9)
	// FWHM of a Gaussian is 2 sqrt(2 ln 2) sigma.
	assert.InDelta(t, 2*math.Sqrt(2*math.Ln2)*20, pks[0].Width, 0.5)

	// Both pass with a lower height threshold, in index order.
	pks = Find(x, 0.1, 5)
	assert.Equal(t, []int{600, 1100}, Indices(pks))

	// A huge width threshold rejects both.
	pks = Find(x, 0.1, 500)
	assert.NotNil(t, pks)
	assert.Len(t, pks, 0)
}

func TestLocalMaxima(t *testing.T) {
	tests := []struct {
		x    []float64
		want []int
	}{
		{[]float64{}, nil},
		{[]float64{1}, nil},
		{[]float64{0, 1}, nil},
		{[]float64{0, 1, 0}, []int{1}},
		{[]float64{0, 2, 2, 2, 0}, []int{2}},
		{[]float64{0, 2, 2, 0}, []int{1}},
		{[]float64{0, 2, 2}, nil},
		{[]float64{2, 1, 2}, nil},
		{[]float64{0, 2, 2, 3, 0}, []int{3}},
		{[]float64{0, 1, 0, 1, 0, 4, 0}, []int{1, 3, 5}},
	}
	for _, tc := range tests {
		got := localMaxima(tc.x)
		if len(got) != len(tc.want) {
			t.Errorf("localMaxima(%v) = %v, want %v", tc.x, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("localMaxima(%v) = %v, want %v", tc.x, got, tc.want)
				break
			}
		}
	}
}

func TestProminenceAndWidth(t *testing.T) {
	x := []float64{0, 5, 1, 3, 0}
	pks := Find(x, 0, 0)
	require.Len(t, pks, 2)

	assert.Equal(t, 1, pks[0].Index)
	assert.Equal(t, 5.0, pks[0].Prominence)
	assert.Equal(t, 0, pks[0].LeftBase)
	assert.Equal(t, 4, pks[0].RightBase)

	assert.Equal(t, 3, pks[1].Index)
	assert.Equal(t, 2.0, pks[1].Prominence)
	assert.Equal(t, 2, pks[1].LeftBase)
	assert.Equal(t, 4, pks[1].RightBase)

	// Half-prominence line at 1.5 on a symmetric triangle.
	x = []float64{0, 1, 3, 1, 0}
	pks = Find(x, 0, 0)
	require.Len(t, pks, 1)
	assert.InDelta(t, 1.25, pks[0].LeftIP, 1e-12)
	assert.InDelta(t, 2.75, pks[0].RightIP, 1e-12)
	assert.InDelta(t, 1.5, pks[0].Width, 1e-12)

	// Width threshold is inclusive.
	assert.Len(t, Find(x, 0, 1.5), 1)
	assert.Len(t, Find(x, 0, 1.5001), 0)
	// Height threshold is inclusive.
	assert.Len(t, Find(x, 3, 0), 1)
	assert.Len(t, Find(x, 3.0001, 0), 0)
}

func TestNarrowNoiseRejected(t *testing.T) {
	x := make([]float64, 1000)
	gaussian(x, 300, 10, 1.0)
	// A single-sample spike is tall but has a width near one sample.
	x[700] = 1.2
	pks := Find(x, 0.5, 5)
	assert.Equal(t, []int{300}, Indices(pks))
}
