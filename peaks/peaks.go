// Package peaks finds local maxima in sampled traces. The selection rules follow
// scipy.signal.find_peaks when called with the height and width arguments only:
// peaks are local maxima (flat tops reduce to their midpoint), filtered first by
// height and then by their width measured at half of their prominence.
package peaks

import "math"

// Peak describes one detected local maximum and the properties used to accept it.
type Peak struct {
	Index      int     // sample index of the peak (midpoint of a flat top)
	Height     float64 // trace value at Index
	Prominence float64 // vertical distance to the higher of the two bases
	LeftBase   int     // index of the minimum that defines the left side of the prominence
	RightBase  int     // index of the minimum that defines the right side of the prominence
	Width      float64 // width in samples at Height - Prominence/2
	LeftIP     float64 // interpolated left crossing of the width line
	RightIP    float64 // interpolated right crossing of the width line
}

// RelHeight is the fraction of the prominence below the peak at which widths are measured.
const RelHeight = 0.5

// Find returns the peaks of x whose height is at least minHeight and whose width
// (in samples, measured at half prominence) is at least minWidth. Peaks are returned
// in increasing index order. An empty (non-nil) slice means no peak qualified.
func Find(x []float64, minHeight, minWidth float64) []Peak {
	candidates := localMaxima(x)
	kept := candidates[:0]
	for _, p := range candidates {
		if x[p] >= minHeight {
			kept = append(kept, p)
		}
	}

	result := make([]Peak, 0, len(kept))
	for _, p := range kept {
		pk := Peak{Index: p, Height: x[p]}
		pk.Prominence, pk.LeftBase, pk.RightBase = prominence(x, p)
		pk.Width, pk.LeftIP, pk.RightIP = width(x, p, pk.Prominence, pk.LeftBase, pk.RightBase)
		if pk.Width >= minWidth {
			result = append(result, pk)
		}
	}
	return result
}

// Indices returns just the sample indices of a slice of peaks.
func Indices(pks []Peak) []int {
	idx := make([]int, len(pks))
	for i, p := range pks {
		idx[i] = p.Index
	}
	return idx
}

// localMaxima finds all samples (or flat runs of samples) strictly higher than both
// neighbors. A flat maximum is reported at its midpoint, rounded down. The first and
// last samples can never be maxima.
func localMaxima(x []float64) []int {
	var midpoints []int
	n := len(x)
	i := 1
	iMax := n - 1
	for i < iMax {
		if x[i-1] < x[i] {
			iAhead := i + 1
			for iAhead < iMax && x[iAhead] == x[i] {
				iAhead++
			}
			if x[iAhead] < x[i] {
				left := i
				right := iAhead - 1
				midpoints = append(midpoints, (left+right)/2)
				i = iAhead
			}
		}
		i++
	}
	return midpoints
}

// prominence computes the prominence of the peak at index p using the whole trace
// as the search window. It returns the prominence and the left and right base indices.
func prominence(x []float64, p int) (float64, int, int) {
	iMin := 0
	iMax := len(x) - 1

	leftBase := p
	leftMin := x[p]
	for i := p; iMin <= i && x[i] <= x[p]; i-- {
		if x[i] < leftMin {
			leftMin = x[i]
			leftBase = i
		}
	}

	rightBase := p
	rightMin := x[p]
	for i := p; i <= iMax && x[i] <= x[p]; i++ {
		if x[i] < rightMin {
			rightMin = x[i]
			rightBase = i
		}
	}
	return x[p] - math.Max(leftMin, rightMin), leftBase, rightBase
}

// width measures the peak at p at the height x[p] - prom*RelHeight, searching no further
// than the prominence bases and interpolating linearly between samples.
func width(x []float64, p int, prom float64, iMin, iMax int) (float64, float64, float64) {
	height := x[p] - prom*RelHeight

	i := p
	for iMin < i && height < x[i] {
		i--
	}
	leftIP := float64(i)
	if x[i] < height {
		leftIP += (height - x[i]) / (x[i+1] - x[i])
	}

	i = p
	for i < iMax && height < x[i] {
		i++
	}
	rightIP := float64(i)
	if x[i] < height {
		rightIP -= (height - x[i]) / (x[i-1] - x[i])
	}
	return rightIP - leftIP, leftIP, rightIP
}
