package binning

import (
	"fmt"
	"math"
	"slices"

	"codeberg.org/mutker/shotmon/internal/errors"
	"gonum.org/v1/gonum/floats"
)

// Axis is a fixed set of equal-width bins over [Start, End]. Each bin is
// closed on the left; End itself belongs to the last bin.
type Axis struct {
	start   float64
	end     float64
	edges   []float64
	centers []float64
}

func NewAxis(start, end float64, bins int) (Axis, error) {
	if bins <= 0 || !(end > start) || math.IsInf(start, 0) || math.IsInf(end, 0) {
		return Axis{}, errors.New().WithData(ErrInvalidAxis,
			fmt.Sprintf("[%g, %g] with %d bins", start, end, bins))
	}

	edges := floats.Span(make([]float64, bins+1), start, end)
	centers := make([]float64, bins)
	for i := range centers {
		centers[i] = 0.5 * (edges[i] + edges[i+1])
	}

	return Axis{start: start, end: end, edges: edges, centers: centers}, nil
}

func (a Axis) Start() float64 { return a.start }
func (a Axis) End() float64   { return a.end }
func (a Axis) Bins() int      { return len(a.centers) }

func (a Axis) Edges() []float64   { return slices.Clone(a.edges) }
func (a Axis) Centers() []float64 { return slices.Clone(a.centers) }

// Locate returns the bin holding x, or false when x is outside the axis.
func (a Axis) Locate(x float64) (int, bool) {
	if math.IsNaN(x) || x < a.start || x > a.end {
		return 0, false
	}

	pos, found := slices.BinarySearch(a.edges, x)
	bin := pos - 1
	if found {
		bin = pos
	}

	return min(bin, a.Bins()-1), true
}

// Partial is the per-bin mean of one batch of samples.
type Partial struct {
	Means      []float64
	Counts     []int
	OutOfRange int
}

// Bin averages ys into the bins located by xs. Empty bins have a zero
// mean and count; samples outside the axis are counted, not binned, and
// non-finite ys are skipped.
func (a Axis) Bin(xs, ys []float64) (Partial, error) {
	if len(xs) != len(ys) {
		return Partial{}, errors.New().WithData(ErrLengthMismatch,
			fmt.Sprintf("%d positions, %d values", len(xs), len(ys)))
	}

	p := Partial{
		Means:  make([]float64, a.Bins()),
		Counts: make([]int, a.Bins()),
	}
	for i, x := range xs {
		bin, ok := a.Locate(x)
		if !ok {
			p.OutOfRange++
			continue
		}
		if math.IsNaN(ys[i]) || math.IsInf(ys[i], 0) {
			continue
		}
		p.Means[bin] += ys[i]
		p.Counts[bin]++
	}

	for i, n := range p.Counts {
		if n > 0 {
			p.Means[i] /= float64(n)
		}
	}

	return p, nil
}
