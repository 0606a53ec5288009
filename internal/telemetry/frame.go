package telemetry

import "math"

// DefaultThreshold is the MPCCD no-photon level in gain-corrected units.
const DefaultThreshold = 1000.0 / 3.65

// Frame is one 2D detector readout stored row-major.
type Frame struct {
	Rows int
	Cols int
	Data []float64
}

// NewFrame allocates a zeroed rows x cols frame.
func NewFrame(rows, cols int) Frame {
	return Frame{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

func (f Frame) At(row, col int) float64 {
	return f.Data[row*f.Cols+col]
}

func (f Frame) Set(row, col int, v float64) {
	f.Data[row*f.Cols+col] = v
}

// Empty reports whether the frame carries no samples.
func (f Frame) Empty() bool {
	return f.Rows == 0 || f.Cols == 0 || len(f.Data) == 0
}

// Correction is the gain and noise-threshold step applied at the source
// boundary, before frames reach the core.
type Correction struct {
	// Gain multiplies raw counts. Zero is treated as 1.
	Gain float64
	// Threshold zeroes gain-corrected samples below it. Non-positive
	// values disable thresholding.
	Threshold float64
}

// Apply returns a corrected copy of f.
func (c Correction) Apply(f Frame) Frame {
	gain := c.Gain
	if gain == 0 {
		gain = 1
	}

	out := Frame{Rows: f.Rows, Cols: f.Cols, Data: make([]float64, len(f.Data))}
	for i, v := range f.Data {
		v *= gain
		if c.Threshold > 0 && v < c.Threshold {
			v = 0
		}
		out.Data[i] = v
	}

	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
