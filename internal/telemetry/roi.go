package telemetry

import (
	"fmt"

	"codeberg.org/mutker/shotmon/internal/errors"
)

// ROI is a rectangular region of one detector. Bounds are half-open;
// X indexes frame rows and Y indexes columns. Bounds past the frame edge
// are clamped.
type ROI struct {
	Name     string `mapstructure:"name"`
	Detector string `mapstructure:"detector"`
	X1       int    `mapstructure:"x1"`
	X2       int    `mapstructure:"x2"`
	Y1       int    `mapstructure:"y1"`
	Y2       int    `mapstructure:"y2"`
}

func (r ROI) Validate() error {
	errFactory := errors.New()

	switch {
	case r.Name == "":
		return errFactory.WithMessage(ErrInvalidROI, "roi name is empty")
	case r.Detector == "":
		return errFactory.WithMessage(ErrInvalidROI, fmt.Sprintf("roi %q has no detector", r.Name))
	case r.X1 < 0 || r.Y1 < 0 || r.X2 <= r.X1 || r.Y2 <= r.Y1:
		return errFactory.WithData(ErrInvalidROI, fmt.Sprintf("roi %q bounds x[%d,%d) y[%d,%d)",
			r.Name, r.X1, r.X2, r.Y1, r.Y2))
	}

	return nil
}

// Sum reduces f to the sum of finite samples inside the rectangle. A
// frame whose data does not match its shape is an ErrFrameShape error.
func (r ROI) Sum(f Frame) (float64, error) {
	if f.Rows < 0 || f.Cols < 0 || len(f.Data) != f.Rows*f.Cols {
		return 0, errors.New().WithData(ErrFrameShape,
			fmt.Sprintf("frame %dx%d holds %d samples", f.Rows, f.Cols, len(f.Data)))
	}

	x2 := min(r.X2, f.Rows)
	y2 := min(r.Y2, f.Cols)

	var sum float64
	for row := max(r.X1, 0); row < x2; row++ {
		base := row * f.Cols
		for col := max(r.Y1, 0); col < y2; col++ {
			if v := f.Data[base+col]; finite(v) {
				sum += v
			}
		}
	}

	return sum, nil
}

// Mask is a fixed boolean selection over a frame of known shape.
type Mask struct {
	rows int
	cols int
	bits []bool
}

// NewMask wraps a row-major selection of rows x cols samples.
func NewMask(rows, cols int, bits []bool) (Mask, error) {
	if rows <= 0 || cols <= 0 || len(bits) != rows*cols {
		return Mask{}, errors.New().WithData(ErrInvalidMask,
			fmt.Sprintf("%dx%d mask with %d samples", rows, cols, len(bits)))
	}

	cp := make([]bool, len(bits))
	copy(cp, bits)

	return Mask{rows: rows, cols: cols, bits: cp}, nil
}

// RectMask builds a mask selecting the rectangle of r on a rows x cols frame.
func RectMask(rows, cols int, r ROI) (Mask, error) {
	if err := r.Validate(); err != nil {
		return Mask{}, err
	}

	bits := make([]bool, rows*cols)
	for row := r.X1; row < min(r.X2, rows); row++ {
		for col := r.Y1; col < min(r.Y2, cols); col++ {
			bits[row*cols+col] = true
		}
	}

	m, err := NewMask(rows, cols, bits)
	if err != nil {
		return Mask{}, err
	}
	if m.Count() == 0 {
		return Mask{}, errors.New().WithData(ErrInvalidMask,
			fmt.Sprintf("roi %q selects nothing on a %dx%d frame", r.Name, rows, cols))
	}

	return m, nil
}

func (m Mask) Rows() int { return m.rows }
func (m Mask) Cols() int { return m.cols }

// Count returns the number of selected samples.
func (m Mask) Count() int {
	n := 0
	for _, b := range m.bits {
		if b {
			n++
		}
	}

	return n
}

// Sum reduces f to the sum of selected finite samples.
func (m Mask) Sum(f Frame) (float64, error) {
	if f.Rows != m.rows || f.Cols != m.cols || len(f.Data) != len(m.bits) {
		return 0, errors.New().WithData(ErrFrameShape,
			fmt.Sprintf("frame %dx%d, mask %dx%d", f.Rows, f.Cols, m.rows, m.cols))
	}

	var sum float64
	for i, sel := range m.bits {
		if sel && finite(f.Data[i]) {
			sum += f.Data[i]
		}
	}

	return sum, nil
}
