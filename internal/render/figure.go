package render

import (
	"math"
	"time"

	"codeberg.org/mutker/shotmon/internal/binning"
	"codeberg.org/mutker/shotmon/internal/buffer"
	"gonum.org/v1/plot/plotter"
)

// Figure is everything one render shows.
type Figure struct {
	Title   string
	Created time.Time
	View    binning.View
	// Series are rolling-buffer traces plotted against shot index.
	Series []buffer.Snapshot
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// binnedPoints returns the (center, mean) pairs of populated bins.
func binnedPoints(v binning.View) plotter.XYs {
	pts := make(plotter.XYs, 0, len(v.Centers))
	for i, c := range v.Centers {
		if v.Weights[i] > 0 && finite(v.Means[i]) {
			pts = append(pts, plotter.XY{X: c, Y: v.Means[i]})
		}
	}

	return pts
}

// intensityPoints splits the history into gated and rejected (I0, ROI)
// pairs.
func intensityPoints(h binning.History) (gated, rejected plotter.XYs) {
	for i := range h.Len() {
		x, y := h.Intensity[i], h.ROI[i]
		if !finite(x) || !finite(y) {
			continue
		}
		if h.Gated[i] {
			gated = append(gated, plotter.XY{X: x, Y: y})
		} else {
			rejected = append(rejected, plotter.XY{X: x, Y: y})
		}
	}

	return gated, rejected
}

func historyPoints(h binning.History) plotter.XYs {
	pts := make(plotter.XYs, 0, h.Len())
	for i := range h.Len() {
		if finite(h.ROI[i]) {
			pts = append(pts, plotter.XY{X: float64(h.Index[i]), Y: h.ROI[i]})
		}
	}

	return pts
}

func seriesPoints(s buffer.Snapshot) plotter.XYs {
	pts := make(plotter.XYs, 0, len(s.Values))
	for i, v := range s.Values {
		if finite(v) {
			pts = append(pts, plotter.XY{X: float64(s.Indices[i]), Y: v})
		}
	}

	return pts
}
