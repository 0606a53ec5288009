package render

import (
	"fmt"
	"image/color"
	"io"

	"codeberg.org/mutker/shotmon/internal/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var (
	gatedColor    = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	rejectedColor = color.RGBA{R: 200, G: 200, B: 200, A: 255}
	meanColor     = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// WritePNG draws fig as a 2x2 grid: binned mean against delay, ROI
// against I0, ROI history against shot index, and the rolling-buffer
// series.
func WritePNG(w io.Writer, fig Figure, width, height vg.Length) error {
	errFactory := errors.New()

	binned, err := binnedPlot(fig)
	if err != nil {
		return errFactory.Wrap(ErrPlotFailed, err)
	}
	scatter, err := intensityPlot(fig)
	if err != nil {
		return errFactory.Wrap(ErrPlotFailed, err)
	}
	history, err := historyPlot(fig)
	if err != nil {
		return errFactory.Wrap(ErrPlotFailed, err)
	}
	series, err := seriesPlot(fig)
	if err != nil {
		return errFactory.Wrap(ErrPlotFailed, err)
	}

	plots := [][]*plot.Plot{
		{binned, scatter},
		{history, series},
	}

	img := vgimg.New(width, height)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      2,
		Cols:      2,
		PadX:      vg.Millimeter * 4,
		PadY:      vg.Millimeter * 4,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 2,
	}
	canvases := plot.Align(plots, tiles, dc)
	for i := range plots {
		for j := range plots[i] {
			plots[i][j].Draw(canvases[i][j])
		}
	}

	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(w); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	return nil
}

func binnedPlot(fig Figure) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: %d gated shots", fig.Title, fig.View.Gated)
	p.X.Label.Text = "Delay (ps)"
	p.Y.Label.Text = "Mean ROI"

	pts := binnedPoints(fig.View)
	if len(pts) == 0 {
		return p, nil
	}

	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, err
	}
	line.Color = meanColor
	line.Width = vg.Points(1)
	points.Color = meanColor
	points.Shape = draw.CircleGlyph{}
	p.Add(line, points)

	return p, nil
}

func intensityPlot(fig Figure) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "ROI vs I0"
	p.X.Label.Text = "I0"
	p.Y.Label.Text = "ROI"

	gated, rejected := intensityPoints(fig.View.History)
	if len(rejected) > 0 {
		s, err := plotter.NewScatter(rejected)
		if err != nil {
			return nil, err
		}
		s.Color = rejectedColor
		p.Add(s)
		p.Legend.Add("rejected", s)
	}
	if len(gated) > 0 {
		s, err := plotter.NewScatter(gated)
		if err != nil {
			return nil, err
		}
		s.Color = gatedColor
		p.Add(s)
		p.Legend.Add("gated", s)
	}
	p.Legend.Top = true

	return p, nil
}

func historyPlot(fig Figure) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "ROI by shot"
	p.X.Label.Text = "Shot index"
	p.Y.Label.Text = "ROI"

	pts := historyPoints(fig.View.History)
	if len(pts) == 0 {
		return p, nil
	}

	s, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	s.Color = gatedColor
	s.Radius = vg.Points(1.5)
	p.Add(s)

	return p, nil
}

func seriesPlot(fig Figure) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Rolling buffers"
	p.X.Label.Text = "Shot index"

	for i, snap := range fig.Series {
		pts := seriesPoints(snap)
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(snap.Name, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false

	return p, nil
}
