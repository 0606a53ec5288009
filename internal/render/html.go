package render

import (
	"fmt"
	"io"
	"strconv"

	"codeberg.org/mutker/shotmon/internal/errors"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot/plotter"
)

// missing is how echarts marks a gap in a series.
const missing = "-"

// WriteHTML renders fig as a standalone echarts page.
func WriteHTML(w io.Writer, fig Figure) error {
	page := components.NewPage()
	page.PageTitle = fig.Title
	page.AddCharts(
		binnedChart(fig),
		intensityChart(fig),
		historyChart(fig),
	)
	if len(fig.Series) > 0 {
		page.AddCharts(seriesChart(fig))
	}

	if err := page.Render(w); err != nil {
		return errors.New().Wrap(ErrWriteFailed, err)
	}

	return nil
}

func binnedChart(fig Figure) *charts.Line {
	v := fig.View

	x := make([]string, len(v.Centers))
	means := make([]opts.LineData, len(v.Centers))
	for i, c := range v.Centers {
		x[i] = strconv.FormatFloat(c, 'g', 4, 64)
		if v.Weights[i] > 0 && finite(v.Means[i]) {
			means[i] = opts.LineData{Value: v.Means[i]}
		} else {
			means[i] = opts.LineData{Value: missing}
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fig.Title,
			Subtitle: fmt.Sprintf("%d updates, %d gated, %d out of range", v.Received, v.Gated, v.OutOfRange),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Delay (ps)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Mean ROI"}),
	)
	line.SetXAxis(x).
		AddSeries("mean", means)

	return line
}

func intensityChart(fig Figure) *charts.Scatter {
	gated, rejected := intensityPoints(fig.View.History)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "ROI vs I0"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "I0", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "ROI"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	scatter.AddSeries("gated", scatterData(gated), charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	scatter.AddSeries("rejected", scatterData(rejected), charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	return scatter
}

func historyChart(fig Figure) *charts.Scatter {
	data := scatterData(historyPoints(fig.View.History))

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "ROI by shot"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Shot index", Min: "dataMin"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "ROI"}),
	)
	scatter.AddSeries("roi", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	return scatter
}

// seriesChart plots every rolling buffer against the tags of the first
// series; all series share the same tags.
func seriesChart(fig Figure) *charts.Line {
	first := fig.Series[0]
	x := make([]string, len(first.Indices))
	for i, idx := range first.Indices {
		x[i] = strconv.FormatInt(int64(idx), 10)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Rolling buffers"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Shot index"}),
	)
	line.SetXAxis(x)

	for _, snap := range fig.Series {
		data := make([]opts.LineData, len(x))
		for i := range data {
			data[i] = opts.LineData{Value: missing}
			if i < len(snap.Values) && finite(snap.Values[i]) {
				data[i] = opts.LineData{Value: snap.Values[i]}
			}
		}
		line.AddSeries(snap.Name, data)
	}

	return line
}

func scatterData(pts plotter.XYs) []opts.ScatterData {
	data := make([]opts.ScatterData, len(pts))
	for i, p := range pts {
		data[i] = opts.ScatterData{Value: []interface{}{p.X, p.Y}}
	}

	return data
}
