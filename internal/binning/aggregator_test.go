package binning_test

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"codeberg.org/mutker/shotmon/internal/binning"
	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func singleShot(t *testing.T, axis binning.Axis, index int, delay, roi float64, gated bool) telemetry.BinUpdate {
	t.Helper()

	u := telemetry.BinUpdate{
		Index:   telemetry.ShotIndex(index),
		Centers: axis.Centers(),
		ROI:     roi,
		Delay:   delay,
		Beam:    1,
	}
	if !gated {
		u.PartialMeans = make([]float64, axis.Bins())
		u.Counts = make([]int, axis.Bins())
		return u
	}

	p, err := axis.Bin([]float64{delay}, []float64{roi})
	require.NoError(t, err)
	u.PartialMeans, u.Counts, u.OutOfRange = p.Means, p.Counts, p.OutOfRange
	for _, n := range p.Counts {
		u.Gated += n
	}

	return u
}

func TestAggregatorScenario(t *testing.T) {
	axis, err := binning.NewAxis(0, 10, 5)
	require.NoError(t, err)
	agg := binning.NewAggregator(axis, binning.DefaultConfig())

	for i, v := range []float64{10, 20, 30, 40} {
		require.NoError(t, agg.Apply(singleShot(t, axis, i, 3.4, v, true)))
	}

	view := agg.View()
	assert.InDelta(t, 25.0, view.Means[1], 1e-12)
	assert.Equal(t, 4, view.Weights[1])
	assert.Equal(t, []int{0, 4, 0, 0, 0}, view.Weights)
	assert.Equal(t, 4, view.Gated)
	assert.Equal(t, 4, view.Received)
	assert.Equal(t, 4, view.History.Len())
}

func TestZeroROIShotLeavesBinUnchanged(t *testing.T) {
	axis, err := binning.NewAxis(0, 10, 5)
	require.NoError(t, err)
	agg := binning.NewAggregator(axis, binning.DefaultConfig())

	for i, v := range []float64{10, 0, 30, 0} {
		require.NoError(t, agg.Apply(singleShot(t, axis, i, 3.4, v, true)))
	}

	view := agg.View()
	assert.InDelta(t, 20.0, view.Means[1], 1e-12)
	assert.Equal(t, []int{0, 2, 0, 0, 0}, view.Weights)
	assert.Equal(t, []float64{10, 0, 30, 0}, view.History.ROI)
	assert.Equal(t, 4, view.Gated)
}

func TestOnlineMeanMatchesDirectMean(t *testing.T) {
	axis, err := binning.NewAxis(-2, 3, 40)
	require.NoError(t, err)
	agg := binning.NewAggregator(axis, binning.DefaultConfig())

	r := rand.New(rand.NewPCG(7, 11))
	perBin := make([][]float64, axis.Bins())
	for i := 0; i < 5000; i++ {
		delay := -2 + 5*r.Float64()
		roi := 1000 + 250*r.NormFloat64()
		require.NoError(t, agg.Apply(singleShot(t, axis, i, delay, roi, true)))

		bin, ok := axis.Locate(delay)
		require.True(t, ok)
		perBin[bin] = append(perBin[bin], roi)
	}

	view := agg.View()
	for bin, samples := range perBin {
		require.Equal(t, len(samples), view.Weights[bin])
		if len(samples) > 0 {
			assert.InDelta(t, stat.Mean(samples, nil), view.Means[bin], 1e-9, "bin %d", bin)
		}
	}
}

func TestMultiSampleUpdateIsWeighted(t *testing.T) {
	axis, err := binning.NewAxis(0, 10, 5)
	require.NoError(t, err)
	agg := binning.NewAggregator(axis, binning.DefaultConfig())

	require.NoError(t, agg.Apply(singleShot(t, axis, 1, 1, 10, true)))

	p, err := axis.Bin([]float64{1, 1, 1}, []float64{20, 30, 40})
	require.NoError(t, err)
	require.NoError(t, agg.Apply(telemetry.BinUpdate{Index: 2, PartialMeans: p.Means, Counts: p.Counts, Gated: 3}))

	view := agg.View()
	assert.InDelta(t, 25.0, view.Means[0], 1e-12)
	assert.Equal(t, 4, view.Weights[0])
}

func TestUngatedShotOnlyReachesHistory(t *testing.T) {
	axis, err := binning.NewAxis(0, 10, 5)
	require.NoError(t, err)
	agg := binning.NewAggregator(axis, binning.DefaultConfig())

	require.NoError(t, agg.Apply(singleShot(t, axis, 1, 3, 50, true)))
	require.NoError(t, agg.Apply(singleShot(t, axis, 2, 3, 9999, false)))

	view := agg.View()
	assert.Equal(t, 50.0, view.Means[1])
	assert.Equal(t, 1, view.Weights[1])
	assert.Equal(t, []float64{50, 9999}, view.History.ROI)
	assert.Equal(t, []bool{true, false}, view.History.Gated)
	assert.Equal(t, 1, view.Gated)
	assert.Equal(t, 2, view.Received)
}

func TestApplyRejectsWrongBinCount(t *testing.T) {
	axis, err := binning.NewAxis(0, 10, 5)
	require.NoError(t, err)
	agg := binning.NewAggregator(axis, binning.DefaultConfig())

	err = agg.Apply(telemetry.BinUpdate{PartialMeans: make([]float64, 3), Counts: make([]int, 3)})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, binning.ErrBinMismatch))
	assert.Equal(t, 0, agg.Received())
}

func TestRunDrainsQueueInOrder(t *testing.T) {
	axis, err := binning.NewAxis(0, 10, 5)
	require.NoError(t, err)
	agg := binning.NewAggregator(axis, binning.Config{IdleBackoff: time.Millisecond, RefreshInterval: time.Hour})

	updates := make(chan telemetry.BinUpdate, 8)
	for i := 1; i <= 5; i++ {
		updates <- singleShot(t, axis, i, 5, float64(i), true)
	}
	close(updates)

	var views []binning.View
	require.NoError(t, agg.Run(context.Background(), updates, func(v binning.View) {
		views = append(views, v)
	}))

	require.NotEmpty(t, views)
	last := views[len(views)-1]
	assert.Equal(t, []telemetry.ShotIndex{1, 2, 3, 4, 5}, last.History.Index)
	assert.InDelta(t, 3.0, last.Means[2], 1e-12)
	assert.Equal(t, telemetry.ShotIndex(5), last.LastIndex)
}

func TestRunStopsOnCancelWhileIdle(t *testing.T) {
	axis, err := binning.NewAxis(0, 10, 5)
	require.NoError(t, err)
	agg := binning.NewAggregator(axis, binning.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- agg.Run(ctx, make(chan telemetry.BinUpdate), nil)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("aggregator did not stop after cancel")
	}
}
