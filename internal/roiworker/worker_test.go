package roiworker_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/shotmon/internal/binning"
	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/roiworker"
	"codeberg.org/mutker/shotmon/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shot struct {
	beam, intensity, position float64
}

// frameSource serves 2x2 frames whose pixels are all equal to the shot
// index, so a full mask sums to 4*index.
type frameSource struct {
	mu    sync.Mutex
	index telemetry.ShotIndex
	shots map[telemetry.ShotIndex]shot
}

func (f *frameSource) setIndex(i telemetry.ShotIndex) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index = i
}

func (f *frameSource) NewestEpoch(context.Context) (telemetry.Epoch, error) { return 1, nil }

func (f *frameSource) NewestIndex(context.Context, string) (telemetry.ShotIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index, nil
}

func (f *frameSource) NewestFrame(context.Context, string) (telemetry.Frame, telemetry.ShotIndex, telemetry.Epoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	frame := telemetry.NewFrame(2, 2)
	for i := range frame.Data {
		frame.Data[i] = float64(f.index)
	}
	return frame, f.index, 1, nil
}

func (f *frameSource) ReadScalars(_ context.Context, channels []string, indices []telemetry.ShotIndex, _ telemetry.Epoch) (map[string][]float64, error) {
	s, ok := f.shots[indices[0]]
	if !ok {
		return nil, errors.New().New(telemetry.ErrNoData)
	}
	values := map[string]float64{
		telemetry.BeamStatusChannel: s.beam,
		telemetry.IntensityChannel:  s.intensity,
		telemetry.PositionChannel:   s.position,
	}
	out := make(map[string][]float64, len(channels))
	for _, ch := range channels {
		out[ch] = []float64{values[ch]}
	}
	return out, nil
}

func (f *frameSource) ReadFrame(context.Context, string, telemetry.ShotIndex, telemetry.Epoch) (telemetry.Frame, error) {
	return telemetry.Frame{}, errors.New().New(telemetry.ErrNoData)
}

func (f *frameSource) AvailableDetectors(context.Context, telemetry.Epoch) ([]string, error) {
	return []string{"det"}, nil
}

func newWorker(t *testing.T, src telemetry.Source, out chan telemetry.BinUpdate) *roiworker.Worker {
	t.Helper()

	cfg := roiworker.DefaultConfig()
	cfg.Detector = "det"
	cfg.DelayScale = 0.01

	mask, err := telemetry.RectMask(2, 2, telemetry.ROI{Name: "all", Detector: "det", X2: 2, Y2: 2})
	require.NoError(t, err)
	axis, err := binning.NewAxis(0, 10, 5)
	require.NoError(t, err)

	w, err := roiworker.New(cfg, src, mask, axis, out)
	require.NoError(t, err)
	return w
}

func TestPasses(t *testing.T) {
	cfg := roiworker.DefaultConfig()

	tests := []struct {
		beam, intensity float64
		want            bool
	}{
		{1, 0.5, true},
		{0.1, 0.5, false},
		{0.11, 0.5, true},
		{1, 0.01, false},
		{1, 0.011, true},
		{0, 0, false},
		{math.NaN(), 0.5, false},
		{1, math.NaN(), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Passes(tt.beam, tt.intensity), "beam=%v intensity=%v", tt.beam, tt.intensity)
	}
}

func TestDelay(t *testing.T) {
	cfg := roiworker.DefaultConfig()
	cfg.DelayOffset = 1
	assert.InDelta(t, 300*6.666e-3-1, cfg.Delay(300), 1e-12)
}

func TestStepGatedShotIsBinned(t *testing.T) {
	src := &frameSource{index: 7, shots: map[telemetry.ShotIndex]shot{
		7: {beam: 1, intensity: 0.5, position: 340},
	}}
	w := newWorker(t, src, make(chan telemetry.BinUpdate, 1))

	u, fresh, err := w.Step(context.Background())
	require.NoError(t, err)
	require.True(t, fresh)

	// delay 3.4 lands in bin [2,4).
	assert.Equal(t, 1, u.Gated)
	assert.Equal(t, []int{0, 1, 0, 0, 0}, u.Counts)
	assert.InDelta(t, 28.0, u.PartialMeans[1], 1e-9)
	assert.InDelta(t, 3.4, u.Delay, 1e-9)
	assert.InDelta(t, 28.0, u.ROI, 1e-9)
	assert.Equal(t, telemetry.ShotIndex(7), u.Index)
	assert.Equal(t, []float64{1, 3, 5, 7, 9}, u.Centers)
}

func TestStepUngatedShotKeepsRawValues(t *testing.T) {
	for name, s := range map[string]shot{
		"beam off":      {beam: 0.1, intensity: 0.5, position: 340},
		"low intensity": {beam: 1, intensity: 0.01, position: 340},
	} {
		t.Run(name, func(t *testing.T) {
			src := &frameSource{index: 3, shots: map[telemetry.ShotIndex]shot{3: s}}
			w := newWorker(t, src, make(chan telemetry.BinUpdate, 1))

			u, fresh, err := w.Step(context.Background())
			require.NoError(t, err)
			require.True(t, fresh)

			assert.Equal(t, 0, u.Gated)
			assert.Equal(t, make([]int, 5), u.Counts)
			assert.Equal(t, make([]float64, 5), u.PartialMeans)
			assert.Equal(t, s.beam, u.Beam)
			assert.Equal(t, s.intensity, u.Intensity)
			assert.InDelta(t, 12.0, u.ROI, 1e-9)
			assert.Equal(t, int64(0), w.Gated())
		})
	}
}

func TestStepOutOfRangeDelay(t *testing.T) {
	src := &frameSource{index: 1, shots: map[telemetry.ShotIndex]shot{
		1: {beam: 1, intensity: 1, position: 5000},
	}}
	w := newWorker(t, src, make(chan telemetry.BinUpdate, 1))

	u, _, err := w.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, u.Gated)
	assert.Equal(t, 1, u.OutOfRange)
	assert.Equal(t, make([]int, 5), u.Counts)
}

func TestStepSkipsRepeatedIndex(t *testing.T) {
	src := &frameSource{index: 5, shots: map[telemetry.ShotIndex]shot{
		5: {beam: 1, intensity: 1, position: 100},
		6: {beam: 1, intensity: 1, position: 100},
	}}
	w := newWorker(t, src, make(chan telemetry.BinUpdate, 1))

	_, fresh, err := w.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, fresh)

	_, fresh, err = w.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, fresh)

	src.setIndex(6)
	u, fresh, err := w.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, telemetry.ShotIndex(6), u.Index)
	assert.Equal(t, int64(2), w.Processed())
}

func TestStepMissingScalars(t *testing.T) {
	src := &frameSource{index: 9, shots: map[telemetry.ShotIndex]shot{}}
	w := newWorker(t, src, make(chan telemetry.BinUpdate, 1))

	_, fresh, err := w.Step(context.Background())
	require.Error(t, err)
	assert.False(t, fresh)
	assert.True(t, errors.HasCode(err, telemetry.ErrNoData))
}

func TestRunEmitsEachShotOnce(t *testing.T) {
	src := &frameSource{index: 1, shots: map[telemetry.ShotIndex]shot{
		1: {beam: 1, intensity: 1, position: 100},
		2: {beam: 0, intensity: 1, position: 200},
		3: {beam: 1, intensity: 1, position: 300},
	}}
	out := make(chan telemetry.BinUpdate, 8)
	w := newWorker(t, src, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var got []telemetry.BinUpdate
	for _, next := range []telemetry.ShotIndex{2, 3, 0} {
		select {
		case u := <-out:
			got = append(got, u)
		case <-time.After(time.Second):
			t.Fatal("no update")
		}
		if next > 0 {
			src.setIndex(next)
		}
	}
	cancel()
	require.NoError(t, <-done)

	require.Len(t, got, 3)
	for i, u := range got {
		assert.Equal(t, telemetry.ShotIndex(i+1), u.Index)
	}
	assert.Equal(t, 0, got[1].Gated)
	assert.Equal(t, int64(2), w.Gated())
	assert.Empty(t, out)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	mask, err := telemetry.RectMask(2, 2, telemetry.ROI{Name: "all", Detector: "det", X2: 2, Y2: 2})
	require.NoError(t, err)
	axis, err := binning.NewAxis(0, 10, 5)
	require.NoError(t, err)

	cfg := roiworker.DefaultConfig()
	_, err = roiworker.New(cfg, &frameSource{}, mask, axis, make(chan telemetry.BinUpdate))
	assert.True(t, errors.HasCode(err, roiworker.ErrInvalidConfig))
}
