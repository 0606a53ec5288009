package ingest_test

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/shotmon/internal/buffer"
	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/ingest"
	"codeberg.org/mutker/shotmon/internal/telemetry"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEpoch = telemetry.Epoch(201901)

// fakeSource serves scalar value 2*index and 2x2 frames filled with index.
type fakeSource struct {
	mu          sync.Mutex
	newest      []telemetry.ShotIndex
	calls       int
	counter     atomic.Int64
	failScalars bool
	failOddROI  bool
	// malformed frames carry a shape but no data.
	malformed bool

	// epochs is served one entry per NewestEpoch call, repeating the last.
	epochs     []telemetry.Epoch
	epochCalls int
	readEpochs []telemetry.Epoch
}

func (f *fakeSource) NewestEpoch(context.Context) (telemetry.Epoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.epochs == nil {
		return testEpoch, nil
	}
	i := min(f.epochCalls, len(f.epochs)-1)
	f.epochCalls++
	return f.epochs[i], nil
}

func (f *fakeSource) NewestIndex(context.Context, string) (telemetry.ShotIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.newest == nil {
		return telemetry.ShotIndex(f.counter.Add(1)), nil
	}
	i := min(f.calls, len(f.newest)-1)
	f.calls++
	return f.newest[i], nil
}

func (f *fakeSource) NewestFrame(context.Context, string) (telemetry.Frame, telemetry.ShotIndex, telemetry.Epoch, error) {
	return telemetry.Frame{}, 0, 0, errors.New().New(telemetry.ErrNoData)
}

func (f *fakeSource) ReadScalars(_ context.Context, channels []string, indices []telemetry.ShotIndex, epoch telemetry.Epoch) (map[string][]float64, error) {
	f.mu.Lock()
	f.readEpochs = append(f.readEpochs, epoch)
	f.mu.Unlock()

	if f.failScalars {
		return nil, errors.New().New(telemetry.ErrFetchFailed)
	}
	out := make(map[string][]float64, len(channels))
	for _, ch := range channels {
		v := make([]float64, len(indices))
		for i, idx := range indices {
			v[i] = 2 * float64(idx)
		}
		out[ch] = v
	}
	return out, nil
}

func (f *fakeSource) ReadFrame(_ context.Context, _ string, index telemetry.ShotIndex, _ telemetry.Epoch) (telemetry.Frame, error) {
	if f.failOddROI && index%2 == 1 {
		return telemetry.Frame{}, errors.New().New(telemetry.ErrNoData)
	}
	if f.malformed {
		return telemetry.Frame{Rows: 2, Cols: 2}, nil
	}
	frame := telemetry.NewFrame(2, 2)
	for i := range frame.Data {
		frame.Data[i] = float64(index)
	}
	return frame, nil
}

func (f *fakeSource) AvailableDetectors(context.Context, telemetry.Epoch) ([]string, error) {
	return []string{"det"}, nil
}

func testConfig() ingest.Config {
	cfg := ingest.DefaultConfig()
	cfg.ReferenceChannel = "pd"
	cfg.Channels = []string{"pd"}
	cfg.ROIs = []telemetry.ROI{{Name: "roi1", Detector: "det", X1: 0, X2: 2, Y1: 0, Y2: 2}}
	cfg.GrabSize = 30
	cfg.AcquisitionRate = 1
	cfg.Epoch = testEpoch
	return cfg
}

func newStore(t *testing.T, cfg ingest.Config, capacity int) *buffer.Store {
	t.Helper()
	store := buffer.NewStore()
	for _, name := range cfg.SeriesNames() {
		require.NoError(t, store.Register(name, capacity))
	}
	return store
}

func indexSpan(from, to int) []telemetry.ShotIndex {
	out := make([]telemetry.ShotIndex, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, telemetry.ShotIndex(i))
	}
	return out
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name         string
		newest       telemetry.ShotIndex
		grab         int
		watermark    telemetry.ShotIndex
		hasWatermark bool
		wantLo       telemetry.ShotIndex
		wantHi       telemetry.ShotIndex
	}{
		{"first cycle", 110, 30, 0, false, 80, 110},
		{"clamped to watermark", 110, 30, 100, true, 101, 110},
		{"watermark below window", 200, 30, 100, true, 170, 200},
		{"nothing new", 110, 30, 109, true, 110, 110},
		{"source went backwards", 100, 30, 109, true, 110, 110},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := ingest.Window(tt.newest, tt.grab, tt.watermark, tt.hasWatermark)
			assert.Equal(t, tt.wantLo, lo)
			assert.Equal(t, tt.wantHi, hi)
		})
	}

	lo, hi := ingest.Window(110, 30, 100, true)
	assert.Equal(t, 9, int(hi-lo))
}

func TestMinCycle(t *testing.T) {
	cfg := ingest.DefaultConfig()
	assert.Equal(t, 120, cfg.GrabSize)
	secs := 121.0 / 30.0
	assert.Equal(t, time.Duration(secs*float64(time.Second)), cfg.MinCycle())
}

func TestNewValidates(t *testing.T) {
	cfg := testConfig()

	_, err := ingest.New(cfg, &fakeSource{}, buffer.NewStore())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, buffer.ErrUnknownSeries))

	bad := testConfig()
	bad.GrabSize = 0
	_, err = ingest.New(bad, &fakeSource{}, newStore(t, cfg, 10))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ingest.ErrInvalidConfig))

	dup := testConfig()
	dup.ROIs[0].Name = "pd"
	_, err = ingest.New(dup, &fakeSource{}, newStore(t, cfg, 10))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ingest.ErrInvalidConfig))
}

func TestLoopIngestsEachShotOnce(t *testing.T) {
	cfg := testConfig()
	store := newStore(t, cfg, 100)
	src := &fakeSource{newest: []telemetry.ShotIndex{110, 110, 125, 140}}

	var (
		loop   *ingest.Loop
		sleeps []time.Duration
	)
	fixed := time.Unix(0, 0)
	loop, err := ingest.New(cfg, src, store,
		ingest.WithClock(func() time.Time { return fixed }),
		ingest.WithSleep(func(_ context.Context, d time.Duration) {
			sleeps = append(sleeps, d)
			if len(sleeps) == 4 {
				loop.Stop()
			}
		}),
	)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	for _, d := range sleeps {
		assert.Equal(t, cfg.MinCycle(), d)
	}

	snaps, err := store.SnapshotMany(cfg.SeriesNames()...)
	require.NoError(t, err)

	want := indexSpan(80, 140)
	for _, name := range cfg.SeriesNames() {
		if diff := cmp.Diff(want, snaps[name].Indices); diff != "" {
			t.Errorf("%s indices mismatch (-want +got):\n%s", name, diff)
		}
	}
	assert.InDelta(t, 2*80.0, snaps["pd"].Values[0], 1e-9)
	assert.InDelta(t, 4*139.0, snaps["roi1"].Values[59], 1e-9)
	assert.InDelta(t, 139.0, snaps[ingest.TagsSeries].Values[59], 1e-9)

	status := loop.Status()
	assert.Equal(t, ingest.StateStopped, status.State)
	assert.Equal(t, uint64(60), status.Ingested)
	assert.Equal(t, uint64(4), status.Cycles)
	assert.Equal(t, uint64(1), status.EmptyCycles)
	assert.Equal(t, telemetry.ShotIndex(139), status.Watermark)
	assert.True(t, status.HasWatermark)
	assert.Equal(t, "stopped, 60 shots ingested up to 139", status.String())
}

func TestLoopFillsNaNOnFetchFailure(t *testing.T) {
	cfg := testConfig()
	cfg.GrabSize = 4
	store := newStore(t, cfg, 10)
	src := &fakeSource{newest: []telemetry.ShotIndex{10}, failScalars: true, failOddROI: true}

	var loop *ingest.Loop
	loop, err := ingest.New(cfg, src, store,
		ingest.WithSleep(func(context.Context, time.Duration) { loop.Stop() }),
	)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	snaps, err := store.SnapshotMany(cfg.SeriesNames()...)
	require.NoError(t, err)

	assert.Equal(t, indexSpan(6, 10), snaps[ingest.TagsSeries].Indices)
	assert.Equal(t, indexSpan(6, 10), snaps["pd"].Indices)
	for _, v := range snaps["pd"].Values {
		assert.True(t, math.IsNaN(v))
	}

	roi := snaps["roi1"].Values
	require.Len(t, roi, 4)
	assert.InDelta(t, 24.0, roi[0], 1e-9)
	assert.True(t, math.IsNaN(roi[1]))
	assert.InDelta(t, 32.0, roi[2], 1e-9)
	assert.True(t, math.IsNaN(roi[3]))

	// One failed scalar call covering one channel plus two missing frames.
	assert.Equal(t, uint64(3), loop.Status().FetchErrors)
}

func TestLoopTreatsMalformedFrameAsFailedFetch(t *testing.T) {
	cfg := testConfig()
	cfg.GrabSize = 4
	store := newStore(t, cfg, 10)
	src := &fakeSource{newest: []telemetry.ShotIndex{10}, malformed: true}

	var loop *ingest.Loop
	loop, err := ingest.New(cfg, src, store,
		ingest.WithSleep(func(context.Context, time.Duration) { loop.Stop() }),
	)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	snaps, err := store.SnapshotMany(ingest.TagsSeries, "pd", "roi1")
	require.NoError(t, err)

	assert.Equal(t, indexSpan(6, 10), snaps[ingest.TagsSeries].Indices)
	assert.Equal(t, []float64{12, 14, 16, 18}, snaps["pd"].Values)
	require.Len(t, snaps["roi1"].Values, 4)
	for _, v := range snaps["roi1"].Values {
		assert.True(t, math.IsNaN(v))
	}
	assert.Equal(t, uint64(4), loop.Status().FetchErrors)
}

func TestLoopRestartsWindowOnEpochChange(t *testing.T) {
	cfg := testConfig()
	cfg.Epoch = 0
	store := newStore(t, cfg, 100)
	src := &fakeSource{
		newest: []telemetry.ShotIndex{110, 120, 50},
		epochs: []telemetry.Epoch{testEpoch, testEpoch, testEpoch + 1},
	}

	var (
		loop   *ingest.Loop
		cycles int
	)
	loop, err := ingest.New(cfg, src, store,
		ingest.WithSleep(func(context.Context, time.Duration) {
			cycles++
			if cycles == 2 {
				assert.Equal(t, testEpoch, loop.Status().Epoch)
				assert.Equal(t, telemetry.ShotIndex(119), loop.Status().Watermark)
			}
			if cycles == 3 {
				loop.Stop()
			}
		}),
	)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	snap, err := store.Snapshot(ingest.TagsSeries)
	require.NoError(t, err)

	want := append(indexSpan(80, 120), indexSpan(20, 50)...)
	if diff := cmp.Diff(want, snap.Indices); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}

	status := loop.Status()
	assert.Equal(t, testEpoch+1, status.Epoch)
	assert.Equal(t, telemetry.ShotIndex(49), status.Watermark)
	assert.Equal(t, uint64(70), status.Ingested)
	assert.Equal(t, []telemetry.Epoch{testEpoch, testEpoch, testEpoch + 1}, src.readEpochs)
}

func TestLoopPauseResumeStop(t *testing.T) {
	cfg := testConfig()
	cfg.GrabSize = 1
	cfg.AcquisitionRate = 1000
	store := newStore(t, cfg, 10_000)

	loop, err := ingest.New(cfg, &fakeSource{}, store)
	require.NoError(t, err)
	assert.Equal(t, "not started", loop.Status().State.String())

	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(context.Background()) }()

	require.Eventually(t, func() bool { return store.Len(ingest.TagsSeries) > 0 },
		time.Second, time.Millisecond)

	loop.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, loop.WaitPaused(ctx))
	assert.Equal(t, ingest.StatePaused, loop.Status().State)

	paused := store.Len(ingest.TagsSeries)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, paused, store.Len(ingest.TagsSeries))

	loop.Resume()
	require.Eventually(t, func() bool { return store.Len(ingest.TagsSeries) > paused },
		time.Second, time.Millisecond)

	loop.Stop()
	select {
	case <-loop.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	require.NoError(t, <-runErr)
	assert.Equal(t, ingest.StateStopped, loop.Status().State)

	err = loop.WaitPaused(context.Background())
	assert.True(t, errors.HasCode(err, ingest.ErrStopped))

	err = loop.Run(context.Background())
	assert.True(t, errors.HasCode(err, ingest.ErrInvalidState))
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	cfg := testConfig()
	store := newStore(t, cfg, 100)

	loop, err := ingest.New(cfg, &fakeSource{newest: []telemetry.ShotIndex{50}}, store)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for store.Len(ingest.TagsSeries) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	// MinCycle is 31s at 1 Hz; cancellation must cut the pacing wait short.
	start := time.Now()
	require.NoError(t, loop.Run(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 30, store.Len(ingest.TagsSeries))
}
