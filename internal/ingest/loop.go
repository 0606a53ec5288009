package ingest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/shotmon/internal/buffer"
	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/logger"
	"codeberg.org/mutker/shotmon/internal/telemetry"
	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	latencyMinMicros = 1
	latencyMaxMicros = int64(60 * time.Second / time.Microsecond)
	latencySigFigs   = 3
)

// Option customizes a Loop.
type Option func(*Loop)

// WithClock replaces the clock used to measure cycle duration.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithSleep replaces the pacing wait. The function must return once d has
// elapsed or ctx is done, whichever comes first.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(l *Loop) { l.sleep = sleep }
}

// Loop pulls windows of new shots from a telemetry source into a store.
// Run drives it from one goroutine; the control and status methods are
// safe to call from any goroutine.
type Loop struct {
	cfg        Config
	src        telemetry.Source
	store      *buffer.Store
	detectors  []string
	byDetector map[string][]telemetry.ROI
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration)
	logger     logger.Logger

	mu             sync.Mutex
	state          State
	changed        chan struct{}
	pauseRequested bool
	wake           chan struct{}
	stopCh         chan struct{}
	stopOnce       sync.Once
	done           chan struct{}

	epoch        telemetry.Epoch
	watermark    telemetry.ShotIndex
	hasWatermark bool
	ingested     uint64
	cycles       uint64
	emptyCycles  uint64
	fetchErrors  uint64
	latency      *hdrhistogram.Histogram
}

// New validates cfg and checks that every series the loop writes is
// registered in store.
func New(cfg Config, src telemetry.Source, store *buffer.Store, opts ...Option) (*Loop, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || store == nil {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "source and store are required")
	}
	for _, name := range cfg.SeriesNames() {
		if store.Capacity(name) == 0 {
			return nil, errFactory.WithData(buffer.ErrUnknownSeries, name)
		}
	}

	l := &Loop{
		cfg:        cfg,
		src:        src,
		store:      store,
		byDetector: make(map[string][]telemetry.ROI),
		now:        time.Now,
		sleep:      sleepContext,
		logger:     logger.WithComponent("ingest"),
		changed:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		epoch:      cfg.Epoch,
		latency:    hdrhistogram.New(latencyMinMicros, latencyMaxMicros, latencySigFigs),
	}
	for _, roi := range cfg.ROIs {
		if _, ok := l.byDetector[roi.Detector]; !ok {
			l.detectors = append(l.detectors, roi.Detector)
		}
		l.byDetector[roi.Detector] = append(l.byDetector[roi.Detector], roi)
	}
	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Run executes cycles until Stop is called or ctx is done. It may be
// called once.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateIdle {
		state := l.state
		l.mu.Unlock()
		return errors.New().WithData(ErrInvalidState, fmt.Sprintf("run called while %s", state))
	}
	l.setStateLocked(StateRunning)
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	l.logger.Info().
		Str("reference", l.cfg.ReferenceChannel).
		Int("grab_size", l.cfg.GrabSize).
		Dur("min_cycle", l.cfg.MinCycle()).
		Msg("Ingestion started")

	defer func() {
		l.mu.Lock()
		l.setStateLocked(StateStopped)
		l.mu.Unlock()
		close(l.done)
		l.logger.Info().Msg("Ingestion stopped")
	}()

	for l.awaitTurn(ctx) {
		start := l.now()
		l.cycle(ctx)
		l.recordLatency(l.now().Sub(start))

		if remaining := l.cfg.MinCycle() - l.now().Sub(start); remaining > 0 {
			l.sleep(ctx, remaining)
		}
	}

	return nil
}

// awaitTurn blocks while paused and reports whether another cycle should
// run.
func (l *Loop) awaitTurn(ctx context.Context) bool {
	for {
		select {
		case <-l.stopCh:
			return false
		case <-ctx.Done():
			return false
		default:
		}

		l.mu.Lock()
		if !l.pauseRequested {
			if l.state == StatePaused {
				l.setStateLocked(StateRunning)
				l.logger.Info().Msg("Ingestion resumed")
			}
			l.mu.Unlock()
			return true
		}
		if l.state != StatePaused {
			l.setStateLocked(StatePaused)
			l.logger.Info().Msg("Ingestion paused")
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-l.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (l *Loop) cycle(ctx context.Context) {
	epoch, ok := l.resolveEpoch(ctx)
	if !ok {
		return
	}

	newest, err := l.src.NewestIndex(ctx, l.cfg.ReferenceChannel)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn().Err(err).Str("channel", l.cfg.ReferenceChannel).Msg("Newest index lookup failed")
			l.countFetchErrors(1)
		}
		return
	}

	l.mu.Lock()
	lo, hi := Window(newest, l.cfg.GrabSize, l.watermark, l.hasWatermark)
	l.cycles++
	if hi <= lo {
		l.emptyCycles++
	}
	l.mu.Unlock()

	if hi <= lo {
		return
	}

	indices := indexRange(lo, hi)
	results, failures := l.fetch(ctx, indices, epoch)

	// A stop during the fetch discards the cycle rather than committing
	// a batch full of cancelled reads.
	if ctx.Err() != nil {
		return
	}

	if err := l.commit(indices, results); err != nil {
		l.logger.Error().Err(err).Msg("Commit failed")
		return
	}

	l.mu.Lock()
	l.watermark = hi - 1
	l.hasWatermark = true
	l.ingested += uint64(len(indices))
	l.fetchErrors += uint64(failures)
	l.mu.Unlock()

	l.logger.Debug().
		Int64("from", int64(lo)).
		Int64("to", int64(hi)).
		Int("shots", len(indices)).
		Int("failures", failures).
		Msg("Window ingested")
}

// resolveEpoch returns the pinned epoch or the newest one. A new epoch
// restarts the watermark since shot indices are only unique within one.
func (l *Loop) resolveEpoch(ctx context.Context) (telemetry.Epoch, bool) {
	if l.cfg.Epoch != 0 {
		return l.cfg.Epoch, true
	}

	epoch, err := l.src.NewestEpoch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn().Err(err).Msg("Newest epoch lookup failed")
			l.countFetchErrors(1)
		}
		return 0, false
	}

	l.mu.Lock()
	if epoch != l.epoch {
		if l.epoch != 0 {
			l.logger.Info().Int64("from", int64(l.epoch)).Int64("to", int64(epoch)).Msg("Epoch changed")
		}
		l.epoch = epoch
		l.hasWatermark = false
		l.watermark = 0
	}
	l.mu.Unlock()

	return epoch, true
}

// fetch reads every configured channel and ROI for indices. Failed reads
// become NaN so each series stays aligned with the tags series.
func (l *Loop) fetch(ctx context.Context, indices []telemetry.ShotIndex, epoch telemetry.Epoch) ([]telemetry.Result, int) {
	var (
		results  []telemetry.Result
		failures int
	)

	if len(l.cfg.Channels) > 0 {
		batch, n := l.fetchScalars(ctx, indices, epoch)
		results = append(results, batch)
		failures += n
	}
	if len(l.cfg.ROIs) > 0 {
		batch, n := l.fetchROIs(ctx, indices, epoch)
		results = append(results, batch)
		failures += n
	}

	return results, failures
}

func (l *Loop) fetchScalars(ctx context.Context, indices []telemetry.ShotIndex, epoch telemetry.Epoch) (telemetry.ScalarBatch, int) {
	batch := telemetry.ScalarBatch{
		Epoch:   epoch,
		Indices: indices,
		Values:  make(map[string][]float64, len(l.cfg.Channels)),
	}

	values, err := l.src.ReadScalars(ctx, l.cfg.Channels, indices, epoch)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn().Err(err).Int("shots", len(indices)).Msg("Scalar fetch failed")
		}
		for _, ch := range l.cfg.Channels {
			batch.Values[ch] = nanSlice(len(indices))
		}
		return batch, len(l.cfg.Channels)
	}

	failures := 0
	for _, ch := range l.cfg.Channels {
		v, ok := values[ch]
		if !ok || len(v) != len(indices) {
			l.logger.Warn().Str("channel", ch).Int("got", len(v)).Int("want", len(indices)).Msg("Channel readout incomplete")
			batch.Values[ch] = nanSlice(len(indices))
			failures++
			continue
		}
		batch.Values[ch] = v
	}

	return batch, failures
}

func (l *Loop) fetchROIs(ctx context.Context, indices []telemetry.ShotIndex, epoch telemetry.Epoch) (telemetry.ROIBatch, int) {
	batch := telemetry.ROIBatch{
		Epoch:   epoch,
		Indices: indices,
		Sums:    make(map[string][]float64, len(l.cfg.ROIs)),
	}
	for _, roi := range l.cfg.ROIs {
		batch.Sums[roi.Name] = make([]float64, len(indices))
	}

	failures := 0
	for _, detector := range l.detectors {
		rois := l.byDetector[detector]
		var (
			failed  int
			lastErr error
		)
		for i, idx := range indices {
			if err := l.reduceFrame(ctx, detector, idx, epoch, rois, batch.Sums, i); err != nil {
				failed++
				lastErr = err
				for _, roi := range rois {
					batch.Sums[roi.Name][i] = math.NaN()
				}
			}
		}
		if failed > 0 && ctx.Err() == nil {
			l.logger.Warn().
				Err(lastErr).
				Str("detector", detector).
				Int("failed", failed).
				Int("shots", len(indices)).
				Msg("Frame fetch failed")
		}
		failures += failed
	}

	return batch, failures
}

// reduceFrame reads one frame and stores each ROI's sum at position i.
// A malformed frame fails like a failed read.
func (l *Loop) reduceFrame(
	ctx context.Context, detector string, idx telemetry.ShotIndex, epoch telemetry.Epoch,
	rois []telemetry.ROI, sums map[string][]float64, i int,
) error {
	frame, err := l.src.ReadFrame(ctx, detector, idx, epoch)
	if err != nil {
		return err
	}
	for _, roi := range rois {
		sum, err := roi.Sum(frame)
		if err != nil {
			return err
		}
		sums[roi.Name][i] = sum
	}

	return nil
}

// commit writes one cycle's results in a single store commit.
func (l *Loop) commit(indices []telemetry.ShotIndex, results []telemetry.Result) error {
	tags := make([]float64, len(indices))
	for i, idx := range indices {
		tags[i] = float64(idx)
	}

	batches := make([]buffer.Batch, 0, 1+len(l.cfg.Channels)+len(l.cfg.ROIs))
	batches = append(batches, buffer.Batch{Name: TagsSeries, Values: tags, Indices: indices})

	for _, result := range results {
		switch r := result.(type) {
		case telemetry.ScalarBatch:
			for _, ch := range l.cfg.Channels {
				batches = append(batches, buffer.Batch{Name: ch, Values: r.Values[ch], Indices: r.Indices})
			}
		case telemetry.ROIBatch:
			for _, roi := range l.cfg.ROIs {
				batches = append(batches, buffer.Batch{Name: roi.Name, Values: r.Sums[roi.Name], Indices: r.Indices})
			}
		default:
			return errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("unexpected result %T", result))
		}
	}

	return l.store.Commit(batches...)
}

// Pause stops ingestion at the next cycle boundary.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pauseRequested = true
}

// Resume lifts a pause.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.pauseRequested = false
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop ends the loop. It interrupts a pacing wait or a pause; a cycle
// in flight is discarded.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// WaitPaused blocks until a requested pause has taken effect.
func (l *Loop) WaitPaused(ctx context.Context) error {
	for {
		l.mu.Lock()
		state, changed := l.state, l.changed
		l.mu.Unlock()

		switch state {
		case StatePaused:
			return nil
		case StateStopped:
			return errors.New().New(ErrStopped)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Status returns a snapshot of the loop's state and counters.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Status{
		State:        l.state,
		Epoch:        l.epoch,
		Watermark:    l.watermark,
		HasWatermark: l.hasWatermark,
		Ingested:     l.ingested,
		Cycles:       l.cycles,
		EmptyCycles:  l.emptyCycles,
		FetchErrors:  l.fetchErrors,
		LatencyP50:   time.Duration(l.latency.ValueAtQuantile(50)) * time.Microsecond,
		LatencyP99:   time.Duration(l.latency.ValueAtQuantile(99)) * time.Microsecond,
		LatencyMax:   time.Duration(l.latency.Max()) * time.Microsecond,
	}
}

// Config returns the configuration the loop was built with.
func (l *Loop) Config() Config {
	return l.cfg
}

func (l *Loop) setStateLocked(s State) {
	l.state = s
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Loop) recordLatency(d time.Duration) {
	us := min(max(d.Microseconds(), latencyMinMicros), latencyMaxMicros)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.latency.RecordValue(us); err != nil {
		l.logger.Debug().Err(err).Msg("Latency not recorded")
	}
}

func (l *Loop) countFetchErrors(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fetchErrors += uint64(n)
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}

	return out
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
