package session

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"codeberg.org/mutker/shotmon/internal/binning"
	"codeberg.org/mutker/shotmon/internal/buffer"
	"codeberg.org/mutker/shotmon/internal/config"
	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/ingest"
	"codeberg.org/mutker/shotmon/internal/logger"
	"codeberg.org/mutker/shotmon/internal/metrics"
	"codeberg.org/mutker/shotmon/internal/render"
	"codeberg.org/mutker/shotmon/internal/roiworker"
	"codeberg.org/mutker/shotmon/internal/telemetry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type Option func(*options)

type options struct {
	source      telemetry.Source
	loopOptions []ingest.Option
}

// WithSource replaces the simulator built from the configuration.
func WithSource(src telemetry.Source) Option {
	return func(o *options) {
		o.source = src
	}
}

// WithLoopOptions is passed through to the ingestion loop.
func WithLoopOptions(opts ...ingest.Option) Option {
	return func(o *options) {
		o.loopOptions = append(o.loopOptions, opts...)
	}
}

// Session owns one acquisition run: the rolling buffers, the ingestion
// loop, the frame worker with its aggregator, and the outputs fed from
// them.
type Session struct {
	id      string
	cfg     *config.Config
	src     telemetry.Source
	epoch   telemetry.Epoch
	store   *buffer.Store
	loop    *ingest.Loop
	worker  *roiworker.Worker
	agg     *binning.Aggregator
	updates chan telemetry.BinUpdate

	renderer  *render.Renderer
	exporter  *metrics.Exporter
	collector metrics.MetricsCollector

	closeOnce sync.Once
	logger    logger.Logger
}

// New builds a session and checks it against the source. Every
// configuration problem surfaces here, before anything runs.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	errFactory := errors.New()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	src := o.source
	if src == nil {
		sim, err := telemetry.NewSimulator(cfg.SimulatorConfig())
		if err != nil {
			return nil, errFactory.Wrap(ErrSetupFailed, err)
		}
		src = sim
	}

	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		src:    src,
		logger: logger.WithComponent("session"),
	}

	epoch, err := s.resolveEpoch(ctx)
	if err != nil {
		return nil, err
	}
	s.epoch = epoch

	if err := s.checkDetectors(ctx); err != nil {
		return nil, err
	}

	ic := cfg.IngestConfig()
	s.store = buffer.NewStore()
	for _, name := range ic.SeriesNames() {
		if err := s.store.Register(name, cfg.Ingest.Capacity); err != nil {
			return nil, errFactory.Wrap(ErrSetupFailed, err)
		}
	}
	for _, name := range cfg.Render.Series {
		if s.store.Capacity(name) == 0 {
			return nil, errFactory.WithData(ErrUnknownSeries, fmt.Sprintf("render series %q is not ingested", name))
		}
	}

	s.loop, err = ingest.New(ic, src, s.store, o.loopOptions...)
	if err != nil {
		return nil, errFactory.Wrap(ErrSetupFailed, err)
	}

	axis, err := cfg.Axis()
	if err != nil {
		return nil, errFactory.Wrap(ErrSetupFailed, err)
	}
	s.agg = binning.NewAggregator(axis, cfg.AggregatorConfig())

	if cfg.Worker.Enabled {
		if err := s.setupWorker(ctx, axis); err != nil {
			return nil, err
		}
	}

	s.renderer = render.New(cfg.RenderConfig())

	if cfg.Metrics.ListenAddr != "" {
		s.exporter, err = metrics.NewExporter(s.id)
		if err != nil {
			return nil, errFactory.Wrap(ErrSetupFailed, err)
		}
	}
	s.collector, err = metrics.NewService(cfg.MetricsConfig(), s.exporter)
	if err != nil {
		return nil, errFactory.Wrap(ErrSetupFailed, err)
	}

	s.logger.Info().
		Str("session", s.id).
		Int64("epoch", int64(epoch)).
		Strs("series", ic.SeriesNames()).
		Int("capacity", cfg.Ingest.Capacity).
		Bool("worker", s.worker != nil).
		Msg("Session ready")

	return s, nil
}

func (s *Session) resolveEpoch(ctx context.Context) (telemetry.Epoch, error) {
	if s.cfg.Ingest.Epoch != 0 {
		return telemetry.Epoch(s.cfg.Ingest.Epoch), nil
	}

	epoch, err := s.src.NewestEpoch(ctx)
	if err != nil {
		return 0, errors.New().Wrap(ErrSetupFailed, err)
	}

	return epoch, nil
}

// checkDetectors verifies every detector the session reads exists for the
// epoch.
func (s *Session) checkDetectors(ctx context.Context) error {
	errFactory := errors.New()

	available, err := s.src.AvailableDetectors(ctx, s.epoch)
	if err != nil {
		return errFactory.Wrap(ErrSetupFailed, err)
	}

	needed := make([]string, 0, len(s.cfg.Ingest.ROIs)+1)
	for _, roi := range s.cfg.Ingest.ROIs {
		needed = append(needed, roi.Detector)
	}
	if s.cfg.Worker.Enabled {
		needed = append(needed, s.cfg.Worker.Detector)
	}

	for _, detector := range needed {
		if !slices.Contains(available, detector) {
			return errFactory.WithData(ErrDetectorUnavailable,
				fmt.Sprintf("%s not available in epoch %d (have %v)", detector, s.epoch, available))
		}
	}

	return nil
}

// setupWorker sizes the mask from the detector's newest frame.
func (s *Session) setupWorker(ctx context.Context, axis binning.Axis) error {
	errFactory := errors.New()

	frame, _, _, err := s.src.NewestFrame(ctx, s.cfg.Worker.Detector)
	if err != nil {
		return errFactory.Wrap(ErrSetupFailed, err)
	}

	mask, err := telemetry.RectMask(frame.Rows, frame.Cols, s.cfg.MaskROI())
	if err != nil {
		return errFactory.Wrap(ErrSetupFailed, err)
	}

	s.updates = make(chan telemetry.BinUpdate, s.cfg.Worker.QueueSize)
	s.worker, err = roiworker.New(s.cfg.WorkerConfig(), s.src, mask, axis, s.updates)
	if err != nil {
		return errFactory.Wrap(ErrSetupFailed, err)
	}

	return nil
}

func (s *Session) ID() string                      { return s.id }
func (s *Session) Store() *buffer.Store            { return s.store }
func (s *Session) Loop() *ingest.Loop              { return s.loop }
func (s *Session) Aggregator() *binning.Aggregator { return s.agg }

// Run drives the session until ctx is done, the configured duration
// elapses or the ingestion loop is stopped.
func (s *Session) Run(ctx context.Context) error {
	var cancel context.CancelFunc
	if s.cfg.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Duration)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var ln net.Listener
	if s.exporter != nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Metrics.ListenAddr)
		if err != nil {
			return errors.New().Wrap(ErrServeFailed, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return s.loop.Run(ctx)
	})

	if s.worker != nil {
		g.Go(func() error { return s.worker.Run(ctx) })
		g.Go(func() error { return s.agg.Run(ctx, s.updates, s.render) })
	}

	g.Go(func() error { return s.report(ctx) })

	if ln != nil {
		srv := &http.Server{Handler: s.metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			s.logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.New().Wrap(ErrServeFailed, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return errors.New().Wrap(errors.ErrRunFailed, err)
	}

	return nil
}

func (s *Session) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.exporter.Handler())
	return mux
}

// report logs the loop status and records a metrics snapshot every
// StatusInterval, and once more on the way out.
func (s *Session) report(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.emit(context.Background())
			return nil
		case <-ticker.C:
			s.emit(ctx)
		}
	}
}

func (s *Session) emit(ctx context.Context) {
	snapshot := s.Snapshot()

	event := s.logger.Info().
		Uint64("ingested", snapshot.Ingest.Ingested).
		Uint64("fetch_errors", snapshot.Ingest.FetchErrors).
		Dur("latency_p99", snapshot.Ingest.LatencyP99)
	if s.worker != nil {
		event = event.
			Int("received", snapshot.Binning.Received).
			Int("gated", snapshot.Binning.Gated).
			Int("queue", snapshot.Binning.QueueDepth)
	}
	event.Msg(s.loop.Status().String())

	if err := s.collector.Record(ctx, snapshot); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record metrics snapshot")
	}
}

// Snapshot collects the current counters of every component.
func (s *Session) Snapshot() *metrics.MetricsSnapshot {
	status := s.loop.Status()

	snapshot := &metrics.MetricsSnapshot{
		Timestamp: time.Now(),
		SessionID: s.id,
		Ingest: metrics.IngestMetrics{
			State:        status.State.String(),
			Running:      status.State == ingest.StateRunning,
			Epoch:        int64(status.Epoch),
			Watermark:    int64(status.Watermark),
			Ingested:     status.Ingested,
			Cycles:       status.Cycles,
			EmptyCycles:  status.EmptyCycles,
			FetchErrors:  status.FetchErrors,
			LatencyP50:   status.LatencyP50,
			LatencyP99:   status.LatencyP99,
			SeriesLength: s.store.Len(ingest.TagsSeries),
		},
		Binning: metrics.BinningMetrics{
			Received:   s.agg.Received(),
			Gated:      s.agg.Gated(),
			OutOfRange: s.agg.OutOfRange(),
			QueueDepth: len(s.updates),
		},
	}
	if s.worker != nil {
		snapshot.Worker = metrics.WorkerMetrics{
			Processed: s.worker.Processed(),
			Gated:     s.worker.Gated(),
			Failures:  s.worker.Failures(),
		}
	}

	return snapshot
}

// render runs on the aggregator goroutine.
func (s *Session) render(view binning.View) {
	if !s.renderer.Enabled() {
		return
	}

	snaps, err := s.store.SnapshotMany(s.cfg.Render.Series...)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read series for render")
		return
	}

	fig := render.Figure{Created: time.Now(), View: view}
	for _, name := range s.cfg.Render.Series {
		fig.Series = append(fig.Series, snaps[name])
	}

	if err := s.renderer.Render(fig); err != nil {
		s.logger.Warn().Err(err).Msg("Render failed")
	}
}

// Close releases the metrics collector. It is safe to call more than
// once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if cerr := s.collector.Close(); cerr != nil {
			err = errors.New().Wrap(errors.ErrShutdownFailed, cerr)
		}
	})

	return err
}
