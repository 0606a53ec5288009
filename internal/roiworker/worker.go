package roiworker

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/shotmon/internal/binning"
	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/logger"
	"codeberg.org/mutker/shotmon/internal/telemetry"
)

// Worker reduces the newest detector frame to a masked sum, gates it on
// beam status and intensity, and emits one BinUpdate per new shot.
type Worker struct {
	cfg  Config
	src  telemetry.Source
	mask telemetry.Mask
	axis binning.Axis
	out  chan<- telemetry.BinUpdate

	last    telemetry.ShotIndex
	hasLast bool

	processed atomic.Int64
	gated     atomic.Int64
	failures  atomic.Int64

	logger logger.Logger
}

func New(cfg Config, src telemetry.Source, mask telemetry.Mask, axis binning.Axis, out chan<- telemetry.BinUpdate) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || out == nil {
		return nil, errors.New().WithMessage(ErrInvalidConfig, "source and output channel are required")
	}
	if mask.Count() == 0 {
		return nil, errors.New().WithMessage(telemetry.ErrInvalidMask, "mask selects no pixels")
	}

	return &Worker{
		cfg:    cfg,
		src:    src,
		mask:   mask,
		axis:   axis,
		out:    out,
		logger: logger.WithComponent("roiworker"),
	}, nil
}

// Run processes frames until ctx is done. Frame reads can block for tens
// of milliseconds, so the worker keeps its own OS thread.
func (w *Worker) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w.logger.Info().
		Str("detector", w.cfg.Detector).
		Int("bins", w.axis.Bins()).
		Int("mask_pixels", w.mask.Count()).
		Msg("ROI worker started")
	defer w.logger.Info().
		Int64("processed", w.processed.Load()).
		Int64("gated", w.gated.Load()).
		Msg("ROI worker stopped")

	for ctx.Err() == nil {
		update, fresh, err := w.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.failures.Add(1)
			w.logger.Warn().Err(err).Msg("Frame cycle failed")
			pause(ctx, w.cfg.ErrorPause)
			continue
		}
		if !fresh {
			pause(ctx, w.cfg.PollInterval)
			continue
		}

		select {
		case w.out <- update:
		case <-ctx.Done():
		}
	}

	return nil
}

// Step runs one cycle. It reports false when the newest frame is the one
// already processed.
func (w *Worker) Step(ctx context.Context) (telemetry.BinUpdate, bool, error) {
	frame, index, epoch, err := w.src.NewestFrame(ctx, w.cfg.Detector)
	if err != nil {
		return telemetry.BinUpdate{}, false, err
	}
	if w.hasLast && index == w.last {
		return telemetry.BinUpdate{}, false, nil
	}
	w.last, w.hasLast = index, true

	roi, err := w.mask.Sum(frame)
	if err != nil {
		return telemetry.BinUpdate{}, false, err
	}

	channels := []string{w.cfg.BeamChannel, w.cfg.IntensityChannel, w.cfg.PositionChannel}
	readings, err := w.src.ReadScalars(ctx, channels, []telemetry.ShotIndex{index}, epoch)
	if err != nil {
		return telemetry.BinUpdate{}, false, err
	}
	values := make([]float64, len(channels))
	for i, ch := range channels {
		v, ok := readings[ch]
		if !ok || len(v) != 1 {
			return telemetry.BinUpdate{}, false, errors.New().WithData(ErrScalarMissing,
				fmt.Sprintf("%s at %d", ch, index))
		}
		values[i] = v[0]
	}
	beam, intensity, position := values[0], values[1], values[2]

	update := telemetry.BinUpdate{
		Epoch:        epoch,
		Index:        index,
		PartialMeans: make([]float64, w.axis.Bins()),
		Counts:       make([]int, w.axis.Bins()),
		Centers:      w.axis.Centers(),
		Intensity:    intensity,
		Beam:         beam,
		ROI:          roi,
		Delay:        w.cfg.Delay(position),
	}

	if w.cfg.Passes(beam, intensity) {
		update.Gated = 1
		partial, err := w.axis.Bin([]float64{update.Delay}, []float64{roi})
		if err != nil {
			return telemetry.BinUpdate{}, false, err
		}
		update.PartialMeans = partial.Means
		update.Counts = partial.Counts
		update.OutOfRange = partial.OutOfRange
		w.gated.Add(1)
	}
	w.processed.Add(1)

	if math.IsNaN(update.Delay) {
		w.logger.Debug().Int64("index", int64(index)).Msg("Position missing")
	}

	return update, true, nil
}

// Processed counts fresh frames reduced so far.
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Gated counts frames whose shot passed gating.
func (w *Worker) Gated() int64 { return w.gated.Load() }

// Failures counts cycles that ended in an error.
func (w *Worker) Failures() int64 { return w.failures.Load() }

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		runtime.Gosched()
		return
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
