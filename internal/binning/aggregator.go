package binning

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/logger"
	"codeberg.org/mutker/shotmon/internal/telemetry"
)

const (
	defaultIdleBackoff     = time.Millisecond
	defaultRefreshInterval = 250 * time.Millisecond
)

type Config struct {
	// IdleBackoff is how long Run sleeps when the queue is empty.
	IdleBackoff time.Duration
	// RefreshInterval is the minimum spacing between render calls.
	RefreshInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		IdleBackoff:     defaultIdleBackoff,
		RefreshInterval: defaultRefreshInterval,
	}
}

// History is the raw per-shot record kept for scatter views. It grows
// without bound for the life of the session.
type History struct {
	Index     []telemetry.ShotIndex
	Intensity []float64
	Beam      []float64
	ROI       []float64
	Delay     []float64
	Gated     []bool
}

func (h History) Len() int {
	return len(h.Index)
}

func (h History) clone() History {
	return History{
		Index:     slices.Clone(h.Index),
		Intensity: slices.Clone(h.Intensity),
		Beam:      slices.Clone(h.Beam),
		ROI:       slices.Clone(h.ROI),
		Delay:     slices.Clone(h.Delay),
		Gated:     slices.Clone(h.Gated),
	}
}

// View is a copy of the aggregate handed to renderers.
type View struct {
	Centers    []float64
	Means      []float64
	Weights    []int
	History    History
	Received   int
	Gated      int
	OutOfRange int
	LastIndex  telemetry.ShotIndex
}

// Aggregator folds worker updates into a running per-bin mean. All
// methods except the counters must be called from the goroutine that
// owns it.
type Aggregator struct {
	cfg     Config
	axis    Axis
	means   []float64
	weights []int
	history History
	last    telemetry.ShotIndex

	received   atomic.Int64
	gated      atomic.Int64
	outOfRange atomic.Int64

	logger logger.Logger
}

func NewAggregator(axis Axis, cfg Config) *Aggregator {
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = defaultIdleBackoff
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}

	return &Aggregator{
		cfg:     cfg,
		axis:    axis,
		means:   make([]float64, axis.Bins()),
		weights: make([]int, axis.Bins()),
		logger:  logger.WithComponent("aggregator"),
	}
}

// Apply merges one update. For every bin with a nonzero partial mean,
//
//	mean = (mean*w + partial*n) / (w + n),  w += n
//
// A zero partial mean is a below-threshold frame and leaves the bin as
// it was.
func (a *Aggregator) Apply(u telemetry.BinUpdate) error {
	if len(u.PartialMeans) != len(a.means) || len(u.Counts) != len(a.means) {
		return errors.New().WithData(ErrBinMismatch,
			fmt.Sprintf("update has %d/%d bins, aggregate has %d", len(u.PartialMeans), len(u.Counts), len(a.means)))
	}

	for i, n := range u.Counts {
		if n <= 0 || u.PartialMeans[i] == 0 {
			continue
		}
		w := a.weights[i]
		a.means[i] = (a.means[i]*float64(w) + u.PartialMeans[i]*float64(n)) / float64(w+n)
		a.weights[i] = w + n
	}

	a.history.Index = append(a.history.Index, u.Index)
	a.history.Intensity = append(a.history.Intensity, u.Intensity)
	a.history.Beam = append(a.history.Beam, u.Beam)
	a.history.ROI = append(a.history.ROI, u.ROI)
	a.history.Delay = append(a.history.Delay, u.Delay)
	a.history.Gated = append(a.history.Gated, u.Gated > 0)
	a.last = u.Index

	a.received.Add(1)
	a.gated.Add(int64(u.Gated))
	a.outOfRange.Add(int64(u.OutOfRange))

	return nil
}

// View returns a copy of the current aggregate.
func (a *Aggregator) View() View {
	return View{
		Centers:    a.axis.Centers(),
		Means:      slices.Clone(a.means),
		Weights:    slices.Clone(a.weights),
		History:    a.history.clone(),
		Received:   int(a.received.Load()),
		Gated:      int(a.gated.Load()),
		OutOfRange: int(a.outOfRange.Load()),
		LastIndex:  a.last,
	}
}

// Received is safe to call from any goroutine.
func (a *Aggregator) Received() int { return int(a.received.Load()) }

// Gated is safe to call from any goroutine.
func (a *Aggregator) Gated() int { return int(a.gated.Load()) }

// OutOfRange counts gated samples whose delay fell outside the axis.
func (a *Aggregator) OutOfRange() int { return int(a.outOfRange.Load()) }

// Run drains updates until ctx is done or the channel is closed. It never
// blocks on an empty queue for longer than IdleBackoff, and calls render
// with a fresh view at most once per RefreshInterval while there is
// something new to show. A final render follows the last update.
func (a *Aggregator) Run(ctx context.Context, updates <-chan telemetry.BinUpdate, render func(View)) error {
	idle := time.NewTimer(a.cfg.IdleBackoff)
	defer idle.Stop()

	dirty := false
	lastRender := time.Time{}

	flush := func() {
		if dirty && render != nil {
			render(a.View())
		}
		dirty = false
		lastRender = time.Now()
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case u, ok := <-updates:
			if !ok {
				flush()
				return nil
			}
			if err := a.Apply(u); err != nil {
				a.logger.Warn().Err(err).Int64("tag", int64(u.Index)).Msg("Dropping update")
				continue
			}
			dirty = true
		default:
			idle.Reset(a.cfg.IdleBackoff)
			select {
			case <-ctx.Done():
				flush()
				return nil
			case <-idle.C:
			}
		}

		if dirty && time.Since(lastRender) >= a.cfg.RefreshInterval {
			flush()
		}
	}
}
