package telemetry

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"codeberg.org/mutker/shotmon/internal/errors"
)

const (
	spotAmplitude = 4000.0
	spotSigmaFrac = 0.125
	noiseSigma    = 40.0
	intensityDrop = 0.03
)

// Simulator is an in-process facility: shot indices advance with the
// clock at the configured rate and every readout is a deterministic
// function of (seed, channel, index).
type Simulator struct {
	cfg   SimulatorConfig
	start time.Time
}

var _ Source = (*Simulator)(nil)

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Simulator{cfg: cfg, start: cfg.Clock()}, nil
}

func (s *Simulator) NewestEpoch(ctx context.Context) (Epoch, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return s.cfg.Epoch, nil
}

func (s *Simulator) NewestIndex(ctx context.Context, _ string) (ShotIndex, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return s.newest(), nil
}

func (s *Simulator) NewestFrame(ctx context.Context, detector string) (Frame, ShotIndex, Epoch, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, 0, 0, err
	}
	if !s.hasDetector(detector) {
		return Frame{}, 0, 0, s.unknownDetector(detector)
	}

	idx := s.newest()

	return s.frame(idx), idx, s.cfg.Epoch, nil
}

func (s *Simulator) ReadScalars(
	ctx context.Context, channels []string, indices []ShotIndex, epoch Epoch,
) (map[string][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if epoch != s.cfg.Epoch {
		return nil, s.unknownEpoch(epoch)
	}

	newest := s.newest()
	out := make(map[string][]float64, len(channels))
	for _, ch := range channels {
		values := make([]float64, len(indices))
		for i, idx := range indices {
			if idx < s.cfg.StartIndex || idx > newest {
				values[i] = math.NaN()
				continue
			}
			values[i] = s.scalar(ch, idx)
		}
		out[ch] = values
	}

	return out, nil
}

func (s *Simulator) ReadFrame(ctx context.Context, detector string, index ShotIndex, epoch Epoch) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if !s.hasDetector(detector) {
		return Frame{}, s.unknownDetector(detector)
	}
	if epoch != s.cfg.Epoch {
		return Frame{}, s.unknownEpoch(epoch)
	}
	if index < s.cfg.StartIndex || index > s.newest() {
		return Frame{}, errors.New().WithData(ErrNoData, fmt.Sprintf("%s has no frame for tag %d", detector, index))
	}

	return s.frame(index), nil
}

func (s *Simulator) AvailableDetectors(ctx context.Context, epoch Epoch) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if epoch != s.cfg.Epoch {
		return nil, s.unknownEpoch(epoch)
	}

	return slices.Clone(s.cfg.Detectors), nil
}

func (s *Simulator) newest() ShotIndex {
	elapsed := s.cfg.Clock().Sub(s.start)
	if elapsed < 0 {
		elapsed = 0
	}

	return s.cfg.StartIndex + ShotIndex(elapsed.Seconds()*s.cfg.Rate)
}

func (s *Simulator) hasDetector(name string) bool {
	return slices.Contains(s.cfg.Detectors, name)
}

func (s *Simulator) unknownDetector(name string) error {
	return errors.New().WithData(ErrDetectorUnavailable, name)
}

func (s *Simulator) unknownEpoch(epoch Epoch) error {
	return errors.New().WithData(ErrNoData, fmt.Sprintf("epoch %d is not recorded", epoch))
}

func (s *Simulator) rng(index ShotIndex, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(s.cfg.Seed^stream, uint64(index)))
}

func (s *Simulator) scalar(channel string, index ShotIndex) float64 {
	switch channel {
	case s.cfg.BeamChannel:
		if s.beamDropped(index) {
			return 0
		}
		return 1
	case s.cfg.IntensityChannel:
		return s.intensity(index)
	case s.cfg.PositionChannel:
		return s.position(index)
	default:
		h := fnv.New64a()
		h.Write([]byte(channel))
		return s.rng(index, h.Sum64()).NormFloat64()
	}
}

func (s *Simulator) beamDropped(index ShotIndex) bool {
	n := ShotIndex(s.cfg.BeamDropEvery)
	return n > 0 && index%n == 0
}

func (s *Simulator) intensity(index ShotIndex) float64 {
	r := s.rng(index, 1)
	if r.Float64() < intensityDrop {
		return 0
	}

	return 0.2 + r.Float64()
}

// position sweeps the motor back and forth over [PositionMin, PositionMax].
func (s *Simulator) position(index ShotIndex) float64 {
	period := ShotIndex(s.cfg.ScanPeriod)
	phase := float64(index%period) / float64(period)
	tri := 1 - math.Abs(2*phase-1)

	return s.cfg.PositionMin + tri*(s.cfg.PositionMax-s.cfg.PositionMin)
}

// frame renders a Gaussian spot whose height follows a step in motor
// position, divides by the gain to get raw counts and corrects it back.
func (s *Simulator) frame(index ShotIndex) Frame {
	rows, cols := s.cfg.Rows, s.cfg.Cols
	raw := NewFrame(rows, cols)

	amp := 0.0
	if !s.beamDropped(index) {
		span := s.cfg.PositionMax - s.cfg.PositionMin
		mid := s.cfg.PositionMin + span/2
		step := 1 + 0.5*math.Tanh((s.position(index)-mid)/(0.1*span))
		amp = spotAmplitude * s.intensity(index) * step
	}

	gain := s.cfg.Correction.Gain
	if gain == 0 {
		gain = 1
	}

	r := s.rng(index, 2)
	cr, cc := float64(rows)/2, float64(cols)/2
	sr, sc := float64(rows)*spotSigmaFrac, float64(cols)*spotSigmaFrac
	for row := 0; row < rows; row++ {
		dr := (float64(row) - cr) / sr
		for col := 0; col < cols; col++ {
			dc := (float64(col) - cc) / sc
			v := amp*math.Exp(-0.5*(dr*dr+dc*dc)) + noiseSigma*r.NormFloat64()
			raw.Set(row, col, v/gain)
		}
	}

	return s.cfg.Correction.Apply(raw)
}
