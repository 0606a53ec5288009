package roiworker

import (
	"fmt"
	"math"
	"time"

	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/telemetry"
)

const (
	DefaultBeamFloor      = 0.1
	DefaultIntensityFloor = 0.01

	// DefaultDelayScale converts motor pulses to picoseconds.
	DefaultDelayScale = 6.666e-3
	defaultErrorPause = 50 * time.Millisecond
)

type Config struct {
	Detector         string
	BeamChannel      string
	IntensityChannel string
	PositionChannel  string

	BeamFloor      float64
	IntensityFloor float64

	DelayScale  float64
	DelayOffset float64

	// PollInterval is slept between polls that see no new frame. Zero
	// busy-polls.
	PollInterval time.Duration
	// ErrorPause is slept after a failed cycle.
	ErrorPause time.Duration
}

func DefaultConfig() Config {
	return Config{
		BeamChannel:      telemetry.BeamStatusChannel,
		IntensityChannel: telemetry.IntensityChannel,
		PositionChannel:  telemetry.PositionChannel,
		BeamFloor:        DefaultBeamFloor,
		IntensityFloor:   DefaultIntensityFloor,
		DelayScale:       DefaultDelayScale,
		ErrorPause:       defaultErrorPause,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Detector == "":
		return errFactory.WithMessage(ErrInvalidConfig, "frame detector is required")
	case c.BeamChannel == "" || c.IntensityChannel == "" || c.PositionChannel == "":
		return errFactory.WithMessage(ErrInvalidConfig, "beam, intensity and position channels are required")
	case c.DelayScale == 0 || math.IsNaN(c.DelayScale) || math.IsInf(c.DelayScale, 0):
		return errFactory.WithData(ErrInvalidConfig, fmt.Sprintf("delay scale %g", c.DelayScale))
	case c.PollInterval < 0 || c.ErrorPause < 0:
		return errFactory.WithMessage(ErrInvalidConfig, "intervals must not be negative")
	}

	return nil
}

// Passes reports whether a shot is gated in: valid beam and enough
// intensity. NaN never passes.
func (c Config) Passes(beam, intensity float64) bool {
	return beam > c.BeamFloor && intensity > c.IntensityFloor
}

// Delay converts a motor position to the binning axis.
func (c Config) Delay(position float64) float64 {
	return position*c.DelayScale - c.DelayOffset
}
