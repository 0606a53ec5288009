package telemetry

import (
	"time"

	"codeberg.org/mutker/shotmon/internal/errors"
)

const (
	defaultRate        = 30.0
	defaultEpoch       = 201901
	defaultStartIndex  = 1_000_000
	defaultRows        = 64
	defaultCols        = 128
	defaultDetector    = "MPCCD-1"
	defaultGain        = 3.65
	defaultDropEvery   = 50
	defaultScanPeriod  = 600
	defaultPositionMin = -300.0
	defaultPositionMax = 450.0
)

// Facility channel names used as defaults for gating and delay.
const (
	BeamStatusChannel = "xfel_mon_bpm_bl3_0_3_beamstatus/summary"
	IntensityChannel  = "xfel_bl_3_st_2_pd_user_5_fitting_peak/voltage"
	PositionChannel   = "xfel_bl_3_st_2_motor_1/position"
)

// SimulatorConfig describes the simulated facility.
type SimulatorConfig struct {
	Rate       float64
	Epoch      Epoch
	StartIndex ShotIndex
	Rows       int
	Cols       int
	Detectors  []string
	Correction Correction
	Seed       uint64

	BeamChannel      string
	IntensityChannel string
	PositionChannel  string

	// BeamDropEvery drops the beam on every n-th shot; zero disables.
	BeamDropEvery int
	// ScanPeriod is the motor scan length in shots.
	ScanPeriod  int
	PositionMin float64
	PositionMax float64

	Clock func() time.Time
}

func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Rate:             defaultRate,
		Epoch:            defaultEpoch,
		StartIndex:       defaultStartIndex,
		Rows:             defaultRows,
		Cols:             defaultCols,
		Detectors:        []string{defaultDetector},
		Correction:       Correction{Gain: defaultGain, Threshold: DefaultThreshold},
		Seed:             1,
		BeamChannel:      BeamStatusChannel,
		IntensityChannel: IntensityChannel,
		PositionChannel:  PositionChannel,
		BeamDropEvery:    defaultDropEvery,
		ScanPeriod:       defaultScanPeriod,
		PositionMin:      defaultPositionMin,
		PositionMax:      defaultPositionMax,
		Clock:            time.Now,
	}
}

func (c SimulatorConfig) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Rate <= 0:
		return errFactory.WithMessage(errors.ErrInvalidConfig, "simulator rate must be positive")
	case c.Rows <= 0 || c.Cols <= 0:
		return errFactory.WithMessage(errors.ErrInvalidConfig, "simulator frame shape must be positive")
	case len(c.Detectors) == 0:
		return errFactory.WithMessage(errors.ErrInvalidConfig, "simulator needs at least one detector")
	case c.ScanPeriod <= 0:
		return errFactory.WithMessage(errors.ErrInvalidConfig, "simulator scan period must be positive")
	case c.PositionMax <= c.PositionMin:
		return errFactory.WithMessage(errors.ErrInvalidConfig, "simulator position range is empty")
	}

	return nil
}
