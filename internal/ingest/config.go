package ingest

import (
	"fmt"
	"time"

	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/telemetry"
)

// TagsSeries holds the shot index of every ingested shot.
const TagsSeries = "tags"

const (
	defaultGrabSize        = 120
	defaultAcquisitionRate = 30.0
)

type Config struct {
	// ReferenceChannel is asked for the newest shot index.
	ReferenceChannel string
	Channels         []string
	ROIs             []telemetry.ROI
	// GrabSize is the widest window fetched in one cycle.
	GrabSize int
	// AcquisitionRate is the nominal shot rate in Hz used for pacing.
	AcquisitionRate float64
	// Epoch pins the high tag; zero follows the newest run.
	Epoch telemetry.Epoch
}

func DefaultConfig() Config {
	return Config{
		GrabSize:        defaultGrabSize,
		AcquisitionRate: defaultAcquisitionRate,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.ReferenceChannel == "" {
		return errFactory.WithMessage(ErrInvalidConfig, "reference channel is required")
	}
	if c.GrabSize <= 0 {
		return errFactory.WithData(ErrInvalidConfig, fmt.Sprintf("grab size %d", c.GrabSize))
	}
	if c.AcquisitionRate <= 0 {
		return errFactory.WithData(ErrInvalidConfig, fmt.Sprintf("acquisition rate %g", c.AcquisitionRate))
	}

	seen := map[string]bool{TagsSeries: true}
	for _, name := range c.SeriesNames()[1:] {
		if seen[name] {
			return errFactory.WithData(ErrInvalidConfig, fmt.Sprintf("series %q configured twice", name))
		}
		seen[name] = true
	}
	for _, roi := range c.ROIs {
		if err := roi.Validate(); err != nil {
			return errFactory.Wrap(ErrInvalidConfig, err)
		}
	}

	return nil
}

// SeriesNames lists every series the loop writes, tags first.
func (c Config) SeriesNames() []string {
	names := make([]string, 0, 1+len(c.Channels)+len(c.ROIs))
	names = append(names, TagsSeries)
	names = append(names, c.Channels...)
	for _, roi := range c.ROIs {
		names = append(names, roi.Name)
	}

	return names
}

// MinCycle is the shortest cycle duration: the time the source needs to
// produce one full window plus one shot.
func (c Config) MinCycle() time.Duration {
	return time.Duration(float64(c.GrabSize+1) / c.AcquisitionRate * float64(time.Second))
}
