package telemetry

import "context"

// Source is the facility telemetry access layer. Every per-shot call is
// addressed by (epoch, index).
type Source interface {
	// NewestEpoch returns the high tag of the current run.
	NewestEpoch(ctx context.Context) (Epoch, error)

	// NewestIndex returns the newest shot index recorded for channel.
	NewestIndex(ctx context.Context, channel string) (ShotIndex, error)

	// NewestFrame returns the newest corrected frame of detector with its
	// shot index and epoch.
	NewestFrame(ctx context.Context, detector string) (Frame, ShotIndex, Epoch, error)

	// ReadScalars returns one value per index for every channel. Items
	// that cannot be read are NaN; an error means the whole call failed.
	ReadScalars(ctx context.Context, channels []string, indices []ShotIndex, epoch Epoch) (map[string][]float64, error)

	// ReadFrame returns the corrected frame of detector for one shot.
	ReadFrame(ctx context.Context, detector string, index ShotIndex, epoch Epoch) (Frame, error)

	// AvailableDetectors lists the 2D detectors recording in epoch.
	AvailableDetectors(ctx context.Context, epoch Epoch) ([]string, error)
}

// ShotIndex identifies one acquisition event within an epoch.
type ShotIndex int64

// Epoch is the coarse run grouping under which a ShotIndex is unique.
type Epoch int64
