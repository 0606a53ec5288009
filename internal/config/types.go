package config

import (
	"time"

	"codeberg.org/mutker/shotmon/internal/telemetry"
)

type Config struct {
	LogLevel       string        `mapstructure:"log_level"`
	PIDFile        string        `mapstructure:"pid_file"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
	// Duration ends the session after a fixed time; zero runs until
	// interrupted.
	Duration time.Duration `mapstructure:"duration"`

	Source  SourceConfig  `mapstructure:"source"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Binning BinningConfig `mapstructure:"binning"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Render  RenderConfig  `mapstructure:"render"`
}

// SourceConfig selects and tunes the telemetry source.
type SourceConfig struct {
	Kind      string   `mapstructure:"kind"`
	Rate      float64  `mapstructure:"rate"`
	Epoch     int64    `mapstructure:"epoch"`
	Rows      int      `mapstructure:"rows"`
	Cols      int      `mapstructure:"cols"`
	Detectors []string `mapstructure:"detectors"`
	Seed      uint64   `mapstructure:"seed"`
	Gain      float64  `mapstructure:"gain"`
	Threshold float64  `mapstructure:"threshold"`
}

type IngestConfig struct {
	ReferenceChannel string          `mapstructure:"reference_channel"`
	Channels         []string        `mapstructure:"channels"`
	ROIs             []telemetry.ROI `mapstructure:"rois"`
	Capacity         int             `mapstructure:"capacity"`
	GrabSize         int             `mapstructure:"grab_size"`
	AcquisitionRate  float64         `mapstructure:"acquisition_rate"`
	Epoch            int64           `mapstructure:"epoch"`
}

// MaskConfig is the rectangle the worker mask selects.
type MaskConfig struct {
	X1 int `mapstructure:"x1"`
	X2 int `mapstructure:"x2"`
	Y1 int `mapstructure:"y1"`
	Y2 int `mapstructure:"y2"`
}

type WorkerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Detector         string        `mapstructure:"detector"`
	Mask             MaskConfig    `mapstructure:"mask"`
	BeamChannel      string        `mapstructure:"beam_channel"`
	IntensityChannel string        `mapstructure:"intensity_channel"`
	PositionChannel  string        `mapstructure:"position_channel"`
	BeamFloor        float64       `mapstructure:"beam_floor"`
	IntensityFloor   float64       `mapstructure:"intensity_floor"`
	DelayScale       float64       `mapstructure:"delay_scale"`
	DelayOffset      float64       `mapstructure:"delay_offset"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	QueueSize        int           `mapstructure:"queue_size"`
}

type BinningConfig struct {
	Start           float64       `mapstructure:"start"`
	End             float64       `mapstructure:"end"`
	Bins            int           `mapstructure:"bins"`
	IdleBackoff     time.Duration `mapstructure:"idle_backoff"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	ListenAddr   string        `mapstructure:"listen_addr"`
}

type RenderConfig struct {
	Title  string  `mapstructure:"title"`
	PNG    string  `mapstructure:"png"`
	HTML   string  `mapstructure:"html"`
	Width  float64 `mapstructure:"width"`
	Height float64 `mapstructure:"height"`
	// Series lists rolling-buffer series drawn next to the bins.
	Series []string `mapstructure:"series"`
}
