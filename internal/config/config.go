package config

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/shotmon/internal/binning"
	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/ingest"
	"codeberg.org/mutker/shotmon/internal/metrics"
	"codeberg.org/mutker/shotmon/internal/render"
	"codeberg.org/mutker/shotmon/internal/roiworker"
	"codeberg.org/mutker/shotmon/internal/telemetry"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel       = "info"
	DefaultConfigPath     = "/etc/shotmon.toml"
	DefaultEnvPrefix      = "SHOTMON"
	DefaultStatusInterval = 5 * time.Second
	DefaultCapacity       = 10_000
	DefaultQueueSize      = 64
	DefaultBins           = 40
	DefaultSourceKind     = "simulator"
)

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":        "log_level",
	"pid-file":         "pid_file",
	"duration":         "duration",
	"status-interval":  "status_interval",
	"grab-size":        "ingest.grab_size",
	"acquisition-rate": "ingest.acquisition_rate",
	"capacity":         "ingest.capacity",
	"worker":           "worker.enabled",
	"detector":         "worker.detector",
	"bins":             "binning.bins",
	"metrics":          "metrics.enabled",
	"metrics-db":       "metrics.db_path",
	"metrics-addr":     "metrics.listen_addr",
	"png":              "render.png",
	"html":             "render.html",
}

func setDefaults(v *viper.Viper) {
	sim := telemetry.DefaultSimulatorConfig()
	ing := ingest.DefaultConfig()
	wrk := roiworker.DefaultConfig()
	agg := binning.DefaultConfig()
	met := metrics.DefaultConfig()
	ren := render.DefaultConfig()
	detector := sim.Detectors[0]

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("pid_file", "")
	v.SetDefault("status_interval", DefaultStatusInterval)
	v.SetDefault("duration", time.Duration(0))

	v.SetDefault("source.kind", DefaultSourceKind)
	v.SetDefault("source.rate", sim.Rate)
	v.SetDefault("source.epoch", int64(sim.Epoch))
	v.SetDefault("source.rows", sim.Rows)
	v.SetDefault("source.cols", sim.Cols)
	v.SetDefault("source.detectors", sim.Detectors)
	v.SetDefault("source.seed", sim.Seed)
	v.SetDefault("source.gain", sim.Correction.Gain)
	v.SetDefault("source.threshold", sim.Correction.Threshold)

	v.SetDefault("ingest.reference_channel", telemetry.IntensityChannel)
	v.SetDefault("ingest.channels", []string{telemetry.IntensityChannel, telemetry.BeamStatusChannel})
	v.SetDefault("ingest.rois", []map[string]any{
		{"name": "roi1", "detector": detector, "x1": 24, "x2": 40, "y1": 48, "y2": 80},
	})
	v.SetDefault("ingest.capacity", DefaultCapacity)
	v.SetDefault("ingest.grab_size", ing.GrabSize)
	v.SetDefault("ingest.acquisition_rate", ing.AcquisitionRate)
	v.SetDefault("ingest.epoch", int64(0))

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.detector", detector)
	v.SetDefault("worker.mask.x1", 24)
	v.SetDefault("worker.mask.x2", 40)
	v.SetDefault("worker.mask.y1", 48)
	v.SetDefault("worker.mask.y2", 80)
	v.SetDefault("worker.beam_channel", wrk.BeamChannel)
	v.SetDefault("worker.intensity_channel", wrk.IntensityChannel)
	v.SetDefault("worker.position_channel", wrk.PositionChannel)
	v.SetDefault("worker.beam_floor", wrk.BeamFloor)
	v.SetDefault("worker.intensity_floor", wrk.IntensityFloor)
	v.SetDefault("worker.delay_scale", wrk.DelayScale)
	v.SetDefault("worker.delay_offset", wrk.DelayOffset)
	v.SetDefault("worker.poll_interval", time.Millisecond)
	v.SetDefault("worker.queue_size", DefaultQueueSize)

	v.SetDefault("binning.start", sim.PositionMin*wrk.DelayScale)
	v.SetDefault("binning.end", sim.PositionMax*wrk.DelayScale)
	v.SetDefault("binning.bins", DefaultBins)
	v.SetDefault("binning.idle_backoff", agg.IdleBackoff)
	v.SetDefault("binning.refresh_interval", agg.RefreshInterval)

	v.SetDefault("metrics.enabled", met.Enabled)
	v.SetDefault("metrics.db_path", met.DBPath)
	v.SetDefault("metrics.batch_size", met.BatchSize)
	v.SetDefault("metrics.batch_timeout", met.BatchTimeout)
	v.SetDefault("metrics.listen_addr", "")

	v.SetDefault("render.title", ren.Title)
	v.SetDefault("render.png", "")
	v.SetDefault("render.html", "")
	v.SetDefault("render.width", ren.Width)
	v.SetDefault("render.height", ren.Height)
	v.SetDefault("render.series", []string{"roi1"})
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("shotmon", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	ing := ingest.DefaultConfig()

	flags.String("config", "", "Path to the configuration file")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	flags.String("pid-file", "", "Write the process ID to this file")
	flags.Duration("duration", 0, "Stop after this long; 0 runs until interrupted")
	flags.Duration("status-interval", DefaultStatusInterval, "Interval between status lines")
	flags.Int("grab-size", ing.GrabSize, "Maximum shots fetched per ingestion cycle")
	flags.Float64("acquisition-rate", ing.AcquisitionRate, "Nominal shot rate in Hz")
	flags.Int("capacity", DefaultCapacity, "Rolling buffer capacity per series")
	flags.Bool("worker", true, "Run the frame ROI worker and binning")
	flags.String("detector", "", "Detector reduced by the ROI worker")
	flags.Int("bins", DefaultBins, "Number of delay bins")
	flags.Bool("metrics", false, "Record metrics snapshots to the database")
	flags.String("metrics-db", "", "Metrics database path")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.String("png", "", "Render the aggregate to this PNG file")
	flags.String("html", "", "Render the aggregate to this HTML file")

	return flags
}

// Usage describes the command line flags.
func Usage() string {
	return newFlagSet().FlagUsages()
}

// Load builds the configuration from defaults, the config file, the
// environment and args, in increasing order of precedence.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		opt(&o)
	}

	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	path, explicit := configPath(flags, o)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func configPath(flags *pflag.FlagSet, o options) (string, bool) {
	if p, _ := flags.GetString("config"); p != "" {
		return p, true
	}
	if o.configPath != "" {
		return o.configPath, true
	}
	if p := os.Getenv(o.envPrefix + "_CONFIG"); p != "" {
		return p, true
	}

	return DefaultConfigPath, false
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.StatusInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, fmt.Sprintf("status_interval %s", c.StatusInterval))
	}
	if c.Duration < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, fmt.Sprintf("duration %s", c.Duration))
	}
	if c.Source.Kind != DefaultSourceKind {
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("unsupported source kind %q", c.Source.Kind))
	}
	if c.Ingest.Capacity <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("ingest.capacity %d", c.Ingest.Capacity))
	}
	if c.Worker.Enabled && c.Worker.QueueSize <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("worker.queue_size %d", c.Worker.QueueSize))
	}
	if c.Binning.Bins <= 0 || c.Binning.End <= c.Binning.Start {
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("binning [%g, %g] with %d bins", c.Binning.Start, c.Binning.End, c.Binning.Bins))
	}

	if err := c.IngestConfig().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if c.Worker.Enabled {
		if err := c.WorkerConfig().Validate(); err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
		if err := c.MaskROI().Validate(); err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if err := c.MetricsConfig().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	return nil
}

func (c *Config) SimulatorConfig() telemetry.SimulatorConfig {
	sim := telemetry.DefaultSimulatorConfig()
	sim.Rate = c.Source.Rate
	sim.Epoch = telemetry.Epoch(c.Source.Epoch)
	sim.Rows = c.Source.Rows
	sim.Cols = c.Source.Cols
	sim.Detectors = c.Source.Detectors
	sim.Seed = c.Source.Seed
	sim.Correction = telemetry.Correction{Gain: c.Source.Gain, Threshold: c.Source.Threshold}
	sim.BeamChannel = c.Worker.BeamChannel
	sim.IntensityChannel = c.Worker.IntensityChannel
	sim.PositionChannel = c.Worker.PositionChannel

	return sim
}

func (c *Config) IngestConfig() ingest.Config {
	return ingest.Config{
		ReferenceChannel: c.Ingest.ReferenceChannel,
		Channels:         c.Ingest.Channels,
		ROIs:             c.Ingest.ROIs,
		GrabSize:         c.Ingest.GrabSize,
		AcquisitionRate:  c.Ingest.AcquisitionRate,
		Epoch:            telemetry.Epoch(c.Ingest.Epoch),
	}
}

func (c *Config) WorkerConfig() roiworker.Config {
	return roiworker.Config{
		Detector:         c.Worker.Detector,
		BeamChannel:      c.Worker.BeamChannel,
		IntensityChannel: c.Worker.IntensityChannel,
		PositionChannel:  c.Worker.PositionChannel,
		BeamFloor:        c.Worker.BeamFloor,
		IntensityFloor:   c.Worker.IntensityFloor,
		DelayScale:       c.Worker.DelayScale,
		DelayOffset:      c.Worker.DelayOffset,
		PollInterval:     c.Worker.PollInterval,
		ErrorPause:       roiworker.DefaultConfig().ErrorPause,
	}
}

// MaskROI is the worker mask rectangle as an ROI on the worker detector.
func (c *Config) MaskROI() telemetry.ROI {
	m := c.Worker.Mask
	return telemetry.ROI{Name: "mask", Detector: c.Worker.Detector, X1: m.X1, X2: m.X2, Y1: m.Y1, Y2: m.Y2}
}

func (c *Config) Axis() (binning.Axis, error) {
	return binning.NewAxis(c.Binning.Start, c.Binning.End, c.Binning.Bins)
}

func (c *Config) AggregatorConfig() binning.Config {
	return binning.Config{
		IdleBackoff:     c.Binning.IdleBackoff,
		RefreshInterval: c.Binning.RefreshInterval,
	}
}

func (c *Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:      c.Metrics.Enabled,
		DBPath:       c.Metrics.DBPath,
		BatchSize:    c.Metrics.BatchSize,
		BatchTimeout: c.Metrics.BatchTimeout,
	}
}

func (c *Config) RenderConfig() render.Config {
	return render.Config{
		Title:    c.Render.Title,
		PNGPath:  c.Render.PNG,
		HTMLPath: c.Render.HTML,
		Width:    c.Render.Width,
		Height:   c.Render.Height,
	}
}
