package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/shotmon/internal/config"
	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/telemetry"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shotmon.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
status_interval = "2s"
pid_file = "/tmp/shotmon-test.pid"

[ingest]
reference_channel = "pd"
channels = ["pd", "bpm"]
grab_size = 30
acquisition_rate = 60
capacity = 500

[[ingest.rois]]
name = "spot"
detector = "MPCCD-1"
x1 = 10
x2 = 20
y1 = 30
y2 = 40

[worker]
detector = "MPCCD-1"
delay_offset = 1.5
queue_size = 8

[worker.mask]
x1 = 1
x2 = 5
y1 = 2
y2 = 6

[binning]
start = -1
end = 1
bins = 20

[metrics]
enabled = true
db_path = "/tmp/shotmon-test.db"
`)
	t.Setenv("SHOTMON_CONFIG", path)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.StatusInterval)
	assert.Equal(t, "/tmp/shotmon-test.pid", cfg.PIDFile)
	assert.Equal(t, "pd", cfg.Ingest.ReferenceChannel)
	assert.Equal(t, []string{"pd", "bpm"}, cfg.Ingest.Channels)
	assert.Equal(t, []telemetry.ROI{{Name: "spot", Detector: "MPCCD-1", X1: 10, X2: 20, Y1: 30, Y2: 40}}, cfg.Ingest.ROIs)
	assert.Equal(t, 30, cfg.Ingest.GrabSize)
	assert.InDelta(t, 60.0, cfg.Ingest.AcquisitionRate, 0)
	assert.Equal(t, 500, cfg.Ingest.Capacity)
	assert.Equal(t, config.MaskConfig{X1: 1, X2: 5, Y1: 2, Y2: 6}, cfg.Worker.Mask)
	assert.Equal(t, 8, cfg.Worker.QueueSize)
	assert.Equal(t, 20, cfg.Binning.Bins)
	assert.True(t, cfg.Metrics.Enabled)

	ic := cfg.IngestConfig()
	assert.InDelta(t, 31.0/60.0, ic.MinCycle().Seconds(), 1e-6)

	wc := cfg.WorkerConfig()
	assert.InDelta(t, 0.1, wc.BeamFloor, 0)
	assert.InDelta(t, 100*6.666e-3-1.5, wc.Delay(100), 1e-12)

	axis, err := cfg.Axis()
	require.NoError(t, err)
	assert.Equal(t, 20, axis.Bins())
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SHOTMON_CONFIG", "")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, config.DefaultStatusInterval, cfg.StatusInterval)
	assert.Equal(t, 120, cfg.Ingest.GrabSize)
	assert.InDelta(t, 30.0, cfg.Ingest.AcquisitionRate, 0)
	assert.Equal(t, config.DefaultCapacity, cfg.Ingest.Capacity)
	assert.Equal(t, "MPCCD-1", cfg.Worker.Detector)
	assert.True(t, cfg.Worker.Enabled)
	assert.Len(t, cfg.Ingest.ROIs, 1)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/var/lib/shotmon/metrics.db", cfg.Metrics.DBPath)
	assert.InDelta(t, telemetry.DefaultThreshold, cfg.Source.Threshold, 1e-12)
	assert.Less(t, cfg.Binning.Start, cfg.Binning.End)
	assert.Equal(t, "simulator", cfg.Source.Kind)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	t.Setenv("SHOTMON_CONFIG", writeConfig(t, "This is not a valid TOML file\n"))

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("SHOTMON_CONFIG", "")

	_, err := config.Load(nil, config.WithConfigFile(filepath.Join(t.TempDir(), "absent.toml")))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	t.Setenv("SHOTMON_CONFIG", writeConfig(t, `log_level = "invalid"`))

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestInvalidBinning(t *testing.T) {
	t.Setenv("SHOTMON_CONFIG", writeConfig(t, "[binning]\nstart = 2\nend = 1\n"))

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
}

func TestLogLevelFlag(t *testing.T) {
	t.Setenv("SHOTMON_CONFIG", writeConfig(t, `log_level = "error"`))

	cfg, err := config.Load([]string{"--log-level", "debug", "--grab-size", "12", "--png", "/tmp/out.png"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "Expected LogLevel to be set by flag")
	assert.Equal(t, 12, cfg.Ingest.GrabSize)
	assert.Equal(t, "/tmp/out.png", cfg.RenderConfig().PNGPath)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SHOTMON_CONFIG", writeConfig(t, "[ingest]\ngrab_size = 40\n"))
	t.Setenv("SHOTMON_INGEST_GRAB_SIZE", "50")

	cfg, err := config.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Ingest.GrabSize)
}

func TestHelpFlag(t *testing.T) {
	_, err := config.Load([]string{"--help"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pflag.ErrHelp))
	assert.Contains(t, config.Usage(), "--grab-size")
}
