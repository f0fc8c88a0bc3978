package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-replay/internal/speed"
	"fleet-replay/internal/stats"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet-replay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, speed.DefaultThresholds(), cfg.Analysis.Thresholds)
	assert.Equal(t, 90.0, cfg.Analysis.SpeedLimitKmh)
	assert.Equal(t, 30*time.Second, cfg.Analysis.MinStopDuration)
	assert.Equal(t, time.Second, cfg.Playback.BaseInterval)
	assert.Equal(t, []float64{0.5, 1, 2, 4}, cfg.Playback.Rates)

	opts, err := cfg.Analysis.StatsOptions()
	require.NoError(t, err)
	assert.Equal(t, stats.DefaultOptions(), opts)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeYAML(t, `
server:
  port: 9090
analysis:
  speed_limit_kmh: 110
  min_stop_duration: 2m
  distance_policy: geometric
  colors:
    high_speed: "#000000"
  labels:
    CITY: Urban
playback:
  base_interval: 500ms
  rates: [1, 2, 8]
timeline:
  timezone: Africa/Casablanca
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 110.0, cfg.Analysis.SpeedLimitKmh)
	assert.Equal(t, 2*time.Minute, cfg.Analysis.MinStopDuration)
	assert.Equal(t, 500*time.Millisecond, cfg.Playback.BaseInterval)
	assert.Equal(t, []float64{1, 2, 8}, cfg.Playback.Rates)

	classifier, err := cfg.Analysis.Classifier()
	require.NoError(t, err)
	assert.Equal(t, "#000000", classifier.Color(speed.HighSpeed))
	assert.Equal(t, "Urban", classifier.Label(speed.City))
	assert.Equal(t, speed.DefaultPalette()[speed.Slow].Color, classifier.Color(speed.Slow))

	opts, err := cfg.Timeline.Options()
	require.NoError(t, err)
	assert.Equal(t, "Africa/Casablanca", opts.Location.String())
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeYAML(t, "server:\n  port: 9090\n")
	t.Setenv("FLEET_HTTP_PORT", "7070")
	t.Setenv("FLEET_PLAYBACK_RATES", "0.5, 1,3")
	t.Setenv("FLEET_SPEED_LIMIT_KMH", "80")
	t.Setenv("FLEET_UNRELATED", "ignored")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, []float64{0.5, 1, 3}, cfg.Playback.Rates)
	assert.Equal(t, 80.0, cfg.Analysis.SpeedLimitKmh)
}

func TestConfigPathEnv(t *testing.T) {
	path := writeYAML(t, "logging:\n  level: debug\n")
	t.Setenv(ConfigPathEnvVar, path)
	assert.Equal(t, path, findConfigFile())
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  port: 0\n"},
		{"unordered thresholds", "analysis:\n  thresholds:\n    slow: 60\n    city: 50\n"},
		{"unknown colour key", "analysis:\n  colors:\n    warp: red\n"},
		{"unknown policy", "analysis:\n  distance_policy: straight\n"},
		{"initial rate out of bounds", "playback:\n  initial_rate: 100\n"},
		{"zero interval", "playback:\n  base_interval: 0s\n"},
		{"bad timezone", "timeline:\n  timezone: Mars/Olympus\n"},
		{"bad log format", "logging:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeYAML(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestAggregatorFromConfig(t *testing.T) {
	cfg := Default()
	cfg.Analysis.SpeedLimitKmh = 70
	agg, err := cfg.Analysis.Aggregator()
	require.NoError(t, err)
	assert.Equal(t, 70.0, agg.Options().SpeedLimitKmh)
}
