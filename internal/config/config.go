// Package config loads fleet-replay settings from defaults, an optional
// YAML file and FLEET_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"fleet-replay/internal/logging"
	"fleet-replay/internal/playback"
	"fleet-replay/internal/speed"
	"fleet-replay/internal/stats"
	"fleet-replay/internal/timeline"
	"fleet-replay/internal/validation"
)

// Config is the root configuration
type Config struct {
	Database DatabaseConfig  `koanf:"database"`
	Server   ServerConfig    `koanf:"server"`
	Logging  LoggingConfig   `koanf:"logging"`
	Analysis AnalysisConfig  `koanf:"analysis"`
	Playback playback.Config `koanf:"playback"`
	Timeline TimelineConfig  `koanf:"timeline"`
}

// DatabaseConfig points at the SQLite telemetry store
type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout       time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout      time.Duration `koanf:"write_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	RateLimitRPS      float64       `koanf:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst    int           `koanf:"rate_limit_burst" validate:"gte=0"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	WebDir            string        `koanf:"web_dir"`
}

// Addr returns host:port for net/http
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig selects level and output format
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Logger converts the section into a logging.Config
func (l LoggingConfig) Logger() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = l.Level
	cfg.Format = l.Format
	cfg.Caller = l.Caller
	return cfg
}

// AnalysisConfig tunes speed classification and route statistics.
// Colors and Labels are keyed by category name, e.g. HIGH_SPEED.
type AnalysisConfig struct {
	Thresholds           speed.Thresholds  `koanf:"thresholds"`
	Colors               map[string]string `koanf:"colors"`
	Labels               map[string]string `koanf:"labels"`
	SpeedLimitKmh        float64           `koanf:"speed_limit_kmh" validate:"gt=0"`
	MinStopDuration      time.Duration     `koanf:"min_stop_duration" validate:"gte=0"`
	MinViolationDuration time.Duration     `koanf:"min_violation_duration" validate:"gte=0"`
	MovingSpeedKmh       float64           `koanf:"moving_speed_kmh" validate:"gte=0"`
	DistancePolicy       string            `koanf:"distance_policy" validate:"oneof=speed_with_fallback speed_only geometric"`
	CacheMaxRoutes       int64             `koanf:"cache_max_routes" validate:"gte=0"`
}

// Palette merges the configured colours and labels over the defaults
func (a AnalysisConfig) Palette() (speed.Palette, error) {
	p := speed.DefaultPalette()
	for name, color := range a.Colors {
		cat, err := speed.ParseCategory(strings.ToUpper(name))
		if err != nil {
			return nil, fmt.Errorf("analysis.colors: %w", err)
		}
		st := p[cat]
		st.Color = color
		p[cat] = st
	}
	for name, label := range a.Labels {
		cat, err := speed.ParseCategory(strings.ToUpper(name))
		if err != nil {
			return nil, fmt.Errorf("analysis.labels: %w", err)
		}
		st := p[cat]
		st.Label = label
		p[cat] = st
	}
	return p, nil
}

// Classifier builds the speed classifier described by the section
func (a AnalysisConfig) Classifier() (*speed.Classifier, error) {
	p, err := a.Palette()
	if err != nil {
		return nil, err
	}
	return speed.NewClassifier(a.Thresholds, p)
}

// StatsOptions converts the section into aggregator options
func (a AnalysisConfig) StatsOptions() (stats.Options, error) {
	policy, err := stats.ParseDistancePolicy(a.DistancePolicy)
	if err != nil {
		return stats.Options{}, err
	}
	opts := stats.Options{
		SpeedLimitKmh:        a.SpeedLimitKmh,
		MinStopDuration:      a.MinStopDuration,
		MinViolationDuration: a.MinViolationDuration,
		MovingSpeedKmh:       a.MovingSpeedKmh,
		DistancePolicy:       policy,
	}
	return opts, opts.Validate()
}

// Aggregator builds the statistics aggregator described by the section
func (a AnalysisConfig) Aggregator() (*stats.Aggregator, error) {
	classifier, err := a.Classifier()
	if err != nil {
		return nil, err
	}
	opts, err := a.StatsOptions()
	if err != nil {
		return nil, err
	}
	return stats.New(classifier, opts)
}

// TimelineConfig controls timestamp labels and marker density
type TimelineConfig struct {
	Timezone   string `koanf:"timezone"`
	Layout     string `koanf:"layout"`
	MaxMarkers int    `koanf:"max_markers" validate:"gte=0"`
}

// Options resolves the timezone into timeline options. An empty
// timezone means UTC.
func (t TimelineConfig) Options() (timeline.Options, error) {
	loc := time.UTC
	if t.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(t.Timezone)
		if err != nil {
			return timeline.Options{}, fmt.Errorf("timeline.timezone: %w", err)
		}
	}
	return timeline.Options{Location: loc, Layout: t.Layout}, nil
}

// Validate runs struct tag checks and the cross-field checks owned by
// each domain package
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}
	if err := c.Analysis.Thresholds.Validate(); err != nil {
		return fmt.Errorf("analysis.thresholds: %w", err)
	}
	if _, err := c.Analysis.Palette(); err != nil {
		return err
	}
	if _, err := c.Analysis.StatsOptions(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	if _, err := c.Timeline.Options(); err != nil {
		return err
	}
	return nil
}
