package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"fleet-replay/internal/playback"
	"fleet-replay/internal/speed"
	"fleet-replay/internal/stats"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset
var DefaultConfigPaths = []string{
	"fleet-replay.yaml",
	"fleet-replay.yml",
	"/etc/fleet-replay/config.yaml",
}

const (
	// ConfigPathEnvVar overrides the config file location
	ConfigPathEnvVar = "CONFIG_PATH"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "FLEET_"
)

func defaultConfig() *Config {
	opts := stats.DefaultOptions()
	return &Config{
		Database: DatabaseConfig{
			Path: "fleet_telemetry.db",
		},
		Server: ServerConfig{
			Host:            "",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimitRPS:    20,
			RateLimitBurst:  40,
			WebDir:          "./web/",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Analysis: AnalysisConfig{
			Thresholds:           speed.DefaultThresholds(),
			SpeedLimitKmh:        opts.SpeedLimitKmh,
			MinStopDuration:      opts.MinStopDuration,
			MinViolationDuration: opts.MinViolationDuration,
			MovingSpeedKmh:       opts.MovingSpeedKmh,
			DistancePolicy:       string(opts.DistancePolicy),
			CacheMaxRoutes:       256,
		},
		Playback: playback.DefaultConfig(),
		Timeline: TimelineConfig{
			Layout:     "15:04:05",
			MaxMarkers: 20,
		},
	}
}

// Default returns the built-in configuration
func Default() *Config {
	return defaultConfig()
}

// Load builds the configuration. Later sources win: defaults, YAML file,
// then environment. A .env file in the working directory is read first
// and never overrides variables that are already set.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(findConfigFile())
}

// LoadFile is Load with an explicit YAML path
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load()
	return load(path)
}

func load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths accept comma-separated values from the environment
var sliceConfigPaths = []string{
	"playback.rates",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"db_path": "database.path",

	"http_host":           "server.host",
	"http_port":           "server.port",
	"http_read_timeout":   "server.read_timeout",
	"http_write_timeout":  "server.write_timeout",
	"shutdown_timeout":    "server.shutdown_timeout",
	"rate_limit_rps":      "server.rate_limit_rps",
	"rate_limit_burst":    "server.rate_limit_burst",
	"rate_limit_disabled": "server.rate_limit_disabled",
	"web_dir":             "server.web_dir",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"speed_stationary_kmh":   "analysis.thresholds.stationary",
	"speed_slow_kmh":         "analysis.thresholds.slow",
	"speed_city_kmh":         "analysis.thresholds.city",
	"speed_highway_kmh":      "analysis.thresholds.highway",
	"speed_limit_kmh":        "analysis.speed_limit_kmh",
	"min_stop_duration":      "analysis.min_stop_duration",
	"min_violation_duration": "analysis.min_violation_duration",
	"moving_speed_kmh":       "analysis.moving_speed_kmh",
	"distance_policy":        "analysis.distance_policy",
	"cache_max_routes":       "analysis.cache_max_routes",

	"playback_interval":     "playback.base_interval",
	"playback_rates":        "playback.rates",
	"playback_min_rate":     "playback.min_rate",
	"playback_max_rate":     "playback.max_rate",
	"playback_initial_rate": "playback.initial_rate",

	"timezone":           "timeline.timezone",
	"timeline_layout":    "timeline.layout",
	"timeline_max_ticks": "timeline.max_markers",
}

// envTransformFunc maps FLEET_* variables onto config keys. Unmapped
// variables are dropped.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
