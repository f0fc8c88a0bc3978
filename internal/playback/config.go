package playback

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Config holds the playback timing settings
type Config struct {
	BaseInterval time.Duration `koanf:"base_interval" validate:"gt=0"`
	Rates        []float64     `koanf:"rates"`
	MinRate      float64       `koanf:"min_rate" validate:"gt=0"`
	MaxRate      float64       `koanf:"max_rate" validate:"gtefield=MinRate"`
	InitialRate  float64       `koanf:"initial_rate"`
}

// DefaultConfig advances one sample per second at 1x, with 0.5x-4x presets
func DefaultConfig() Config {
	return Config{
		BaseInterval: time.Second,
		Rates:        []float64{0.5, 1, 2, 4},
		MinRate:      0.25,
		MaxRate:      16,
		InitialRate:  1,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate checks intervals and rate bounds
func (c Config) Validate() error {
	if c.BaseInterval <= 0 {
		return fmt.Errorf("base interval must be positive, got %s", c.BaseInterval)
	}
	if !finite(c.MinRate) || !finite(c.MaxRate) || c.MinRate <= 0 || c.MaxRate < c.MinRate {
		return fmt.Errorf("invalid rate bounds [%v, %v]", c.MinRate, c.MaxRate)
	}
	if !c.allows(c.InitialRate) {
		return fmt.Errorf("initial rate %v outside [%v, %v]", c.InitialRate, c.MinRate, c.MaxRate)
	}
	for _, r := range c.Rates {
		if !c.allows(r) {
			return fmt.Errorf("rate preset %v outside [%v, %v]", r, c.MinRate, c.MaxRate)
		}
	}
	return nil
}

func (c Config) allows(rate float64) bool {
	return finite(rate) && rate > 0 && rate >= c.MinRate && rate <= c.MaxRate
}

func (c Config) sortedRates() []float64 {
	rates := append([]float64(nil), c.Rates...)
	sort.Float64s(rates)
	return rates
}
