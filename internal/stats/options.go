package stats

import (
	"fmt"
	"math"
	"time"
)

// DistancePolicy selects how the distance of a sample pair is estimated
type DistancePolicy string

const (
	// SpeedWithFallback uses speed x time when the speed is present and the
	// ignition is on, and the great-circle distance of the pair otherwise.
	SpeedWithFallback DistancePolicy = "speed_with_fallback"
	// SpeedOnly uses speed x time and counts pairs without a speed as zero.
	SpeedOnly DistancePolicy = "speed_only"
	// Geometric always uses the great-circle distance of the pair.
	Geometric DistancePolicy = "geometric"
)

// ParseDistancePolicy validates a policy name
func ParseDistancePolicy(s string) (DistancePolicy, error) {
	switch p := DistancePolicy(s); p {
	case SpeedWithFallback, SpeedOnly, Geometric:
		return p, nil
	case "":
		return SpeedWithFallback, nil
	default:
		return "", fmt.Errorf("unknown distance policy: %q", s)
	}
}

// Options tune stop and violation detection
type Options struct {
	SpeedLimitKmh        float64
	MinStopDuration      time.Duration
	MinViolationDuration time.Duration
	MovingSpeedKmh       float64
	DistancePolicy       DistancePolicy
}

// DefaultOptions returns a 90 km/h limit, 30s minimum stop and the
// speed-with-fallback distance policy
func DefaultOptions() Options {
	return Options{
		SpeedLimitKmh:        90,
		MinStopDuration:      30 * time.Second,
		MinViolationDuration: 0,
		MovingSpeedKmh:       5,
		DistancePolicy:       SpeedWithFallback,
	}
}

// Validate checks option ranges
func (o Options) Validate() error {
	if math.IsNaN(o.SpeedLimitKmh) || math.IsInf(o.SpeedLimitKmh, 0) || o.SpeedLimitKmh <= 0 {
		return fmt.Errorf("speed limit must be a positive number, got %v", o.SpeedLimitKmh)
	}
	if math.IsNaN(o.MovingSpeedKmh) || o.MovingSpeedKmh < 0 {
		return fmt.Errorf("moving speed must not be negative, got %v", o.MovingSpeedKmh)
	}
	if o.MinStopDuration < 0 || o.MinViolationDuration < 0 {
		return fmt.Errorf("minimum durations must not be negative")
	}
	if _, err := ParseDistancePolicy(string(o.DistancePolicy)); err != nil {
		return err
	}
	return nil
}
