package stats

import (
	"time"

	"fleet-replay/internal/geo"
	"fleet-replay/internal/speed"
)

// StopType groups stops by how long the vehicle stood still
type StopType string

const (
	StopShort     StopType = "short"
	StopLong      StopType = "long"      // over 2h
	StopOvernight StopType = "overnight" // over 8h
)

func stopTypeFor(d time.Duration) StopType {
	switch {
	case d > 8*time.Hour:
		return StopOvernight
	case d > 2*time.Hour:
		return StopLong
	default:
		return StopShort
	}
}

// Stop is an interval during which the vehicle was classified Stationary.
// EndIndex is the sample that left the stationary state, or the last
// sample when the route ended stopped.
type Stop struct {
	StartIndex  int           `json:"start_index"`
	EndIndex    int           `json:"end_index"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Duration    time.Duration `json:"duration"`
	Position    geo.Point     `json:"position"`
	Center      geo.Point     `json:"center"`
	SampleCount int           `json:"sample_count"`
	Type        StopType      `json:"type"`
}

// Violation is an interval where the reported speed stayed above the limit
type Violation struct {
	StartIndex   int           `json:"start_index"`
	EndIndex     int           `json:"end_index"`
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	Duration     time.Duration `json:"duration"`
	LimitKmh     float64       `json:"limit_kmh"`
	PeakSpeedKmh float64       `json:"peak_speed_kmh"`
	PeakIndex    int           `json:"peak_index"`
	PeakPosition geo.Point     `json:"peak_position"`
}

// Event is a sample whose status flags carry an event name
type Event struct {
	Index    int       `json:"index"`
	Time     time.Time `json:"time"`
	Name     string    `json:"name"`
	Position geo.Point `json:"position"`
}

// Snapshot is the immutable aggregate over one route
type Snapshot struct {
	SampleCount      int       `json:"sample_count"`
	ValidSampleCount int       `json:"valid_sample_count"`
	DataQuality      float64   `json:"data_quality"` // percent of well-formed samples
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`

	TotalDistanceKm float64       `json:"total_distance_km"`
	TotalDuration   time.Duration `json:"total_duration"`

	TimeByCategory     map[speed.Category]time.Duration `json:"time_by_category"`
	DistanceByCategory map[speed.Category]float64       `json:"distance_by_category"`

	MovingDuration        time.Duration `json:"moving_duration"`
	MovingDistanceKm      float64       `json:"moving_distance_km"`
	StoppedDuration       time.Duration `json:"stopped_duration"`
	MaxSpeedKmh           float64       `json:"max_speed_kmh"`
	AverageSpeedKmh       float64       `json:"average_speed_kmh"`
	MovingAverageSpeedKmh float64       `json:"moving_average_speed_kmh"`

	Stops      []Stop      `json:"stops"`
	Violations []Violation `json:"violations"`
	Events     []Event     `json:"events"`
	Bounds     *geo.Bounds `json:"bounds,omitempty"`

	EstimatedFuelLitres float64 `json:"estimated_fuel_litres"`
	CO2Kg               float64 `json:"co2_kg"`
}

func newSnapshot(n int) *Snapshot {
	s := &Snapshot{
		SampleCount:        n,
		TimeByCategory:     make(map[speed.Category]time.Duration, len(speed.All)),
		DistanceByCategory: make(map[speed.Category]float64, len(speed.All)),
		Stops:              []Stop{},
		Violations:         []Violation{},
		Events:             []Event{},
	}
	for _, c := range speed.All {
		s.TimeByCategory[c] = 0
		s.DistanceByCategory[c] = 0
	}
	return s
}

// CategoryTimeSum returns the sum of all per-category durations
func (s *Snapshot) CategoryTimeSum() time.Duration {
	var total time.Duration
	for _, c := range speed.All {
		total += s.TimeByCategory[c]
	}
	return total
}

// fuelRate is litres per 100 km for a given mean speed
func fuelRate(avgKmh float64) float64 {
	switch {
	case avgKmh < 30:
		return 12
	case avgKmh < 60:
		return 8
	case avgKmh < 90:
		return 7
	default:
		return 9
	}
}

// co2PerKm is the kg of CO2 emitted per km by an average car
const co2PerKm = 0.2
