package models

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Sample represents a single GPS fix reported by a vehicle
type Sample struct {
	ID          int64     `json:"id"`
	VehicleID   string    `json:"vehicle_id" validate:"required,max=64"`
	Timestamp   time.Time `json:"timestamp"`
	Latitude    float64   `json:"latitude" validate:"latitude"`
	Longitude   float64   `json:"longitude" validate:"longitude"`
	SpeedKmh    *float64  `json:"speed_kmh,omitempty"`   // nil when the device sent no speed
	IgnitionOn  *bool     `json:"ignition_on,omitempty"` // nil is treated as on
	Heading     float64   `json:"heading"`               // degrees
	OdometerKM  float64   `json:"odometer_km,omitempty"`
	FuelLevel   float64   `json:"fuel_level,omitempty" validate:"gte=0,lte=100"` // percentage
	StatusFlags string    `json:"status_flags,omitempty"`
}

// Ignition reports the ignition state, defaulting to on when unknown
func (s *Sample) Ignition() bool {
	return s.IgnitionOn == nil || *s.IgnitionOn
}

// HasSpeed reports whether the sample carries a finite speed
func (s *Sample) HasSpeed() bool {
	return s.SpeedKmh != nil && !math.IsNaN(*s.SpeedKmh) && !math.IsInf(*s.SpeedKmh, 0)
}

// Speed returns the reported speed, or 0 when absent
func (s *Sample) Speed() float64 {
	if !s.HasSpeed() {
		return 0
	}
	return *s.SpeedKmh
}

// EventName extracts the EventName=... entry from the status flags
func (s *Sample) EventName() string {
	for _, part := range strings.Split(s.StatusFlags, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && key == "EventName" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// Float returns a pointer to v, for optional speed fields
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v, for optional ignition fields
func Bool(v bool) *bool { return &v }

// Route is the time-ordered sample sequence of one vehicle over one range
type Route struct {
	VehicleID string    `json:"vehicle_id"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Samples   []Sample  `json:"samples"`
}

// Len returns the number of samples
func (r *Route) Len() int {
	return len(r.Samples)
}

// Sort orders samples by timestamp, keeping the arrival order of ties
func (r *Route) Sort() {
	sort.SliceStable(r.Samples, func(i, j int) bool {
		return r.Samples[i].Timestamp.Before(r.Samples[j].Timestamp)
	})
}

// Vehicle represents a fleet vehicle
type Vehicle struct {
	ID           string    `json:"id" validate:"required,max=64"`
	Name         string    `json:"name" validate:"required"`
	LicensePlate string    `json:"license_plate" validate:"required"`
	VehicleType  string    `json:"vehicle_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// TelemetryQuery represents query parameters for telemetry searches
type TelemetryQuery struct {
	VehicleID string
	StartTime time.Time
	EndTime   time.Time
	MinSpeed  float64
	MaxSpeed  float64
	Ascending bool
	Limit     int
	Offset    int
}

// TelemetrySummary provides raw per-vehicle aggregates straight from the store
type TelemetrySummary struct {
	VehicleID    string    `json:"vehicle_id"`
	TotalRecords int       `json:"total_records"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	AvgSpeed     float64   `json:"avg_speed"`
	MaxSpeed     float64   `json:"max_speed"`
	OdometerKM   float64   `json:"odometer_km"`
}
