package speed

import (
	"fmt"
	"math"
	"strings"
)

// Category is a speed band a sample falls into
type Category int

const (
	Stationary Category = iota
	Slow
	City
	Highway
	HighSpeed
	// NoData marks samples without a usable speed. It is not part of the
	// Stationary..HighSpeed ordering.
	NoData
)

// Ordered lists the ordered categories from slowest to fastest
var Ordered = []Category{Stationary, Slow, City, Highway, HighSpeed}

// All lists every category including NoData
var All = []Category{Stationary, Slow, City, Highway, HighSpeed, NoData}

var categoryNames = map[Category]string{
	Stationary: "STATIONARY",
	Slow:       "SLOW",
	City:       "CITY",
	Highway:    "HIGHWAY",
	HighSpeed:  "HIGH_SPEED",
	NoData:     "NO_DATA",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	return c >= Stationary && c <= NoData
}

// Comparable reports whether c takes part in the speed ordering
func (c Category) Comparable() bool {
	return c >= Stationary && c <= HighSpeed
}

// ParseCategory converts a category name back into a Category
func ParseCategory(s string) (Category, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for c, n := range categoryNames {
		if n == name {
			return c, nil
		}
	}
	return NoData, fmt.Errorf("unknown speed category: %q", s)
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid speed category %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Thresholds are the inclusive upper bounds (km/h) of each band below HighSpeed
type Thresholds struct {
	Stationary float64 `json:"stationary" koanf:"stationary"`
	Slow       float64 `json:"slow" koanf:"slow"`
	City       float64 `json:"city" koanf:"city"`
	Highway    float64 `json:"highway" koanf:"highway"`
}

// DefaultThresholds returns the 0/20/50/90 km/h bands
func DefaultThresholds() Thresholds {
	return Thresholds{Stationary: 0, Slow: 20, City: 50, Highway: 90}
}

// Validate checks that thresholds are finite and strictly ascending
func (t Thresholds) Validate() error {
	bounds := []float64{t.Stationary, t.Slow, t.City, t.Highway}
	for i, b := range bounds {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return fmt.Errorf("speed threshold %d is not finite", i)
		}
		if i > 0 && b <= bounds[i-1] {
			return fmt.Errorf("speed thresholds must be strictly ascending, got %v", bounds)
		}
	}
	return nil
}

// Classifier maps a speed reading and ignition state to a Category
type Classifier struct {
	thresholds Thresholds
	palette    Palette
}

// NewClassifier creates a classifier with the given bands and palette
func NewClassifier(t Thresholds, p Palette) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{thresholds: t, palette: p.withDefaults()}, nil
}

// Default returns a classifier using the default bands and palette
func Default() *Classifier {
	return &Classifier{thresholds: DefaultThresholds(), palette: DefaultPalette()}
}

// Thresholds returns the configured bands
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Classify returns the category for a reading. Ignition off always yields
// Stationary; a nil or non-finite speed yields NoData.
func (c *Classifier) Classify(speedKmh *float64, ignitionOn bool) Category {
	if !ignitionOn {
		return Stationary
	}
	if speedKmh == nil {
		return NoData
	}
	return c.ClassifyValue(*speedKmh)
}

// ClassifyValue classifies a bare speed with the ignition on
func (c *Classifier) ClassifyValue(v float64) Category {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return NoData
	}
	switch {
	case v <= c.thresholds.Stationary:
		return Stationary
	case v <= c.thresholds.Slow:
		return Slow
	case v <= c.thresholds.City:
		return City
	case v <= c.thresholds.Highway:
		return Highway
	default:
		return HighSpeed
	}
}

// Color returns the display colour of a category
func (c *Classifier) Color(cat Category) string {
	return c.palette.style(cat).Color
}

// Label returns the display label of a category
func (c *Classifier) Label(cat Category) string {
	return c.palette.style(cat).Label
}

var defaultClassifier = Default()

// Classify classifies with the default bands
func Classify(speedKmh *float64, ignitionOn bool) Category {
	return defaultClassifier.Classify(speedKmh, ignitionOn)
}
