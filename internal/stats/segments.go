package stats

import (
	"time"

	"fleet-replay/internal/geo"
	"fleet-replay/internal/models"
	"fleet-replay/internal/speed"
)

// Segment is one leg between two consecutive well-formed samples,
// coloured by the category of its first sample
type Segment struct {
	FromIndex  int            `json:"from_index"`
	ToIndex    int            `json:"to_index"`
	From       geo.Point      `json:"from"`
	To         geo.Point      `json:"to"`
	Category   speed.Category `json:"category"`
	Color      string         `json:"color"`
	SpeedKmh   *float64       `json:"speed_kmh,omitempty"`
	DistanceKm float64        `json:"distance_km"`
	Bearing    float64        `json:"bearing"`
	Duration   time.Duration  `json:"duration"`
}

// Segments splits a route into speed-coloured legs for map renderers.
// Distances here are always geometric.
func (a *Aggregator) Segments(samples []models.Sample) []Segment {
	segments := make([]Segment, 0, len(samples))
	for i := 0; i+1 < len(samples); i++ {
		cur, next := &samples[i], &samples[i+1]
		if !wellFormed(cur) || !wellFormed(next) {
			continue
		}
		dt := next.Timestamp.Sub(cur.Timestamp)
		if dt < 0 {
			dt = 0
		}
		cat := a.classifier.Classify(cur.SpeedKmh, cur.Ignition())
		segments = append(segments, Segment{
			FromIndex:  i,
			ToIndex:    i + 1,
			From:       pointOf(cur),
			To:         pointOf(next),
			Category:   cat,
			Color:      a.classifier.Color(cat),
			SpeedKmh:   cur.SpeedKmh,
			DistanceKm: geo.DistanceKm(cur.Latitude, cur.Longitude, next.Latitude, next.Longitude),
			Bearing:    geo.Bearing(cur.Latitude, cur.Longitude, next.Latitude, next.Longitude),
			Duration:   dt,
		})
	}
	return segments
}

// PointView is the display data of a single sample
type PointView struct {
	Index     int            `json:"index"`
	Timestamp time.Time      `json:"timestamp"`
	Position  geo.Point      `json:"position"`
	SpeedKmh  *float64       `json:"speed_kmh,omitempty"`
	Category  speed.Category `json:"category"`
	Color     string         `json:"color"`
	Label     string         `json:"label"`
	Event     string         `json:"event,omitempty"`
	Valid     bool           `json:"valid"`
}

// Annotate classifies every sample for point lists and scrub bars
func (a *Aggregator) Annotate(samples []models.Sample) []PointView {
	views := make([]PointView, len(samples))
	for i := range samples {
		s := &samples[i]
		cat := a.classifier.Classify(s.SpeedKmh, s.Ignition())
		views[i] = PointView{
			Index:     i,
			Timestamp: s.Timestamp,
			Position:  pointOf(s),
			SpeedKmh:  s.SpeedKmh,
			Category:  cat,
			Color:     a.classifier.Color(cat),
			Label:     a.classifier.Label(cat),
			Event:     s.EventName(),
			Valid:     wellFormed(s),
		}
	}
	return views
}
