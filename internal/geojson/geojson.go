package geojson

import (
	"math"
	"time"

	"fleet-replay/internal/geo"
	"fleet-replay/internal/stats"
)

// Build converts speed segments and a route snapshot into a
// FeatureCollection. snap may be nil when only the track is wanted.
func Build(vehicleID string, segments []stats.Segment, snap *stats.Snapshot, opts Options) *FeatureCollection {
	fc := &FeatureCollection{
		Type:     TypeFeatureCollection,
		Features: []Feature{},
		Metadata: map[string]interface{}{"vehicle_id": vehicleID},
	}

	for _, run := range group(segments, opts.MergeSegments) {
		fc.Features = append(fc.Features, lineFeature(run))
	}

	if snap == nil {
		return fc
	}

	fc.Metadata["total_distance_km"] = round(snap.TotalDistanceKm, 3)
	fc.Metadata["sample_count"] = snap.SampleCount
	if snap.Bounds != nil {
		b := snap.Bounds
		fc.Metadata["bbox"] = []float64{b.West, b.South, b.East, b.North}
	}

	if opts.IncludeStops {
		for _, st := range snap.Stops {
			fc.Features = append(fc.Features, pointFeature(st.Position, map[string]interface{}{
				"kind":         KindStop,
				"start":        st.Start.Format(time.RFC3339),
				"end":          st.End.Format(time.RFC3339),
				"duration_s":   st.Duration.Seconds(),
				"duration":     stats.FormatDuration(st.Duration),
				"stop_type":    string(st.Type),
				"start_index":  st.StartIndex,
				"end_index":    st.EndIndex,
				"sample_count": st.SampleCount,
			}))
		}
	}
	if opts.IncludeViolations {
		for _, v := range snap.Violations {
			fc.Features = append(fc.Features, pointFeature(v.PeakPosition, map[string]interface{}{
				"kind":           KindViolation,
				"start":          v.Start.Format(time.RFC3339),
				"end":            v.End.Format(time.RFC3339),
				"duration_s":     v.Duration.Seconds(),
				"limit_kmh":      v.LimitKmh,
				"peak_speed_kmh": v.PeakSpeedKmh,
				"peak_index":     v.PeakIndex,
			}))
		}
	}
	if opts.IncludeEvents {
		for _, e := range snap.Events {
			fc.Features = append(fc.Features, pointFeature(e.Position, map[string]interface{}{
				"kind":  KindEvent,
				"name":  e.Name,
				"time":  e.Time.Format(time.RFC3339),
				"index": e.Index,
			}))
		}
	}
	return fc
}

// group splits segments into runs that become one LineString each. A run
// breaks on a category change or a gap left by a malformed sample.
func group(segments []stats.Segment, merge bool) [][]stats.Segment {
	var runs [][]stats.Segment
	for i, seg := range segments {
		if merge && i > 0 {
			last := runs[len(runs)-1]
			prev := last[len(last)-1]
			if prev.Category == seg.Category && prev.ToIndex == seg.FromIndex {
				runs[len(runs)-1] = append(last, seg)
				continue
			}
		}
		runs = append(runs, []stats.Segment{seg})
	}
	return runs
}

func lineFeature(run []stats.Segment) Feature {
	coords := make([]Position, 0, len(run)+1)
	coords = append(coords, position(run[0].From))
	var distance float64
	var duration time.Duration
	for _, seg := range run {
		coords = append(coords, position(seg.To))
		distance += seg.DistanceKm
		duration += seg.Duration
	}
	first := run[0]
	return Feature{
		Type:     TypeFeature,
		Geometry: Geometry{Type: TypeLineString, Coordinates: coords},
		Properties: map[string]interface{}{
			"kind":        KindSegment,
			"category":    first.Category.String(),
			"color":       first.Color,
			"from_index":  first.FromIndex,
			"to_index":    run[len(run)-1].ToIndex,
			"distance_km": round(distance, 3),
			"duration_s":  duration.Seconds(),
		},
	}
}

func pointFeature(p geo.Point, props map[string]interface{}) Feature {
	return Feature{
		Type:       TypeFeature,
		Geometry:   Geometry{Type: TypePoint, Coordinates: position(p)},
		Properties: props,
	}
}

func position(p geo.Point) Position {
	return Position{p.Lng, p.Lat}
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
