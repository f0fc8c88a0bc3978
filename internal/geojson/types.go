package geojson

// GeoJSON types (RFC 7946). Positions are [lng, lat].
type FeatureCollection struct {
	Type     string                 `json:"type"`
	Features []Feature              `json:"features"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type Feature struct {
	Type       string                 `json:"type"`
	Geometry   Geometry               `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

// Geometry holds a Position for points and []Position for line strings
type Geometry struct {
	Type        string      `json:"type"`
	Coordinates interface{} `json:"coordinates"`
}

type Position []float64

const (
	TypeFeatureCollection = "FeatureCollection"
	TypeFeature           = "Feature"
	TypePoint             = "Point"
	TypeLineString        = "LineString"
)

// Feature kinds, stored in the "kind" property
const (
	KindSegment   = "segment"
	KindStop      = "stop"
	KindViolation = "violation"
	KindEvent     = "event"
)

// Options selects which layers are exported
type Options struct {
	// MergeSegments joins contiguous legs of the same category into one
	// LineString
	MergeSegments     bool
	IncludeStops      bool
	IncludeViolations bool
	IncludeEvents     bool
}

// DefaultOptions exports every layer with merged segments
func DefaultOptions() Options {
	return Options{MergeSegments: true, IncludeStops: true, IncludeViolations: true, IncludeEvents: true}
}
