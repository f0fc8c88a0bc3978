package geo

import "github.com/golang/geo/s2"

// Bounds is the bounding box of a set of points
type Bounds struct {
	North  float64 `json:"north"`
	South  float64 `json:"south"`
	East   float64 `json:"east"`
	West   float64 `json:"west"`
	Center Point   `json:"center"`
}

// BoundsBuilder accumulates points into a lat/lng rectangle
type BoundsBuilder struct {
	rect  s2.Rect
	count int
}

// NewBoundsBuilder returns an empty builder
func NewBoundsBuilder() *BoundsBuilder {
	return &BoundsBuilder{rect: s2.EmptyRect()}
}

// Add extends the rectangle with a point. Invalid coordinates are ignored.
func (b *BoundsBuilder) Add(lat, lon float64) {
	if !ValidCoordinate(lat, lon) {
		return
	}
	b.rect = b.rect.AddPoint(s2.LatLngFromDegrees(lat, lon))
	b.count++
}

// Count returns how many points were added
func (b *BoundsBuilder) Count() int {
	return b.count
}

// Bounds returns the accumulated box, or nil if no point was added
func (b *BoundsBuilder) Bounds() *Bounds {
	if b.count == 0 || b.rect.IsEmpty() {
		return nil
	}
	lo, hi := b.rect.Lo(), b.rect.Hi()
	center := b.rect.Center()
	return &Bounds{
		North:  hi.Lat.Degrees(),
		South:  lo.Lat.Degrees(),
		East:   hi.Lng.Degrees(),
		West:   lo.Lng.Degrees(),
		Center: Point{Lat: center.Lat.Degrees(), Lng: center.Lng.Degrees()},
	}
}
