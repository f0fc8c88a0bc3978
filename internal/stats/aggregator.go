package stats

import (
	"time"

	"fleet-replay/internal/geo"
	"fleet-replay/internal/models"
	"fleet-replay/internal/speed"
)

// Aggregator computes snapshots with a fixed classifier and options.
// It holds no mutable state and may be shared between goroutines.
type Aggregator struct {
	classifier *speed.Classifier
	opts       Options
}

// New creates an aggregator. A nil classifier uses the default bands.
func New(classifier *speed.Classifier, opts Options) (*Aggregator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.DistancePolicy == "" {
		opts.DistancePolicy = SpeedWithFallback
	}
	if classifier == nil {
		classifier = speed.Default()
	}
	return &Aggregator{classifier: classifier, opts: opts}, nil
}

// Options returns the aggregator options
func (a *Aggregator) Options() Options {
	return a.opts
}

// Classifier returns the classifier used for categories
func (a *Aggregator) Classifier() *speed.Classifier {
	return a.classifier
}

var defaultAggregator = &Aggregator{classifier: speed.Default(), opts: DefaultOptions()}

// Aggregate computes a snapshot with default options
func Aggregate(samples []models.Sample) *Snapshot {
	return defaultAggregator.Aggregate(samples)
}

// wellFormed reports whether a sample can take part in aggregation
func wellFormed(s *models.Sample) bool {
	return !s.Timestamp.IsZero() && geo.ValidCoordinate(s.Latitude, s.Longitude)
}

func pointOf(s *models.Sample) geo.Point {
	return geo.Point{Lat: s.Latitude, Lng: s.Longitude}
}

// Aggregate walks the route once and returns its snapshot. Samples are
// expected in time order; negative gaps count as zero. Malformed samples
// contribute nothing to the pairs they belong to and are ignored by stop
// and violation detection, but their speeds still count toward the
// average and maximum.
func (a *Aggregator) Aggregate(samples []models.Sample) *Snapshot {
	snap := newSnapshot(len(samples))
	if len(samples) == 0 {
		return snap
	}

	valid := make([]bool, len(samples))
	bounds := geo.NewBoundsBuilder()
	var speedSum float64
	var speedCount int
	first, last := -1, -1

	for i := range samples {
		s := &samples[i]
		// average and max cover every reported speed, even on a bad fix
		if s.HasSpeed() {
			v := *s.SpeedKmh
			speedSum += v
			speedCount++
			if v > snap.MaxSpeedKmh {
				snap.MaxSpeedKmh = v
			}
		}
		if !wellFormed(s) {
			continue
		}
		valid[i] = true
		snap.ValidSampleCount++
		if first < 0 {
			first = i
		}
		last = i
		bounds.Add(s.Latitude, s.Longitude)

		if name := s.EventName(); name != "" {
			snap.Events = append(snap.Events, Event{Index: i, Time: s.Timestamp, Name: name, Position: pointOf(s)})
		}
	}

	snap.DataQuality = float64(snap.ValidSampleCount) / float64(len(samples)) * 100
	if first >= 0 {
		snap.StartTime = samples[first].Timestamp
		snap.EndTime = samples[last].Timestamp
		snap.Bounds = bounds.Bounds()
	}
	if speedCount > 0 {
		snap.AverageSpeedKmh = speedSum / float64(speedCount)
	}

	for i := 0; i+1 < len(samples); i++ {
		if !valid[i] || !valid[i+1] {
			continue
		}
		cur, next := &samples[i], &samples[i+1]

		dt := next.Timestamp.Sub(cur.Timestamp)
		if dt < 0 {
			dt = 0
		}
		cat := a.classifier.Classify(cur.SpeedKmh, cur.Ignition())
		dist := a.pairDistance(cur, next, dt)

		snap.TimeByCategory[cat] += dt
		snap.DistanceByCategory[cat] += dist
		snap.TotalDuration += dt
		snap.TotalDistanceKm += dist

		if cur.Ignition() && cur.HasSpeed() && *cur.SpeedKmh > a.opts.MovingSpeedKmh {
			snap.MovingDuration += dt
			snap.MovingDistanceKm += dist
		}
	}

	snap.StoppedDuration = snap.TotalDuration - snap.MovingDuration
	if hours := snap.MovingDuration.Hours(); hours > 0 {
		snap.MovingAverageSpeedKmh = snap.MovingDistanceKm / hours
	}
	if snap.TotalDistanceKm > 0 && speedCount > 0 {
		snap.EstimatedFuelLitres = snap.TotalDistanceKm * fuelRate(snap.AverageSpeedKmh) / 100
	}
	snap.CO2Kg = snap.TotalDistanceKm * co2PerKm

	snap.Stops = a.detectStops(samples, valid)
	snap.Violations = a.detectViolations(samples, valid)
	return snap
}

func (a *Aggregator) pairDistance(cur, next *models.Sample, dt time.Duration) float64 {
	speedBased := cur.HasSpeed() && cur.Ignition()

	switch a.opts.DistancePolicy {
	case Geometric:
		return geo.DistanceKm(cur.Latitude, cur.Longitude, next.Latitude, next.Longitude)
	case SpeedOnly:
		if !speedBased {
			return 0
		}
		return estimateKm(*cur.SpeedKmh, dt)
	default:
		if speedBased {
			return estimateKm(*cur.SpeedKmh, dt)
		}
		return geo.DistanceKm(cur.Latitude, cur.Longitude, next.Latitude, next.Longitude)
	}
}

func estimateKm(kmh float64, dt time.Duration) float64 {
	if kmh <= 0 {
		return 0
	}
	return kmh * dt.Seconds() / 3600
}

// detectStops finds maximal Stationary runs. A run ends at the first
// sample with any other category, or at the last sample of the route.
func (a *Aggregator) detectStops(samples []models.Sample, valid []bool) []Stop {
	stops := []Stop{}
	open := -1
	var members []geo.Point

	closeAt := func(end int) {
		start := &samples[open]
		d := samples[end].Timestamp.Sub(start.Timestamp)
		if d > 0 && d >= a.opts.MinStopDuration {
			stops = append(stops, Stop{
				StartIndex:  open,
				EndIndex:    end,
				Start:       start.Timestamp,
				End:         samples[end].Timestamp,
				Duration:    d,
				Position:    pointOf(start),
				Center:      geo.Centroid(members),
				SampleCount: len(members),
				Type:        stopTypeFor(d),
			})
		}
		open = -1
		members = nil
	}

	lastValid := -1
	for i := range samples {
		if !valid[i] {
			continue
		}
		lastValid = i
		s := &samples[i]
		stationary := a.classifier.Classify(s.SpeedKmh, s.Ignition()) == speed.Stationary

		switch {
		case stationary && open < 0:
			open = i
			members = []geo.Point{pointOf(s)}
		case stationary:
			members = append(members, pointOf(s))
		case open >= 0:
			closeAt(i)
		}
	}
	if open >= 0 {
		closeAt(lastValid)
	}
	return stops
}

// detectViolations finds runs where the speed exceeds the limit. A run
// closes on the first sample at or below the limit or with the ignition
// off; samples without a speed neither extend nor close it.
func (a *Aggregator) detectViolations(samples []models.Sample, valid []bool) []Violation {
	violations := []Violation{}
	limit := a.opts.SpeedLimitKmh
	var cur *Violation

	closeAt := func(end int) {
		cur.EndIndex = end
		cur.End = samples[end].Timestamp
		cur.Duration = cur.End.Sub(cur.Start)
		if cur.Duration > 0 && cur.Duration >= a.opts.MinViolationDuration {
			violations = append(violations, *cur)
		}
		cur = nil
	}

	lastSpeed := -1
	for i := range samples {
		if !valid[i] {
			continue
		}
		s := &samples[i]

		if !s.Ignition() {
			if cur != nil {
				closeAt(i)
			}
			continue
		}
		if !s.HasSpeed() {
			continue
		}
		lastSpeed = i

		v := *s.SpeedKmh
		switch {
		case v > limit && cur == nil:
			cur = &Violation{
				StartIndex:   i,
				Start:        s.Timestamp,
				LimitKmh:     limit,
				PeakSpeedKmh: v,
				PeakIndex:    i,
				PeakPosition: pointOf(s),
			}
		case v > limit:
			if v > cur.PeakSpeedKmh {
				cur.PeakSpeedKmh = v
				cur.PeakIndex = i
				cur.PeakPosition = pointOf(s)
			}
		case cur != nil:
			closeAt(i)
		}
	}
	// a trailing gap without speed is not time over the limit
	if cur != nil {
		closeAt(lastSpeed)
	}
	return violations
}
