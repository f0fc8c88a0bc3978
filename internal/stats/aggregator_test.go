package stats

import (
	"math"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-replay/internal/geo"
	"fleet-replay/internal/models"
	"fleet-replay/internal/speed"
)

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

// at builds a well-formed sample near Casablanca, offset seconds after t0
func at(sec int, kmh *float64) models.Sample {
	return models.Sample{
		VehicleID: "veh-1",
		Timestamp: t0.Add(time.Duration(sec) * time.Second),
		Latitude:  33.5731 + float64(sec)*1e-5,
		Longitude: -7.5898,
		SpeedKmh:  kmh,
	}
}

func off(s models.Sample) models.Sample {
	s.IgnitionOn = models.Bool(false)
	return s
}

func mustAggregator(t *testing.T, mutate func(*Options)) *Aggregator {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	a, err := New(nil, opts)
	require.NoError(t, err)
	return a
}

func TestAggregateDegenerateRoutes(t *testing.T) {
	for name, route := range map[string][]models.Sample{
		"empty":  nil,
		"single": {at(0, models.Float(0))},
	} {
		t.Run(name, func(t *testing.T) {
			snap := Aggregate(route)
			assert.Equal(t, 0.0, snap.TotalDistanceKm)
			assert.Equal(t, time.Duration(0), snap.TotalDuration)
			assert.Empty(t, snap.Stops)
			assert.Empty(t, snap.Violations)
			assert.Len(t, snap.TimeByCategory, len(speed.All))
			assert.Equal(t, time.Duration(0), snap.CategoryTimeSum())
		})
	}
}

func TestAggregateThreeSampleScenario(t *testing.T) {
	route := []models.Sample{
		at(0, models.Float(0)),
		at(10, models.Float(25)),
		at(20, models.Float(95)),
	}

	snap := Aggregate(route)
	assert.Equal(t, 10*time.Second, snap.TimeByCategory[speed.Stationary])
	assert.Equal(t, 10*time.Second, snap.TimeByCategory[speed.City])
	assert.Equal(t, time.Duration(0), snap.TimeByCategory[speed.HighSpeed])
	assert.Empty(t, snap.Violations, "a lone final high-speed sample has no duration")
	assert.Equal(t, 95.0, snap.MaxSpeedKmh)
	assert.InDelta(t, 40.0, snap.AverageSpeedKmh, 1e-9)

	t.Run("fourth sample extends the violation", func(t *testing.T) {
		extended := append(append([]models.Sample{}, route...), at(30, models.Float(97)))
		snap := Aggregate(extended)
		require.Len(t, snap.Violations, 1)
		v := snap.Violations[0]
		assert.Equal(t, t0.Add(20*time.Second), v.Start)
		assert.Equal(t, 10*time.Second, v.Duration)
		assert.Equal(t, 97.0, v.PeakSpeedKmh)
		assert.Equal(t, 3, v.PeakIndex)
		assert.Equal(t, 2, v.StartIndex)
		assert.Equal(t, 3, v.EndIndex)
	})
}

func TestDistancePolicies(t *testing.T) {
	// two points one kilometre apart on the equator, 60 seconds, 30 km/h
	lon := 1 / (geo.EarthRadiusKm * math.Pi / 180)
	route := []models.Sample{
		{Timestamp: t0, Latitude: 0, Longitude: 0, SpeedKmh: models.Float(30)},
		{Timestamp: t0.Add(time.Minute), Latitude: 0, Longitude: lon, SpeedKmh: models.Float(30)},
	}
	require.InDelta(t, 1.0, geo.DistanceKm(0, 0, 0, lon), 1e-9)

	tests := []struct {
		policy DistancePolicy
		want   float64
	}{
		{SpeedWithFallback, 0.5},
		{SpeedOnly, 0.5},
		{Geometric, 1.0},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			a := mustAggregator(t, func(o *Options) { o.DistancePolicy = tt.policy })
			snap := a.Aggregate(route)
			assert.InDelta(t, tt.want, snap.TotalDistanceKm, 1e-9)
			assert.InDelta(t, tt.want, snap.DistanceByCategory[speed.City], 1e-9)
		})
	}
}

func TestMissingSpeedDistance(t *testing.T) {
	route := []models.Sample{at(0, nil), at(60, nil)}
	geometric := geo.DistanceKm(route[0].Latitude, route[0].Longitude, route[1].Latitude, route[1].Longitude)
	require.Greater(t, geometric, 0.0)

	snap := mustAggregator(t, nil).Aggregate(route)
	assert.InDelta(t, geometric, snap.TotalDistanceKm, 1e-12)
	assert.Equal(t, time.Minute, snap.TimeByCategory[speed.NoData])
	assert.Equal(t, 0.0, snap.MaxSpeedKmh)
	assert.Equal(t, 0.0, snap.AverageSpeedKmh)

	snap = mustAggregator(t, func(o *Options) { o.DistancePolicy = SpeedOnly }).Aggregate(route)
	assert.Equal(t, 0.0, snap.TotalDistanceKm)
}

func TestIgnitionOffUsesFallback(t *testing.T) {
	route := []models.Sample{off(at(0, models.Float(80))), at(30, models.Float(80))}
	snap := Aggregate(route)
	assert.Equal(t, 30*time.Second, snap.TimeByCategory[speed.Stationary])
	want := geo.DistanceKm(route[0].Latitude, route[0].Longitude, route[1].Latitude, route[1].Longitude)
	assert.InDelta(t, want, snap.TotalDistanceKm, 1e-12)
	assert.Equal(t, time.Duration(0), snap.MovingDuration)
}

func TestNegativeDeltasAreClamped(t *testing.T) {
	route := []models.Sample{
		at(0, models.Float(10)),
		at(20, models.Float(10)),
		at(10, models.Float(10)),
		at(30, models.Float(10)),
	}
	snap := Aggregate(route)
	assert.Equal(t, 40*time.Second, snap.TotalDuration)
	assert.Equal(t, snap.TotalDuration, snap.CategoryTimeSum())
	assert.InDelta(t, 10*40/3600.0, snap.TotalDistanceKm, 1e-12)
}

func TestCategoryTimesSumToRouteDuration(t *testing.T) {
	speeds := []*float64{
		models.Float(0), models.Float(15), nil, models.Float(48.5), models.Float(90),
		models.Float(91), models.Float(130), models.Float(math.NaN()), models.Float(20), models.Float(0),
	}
	var route []models.Sample
	sec := 0
	for i, s := range speeds {
		sample := at(sec, s)
		if i == 6 {
			sample = off(sample)
		}
		route = append(route, sample)
		sec += 7 + i*3
	}

	snap := Aggregate(route)
	span := route[len(route)-1].Timestamp.Sub(route[0].Timestamp)
	assert.Equal(t, span, snap.TotalDuration)
	assert.Equal(t, span, snap.CategoryTimeSum())

	var distSum float64
	for _, c := range speed.All {
		distSum += snap.DistanceByCategory[c]
	}
	assert.InDelta(t, snap.TotalDistanceKm, distSum, 1e-9)
}

func TestMalformedSamplesAreSkipped(t *testing.T) {
	bad := at(10, models.Float(200))
	bad.Latitude = 200
	route := []models.Sample{
		at(0, models.Float(10)),
		bad,
		at(20, models.Float(10)),
		at(30, models.Float(10)),
		{VehicleID: "veh-1", Latitude: 1, Longitude: 1, SpeedKmh: models.Float(10)},
	}

	snap := Aggregate(route)
	assert.Equal(t, 5, snap.SampleCount)
	assert.Equal(t, 3, snap.ValidSampleCount)
	assert.InDelta(t, 60.0, snap.DataQuality, 1e-9)
	assert.Equal(t, 10*time.Second, snap.TotalDuration)
	assert.Equal(t, 200.0, snap.MaxSpeedKmh, "speeds of malformed samples still count")
	assert.InDelta(t, 48.0, snap.AverageSpeedKmh, 1e-9)
	assert.Equal(t, t0, snap.StartTime)
	assert.Equal(t, t0.Add(30*time.Second), snap.EndTime)
	assert.Empty(t, snap.Violations)
}

func TestStopDetection(t *testing.T) {
	long := 3*time.Hour + time.Minute
	route := []models.Sample{
		at(0, models.Float(40)),
		off(at(60, models.Float(0))),
		off(at(60+int(3*time.Hour/time.Second), nil)),
		at(120+int(3*time.Hour/time.Second), models.Float(30)),
		at(130+int(3*time.Hour/time.Second), models.Float(0)),
		at(140+int(3*time.Hour/time.Second), models.Float(0)),
		at(150+int(3*time.Hour/time.Second), models.Float(25)),
	}

	snap := Aggregate(route)
	require.Len(t, snap.Stops, 1, "the 20s stop is below the minimum")
	stop := snap.Stops[0]
	assert.Equal(t, 1, stop.StartIndex)
	assert.Equal(t, 3, stop.EndIndex)
	assert.Equal(t, long, stop.Duration)
	assert.Equal(t, StopLong, stop.Type)
	assert.Equal(t, 2, stop.SampleCount)
	assert.InDelta(t, route[1].Latitude, stop.Position.Lat, 1e-12)

	t.Run("zero minimum keeps short stops", func(t *testing.T) {
		snap := mustAggregator(t, func(o *Options) { o.MinStopDuration = 0 }).Aggregate(route)
		require.Len(t, snap.Stops, 2)
		assert.Equal(t, 20*time.Second, snap.Stops[1].Duration)
		assert.Equal(t, StopShort, snap.Stops[1].Type)
	})

	t.Run("open stop is closed by the end of the route", func(t *testing.T) {
		parked := []models.Sample{at(0, models.Float(30)), at(10, models.Float(0)), off(at(9*3600+10, nil))}
		snap := Aggregate(parked)
		require.Len(t, snap.Stops, 1)
		assert.Equal(t, 9*time.Hour, snap.Stops[0].Duration)
		assert.Equal(t, StopOvernight, snap.Stops[0].Type)
		assert.Equal(t, 2, snap.Stops[0].EndIndex)
	})
}

func TestViolationDetection(t *testing.T) {
	route := []models.Sample{
		at(0, models.Float(50)),
		at(10, models.Float(100)),
		at(20, nil),
		at(30, models.Float(120)),
		at(40, models.Float(80)),
		at(50, models.Float(95)),
		off(at(60, models.Float(95))),
		at(70, models.Float(30)),
	}

	snap := Aggregate(route)
	require.Len(t, snap.Violations, 2)

	first := snap.Violations[0]
	assert.Equal(t, t0.Add(10*time.Second), first.Start)
	assert.Equal(t, 30*time.Second, first.Duration)
	assert.Equal(t, 120.0, first.PeakSpeedKmh)
	assert.Equal(t, 3, first.PeakIndex)
	assert.Equal(t, 4, first.EndIndex)
	assert.Equal(t, 90.0, first.LimitKmh)

	second := snap.Violations[1]
	assert.Equal(t, 10*time.Second, second.Duration)
	assert.Equal(t, 6, second.EndIndex, "ignition off closes the interval")

	t.Run("minimum duration filters short bursts", func(t *testing.T) {
		snap := mustAggregator(t, func(o *Options) { o.MinViolationDuration = 15 * time.Second }).Aggregate(route)
		assert.Len(t, snap.Violations, 1)
	})

	t.Run("trailing samples without speed do not extend an open run", func(t *testing.T) {
		gap := []models.Sample{
			at(0, models.Float(95)),
			at(10, models.Float(100)),
			at(7200, nil),
		}
		snap := Aggregate(gap)
		require.Len(t, snap.Violations, 1)
		assert.Equal(t, 10*time.Second, snap.Violations[0].Duration)
		assert.Equal(t, 1, snap.Violations[0].EndIndex)
		assert.Equal(t, t0.Add(10*time.Second), snap.Violations[0].End)
	})

	t.Run("custom limit", func(t *testing.T) {
		snap := mustAggregator(t, func(o *Options) { o.SpeedLimitKmh = 110 }).Aggregate(route)
		require.Len(t, snap.Violations, 1)
		assert.Equal(t, t0.Add(30*time.Second), snap.Violations[0].Start)
	})
}

func TestMovingStatsAndEstimates(t *testing.T) {
	route := []models.Sample{at(0, models.Float(60)), at(3600, models.Float(60))}
	snap := Aggregate(route)

	assert.InDelta(t, 60.0, snap.TotalDistanceKm, 1e-9)
	assert.Equal(t, time.Hour, snap.MovingDuration)
	assert.InDelta(t, 60.0, snap.MovingAverageSpeedKmh, 1e-9)
	assert.Equal(t, time.Duration(0), snap.StoppedDuration)
	assert.InDelta(t, 4.2, snap.EstimatedFuelLitres, 1e-9)
	assert.InDelta(t, 12.0, snap.CO2Kg, 1e-9)
	require.NotNil(t, snap.Bounds)
}

func TestFuelRate(t *testing.T) {
	assert.Equal(t, 12.0, fuelRate(10))
	assert.Equal(t, 8.0, fuelRate(30))
	assert.Equal(t, 7.0, fuelRate(89))
	assert.Equal(t, 9.0, fuelRate(90))
}

func TestEvents(t *testing.T) {
	s := at(10, models.Float(0))
	s.StatusFlags = "EventName=Harsh Braking;Gps=3D"
	snap := Aggregate([]models.Sample{at(0, models.Float(50)), s})
	require.Len(t, snap.Events, 1)
	assert.Equal(t, "Harsh Braking", snap.Events[0].Name)
	assert.Equal(t, 1, snap.Events[0].Index)
}

func TestAggregateIsDeterministic(t *testing.T) {
	route := []models.Sample{
		at(0, models.Float(0)), at(40, models.Float(35)), at(80, models.Float(101)),
		at(95, nil), at(130, models.Float(12)), off(at(200, nil)), at(400, models.Float(66)),
	}
	assert.Equal(t, Aggregate(route), Aggregate(route))
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero limit", func(o *Options) { o.SpeedLimitKmh = 0 }},
		{"nan limit", func(o *Options) { o.SpeedLimitKmh = math.NaN() }},
		{"negative stop", func(o *Options) { o.MinStopDuration = -time.Second }},
		{"negative moving", func(o *Options) { o.MovingSpeedKmh = -1 }},
		{"unknown policy", func(o *Options) { o.DistancePolicy = "teleport" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			_, err := New(nil, opts)
			assert.Error(t, err)
		})
	}
	assert.NoError(t, DefaultOptions().Validate())
}

func TestSegmentsAndAnnotate(t *testing.T) {
	route := []models.Sample{at(0, models.Float(10)), at(10, models.Float(95)), at(20, nil)}
	a := mustAggregator(t, nil)

	segs := a.Segments(route)
	require.Len(t, segs, 2)
	assert.Equal(t, speed.Slow, segs[0].Category)
	assert.Equal(t, "#10b981", segs[0].Color)
	assert.Equal(t, speed.HighSpeed, segs[1].Category)
	assert.Equal(t, 10*time.Second, segs[1].Duration)
	assert.InDelta(t, 0, segs[0].Bearing, 1e-6)

	views := a.Annotate(route)
	require.Len(t, views, 3)
	assert.Equal(t, speed.NoData, views[2].Category)
	assert.Equal(t, "No Data", views[2].Label)
	assert.True(t, views[0].Valid)
}

func TestSnapshotJSON(t *testing.T) {
	route := []models.Sample{at(0, models.Float(0)), off(at(90, nil)), at(3690, models.Float(20))}
	b, err := json.Marshal(Aggregate(route))
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, 3690.0, out["total_duration"])
	assert.Equal(t, "1h 1m", out["total_duration_text"])
	byCat := out["time_by_category"].(map[string]any)
	assert.Equal(t, 3690.0, byCat["STATIONARY"])

	stops := out["stops"].([]any)
	require.Len(t, stops, 1)
	assert.Equal(t, 3690.0, stops[0].(map[string]any)["duration"])
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", FormatDuration(-time.Second))
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "2m 5s", FormatDuration(125*time.Second))
	assert.Equal(t, "3h 0m", FormatDuration(3*time.Hour))
	assert.Equal(t, "1d 2h 3m", FormatDuration(26*time.Hour+3*time.Minute))
}
