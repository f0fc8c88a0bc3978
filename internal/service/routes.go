package service

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"fleet-replay/internal/logging"
	"fleet-replay/internal/metrics"
	"fleet-replay/internal/models"
	"fleet-replay/internal/stats"
	"fleet-replay/internal/timeline"
)

// ErrInvalidRange is returned when a route query has no usable window
var ErrInvalidRange = errors.New("invalid date range")

// RouteSource materialises the samples of one vehicle and date range
type RouteSource interface {
	LoadRoute(ctx context.Context, vehicleID string, from, to time.Time) (*models.Route, error)
}

// Config configures the route service
type Config struct {
	Timeline       timeline.Options
	MaxMarkers     int
	CacheMaxRoutes int64
}

// Routes loads routes and derives their statistics
type Routes struct {
	source RouteSource
	agg    *stats.Aggregator
	cfg    Config
	cache  *ristretto.Cache[string, *stats.Snapshot]
}

// NewRoutes creates the route service with a snapshot cache
func NewRoutes(source RouteSource, agg *stats.Aggregator, cfg Config) (*Routes, error) {
	if cfg.CacheMaxRoutes <= 0 {
		cfg.CacheMaxRoutes = 256
	}
	if cfg.MaxMarkers <= 0 {
		cfg.MaxMarkers = 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *stats.Snapshot]{
		NumCounters: cfg.CacheMaxRoutes * 10,
		MaxCost:     cfg.CacheMaxRoutes,
		BufferItems: 64,
		// cost counts routes, not bytes
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	return &Routes{source: source, agg: agg, cfg: cfg, cache: cache}, nil
}

// Close releases the cache
func (r *Routes) Close() {
	r.cache.Close()
}

// Aggregator returns the aggregator used for snapshots
func (r *Routes) Aggregator() *stats.Aggregator {
	return r.agg
}

// MaxMarkers returns the default number of timeline ticks
func (r *Routes) MaxMarkers() int {
	return r.cfg.MaxMarkers
}

// Location returns the zone used for labels and date presets
func (r *Routes) Location() *time.Location {
	if r.cfg.Timeline.Location == nil {
		return time.UTC
	}
	return r.cfg.Timeline.Location
}

// Load fetches a route in time order
func (r *Routes) Load(ctx context.Context, vehicleID string, rng models.DateRange) (*models.Route, error) {
	if vehicleID == "" {
		return nil, fmt.Errorf("%w: vehicle id is required", ErrInvalidRange)
	}
	if rng.Start.IsZero() || rng.End.IsZero() || rng.End.Before(rng.Start) {
		return nil, fmt.Errorf("%w: %s - %s", ErrInvalidRange, rng.Start, rng.End)
	}
	route, err := r.source.LoadRoute(ctx, vehicleID, rng.Start, rng.End)
	if err != nil {
		return nil, err
	}
	route.Sort()
	return route, nil
}

// Snapshot returns the statistics of a route, reusing the cached value
// while the route is unchanged
func (r *Routes) Snapshot(route *models.Route) *stats.Snapshot {
	key := cacheKey(route)
	if snap, ok := r.cache.Get(key); ok {
		metrics.RecordCacheLookup(true)
		return snap
	}
	metrics.RecordCacheLookup(false)

	start := time.Now()
	snap := r.agg.Aggregate(route.Samples)
	metrics.RecordAggregation(len(route.Samples), time.Since(start))
	logging.Debug().
		Str("vehicle_id", route.VehicleID).
		Int("samples", len(route.Samples)).
		Dur("took", time.Since(start)).
		Msg("computed route snapshot")

	r.cache.Set(key, snap, 1)
	r.cache.Wait()
	return snap
}

// Timeline builds the index mapper for a route
func (r *Routes) Timeline(route *models.Route) (*timeline.Mapper, error) {
	return timeline.New(route.Samples, r.cfg.Timeline)
}

// cacheKey identifies a route by vehicle, range and sample content so a
// refreshed range with new samples never hits a stale snapshot
func cacheKey(route *models.Route) string {
	h := fnv.New64a()
	var buf [8]byte
	write := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	for i := range route.Samples {
		s := &route.Samples[i]
		write(uint64(s.Timestamp.UnixNano()))
		write(math.Float64bits(s.Latitude))
		write(math.Float64bits(s.Longitude))
		if s.SpeedKmh != nil {
			write(math.Float64bits(*s.SpeedKmh))
		} else {
			write(math.MaxUint64)
		}
		if s.Ignition() {
			write(1)
		} else {
			write(0)
		}
		h.Write([]byte(s.StatusFlags))
	}
	return fmt.Sprintf("%s|%d|%d|%d|%x", route.VehicleID, route.From.UnixNano(), route.To.UnixNano(), len(route.Samples), h.Sum64())
}
