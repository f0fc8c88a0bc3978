package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"fleet-replay/internal/geojson"
	"fleet-replay/internal/models"
	"fleet-replay/internal/service"
	"fleet-replay/internal/stats"
	"fleet-replay/internal/timeline"
)

// rangeRequest selects a date range either by preset or by explicit bounds
type rangeRequest struct {
	Preset   string     `json:"preset" validate:"omitempty,oneof=today yesterday last7days thisWeek thisMonth last30days"`
	From     *time.Time `json:"from"`
	To       *time.Time `json:"to"`
	Timezone string     `json:"tz"`
}

// resolve turns the request into a concrete range. Without bounds or a
// preset it falls back to today.
func (req rangeRequest) resolve(now time.Time, def *time.Location) (models.DateRange, error) {
	loc := def
	if req.Timezone != "" {
		l, err := time.LoadLocation(req.Timezone)
		if err != nil {
			return models.DateRange{}, fmt.Errorf("%w: unknown timezone %q", service.ErrInvalidRange, req.Timezone)
		}
		loc = l
	}

	if req.From != nil || req.To != nil {
		if req.From == nil || req.To == nil {
			return models.DateRange{}, fmt.Errorf("%w: from and to must be given together", service.ErrInvalidRange)
		}
		if req.To.Before(*req.From) {
			return models.DateRange{}, fmt.Errorf("%w: to is before from", service.ErrInvalidRange)
		}
		return models.DateRange{Start: *req.From, End: *req.To}, nil
	}

	preset := req.Preset
	if preset == "" {
		preset = models.PresetToday
	}
	rng, err := models.RangeForPreset(preset, now, loc)
	if err != nil {
		return models.DateRange{}, fmt.Errorf("%w: %v", service.ErrInvalidRange, err)
	}
	return rng, nil
}

// parseTimeParam accepts RFC3339 or a bare date in loc
func parseTimeParam(v string, loc *time.Location) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid time %q", service.ErrInvalidRange, v)
	}
	return &t, nil
}

func (s *Server) rangeFromQuery(q url.Values) (models.DateRange, error) {
	req := rangeRequest{Preset: q.Get("preset"), Timezone: q.Get("tz")}
	loc := s.routes.Location()
	if req.Timezone != "" {
		if l, err := time.LoadLocation(req.Timezone); err == nil {
			loc = l
		}
	}
	var err error
	if req.From, err = parseTimeParam(q.Get("from"), loc); err != nil {
		return models.DateRange{}, err
	}
	if req.To, err = parseTimeParam(q.Get("to"), loc); err != nil {
		return models.DateRange{}, err
	}
	// a bare end date covers the whole day
	if req.To != nil && len(q.Get("to")) == len("2006-01-02") {
		end := req.To.AddDate(0, 0, 1).Add(-time.Nanosecond)
		req.To = &end
	}
	switch req.Preset {
	case "", models.PresetToday, models.PresetYesterday, models.PresetLast7Days,
		models.PresetThisWeek, models.PresetThisMonth, models.PresetLast30Days:
	default:
		return models.DateRange{}, fmt.Errorf("%w: unknown preset %q", service.ErrInvalidRange, req.Preset)
	}
	return req.resolve(s.now(), s.routes.Location())
}

// loadRoute resolves the vehicle and range of a route request
func (s *Server) loadRoute(r *http.Request) (*models.Route, models.DateRange, error) {
	rng, err := s.rangeFromQuery(r.URL.Query())
	if err != nil {
		return nil, rng, err
	}
	route, err := s.routes.Load(r.Context(), mux.Vars(r)["vehicle_id"], rng)
	return route, rng, err
}

func (s *Server) handleLegend(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.routes.Aggregator().Classifier().Legend())
}

func (s *Server) handleRanges(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	loc := s.routes.Location()
	type preset struct {
		Key   string           `json:"key"`
		Label string           `json:"label"`
		Range models.DateRange `json:"range"`
	}
	out := make([]preset, 0, len(models.Presets))
	for _, p := range models.Presets {
		rng, err := models.RangeForPreset(p.Key, now, loc)
		if err != nil {
			respondErr(w, err)
			return
		}
		out = append(out, preset{Key: p.Key, Label: p.Label, Range: rng})
	}
	respondJSON(w, http.StatusOK, out)
}

type routeSnapshotResponse struct {
	VehicleID string           `json:"vehicle_id"`
	Range     models.DateRange `json:"range"`
	Snapshot  *stats.Snapshot  `json:"snapshot"`
}

func (s *Server) handleRouteSnapshot(w http.ResponseWriter, r *http.Request) {
	route, rng, err := s.loadRoute(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, routeSnapshotResponse{
		VehicleID: route.VehicleID,
		Range:     rng,
		Snapshot:  s.routes.Snapshot(route),
	})
}

type timelineResponse struct {
	Count      int               `json:"count"`
	StartLabel string            `json:"start_label"`
	EndLabel   string            `json:"end_label"`
	Markers    []timeline.Marker `json:"markers"`
	Frame      *timeline.Frame   `json:"frame,omitempty"`
}

// handleRouteTimeline returns scrub-bar markers. ?progress=0.5 or
// ?index=12 adds the frame at that position.
func (s *Server) handleRouteTimeline(w http.ResponseWriter, r *http.Request) {
	route, _, err := s.loadRoute(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	mapper, err := s.routes.Timeline(route)
	if err != nil {
		respondErr(w, err)
		return
	}

	q := r.URL.Query()
	maxMarkers := s.routes.MaxMarkers()
	if v := q.Get("markers"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "markers must be a non-negative integer")
			return
		}
		maxMarkers = n
	}

	resp := timelineResponse{
		Count:      mapper.Len(),
		StartLabel: mapper.LabelAt(0),
		EndLabel:   mapper.LabelAt(mapper.Last()),
		Markers:    mapper.Markers(maxMarkers),
	}
	switch {
	case q.Get("index") != "":
		idx, err := strconv.Atoi(q.Get("index"))
		if err != nil {
			respondError(w, http.StatusBadRequest, "index must be an integer")
			return
		}
		f := mapper.FrameAt(idx)
		resp.Frame = &f
	case q.Get("progress") != "":
		p, err := strconv.ParseFloat(q.Get("progress"), 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "progress must be a number")
			return
		}
		f := mapper.FrameAt(mapper.IndexAt(p))
		resp.Frame = &f
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRouteSegments(w http.ResponseWriter, r *http.Request) {
	route, _, err := s.loadRoute(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.routes.Aggregator().Segments(route.Samples))
}

func (s *Server) handleRoutePoints(w http.ResponseWriter, r *http.Request) {
	route, _, err := s.loadRoute(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.routes.Aggregator().Annotate(route.Samples))
}

// handleRouteGeoJSON writes a bare FeatureCollection, without the API
// envelope, so map libraries can load the URL directly
func (s *Server) handleRouteGeoJSON(w http.ResponseWriter, r *http.Request) {
	route, _, err := s.loadRoute(r)
	if err != nil {
		respondErr(w, err)
		return
	}

	opts := geojson.DefaultOptions()
	if r.URL.Query().Get("merge") == "false" {
		opts.MergeSegments = false
	}
	fc := geojson.Build(route.VehicleID, s.routes.Aggregator().Segments(route.Samples), s.routes.Snapshot(route), opts)

	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(fc)
}
