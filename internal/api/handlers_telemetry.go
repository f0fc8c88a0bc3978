package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"fleet-replay/internal/models"
	"fleet-replay/internal/parser"
	"fleet-replay/internal/validation"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": s.sessions.Len(),
	})
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := s.db.ListVehicles(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, vehicles)
}

func (s *Server) handleCreateVehicle(w http.ResponseWriter, r *http.Request) {
	var v models.Vehicle
	if err := decodeBody(w, r, &v); err != nil {
		respondErr(w, err)
		return
	}

	if err := s.db.InsertVehicle(r.Context(), &v); err != nil {
		respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	vehicle, err := s.db.GetVehicle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, vehicle)
}

// telemetryQueryParams is the validated form of the telemetry query string
type telemetryQueryParams struct {
	Limit    int     `validate:"gte=0,lte=10000"`
	Offset   int     `validate:"gte=0"`
	MinSpeed float64 `validate:"gte=0"`
	MaxSpeed float64 `validate:"gte=0"`
}

func (s *Server) handleQueryTelemetry(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	query := r.URL.Query()

	q := models.TelemetryQuery{
		VehicleID: query.Get("vehicle_id"),
		Limit:     100,
		Ascending: query.Get("order") == "asc",
	}

	var err error
	parseInt := func(key string, dst *int) {
		if v := query.Get(key); v != "" && err == nil {
			*dst, err = strconv.Atoi(v)
		}
	}
	parseFloat := func(key string, dst *float64) {
		if v := query.Get(key); v != "" && err == nil {
			*dst, err = strconv.ParseFloat(v, 64)
		}
	}
	parseTime := func(key string, dst *time.Time) {
		if v := query.Get(key); v != "" && err == nil {
			*dst, err = time.Parse(time.RFC3339, v)
		}
	}
	parseInt("limit", &q.Limit)
	parseInt("offset", &q.Offset)
	parseFloat("min_speed", &q.MinSpeed)
	parseFloat("max_speed", &q.MaxSpeed)
	parseTime("start_time", &q.StartTime)
	parseTime("end_time", &q.EndTime)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query parameter: "+err.Error())
		return
	}
	if err := validation.Struct(&telemetryQueryParams{Limit: q.Limit, Offset: q.Offset, MinSpeed: q.MinSpeed, MaxSpeed: q.MaxSpeed}); err != nil {
		respondErr(w, err)
		return
	}

	results, err := s.db.QueryTelemetry(r.Context(), q)
	if err != nil {
		respondErr(w, err)
		return
	}

	respondWithMeta(w, results, &meta{
		Total:   len(results),
		Limit:   q.Limit,
		Offset:  q.Offset,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleCreateTelemetry(w http.ResponseWriter, r *http.Request) {
	var t models.Sample
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&t); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}
	if errs := parser.ValidateSample(&t); len(errs) > 0 {
		respondError(w, http.StatusBadRequest, errs[0])
		return
	}

	if err := s.db.InsertSample(r.Context(), &t); err != nil {
		respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleBatchTelemetry(w http.ResponseWriter, r *http.Request) {
	var records []models.Sample
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&records); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON array")
		return
	}

	if len(records) == 0 {
		respondError(w, http.StatusBadRequest, "empty array")
		return
	}

	now := s.now()
	for i := range records {
		if records[i].Timestamp.IsZero() {
			records[i].Timestamp = now
		}
		if errs := parser.ValidateSample(&records[i]); len(errs) > 0 {
			respondError(w, http.StatusBadRequest, "record "+strconv.Itoa(i)+": "+errs[0])
			return
		}
	}

	count, err := s.db.InsertSamples(r.Context(), records, "api")
	if err != nil {
		respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]int64{"inserted": count})
}

func (s *Server) handleLatestTelemetry(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	sample, err := s.db.GetLatestSample(r.Context(), mux.Vars(r)["vehicle_id"])
	if err != nil {
		respondErr(w, err)
		return
	}

	respondWithMeta(w, sample, &meta{QueryMs: time.Since(start).Milliseconds()})
}

func (s *Server) handleTelemetrySummary(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	summary, err := s.db.GetTelemetrySummary(r.Context(), mux.Vars(r)["vehicle_id"])
	if err != nil {
		respondErr(w, err)
		return
	}

	respondWithMeta(w, summary, &meta{QueryMs: time.Since(start).Milliseconds()})
}

// handleEvents lists flagged samples, optionally for one vehicle
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	samples, err := s.db.GetFlaggedSamples(r.Context(), mux.Vars(r)["vehicle_id"], limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, samples)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.db.GetStats(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"store":             st,
		"playback_sessions": s.sessions.Len(),
	})
}
