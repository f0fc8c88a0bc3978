package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-replay/internal/db"
	"fleet-replay/internal/geojson"
	"fleet-replay/internal/models"
	"fleet-replay/internal/playback"
	"fleet-replay/internal/service"
	"fleet-replay/internal/stats"
	"fleet-replay/internal/validation"
)

var (
	routeStart = time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)
	fixedNow   = time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC)
)

type manualTimer struct{}

func (manualTimer) Stop() bool { return true }

// manualScheduler never fires, so playback only moves when a test says so
type manualScheduler struct {
	mu    sync.Mutex
	count int
}

func (s *manualScheduler) AfterFunc(time.Duration, func()) playback.Timer {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return manualTimer{}
}

type envelope struct {
	Success bool                   `json:"success"`
	Data    json.RawMessage        `json:"data"`
	Error   string                 `json:"error"`
	Details []validation.FieldError `json:"details"`
}

type fixture struct {
	server   *Server
	database *db.Database
	sessions *service.Sessions
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	agg, err := stats.New(nil, stats.DefaultOptions())
	require.NoError(t, err)
	routes, err := service.NewRoutes(database, agg, service.Config{})
	require.NoError(t, err)
	t.Cleanup(routes.Close)

	sessions, err := service.NewSessions(routes, playback.DefaultConfig(), playback.WithScheduler(&manualScheduler{}))
	require.NoError(t, err)
	t.Cleanup(sessions.CloseAll)

	s := NewServer(database, routes, sessions, opts)
	s.now = func() time.Time { return fixedNow }
	t.Cleanup(s.Close)
	return &fixture{server: s, database: database, sessions: sessions}
}

// seed stores a short drive: parked, accelerating past the limit, then
// parked again with the ignition off
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	speeds := []float64{0, 0, 30, 60, 120, 130, 40, 0}
	records := make([]models.Sample, len(speeds))
	for i, v := range speeds {
		records[i] = models.Sample{
			VehicleID: "VEH-001",
			Timestamp: routeStart.Add(time.Duration(i) * time.Minute),
			Latitude:  33.57 + float64(i)*0.005,
			Longitude: -7.59,
			SpeedKmh:  models.Float(v),
		}
	}
	records[7].IgnitionOn = models.Bool(false)
	records[4].StatusFlags = "EventName=harsh_accel"
	_, err := f.database.InsertSamples(context.Background(), records, "test")
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		var data []byte
		switch b := body.(type) {
		case string:
			data = []byte(b)
		default:
			var err error
			data, err = json.Marshal(body)
			require.NoError(t, err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:4000"
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})
	rec, env := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"healthy"`)
}

func TestVehicleEndpoints(t *testing.T) {
	f := newFixture(t, Options{})

	rec, env := f.do(t, http.MethodPost, "/api/v1/vehicles", map[string]string{"id": "VEH-001"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, env.Details)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/vehicles", models.Vehicle{ID: "VEH-001", Name: "Van", LicensePlate: "FL-1"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec, env = f.do(t, http.MethodGet, "/api/v1/vehicles/VEH-001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v models.Vehicle
	require.NoError(t, json.Unmarshal(env.Data, &v))
	assert.Equal(t, "Van", v.Name)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/vehicles/VEH-404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTelemetryEndpoints(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t)

	t.Run("query", func(t *testing.T) {
		rec, env := f.do(t, http.MethodGet, "/api/v1/telemetry?vehicle_id=VEH-001&order=asc&limit=3", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var samples []models.Sample
		require.NoError(t, json.Unmarshal(env.Data, &samples))
		require.Len(t, samples, 3)
		assert.True(t, samples[0].Timestamp.Before(samples[1].Timestamp))
	})

	t.Run("bad query", func(t *testing.T) {
		rec, _ := f.do(t, http.MethodGet, "/api/v1/telemetry?limit=abc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec, env := f.do(t, http.MethodGet, "/api/v1/telemetry?limit=-1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NotEmpty(t, env.Details)
	})

	t.Run("create defaults timestamp", func(t *testing.T) {
		rec, env := f.do(t, http.MethodPost, "/api/v1/telemetry", map[string]interface{}{
			"vehicle_id": "VEH-002", "latitude": 40.7, "longitude": -74.0, "speed_kmh": 12.5,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		var s models.Sample
		require.NoError(t, json.Unmarshal(env.Data, &s))
		assert.True(t, s.Timestamp.Equal(fixedNow))
	})

	t.Run("create rejects bad coordinates", func(t *testing.T) {
		rec, _ := f.do(t, http.MethodPost, "/api/v1/telemetry", map[string]interface{}{
			"vehicle_id": "VEH-002", "latitude": 95.0, "longitude": 0.0,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("batch", func(t *testing.T) {
		rec, _ := f.do(t, http.MethodPost, "/api/v1/telemetry/batch", "[]")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec, env := f.do(t, http.MethodPost, "/api/v1/telemetry/batch", []map[string]interface{}{
			{"vehicle_id": "VEH-003", "latitude": 1.0, "longitude": 1.0},
			{"vehicle_id": "VEH-003", "latitude": 1.1, "longitude": 1.0},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.JSONEq(t, `{"inserted":2}`, string(env.Data))
	})

	t.Run("latest and summary", func(t *testing.T) {
		rec, env := f.do(t, http.MethodGet, "/api/v1/telemetry/latest/VEH-001", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var s models.Sample
		require.NoError(t, json.Unmarshal(env.Data, &s))
		assert.True(t, s.Timestamp.Equal(routeStart.Add(7*time.Minute)))

		rec, _ = f.do(t, http.MethodGet, "/api/v1/telemetry/summary/VEH-001", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec, _ = f.do(t, http.MethodGet, "/api/v1/telemetry/latest/VEH-404", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("events", func(t *testing.T) {
		rec, env := f.do(t, http.MethodGet, "/api/v1/events/VEH-001", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var samples []models.Sample
		require.NoError(t, json.Unmarshal(env.Data, &samples))
		require.Len(t, samples, 1)
		assert.Equal(t, "harsh_accel", samples[0].EventName())
	})
}

func TestRouteEndpoints(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t)

	t.Run("snapshot defaults to today", func(t *testing.T) {
		rec, env := f.do(t, http.MethodGet, "/api/v1/routes/VEH-001", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			VehicleID string `json:"vehicle_id"`
			Snapshot  struct {
				SampleCount     int     `json:"sample_count"`
				TotalDistanceKm float64 `json:"total_distance_km"`
				TotalDuration   float64 `json:"total_duration"`
			} `json:"snapshot"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &body))
		assert.Equal(t, "VEH-001", body.VehicleID)
		assert.Equal(t, 8, body.Snapshot.SampleCount)
		assert.Greater(t, body.Snapshot.TotalDistanceKm, 0.0)
		assert.InDelta(t, 420, body.Snapshot.TotalDuration, 0.001)
	})

	t.Run("yesterday is empty", func(t *testing.T) {
		rec, env := f.do(t, http.MethodGet, "/api/v1/routes/VEH-001?preset=yesterday", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, string(env.Data), `"sample_count":0`)
	})

	t.Run("explicit dates", func(t *testing.T) {
		rec, env := f.do(t, http.MethodGet, "/api/v1/routes/VEH-001?from=2024-04-02&to=2024-04-02", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, string(env.Data), `"sample_count":8`)
	})

	t.Run("bad ranges", func(t *testing.T) {
		for _, q := range []string{
			"?preset=fortnight",
			"?from=2024-04-02",
			"?from=2024-04-03&to=2024-04-02",
			"?from=yesterday&to=today",
			"?tz=Mars/Olympus",
		} {
			rec, _ := f.do(t, http.MethodGet, "/api/v1/routes/VEH-001"+q, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
	})

	t.Run("timeline", func(t *testing.T) {
		rec, env := f.do(t, http.MethodGet, "/api/v1/routes/VEH-001/timeline?markers=3&progress=0.5", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body timelineResponse
		require.NoError(t, json.Unmarshal(env.Data, &body))
		assert.Equal(t, 8, body.Count)
		assert.Equal(t, "08:00:00", body.StartLabel)
		assert.Equal(t, "08:07:00", body.EndLabel)
		assert.LessOrEqual(t, len(body.Markers), 3)
		require.NotNil(t, body.Frame)
		assert.Equal(t, 4, body.Frame.Index)
	})

	t.Run("timeline of empty route", func(t *testing.T) {
		rec, _ := f.do(t, http.MethodGet, "/api/v1/routes/VEH-404/timeline", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("segments and points", func(t *testing.T) {
		rec, env := f.do(t, http.MethodGet, "/api/v1/routes/VEH-001/segments", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var segments []json.RawMessage
		require.NoError(t, json.Unmarshal(env.Data, &segments))
		assert.Len(t, segments, 7)

		rec, env = f.do(t, http.MethodGet, "/api/v1/routes/VEH-001/points", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var points []json.RawMessage
		require.NoError(t, json.Unmarshal(env.Data, &points))
		assert.Len(t, points, 8)
	})

	t.Run("geojson", func(t *testing.T) {
		rec, _ := f.do(t, http.MethodGet, "/api/v1/routes/VEH-001/geojson", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))

		var fc geojson.FeatureCollection
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fc))
		assert.Equal(t, geojson.TypeFeatureCollection, fc.Type)
		assert.NotEmpty(t, fc.Features)
	})

	t.Run("legend and ranges", func(t *testing.T) {
		rec, env := f.do(t, http.MethodGet, "/api/v1/speed/legend", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, string(env.Data), `"HIGH_SPEED"`)

		rec, env = f.do(t, http.MethodGet, "/api/v1/ranges", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var presets []json.RawMessage
		require.NoError(t, json.Unmarshal(env.Data, &presets))
		assert.Len(t, presets, len(models.Presets))
	})
}

func TestPlaybackEndpoints(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t)

	rec, env := f.do(t, http.MethodPost, "/api/v1/playback", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "vehicle id required")

	rec, _ = f.do(t, http.MethodPost, "/api/v1/playback", map[string]string{"vehicle_id": "VEH-404"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "empty route")

	rec, env = f.do(t, http.MethodPost, "/api/v1/playback", map[string]string{"vehicle_id": "VEH-001"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var view sessionView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "stopped", view.Status)
	assert.Equal(t, 0, view.State.Index)
	assert.Equal(t, 8, view.State.Count)
	base := "/api/v1/playback/" + view.ID

	state := func(env envelope) playback.State {
		t.Helper()
		var v sessionView
		require.NoError(t, json.Unmarshal(env.Data, &v))
		return v.State
	}

	rec, env = f.do(t, http.MethodPost, base+"/play", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, state(env).Playing)

	rec, env = f.do(t, http.MethodPost, base+"/faster", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, state(env).Rate)

	rec, env = f.do(t, http.MethodPost, base+"/seek", map[string]int{"index": 5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, state(env).Index)

	rec, env = f.do(t, http.MethodPost, base+"/seek", map[string]float64{"progress": 2})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, state(env).Index, "progress clamps to the last sample")

	rec, _ = f.do(t, http.MethodPost, base+"/seek", map[string]interface{}{"index": 1, "progress": 0.5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, base+"/rate", map[string]float64{"rate": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodPost, base+"/rate", map[string]float64{"rate": 1000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, env = f.do(t, http.MethodPost, base+"/rate", map[string]float64{"rate": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3.0, state(env).Rate)

	rec, env = f.do(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, state(env).Playing)

	rec, env = f.do(t, http.MethodPut, base+"/route", map[string]string{"vehicle_id": "VEH-001", "preset": "today"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, state(env).Index)

	rec, _ = f.do(t, http.MethodPost, base+"/rewind", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = f.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestPlaybackStream(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t)

	sess, err := f.sessions.Open(context.Background(), "VEH-001", models.DateRange{
		Start: routeStart.Add(-time.Hour),
		End:   routeStart.Add(time.Hour),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/playback/" + sess.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() streamMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg streamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	first := read()
	require.Equal(t, "update", first.Type)
	assert.Equal(t, 0, first.Update.Frame.Index)

	index := 3
	require.NoError(t, conn.WriteJSON(streamMessage{Type: "seek", Index: &index}))
	msg := read()
	require.Equal(t, "update", msg.Type)
	assert.Equal(t, 3, msg.Update.State.Index)

	require.NoError(t, conn.WriteJSON(streamMessage{Type: "rate", Rate: -1}))
	msg = read()
	assert.Equal(t, "error", msg.Type)

	require.NoError(t, f.sessions.Close(sess.ID))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestPlaybackStreamUnknownSession(t *testing.T) {
	f := newFixture(t, Options{})
	rec, _ := f.do(t, http.MethodGet, "/api/v1/playback/missing/ws", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Options{RateLimitRPS: 0.001, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		rec, _ := f.do(t, http.MethodGet, "/api/v1/speed/legend", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, env := f.do(t, http.MethodGet, "/api/v1/speed/legend", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", env.Error)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec, _ = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health is not limited")
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	defer rl.Stop()

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	rl.cleanup(time.Now().Add(time.Minute))
	assert.True(t, rl.Allow("a"), "a forgotten client starts with a full bucket")
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", clientIP(r))
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
