package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet-replay/internal/db"
	"fleet-replay/internal/service"
)

// Options configures the HTTP layer
type Options struct {
	RateLimitRPS      float64
	RateLimitBurst    int
	RateLimitDisabled bool
	WebDir            string
}

// Server represents the API server
type Server struct {
	db       *db.Database
	routes   *service.Routes
	sessions *service.Sessions
	router   *mux.Router
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewServer creates a new API server
func NewServer(database *db.Database, routes *service.Routes, sessions *service.Sessions, opts Options) *Server {
	s := &Server{
		db:       database,
		routes:   routes,
		sessions: sessions,
		router:   mux.NewRouter(),
		now:      time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
	}
	if !opts.RateLimitDisabled && opts.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	}
	s.setupRoutes()
	if opts.WebDir != "" {
		s.router.PathPrefix("/").Handler(http.FileServer(http.Dir(opts.WebDir)))
	}
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// The stream is registered ahead of the JSON subrouter so it keeps its
	// own headers
	s.router.HandleFunc("/api/v1/playback/{id}/ws", s.handlePlaybackStream).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(jsonMiddleware)
	if s.limiter != nil {
		api.Use(s.limiter.Middleware)
	}

	// Vehicles
	api.HandleFunc("/vehicles", s.handleListVehicles).Methods("GET")
	api.HandleFunc("/vehicles", s.handleCreateVehicle).Methods("POST")
	api.HandleFunc("/vehicles/{id}", s.handleGetVehicle).Methods("GET")

	// Raw telemetry
	api.HandleFunc("/telemetry", s.handleQueryTelemetry).Methods("GET")
	api.HandleFunc("/telemetry", s.handleCreateTelemetry).Methods("POST")
	api.HandleFunc("/telemetry/batch", s.handleBatchTelemetry).Methods("POST")
	api.HandleFunc("/telemetry/latest/{vehicle_id}", s.handleLatestTelemetry).Methods("GET")
	api.HandleFunc("/telemetry/summary/{vehicle_id}", s.handleTelemetrySummary).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/events/{vehicle_id}", s.handleEvents).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	// Route analytics
	api.HandleFunc("/speed/legend", s.handleLegend).Methods("GET")
	api.HandleFunc("/ranges", s.handleRanges).Methods("GET")
	api.HandleFunc("/routes/{vehicle_id}", s.handleRouteSnapshot).Methods("GET")
	api.HandleFunc("/routes/{vehicle_id}/timeline", s.handleRouteTimeline).Methods("GET")
	api.HandleFunc("/routes/{vehicle_id}/segments", s.handleRouteSegments).Methods("GET")
	api.HandleFunc("/routes/{vehicle_id}/points", s.handleRoutePoints).Methods("GET")
	api.HandleFunc("/routes/{vehicle_id}/geojson", s.handleRouteGeoJSON).Methods("GET")

	// Playback sessions
	api.HandleFunc("/playback", s.handleCreatePlayback).Methods("POST")
	api.HandleFunc("/playback/{id}", s.handleGetPlayback).Methods("GET")
	api.HandleFunc("/playback/{id}", s.handleDeletePlayback).Methods("DELETE")
	api.HandleFunc("/playback/{id}/route", s.handleChangePlaybackRoute).Methods("PUT")
	api.HandleFunc("/playback/{id}/{command:play|pause|stop|faster|slower}", s.handlePlaybackCommand).Methods("POST")
	api.HandleFunc("/playback/{id}/seek", s.handlePlaybackSeek).Methods("POST")
	api.HandleFunc("/playback/{id}/rate", s.handlePlaybackRate).Methods("POST")

	s.router.Use(metricsMiddleware)
	s.router.Use(loggingMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Close stops background work owned by the server
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}
