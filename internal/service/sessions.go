package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-replay/internal/logging"
	"fleet-replay/internal/metrics"
	"fleet-replay/internal/models"
	"fleet-replay/internal/playback"
	"fleet-replay/internal/stats"
	"fleet-replay/internal/timeline"
)

// ErrSessionNotFound is returned for unknown or closed session ids
var ErrSessionNotFound = errors.New("playback session not found")

// Update is pushed to session subscribers on every playback change
type Update struct {
	SessionID string         `json:"session_id"`
	State     playback.State `json:"state"`
	Frame     timeline.Frame `json:"frame"`
}

// Session binds one route to one playback controller
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	mu         sync.RWMutex
	vehicleID  string
	rng        models.DateRange
	route      *models.Route
	controller *playback.Controller

	subMu sync.Mutex
	subs  map[chan Update]struct{}
}

// VehicleID returns the vehicle of the current route
func (s *Session) VehicleID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vehicleID
}

// Range returns the date range of the current route
func (s *Session) Range() models.DateRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rng
}

// Route returns the current route
func (s *Session) Route() *models.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.route
}

// Controller returns the playback controller of the current route
func (s *Session) Controller() *playback.Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controller
}

// Current returns the state and frame of the current controller
func (s *Session) Current() Update {
	c := s.Controller()
	st := c.State()
	return Update{SessionID: s.ID, State: st, Frame: c.Mapper().FrameAt(st.Index)}
}

// Subscribe returns a channel of updates and a function that ends the
// subscription. Slow readers lose intermediate updates, never the latest.
func (s *Session) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.subMu.Unlock()
		})
	}
}

// publish fans a state change out to subscribers. Changes from a
// controller that has since been replaced are dropped.
func (s *Session) publish(from *playback.Controller, st playback.State) {
	s.mu.RLock()
	current := s.controller
	s.mu.RUnlock()
	if from == nil || from != current {
		return
	}
	metrics.PlaybackStateChanges.Inc()
	update := Update{SessionID: s.ID, State: st, Frame: from.Mapper().FrameAt(st.Index)}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- update:
		default:
			// drop the oldest queued update to make room for the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- update:
			default:
			}
		}
	}
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}

// Sessions owns every open playback session
type Sessions struct {
	routes *Routes
	cfg    playback.Config
	opts   []playback.Option

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessions creates a session registry. Extra options are applied to
// every controller it builds.
func NewSessions(routes *Routes, cfg playback.Config, opts ...playback.Option) (*Sessions, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid playback config: %w", err)
	}
	return &Sessions{routes: routes, cfg: cfg, opts: opts, sessions: make(map[string]*Session)}, nil
}

// Config returns the playback configuration used for new controllers
func (m *Sessions) Config() playback.Config {
	return m.cfg
}

// newController builds a controller for route that publishes into sess.
// Extra options come after the registry defaults.
func (m *Sessions) newController(sess *Session, mapper *timeline.Mapper, extra ...playback.Option) (*playback.Controller, error) {
	var ctrl *playback.Controller
	opts := append([]playback.Option{
		playback.WithOnChange(func(st playback.State) { sess.publish(ctrl, st) }),
	}, m.opts...)
	opts = append(opts, extra...)
	ctrl, err := playback.New(mapper, m.cfg, opts...)
	if err != nil {
		return nil, err
	}
	return ctrl, nil
}

// Open loads a route and starts a stopped session at its first sample
func (m *Sessions) Open(ctx context.Context, vehicleID string, rng models.DateRange) (*Session, error) {
	route, err := m.routes.Load(ctx, vehicleID, rng)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		vehicleID: vehicleID,
		rng:       rng,
		route:     route,
		subs:      make(map[chan Update]struct{}),
	}
	mapper, err := m.routes.Timeline(route)
	if err != nil {
		return nil, err
	}
	ctrl, err := m.newController(sess, mapper)
	if err != nil {
		return nil, err
	}
	sess.controller = ctrl

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	metrics.PlaybackSessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	logging.Info().
		Str("session_id", sess.ID).
		Str("vehicle_id", vehicleID).
		Int("samples", route.Len()).
		Msg("playback session opened")
	return sess, nil
}

// Get returns an open session
func (m *Sessions) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// ChangeRoute swaps the session onto another vehicle or date range. The
// old controller is closed and playback restarts stopped at index 0.
// Versions keep increasing across the swap.
func (m *Sessions) ChangeRoute(ctx context.Context, id, vehicleID string, rng models.DateRange) (*Session, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	route, err := m.routes.Load(ctx, vehicleID, rng)
	if err != nil {
		return nil, err
	}
	mapper, err := m.routes.Timeline(route)
	if err != nil {
		return nil, err
	}

	// hold the registry lock so a concurrent Close cannot orphan the new controller
	m.mu.Lock()
	if m.sessions[id] != sess {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.mu.Lock()
	old := sess.controller
	var version uint64
	if old != nil {
		_ = old.Close()
		version = old.State().Version
	}
	ctrl, err := m.newController(sess, mapper, playback.WithVersion(version+1))
	if err != nil {
		sess.mu.Unlock()
		m.mu.Unlock()
		return nil, err
	}
	sess.controller = ctrl
	sess.vehicleID = vehicleID
	sess.rng = rng
	sess.route = route
	sess.mu.Unlock()
	m.mu.Unlock()

	sess.publish(ctrl, ctrl.State())
	return sess, nil
}

// Snapshot returns the statistics of the session route
func (m *Sessions) Snapshot(sess *Session) *stats.Snapshot {
	return m.routes.Snapshot(sess.Route())
}

// Close ends a session and releases its timer
func (m *Sessions) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	metrics.PlaybackSessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	err := sess.Controller().Close()
	sess.closeSubscribers()
	logging.Info().Str("session_id", id).Msg("playback session closed")
	return err
}

// CloseAll ends every session
func (m *Sessions) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Close(id)
	}
}

// Len returns the number of open sessions
func (m *Sessions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
