package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"fleet-replay/internal/logging"
	"fleet-replay/internal/metrics"
	"fleet-replay/internal/models"
	"fleet-replay/internal/playback"
	"fleet-replay/internal/service"
	"fleet-replay/internal/timeline"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	streamBuffer   = 16
)

type playbackRequest struct {
	VehicleID string `json:"vehicle_id" validate:"required,max=64"`
	rangeRequest
}

type seekRequest struct {
	Index    *int       `json:"index,omitempty"`
	Progress *float64   `json:"progress,omitempty"`
	Time     *time.Time `json:"time,omitempty"`
}

type rateRequest struct {
	Rate float64 `json:"rate" validate:"gt=0"`
}

type sessionView struct {
	ID        string           `json:"id"`
	VehicleID string           `json:"vehicle_id"`
	Range     models.DateRange `json:"range"`
	CreatedAt time.Time        `json:"created_at"`
	Status    string           `json:"status"`
	State     playback.State   `json:"state"`
	Frame     timeline.Frame   `json:"frame"`
	Rates     []float64        `json:"rates"`
}

func viewOf(sess *service.Session) sessionView {
	cur := sess.Current()
	return sessionView{
		ID:        sess.ID,
		VehicleID: sess.VehicleID(),
		Range:     sess.Range(),
		CreatedAt: sess.CreatedAt,
		Status:    cur.State.Status(),
		State:     cur.State,
		Frame:     cur.Frame,
		Rates:     sess.Controller().Rates(),
	}
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*service.Session, bool) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleCreatePlayback(w http.ResponseWriter, r *http.Request) {
	var req playbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	rng, err := req.resolve(s.now(), s.routes.Location())
	if err != nil {
		respondErr(w, err)
		return
	}
	sess, err := s.sessions.Open(r.Context(), req.VehicleID, rng)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handleGetPlayback(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.session(w, r); ok {
		respondJSON(w, http.StatusOK, viewOf(sess))
	}
}

func (s *Server) handleDeletePlayback(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(mux.Vars(r)["id"]); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChangePlaybackRoute points an open session at another vehicle or
// range; playback restarts stopped at the first sample
func (s *Server) handleChangePlaybackRoute(w http.ResponseWriter, r *http.Request) {
	var req playbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	rng, err := req.resolve(s.now(), s.routes.Location())
	if err != nil {
		respondErr(w, err)
		return
	}
	sess, err := s.sessions.ChangeRoute(r.Context(), mux.Vars(r)["id"], req.VehicleID, rng)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(sess))
}

// runCommand applies a named transport command to a controller
func runCommand(c *playback.Controller, command string) error {
	switch command {
	case "play":
		return c.Play()
	case "pause":
		return c.Pause()
	case "stop":
		return c.Stop()
	case "faster":
		return c.NextRate()
	case "slower":
		return c.PrevRate()
	default:
		return fmt.Errorf("%w: unknown command %q", playback.ErrInvalidArgument, command)
	}
}

func (s *Server) handlePlaybackCommand(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := runCommand(sess.Controller(), mux.Vars(r)["command"]); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(sess))
}

// seek applies whichever position the request carries. Exactly one of
// index, progress and time must be set.
func seek(c *playback.Controller, req seekRequest) error {
	set := 0
	for _, present := range []bool{req.Index != nil, req.Progress != nil, req.Time != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		metrics.PlaybackRejected.WithLabelValues("seek").Inc()
		return fmt.Errorf("%w: exactly one of index, progress or time is required", playback.ErrInvalidArgument)
	}
	switch {
	case req.Index != nil:
		return c.Seek(*req.Index)
	case req.Progress != nil:
		return c.SeekProgress(*req.Progress)
	default:
		return c.SeekTime(*req.Time)
	}
}

func (s *Server) handlePlaybackSeek(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req seekRequest
	if err := decodeBody(w, r, &req); err != nil {
		metrics.PlaybackRejected.WithLabelValues("seek").Inc()
		respondErr(w, err)
		return
	}
	if err := seek(sess.Controller(), req); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handlePlaybackRate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req rateRequest
	if err := decodeBody(w, r, &req); err != nil {
		metrics.PlaybackRejected.WithLabelValues("rate").Inc()
		respondErr(w, err)
		return
	}
	if err := sess.Controller().SetRate(req.Rate); err != nil {
		metrics.PlaybackRejected.WithLabelValues("rate").Inc()
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(sess))
}

// streamMessage is exchanged over the playback websocket. Clients send
// commands (play, pause, stop, faster, slower, seek, rate); the server
// sends "update" and "error" messages.
type streamMessage struct {
	Type     string          `json:"type"`
	Update   *service.Update `json:"update,omitempty"`
	Error    string          `json:"error,omitempty"`
	Index    *int            `json:"index,omitempty"`
	Progress *float64        `json:"progress,omitempty"`
	Time     *time.Time      `json:"time,omitempty"`
	Rate     float64         `json:"rate,omitempty"`
}

func (s *Server) handlePlaybackStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		respondErr(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("session_id", sess.ID).Msg("websocket upgrade failed")
		return
	}
	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	updates, cancel := sess.Subscribe(streamBuffer)
	defer cancel()

	replies := make(chan streamMessage, 4)
	done := make(chan struct{})
	go s.readStream(conn, sess, replies, done)

	first := sess.Current()
	if err := writeStream(conn, streamMessage{Type: "update", Update: &first}); err != nil {
		conn.Close()
		return
	}
	s.writeStream(conn, updates, replies, done)
}

// readStream applies client commands until the connection fails
func (s *Server) readStream(conn *websocket.Conn, sess *service.Session, replies chan<- streamMessage, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("session_id", sess.ID).Msg("playback stream closed")
			}
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			reply(replies, streamMessage{Type: "error", Error: "invalid message"})
			continue
		}

		ctrl := sess.Controller()
		switch msg.Type {
		case "seek":
			err = seek(ctrl, seekRequest{Index: msg.Index, Progress: msg.Progress, Time: msg.Time})
		case "rate":
			if err = ctrl.SetRate(msg.Rate); err != nil {
				metrics.PlaybackRejected.WithLabelValues("rate").Inc()
			}
		case "ping":
			reply(replies, streamMessage{Type: "pong"})
			continue
		default:
			err = runCommand(ctrl, msg.Type)
		}
		if err != nil {
			reply(replies, streamMessage{Type: "error", Error: err.Error()})
		}
	}
}

// reply queues a message for the writer, dropping it when the queue is full
func reply(replies chan<- streamMessage, msg streamMessage) {
	select {
	case replies <- msg:
	default:
	}
}

// writeStream forwards updates and replies until the session closes or
// the reader stops
func (s *Server) writeStream(conn *websocket.Conn, updates <-chan service.Update, replies <-chan streamMessage, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := writeStream(conn, streamMessage{Type: "update", Update: &u}); err != nil {
				return
			}
		case msg := <-replies:
			if err := writeStream(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeStream(conn *websocket.Conn, msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
