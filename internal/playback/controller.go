package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-replay/internal/logging"
	"fleet-replay/internal/timeline"
)

var (
	// ErrInvalidArgument is the root of every rejected playback input
	ErrInvalidArgument = errors.New("playback: invalid argument")
	// ErrInvalidRate is returned for non-positive, non-finite or out of range rates
	ErrInvalidRate = fmt.Errorf("%w: rate multiplier", ErrInvalidArgument)
	// ErrClosed is returned by every mutating call after Close
	ErrClosed = errors.New("playback: controller closed")
)

// State is a point-in-time copy of the controller state
type State struct {
	Index   int     `json:"index"`
	Count   int     `json:"count"`
	Playing bool    `json:"playing"`
	Rate    float64 `json:"rate"`
	Version uint64  `json:"version"`
}

// Status returns "playing" or "stopped"
func (s State) Status() string {
	if s.Playing {
		return "playing"
	}
	return "stopped"
}

// Option customises a Controller
type Option func(*Controller)

// WithScheduler replaces the wall clock, mainly for tests
func WithScheduler(s Scheduler) Option {
	return func(c *Controller) { c.sched = s }
}

// WithOnChange registers an observer called after every state change.
// It runs outside the controller lock, possibly on the timer goroutine;
// use State.Version to order updates.
func WithOnChange(fn func(State)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// WithVersion starts the version counter at v. A controller that replaces
// another passes the old one's last version so updates stay ordered.
func WithVersion(v uint64) Option {
	return func(c *Controller) { c.version = v }
}

// WithLogger sets the controller logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller steps a current index through a route over time. It owns at
// most one pending timer; every cancellation bumps gen so that a callback
// which already left the timer queue finds itself stale and does nothing.
type Controller struct {
	mu       sync.Mutex
	mapper   *timeline.Mapper
	cfg      Config
	rates    []float64
	sched    Scheduler
	onChange func(State)
	log      zerolog.Logger

	index   int
	playing bool
	rate    float64
	version uint64
	gen     uint64
	timer   Timer
	closed  bool
}

// New creates a stopped controller at index 0
func New(mapper *timeline.Mapper, cfg Config, opts ...Option) (*Controller, error) {
	if mapper == nil {
		return nil, timeline.ErrEmptyRoute
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		mapper: mapper,
		cfg:    cfg,
		rates:  cfg.sortedRates(),
		sched:  WallClock,
		log:    logging.With().Str("component", "playback").Logger(),
		rate:   cfg.InitialRate,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mapper returns the timeline the controller walks
func (c *Controller) Mapper() *timeline.Mapper {
	return c.mapper
}

// Rates returns the configured rate presets in ascending order
func (c *Controller) Rates() []float64 {
	return append([]float64(nil), c.rates...)
}

// State returns a copy of the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Frame returns the renderable frame at the current index
func (c *Controller) Frame() timeline.Frame {
	return c.mapper.FrameAt(c.State().Index)
}

func (c *Controller) stateLocked() State {
	return State{
		Index:   c.index,
		Count:   c.mapper.Len(),
		Playing: c.playing,
		Rate:    c.rate,
		Version: c.version,
	}
}

// interval is BaseInterval / rate
func (c *Controller) interval() time.Duration {
	d := time.Duration(float64(c.cfg.BaseInterval) / c.rate)
	if d <= 0 {
		d = time.Nanosecond
	}
	return d
}

// scheduleLocked replaces any pending timer with a fresh one
func (c *Controller) scheduleLocked() {
	c.cancelLocked()
	gen := c.gen
	c.timer = c.sched.AfterFunc(c.interval(), func() { c.tick(gen) })
}

func (c *Controller) cancelLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// commitLocked records a change and returns what must be published once
// the lock is released
func (c *Controller) commitLocked() (State, func(State)) {
	c.version++
	return c.stateLocked(), c.onChange
}

func publish(st State, fn func(State)) {
	if fn != nil {
		fn(st)
	}
}

func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	if c.closed || !c.playing || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil

	last := c.mapper.Last()
	if c.index < last {
		c.index++
	}
	if c.index >= last {
		c.playing = false
		c.gen++
		c.log.Debug().Int("index", c.index).Msg("reached end of route")
	} else {
		c.scheduleLocked()
	}
	st, fn := c.commitLocked()
	c.mu.Unlock()
	publish(st, fn)
}

// Play starts auto-advance. It is a no-op while already playing and
// restarts from the first sample when positioned on the last one. A
// single-sample route has nothing to advance and stays stopped.
func (c *Controller) Play() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.playing || c.mapper.Last() == 0 {
		c.mu.Unlock()
		return nil
	}
	if c.index >= c.mapper.Last() {
		c.index = 0
	}
	c.playing = true
	c.scheduleLocked()
	c.log.Debug().Int("index", c.index).Float64("rate", c.rate).Msg("play")
	st, fn := c.commitLocked()
	c.mu.Unlock()
	publish(st, fn)
	return nil
}

// Pause stops auto-advance and keeps the current index
func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.playing {
		c.mu.Unlock()
		return nil
	}
	c.cancelLocked()
	c.playing = false
	st, fn := c.commitLocked()
	c.mu.Unlock()
	publish(st, fn)
	return nil
}

// Stop halts playback and rewinds to the first sample
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.cancelLocked()
	c.playing = false
	c.index = 0
	st, fn := c.commitLocked()
	c.mu.Unlock()
	publish(st, fn)
	return nil
}

// Seek jumps to index, clamped to the route. While playing, the advance
// timer restarts from the new position.
func (c *Controller) Seek(index int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.index = c.mapper.Clamp(index)
	if c.playing {
		c.scheduleLocked()
	}
	st, fn := c.commitLocked()
	c.mu.Unlock()
	publish(st, fn)
	return nil
}

// SeekProgress seeks to the sample nearest a 0-1 progress ratio
func (c *Controller) SeekProgress(progress float64) error {
	return c.Seek(c.mapper.IndexAt(progress))
}

// SeekTime seeks to the sample nearest t
func (c *Controller) SeekTime(t time.Time) error {
	return c.Seek(c.mapper.IndexAtTime(t))
}

// SetRate changes the speed multiplier. Rejected values leave the rate
// untouched. While playing, the pending tick is rescheduled at the new
// interval without moving the index.
func (c *Controller) SetRate(rate float64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.cfg.allows(rate) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v not in [%v, %v]", ErrInvalidRate, rate, c.cfg.MinRate, c.cfg.MaxRate)
	}
	c.rate = rate
	if c.playing {
		c.scheduleLocked()
	}
	st, fn := c.commitLocked()
	c.mu.Unlock()
	publish(st, fn)
	return nil
}

// NextRate moves to the next faster preset, staying put at the fastest
func (c *Controller) NextRate() error {
	current := c.State().Rate
	for _, r := range c.rates {
		if r > current {
			return c.SetRate(r)
		}
	}
	return nil
}

// PrevRate moves to the next slower preset, staying put at the slowest
func (c *Controller) PrevRate() error {
	current := c.State().Rate
	for i := len(c.rates) - 1; i >= 0; i-- {
		if c.rates[i] < current {
			return c.SetRate(c.rates[i])
		}
	}
	return nil
}

// Close cancels any pending tick and rejects further calls. It is safe to
// call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.cancelLocked()
	c.playing = false
	c.closed = true
	return nil
}
