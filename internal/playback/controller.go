package playback

import (
	"log/slog"
	"math"

	"github.com/zsiec/replay/internal/index"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/seek"
)

// Mode is the transport state of a controller.
type Mode uint8

const (
	Stopped Mode = iota
	Playing
	Paused
)

func (m Mode) String() string {
	switch m {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Config bounds the accepted playback rates and sizes the transmission
// queue at 1x.
type Config struct {
	MinRate        float64
	MaxRate        float64
	BaseQueueDepth int
}

// DefaultConfig returns the 0.25x-4x range with an eight-segment queue.
func DefaultConfig() Config {
	return Config{MinRate: 0.25, MaxRate: 4.0, BaseQueueDepth: 8}
}

func (c *Config) withDefaults() {
	d := DefaultConfig()
	if c.MinRate <= 0 {
		c.MinRate = d.MinRate
	}
	if c.MaxRate <= 0 || c.MaxRate < c.MinRate {
		c.MaxRate = max(d.MaxRate, c.MinRate)
	}
	if c.BaseQueueDepth <= 0 {
		c.BaseQueueDepth = d.BaseQueueDepth
	}
}

// State is a snapshot of a controller.
type State struct {
	CurrentPosition float64
	PlaybackRate    float64
	// LastSeekPosition is the actual time of the last successful seek; valid
	// only when HasSeeked is set.
	LastSeekPosition float64
	HasSeeked        bool
	SyncOffset       float64
	ActiveStrategy   DropStrategy
	QueueDepth       int
	Mode             Mode
}

// Seeker resolves a seek request.
type Seeker interface {
	Seek(t float64) (seek.Result, error)
}

// SeekFunc adapts a function to Seeker.
type SeekFunc func(t float64) (seek.Result, error)

// Seek implements Seeker.
func (f SeekFunc) Seek(t float64) (seek.Result, error) { return f(t) }

// IndexSeeker seeks within a fixed index.
type IndexSeeker struct {
	Index *index.KeyframeIndex
}

// Seek implements Seeker.
func (s IndexSeeker) Seek(t float64) (seek.Result, error) {
	return seek.Seek(s.Index, t)
}

// Buffers is the downstream store of segments waiting for transmission.
type Buffers interface {
	Clear()
	SetDepth(n int)
}

// Controller owns the playback state of one session. It is not safe for
// concurrent use: exactly one goroutine drives it, and others observe it
// through State snapshots.
type Controller struct {
	cfg     Config
	seeker  Seeker
	buffers Buffers
	log     *slog.Logger
	state   State
}

// NewController returns a stopped controller at 1x. buffers may be nil.
func NewController(cfg Config, seeker Seeker, buffers Buffers, log *slog.Logger) *Controller {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		cfg:     cfg,
		seeker:  seeker,
		buffers: buffers,
		log:     log.With("component", "playback"),
	}
	c.state = State{
		PlaybackRate:   1.0,
		ActiveStrategy: StrategyForRate(1.0),
		QueueDepth:     QueueDepthForRate(cfg.BaseQueueDepth, 1.0),
	}
	if buffers != nil {
		buffers.SetDepth(c.state.QueueDepth)
	}
	return c
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	return c.state
}

// Config returns the controller's effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// SetSeeker replaces the seek collaborator, e.g. after an index rebuild.
func (c *Controller) SetSeeker(s Seeker) {
	c.seeker = s
}

// Play starts or resumes playback at the current rate.
func (c *Controller) Play() {
	c.state.Mode = Playing
	c.state.ActiveStrategy = StrategyForRate(c.state.PlaybackRate)
}

// Pause halts position advance. Strategy selection behaves as rate zero.
func (c *Controller) Pause() {
	c.state.Mode = Paused
	c.state.ActiveStrategy = StrategyForRate(0)
}

// Stop halts playback, rewinds to the start and drops buffered segments.
func (c *Controller) Stop() {
	c.state.Mode = Stopped
	c.state.CurrentPosition = 0
	c.state.ActiveStrategy = StrategyForRate(c.state.PlaybackRate)
	c.ClearBuffers()
}

// Advance moves the position by dt seconds of wall time scaled by the rate.
// It has no effect unless playing.
func (c *Controller) Advance(dt float64) float64 {
	if c.state.Mode == Playing && dt > 0 {
		c.state.CurrentPosition += dt * c.state.PlaybackRate
	}
	return c.state.CurrentPosition
}

// SetPosition moves the position without seeking, e.g. to clamp at the end
// of the stream.
func (c *Controller) SetPosition(pos float64) {
	c.state.CurrentPosition = pos
}

// SetPlaybackRate validates rate against the configured range and replaces
// rate, drop strategy and queue depth together.
func (c *Controller) SetPlaybackRate(rate float64) error {
	if math.IsNaN(rate) || rate < c.cfg.MinRate || rate > c.cfg.MaxRate {
		return &media.PlaybackError{Kind: media.InvalidPlaybackRate, Rate: rate}
	}

	next := c.state
	next.PlaybackRate = rate
	next.QueueDepth = QueueDepthForRate(c.cfg.BaseQueueDepth, rate)
	if next.Mode == Paused {
		next.ActiveStrategy = StrategyForRate(0)
	} else {
		next.ActiveStrategy = StrategyForRate(rate)
	}
	c.state = next

	if c.buffers != nil {
		c.buffers.SetDepth(next.QueueDepth)
	}
	c.log.Debug("playback rate changed", "rate", rate, "strategy", next.ActiveStrategy, "queue_depth", next.QueueDepth)
	return nil
}

// Seek resolves pos through the seeker, then resets the sync offset, records
// the landing time and invalidates buffered segments. A failed seek leaves
// the state untouched.
func (c *Controller) Seek(pos float64) (seek.Result, error) {
	if c.seeker == nil {
		return seek.Result{}, &media.PlaybackError{Kind: media.KeyframeNotFound, Position: pos, Err: media.ErrNotReady}
	}
	res, err := c.seeker.Seek(pos)
	if err != nil {
		return seek.Result{}, err
	}
	c.state.SyncOffset = 0
	c.state.LastSeekPosition = res.ActualTime
	c.state.HasSeeked = true
	c.state.CurrentPosition = res.ActualTime
	c.ClearBuffers()

	c.log.Debug("seek", "requested", pos, "actual", res.ActualTime, "precision", res.PrecisionAchieved)
	return res, nil
}

// ClearBuffers drops every buffered segment. Repeated calls are harmless.
func (c *Controller) ClearBuffers() {
	if c.buffers != nil {
		c.buffers.Clear()
	}
}

// AdjustSync accumulates drift reported by the transmitter.
func (c *Controller) AdjustSync(delta float64) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return
	}
	c.state.SyncOffset += delta
}
