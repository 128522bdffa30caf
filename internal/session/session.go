package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/replay/internal/index"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/playback"
	"github.com/zsiec/replay/internal/seek"
)

// ErrClosed is returned for commands sent to a session that has ended.
var ErrClosed = errors.New("session: closed")

// Config configures a Session.
type Config struct {
	Playback playback.Config
	// PrecisionTarget triggers refinement of a Hierarchical index when a
	// seek lands further than this from its target. Zero disables it.
	PrecisionTarget float64
	Logger          *slog.Logger
}

type commandKind uint8

const (
	cmdSeek commandKind = iota + 1
	cmdSetRate
	cmdPlay
	cmdPause
	cmdStop
	cmdAdvance
	cmdAdjustSync
	cmdSetPosition
)

type command struct {
	kind  commandKind
	value float64
	idx   *index.KeyframeIndex
	reply chan reply
}

type reply struct {
	res seek.Result
	pos float64
	err error
}

// Session is one viewer's playback of one file. All controller mutations run
// on the goroutine started by Run; other goroutines send commands and read
// State snapshots.
type Session struct {
	ID        string
	StartedAt time.Time

	file  *File
	queue *playback.SegmentQueue
	cfg   Config
	log   *slog.Logger

	ctrl  *playback.Controller // owned by Run
	state atomic.Pointer[snapshot]
	cmds  chan command
	done  chan struct{}
	once  sync.Once
}

// snapshot pairs a controller state with the queue generation current when
// it was published.
type snapshot struct {
	st  playback.State
	gen uint64
}

// New returns a session over file. Call Run to start processing commands.
func New(id string, file *File, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("component", "session", "session", id)
	s := &Session{
		ID:        id,
		StartedAt: time.Now(),
		file:      file,
		cfg:       cfg,
		log:       log,
		cmds:      make(chan command),
		done:      make(chan struct{}),
	}
	s.queue = playback.NewSegmentQueue(playback.DefaultConfig().BaseQueueDepth)
	s.ctrl = playback.NewController(cfg.Playback, nil, s.queue, cfg.Logger)
	s.publish()
	return s
}

// File returns the session's source file.
func (s *Session) File() *File { return s.file }

// Queue returns the transmission queue the controller sizes and clears.
func (s *Session) Queue() *playback.SegmentQueue { return s.queue }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the latest controller snapshot.
func (s *Session) State() playback.State {
	return s.state.Load().st
}

// Cursor returns the latest state together with the queue generation it
// belongs to. Segments produced from that state must carry that generation.
func (s *Session) Cursor() (playback.State, uint64) {
	snap := s.state.Load()
	return snap.st, snap.gen
}

// Index waits for the session's keyframe index.
func (s *Session) Index(ctx context.Context) (*index.KeyframeIndex, error) {
	return s.file.Index(ctx)
}

func (s *Session) publish() {
	s.state.Store(&snapshot{st: s.ctrl.State(), gen: s.queue.Generation()})
}

// Run processes commands until ctx is cancelled. It closes the file and the
// queue on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.once.Do(func() {
		close(s.done)
		s.queue.Close()
		s.file.Close()
	})
	s.log.Info("session started", "path", s.file.Path)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("session ended", "path", s.file.Path, "position", s.ctrl.State().CurrentPosition)
			return nil
		case c := <-s.cmds:
			r := s.handle(c)
			s.publish()
			c.reply <- r
		}
	}
}

func (s *Session) handle(c command) reply {
	switch c.kind {
	case cmdSeek:
		s.ctrl.SetSeeker(playback.IndexSeeker{Index: c.idx})
		res, err := s.ctrl.Seek(c.value)
		if err == nil {
			s.maybeRefine(c.idx, res)
		}
		return reply{res: res, pos: s.ctrl.State().CurrentPosition, err: err}
	case cmdSetRate:
		return reply{err: s.ctrl.SetPlaybackRate(c.value)}
	case cmdPlay:
		s.ctrl.Play()
	case cmdPause:
		s.ctrl.Pause()
	case cmdStop:
		s.ctrl.Stop()
	case cmdAdvance:
		s.clampAdvance(c.value)
	case cmdAdjustSync:
		s.ctrl.AdjustSync(c.value)
	case cmdSetPosition:
		s.ctrl.SetPosition(c.value)
	}
	return reply{pos: s.ctrl.State().CurrentPosition}
}

// clampAdvance advances the position and stops at the end of the stream.
func (s *Session) clampAdvance(dt float64) {
	pos := s.ctrl.Advance(dt)
	if idx, ok := s.file.Ready(); ok && pos > idx.TotalDuration {
		s.ctrl.SetPosition(idx.TotalDuration)
		s.ctrl.Pause()
	}
}

func (s *Session) maybeRefine(idx *index.KeyframeIndex, res seek.Result) {
	if s.cfg.PrecisionTarget <= 0 || idx.Strategy != index.Hierarchical {
		return
	}
	if res.PrecisionAchieved > s.cfg.PrecisionTarget {
		s.file.Refine(res.RequestedTime)
	}
}

func (s *Session) send(ctx context.Context, c command) (reply, error) {
	c.reply = make(chan reply, 1)
	select {
	case s.cmds <- c:
	case <-s.done:
		return reply{}, ErrClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	// Once accepted the command always completes.
	r := <-c.reply
	return r, r.err
}

// Seek moves playback to the keyframe at or before t. It waits for the index
// if the build has not finished.
func (s *Session) Seek(ctx context.Context, t float64) (seek.Result, error) {
	idx, err := s.file.Index(ctx)
	if err != nil {
		var pe *media.PlaybackError
		if errors.As(err, &pe) {
			pe.Position = t
		}
		return seek.Result{}, err
	}
	r, err := s.send(ctx, command{kind: cmdSeek, value: t, idx: idx})
	return r.res, err
}

// SetPlaybackRate changes the playback rate.
func (s *Session) SetPlaybackRate(ctx context.Context, rate float64) error {
	_, err := s.send(ctx, command{kind: cmdSetRate, value: rate})
	return err
}

// Play starts or resumes playback.
func (s *Session) Play(ctx context.Context) error {
	_, err := s.send(ctx, command{kind: cmdPlay})
	return err
}

// Pause halts playback.
func (s *Session) Pause(ctx context.Context) error {
	_, err := s.send(ctx, command{kind: cmdPause})
	return err
}

// Stop halts playback and rewinds.
func (s *Session) Stop(ctx context.Context) error {
	_, err := s.send(ctx, command{kind: cmdStop})
	return err
}

// Advance moves the playback position by dt seconds of wall time and returns
// the new position.
func (s *Session) Advance(ctx context.Context, dt time.Duration) (float64, error) {
	r, err := s.send(ctx, command{kind: cmdAdvance, value: dt.Seconds()})
	return r.pos, err
}

// SetPosition records the media time of the last transmitted unit.
func (s *Session) SetPosition(ctx context.Context, pos float64) error {
	_, err := s.send(ctx, command{kind: cmdSetPosition, value: pos})
	return err
}

// AdjustSync reports drift between transmission and playback time.
func (s *Session) AdjustSync(ctx context.Context, delta float64) error {
	_, err := s.send(ctx, command{kind: cmdAdjustSync, value: delta})
	return err
}
