package transmit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/replay/internal/demux"
	"github.com/zsiec/replay/internal/index"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/playback"
	"github.com/zsiec/replay/internal/seek"
	"github.com/zsiec/replay/internal/session"
)

const (
	// maxPayload is the largest single write, one SRT live-mode payload.
	maxPayload = 1316
	// defaultTick is the sender's clock resolution.
	defaultTick = 10 * time.Millisecond
	// syncThreshold is how far drift must move before it is reported.
	syncThreshold = 0.1
)

// StreamerStats counts what a Streamer delivered.
type StreamerStats struct {
	Units   uint64
	Bytes   uint64
	Dropped uint64
}

// Streamer moves one session's access units to a writer. A producer reads
// units from the playback position, filters them with the session's drop
// strategy and queues them; a sender releases each unit once the session
// clock reaches its media time. A session's queue has a single consumer, so
// at most one Streamer may run per session.
type Streamer struct {
	sess *session.Session
	w    io.Writer
	log  *slog.Logger
	tick time.Duration

	units   atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
}

// NewStreamer returns a Streamer writing sess to w. If log is nil,
// slog.Default() is used.
func NewStreamer(sess *session.Session, w io.Writer, log *slog.Logger) *Streamer {
	if log == nil {
		log = slog.Default()
	}
	return &Streamer{
		sess: sess,
		w:    w,
		log:  log.With("component", "streamer", "session", sess.ID),
		tick: defaultTick,
	}
}

// Stats returns delivery counters.
func (s *Streamer) Stats() StreamerStats {
	return StreamerStats{Units: s.units.Load(), Bytes: s.bytes.Load(), Dropped: s.dropped.Load()}
}

// Run streams until ctx is cancelled, the session ends or a write fails.
func (s *Streamer) Run(ctx context.Context) error {
	path := s.sess.File().Path
	f, err := os.Open(path)
	if err != nil {
		return &media.FileError{Kind: media.IoError, Path: path, Err: err}
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return &media.FileError{Kind: media.IoError, Path: path, Err: err}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.produce(ctx, f, fi.Size()) })
	g.Go(func() error { return s.send(ctx) })
	return g.Wait()
}

// produce fills the queue from the current playback position and starts
// over whenever a seek or stop clears the queue.
func (s *Streamer) produce(ctx context.Context, f *os.File, size int64) error {
	q := s.sess.Queue()
	for {
		st, gen := s.sess.Cursor()
		if gen != q.Generation() {
			// A clear is not yet reflected in the published state.
			if !sleep(ctx, s.tick) {
				return nil
			}
			continue
		}
		idx, err := s.sess.Index(ctx)
		if err != nil {
			if ctx.Err() != nil || closed(s.sess) {
				return nil
			}
			return err
		}

		err = s.fill(ctx, f, size, idx, st.CurrentPosition, gen)
		switch {
		case errors.Is(err, playback.ErrStaleSegment):
		case errors.Is(err, playback.ErrQueueClosed), ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		default:
			s.log.Debug("end of stream reached")
			if !s.waitGeneration(ctx, gen) {
				return nil
			}
		}
	}
}

// fill queues units from the keyframe at or before pos until the end of the
// file. It returns nil at end of file.
func (s *Streamer) fill(ctx context.Context, f *os.File, size int64, idx *index.KeyframeIndex, pos float64, gen uint64) error {
	res, err := seek.Seek(idx, pos)
	if err != nil {
		return err
	}
	fps := idx.FrameRate
	if fps <= 0 {
		fps = index.DefaultFrameRate
	}

	// A degraded index carries no offsets, so scan from the start and skip
	// to the landing keyframe.
	base, baseTime, skipUntil := res.KeyframeOffset, res.ActualTime, -1.0
	if idx.Degraded {
		base, baseTime, skipUntil = 0, 0, res.ActualTime-0.5/fps
	}
	if int64(base) > size {
		return &media.FileError{Kind: media.IoError, Path: f.Name(), Err: io.ErrUnexpectedEOF}
	}
	baseOrdinal := uint64(math.Round(baseTime * fps))

	sc := demux.NewScanner(io.NewSectionReader(f, int64(base), size-int64(base)), demux.ScannerOptions{Path: f.Name()})
	filter := playback.NewDropFilter(s.sess.State().ActiveStrategy, idx)
	q := s.sess.Queue()

	for {
		au, err := sc.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		au.Offset += base
		au.Ordinal += baseOrdinal
		t := float64(au.Ordinal) / fps

		if skipUntil >= 0 {
			if t < skipUntil || !au.Type.IsKeyframe() {
				continue
			}
			skipUntil = -1
		}
		filter.SetStrategy(s.sess.State().ActiveStrategy)
		if !filter.Keep(au) {
			s.dropped.Add(1)
			continue
		}

		data := make([]byte, au.Size)
		if _, err := f.ReadAt(data, int64(au.Offset)); err != nil {
			return &media.FileError{Kind: media.IoError, Path: f.Name(), Err: fmt.Errorf("read unit at %d: %w", au.Offset, err)}
		}
		if err := q.Push(ctx, playback.Segment{Unit: au, Data: data, Time: t, Generation: gen}); err != nil {
			return err
		}
	}
}

// waitGeneration blocks until the queue generation moves past gen.
func (s *Streamer) waitGeneration(ctx context.Context, gen uint64) bool {
	q := s.sess.Queue()
	for q.Generation() == gen {
		if closed(s.sess) || !sleep(ctx, s.tick) {
			return false
		}
	}
	return true
}

// send drives the session clock and writes each unit once the clock reaches
// its media time.
func (s *Streamer) send(ctx context.Context) error {
	q := s.sess.Queue()
	var (
		pending  *playback.Segment
		last     = time.Now()
		reported float64
		gen      = q.Generation()
	)
	for {
		if pending == nil {
			seg, err := s.pop(ctx)
			switch {
			case errors.Is(err, playback.ErrQueueClosed):
				return nil
			case err == nil:
				pending = &seg
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		now := time.Now()
		pos, err := s.sess.Advance(ctx, now.Sub(last))
		last = now
		if err != nil {
			return nil
		}

		if g := q.Generation(); g != gen {
			// Seeks reset the sync offset.
			gen, reported = g, 0
		}
		if pending != nil && pending.Generation != gen {
			pending = nil
			continue
		}
		if pending == nil {
			continue
		}
		// Units already due are flushed even when playback has just paused
		// at the end of the stream.
		if ahead := pending.Time - pos; ahead > 0 {
			wait := s.tick
			if st := s.sess.State(); st.Mode == playback.Playing {
				wait = min(wait, time.Duration(ahead/st.PlaybackRate*float64(time.Second)))
			}
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		if drift := pos - pending.Time; math.Abs(drift-reported) > syncThreshold {
			if err := s.sess.AdjustSync(ctx, drift-reported); err == nil {
				reported = drift
			}
		}
		if err := s.write(pending.Data); err != nil {
			return fmt.Errorf("write unit %d: %w", pending.Unit.Ordinal, err)
		}
		pending = nil
	}
}

// pop waits at most one tick for a segment so the clock keeps running while
// the queue is empty.
func (s *Streamer) pop(ctx context.Context) (playback.Segment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.tick)
	defer cancel()
	return s.sess.Queue().Pop(ctx)
}

func (s *Streamer) write(data []byte) error {
	for p := data; len(p) > 0; {
		n := min(len(p), maxPayload)
		if _, err := s.w.Write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	s.units.Add(1)
	s.bytes.Add(uint64(len(data)))
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func closed(sess *session.Session) bool {
	select {
	case <-sess.Done():
		return true
	default:
		return false
	}
}
