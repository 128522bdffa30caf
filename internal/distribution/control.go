package distribution

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zsiec/replay/internal/control"
	"github.com/zsiec/replay/internal/session"
)

// errSetup marks a control stream that failed before a session existed.
var errSetup = errors.New("distribution: setup failed")

// msgWriter serialises writes to a control stream.
type msgWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (m *msgWriter) write(msgType uint64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return control.WriteMsg(m.w, msgType, payload)
}

func (m *msgWriter) writeError(requestType uint64, err error) error {
	return m.write(control.MsgError, control.SerializeError(control.ErrorFor(requestType, err)))
}

// serveControl runs the control protocol on one stream: a SETUP handshake
// that opens a session, then one response per request until the stream
// ends. The session is removed when serveControl returns.
func (s *Server) serveControl(ctx context.Context, rw io.ReadWriter, log *slog.Logger) error {
	w := &msgWriter{w: rw}
	r := bufio.NewReader(rw)

	sess, err := s.setup(ctx, r, w)
	if err != nil {
		log.Warn("control setup failed", "error", err)
		return err
	}
	defer s.config.Registry.Remove(sess.ID)
	log = log.With("session", sess.ID)

	stop := context.AfterFunc(ctx, func() {
		_ = w.write(control.MsgGoAway, control.SerializeGoAway(control.GoAway{Reason: "session ended"}))
		if c, ok := rw.(io.Closer); ok {
			c.Close()
		}
	})
	defer stop()

	for {
		msgType, payload, err := control.ReadMsg(r)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		respType, resp := s.dispatch(ctx, sess, msgType, payload)
		if respType == control.MsgError {
			log.Debug("control request failed", "type", msgType)
		}
		if err := w.write(respType, resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func (s *Server) setup(ctx context.Context, r io.Reader, w *msgWriter) (*session.Session, error) {
	msgType, payload, err := control.ReadMsg(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errSetup, err)
	}
	if msgType != control.MsgSetup {
		err := fmt.Errorf("%w: message %#x before setup", control.ErrUnexpectedMessage, msgType)
		_ = w.writeError(msgType, err)
		return nil, fmt.Errorf("%w: %w", errSetup, err)
	}
	req, err := control.ParseSetup(payload)
	if err != nil {
		_ = w.writeError(msgType, err)
		return nil, fmt.Errorf("%w: %w", errSetup, err)
	}
	if req.Version != control.Version {
		err := fmt.Errorf("%w: %d", control.ErrVersionMismatch, req.Version)
		_ = w.writeError(msgType, err)
		return nil, fmt.Errorf("%w: %w", errSetup, err)
	}

	sess, err := s.config.Registry.Open(ctx, req.Path)
	if err != nil {
		_ = w.writeError(msgType, err)
		return nil, fmt.Errorf("%w: %w", errSetup, err)
	}
	ok := control.SetupOK{Version: control.Version, SessionID: sess.ID}
	if err := w.write(control.MsgSetupOK, control.SerializeSetupOK(ok)); err != nil {
		s.config.Registry.Remove(sess.ID)
		return nil, err
	}
	return sess, nil
}

// dispatch executes one request and returns the response message.
func (s *Server) dispatch(ctx context.Context, sess *session.Session, msgType uint64, payload []byte) (uint64, []byte) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	fail := func(err error) (uint64, []byte) {
		return control.MsgError, control.SerializeError(control.ErrorFor(msgType, err))
	}

	switch msgType {
	case control.MsgSeek:
		req, err := control.ParseSeek(payload)
		if err != nil {
			return fail(err)
		}
		ok, err := seekSession(ctx, sess, req.Target)
		if err != nil {
			return fail(err)
		}
		return control.MsgSeekOK, control.SerializeSeekOK(ok)

	case control.MsgSetPlaybackSpeed:
		req, err := control.ParseSetPlaybackSpeed(payload)
		if err != nil {
			return fail(err)
		}
		ok, err := setSpeed(ctx, sess, float64(req.Speed))
		if err != nil {
			return fail(err)
		}
		return control.MsgSpeedOK, control.SerializeSpeedOK(ok)

	case control.MsgGetKeyframeIndex:
		idx, err := sess.Index(ctx)
		if err != nil {
			return fail(err)
		}
		data, err := idx.MarshalBinary()
		if err != nil {
			return fail(err)
		}
		return control.MsgKeyframeIndex, control.SerializeKeyframeIndex(control.KeyframeIndex{Data: data})

	case control.MsgPlay, control.MsgPause, control.MsgStop:
		if err := transport(ctx, sess, msgType); err != nil {
			return fail(err)
		}
		ok := control.OK{RequestType: msgType, Position: sess.State().CurrentPosition}
		return control.MsgOK, control.SerializeOK(ok)

	default:
		return fail(fmt.Errorf("%w: %#x", control.ErrUnexpectedMessage, msgType))
	}
}

func seekSession(ctx context.Context, sess *session.Session, t float64) (control.SeekOK, error) {
	res, err := sess.Seek(ctx, t)
	if err != nil {
		return control.SeekOK{}, err
	}
	return control.SeekOK{
		Requested:      res.RequestedTime,
		Actual:         res.ActualTime,
		Precision:      res.PrecisionAchieved,
		KeyframeOffset: res.KeyframeOffset,
	}, nil
}

func setSpeed(ctx context.Context, sess *session.Session, speed float64) (control.SpeedOK, error) {
	if err := sess.SetPlaybackRate(ctx, speed); err != nil {
		return control.SpeedOK{}, err
	}
	st := sess.State()
	return control.SpeedOK{
		Speed:      float32(st.PlaybackRate),
		QueueDepth: uint64(st.QueueDepth),
		Strategy:   byte(st.ActiveStrategy.Kind),
	}, nil
}

func transport(ctx context.Context, sess *session.Session, msgType uint64) error {
	switch msgType {
	case control.MsgPlay:
		return sess.Play(ctx)
	case control.MsgPause:
		return sess.Pause(ctx)
	default:
		return sess.Stop(ctx)
	}
}
