// Package transmit delivers session media to viewers over SRT. A viewer
// dials the listener with its session id as the SRT stream id and receives
// the session's H.264 access units as an Annex B byte stream, paced by the
// playback rate and filtered by the active drop strategy.
package transmit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/replay/internal/session"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Server accepts SRT viewer connections and streams the session named by
// each connection's stream id.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *session.Registry

	mu     sync.Mutex
	active map[string]struct{}
}

// NewServer creates an SRT server that listens on addr and serves sessions
// from registry. If log is nil, slog.Default() is used.
func NewServer(addr string, registry *session.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
		active:   make(map[string]struct{}),
	}
}

// Start begins accepting SRT viewer connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if _, ok := s.lookup(req.StreamID); !ok {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		sess, ok := s.lookup(conn.StreamID())
		if !ok {
			// The session ended between the handshake and accept.
			conn.Close()
			continue
		}
		s.log.Info("viewer connected", "session", sess.ID, "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn, sess)
	}
}

func (s *Server) lookup(streamID string) (*session.Session, bool) {
	return s.registry.Get(SessionID(streamID))
}

// claim reserves a session for one viewer.
func (s *Server) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[id]; busy {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

func (s *Server) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, sess *session.Session) {
	defer conn.Close()

	if !s.claim(sess.ID) {
		s.log.Warn("session already has a viewer", "session", sess.ID, "remote", conn.RemoteAddr())
		return
	}
	defer s.release(sess.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	st := NewStreamer(sess, conn, s.log)
	err := st.Run(ctx)
	stats := st.Stats()
	s.log.Info("viewer disconnected", "session", sess.ID,
		"units", stats.Units, "bytes", stats.Bytes, "dropped", stats.Dropped,
		"error", err)
}

// SessionID extracts the session id from an SRT stream id. Both a bare id
// and the "#!::r=<id>" access-control form are accepted.
func SessionID(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	if rest, ok := strings.CutPrefix(streamID, "#!::"); ok {
		for _, kv := range strings.Split(rest, ",") {
			if v, ok := strings.CutPrefix(kv, "r="); ok {
				return v
			}
		}
		return ""
	}
	return strings.TrimPrefix(streamID, "replay/")
}
