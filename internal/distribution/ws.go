package distribution

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/replay/internal/control"
	"github.com/zsiec/replay/internal/session"
)

// SECURITY: CheckOrigin accepts all origins. Deployments exposed beyond the
// local network should enforce origin checks at a reverse proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsRequest is a browser control command.
type wsRequest struct {
	Type  string  `json:"type"` // seek, speed, play, pause, stop, index, state
	Time  float64 `json:"time,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

// wsMessage is every message the server sends. Fields are filled per Type.
type wsMessage struct {
	Type       string     `json:"type"`
	Request    string     `json:"request,omitempty"`
	Requested  float64    `json:"requested,omitempty"`
	Actual     float64    `json:"actual,omitempty"`
	Precision  float64    `json:"precision,omitempty"`
	Offset     uint64     `json:"offset,omitempty"`
	Speed      float64    `json:"speed,omitempty"`
	QueueDepth int        `json:"queueDepth,omitempty"`
	Strategy   string     `json:"strategy,omitempty"`
	Position   float64    `json:"position,omitempty"`
	Mode       string     `json:"mode,omitempty"`
	SyncOffset float64    `json:"syncOffset,omitempty"`
	Index      *IndexInfo `json:"index,omitempty"`
	Code       uint64     `json:"code,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// wsConn serialises writes to a WebSocket connection.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) send(m wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(m)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.config.Registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	log := s.log.With("session", sess.ID, "remote", r.RemoteAddr)
	log.Info("websocket viewer connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := &wsConn{ws: ws}
	go s.pushState(ctx, conn, sess)

	for {
		var req wsRequest
		if err := ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", "error", err)
			}
			break
		}
		if err := conn.send(s.handleWSRequest(ctx, sess, req)); err != nil {
			log.Debug("websocket write error", "error", err)
			break
		}
	}
	log.Info("websocket viewer disconnected")
}

// pushState sends a state snapshot every stateInterval until ctx is done or
// the session ends.
func (s *Server) pushState(ctx context.Context, conn *wsConn, sess *session.Session) {
	ticker := time.NewTicker(stateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			_ = conn.send(wsMessage{Type: "goaway", Reason: "session ended"})
			return
		case <-ticker.C:
			if err := conn.send(stateMessage(sess)); err != nil {
				return
			}
		}
	}
}

func stateMessage(sess *session.Session) wsMessage {
	st := sess.State()
	return wsMessage{
		Type:       "state",
		Position:   st.CurrentPosition,
		Speed:      st.PlaybackRate,
		Mode:       st.Mode.String(),
		Strategy:   st.ActiveStrategy.String(),
		QueueDepth: st.QueueDepth,
		SyncOffset: st.SyncOffset,
	}
}

func (s *Server) handleWSRequest(ctx context.Context, sess *session.Session, req wsRequest) wsMessage {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	fail := func(err error) wsMessage {
		return wsMessage{Type: "error", Request: req.Type, Code: control.CodeFor(err), Reason: err.Error()}
	}

	switch req.Type {
	case "seek":
		ok, err := seekSession(ctx, sess, req.Time)
		if err != nil {
			return fail(err)
		}
		return wsMessage{Type: "seekOk", Requested: ok.Requested, Actual: ok.Actual, Precision: ok.Precision, Offset: ok.KeyframeOffset}
	case "speed":
		if _, err := setSpeed(ctx, sess, req.Speed); err != nil {
			return fail(err)
		}
		st := sess.State()
		return wsMessage{Type: "speedOk", Speed: st.PlaybackRate, QueueDepth: st.QueueDepth, Strategy: st.ActiveStrategy.String()}
	case "play", "pause", "stop":
		msgType := map[string]uint64{"play": control.MsgPlay, "pause": control.MsgPause, "stop": control.MsgStop}[req.Type]
		if err := transport(ctx, sess, msgType); err != nil {
			return fail(err)
		}
		m := stateMessage(sess)
		m.Type, m.Request = "ok", req.Type
		return m
	case "index":
		idx, err := sess.Index(ctx)
		if err != nil {
			return fail(err)
		}
		info := newIndexInfo(idx)
		return wsMessage{Type: "index", Index: &info}
	case "state":
		return stateMessage(sess)
	default:
		return fail(fmt.Errorf("%w: %q", control.ErrUnexpectedMessage, req.Type))
	}
}
