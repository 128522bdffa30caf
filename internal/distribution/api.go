package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/zsiec/replay/internal/control"
	"github.com/zsiec/replay/internal/index"
	"github.com/zsiec/replay/internal/media"
)

// SessionInfo is the JSON summary of a live session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	StartedAt    time.Time `json:"startedAt"`
	Position     float64   `json:"position"`
	PlaybackRate float64   `json:"playbackRate"`
	Mode         string    `json:"mode"`
	Strategy     string    `json:"strategy"`
	QueueDepth   int       `json:"queueDepth"`
	IndexReady   bool      `json:"indexReady"`
}

// EntryInfo is the JSON form of a keyframe entry.
type EntryInfo struct {
	Time   float64 `json:"time"`
	Offset uint64  `json:"offset"`
	Size   uint32  `json:"size"`
	GOP    uint32  `json:"gop"`
}

// IndexInfo is the JSON form of a keyframe index.
type IndexInfo struct {
	Duration        float64     `json:"duration"`
	Precision       float64     `json:"precision"`
	Strategy        string      `json:"strategy"`
	MemoryUsage     int64       `json:"memoryUsage"`
	MemoryOptimized bool        `json:"memoryOptimized"`
	Degraded        bool        `json:"degraded"`
	FrameRate       float64     `json:"frameRate"`
	Width           int         `json:"width,omitempty"`
	Height          int         `json:"height,omitempty"`
	Entries         []EntryInfo `json:"entries"`
}

func newIndexInfo(idx *index.KeyframeIndex) IndexInfo {
	info := IndexInfo{
		Duration:        idx.TotalDuration,
		Precision:       idx.IndexPrecision,
		Strategy:        idx.Strategy.String(),
		MemoryUsage:     idx.MemoryUsage,
		MemoryOptimized: idx.MemoryOptimized,
		Degraded:        idx.Degraded,
		FrameRate:       idx.FrameRate,
		Width:           idx.Width,
		Height:          idx.Height,
		Entries:         make([]EntryInfo, len(idx.Entries)),
	}
	for i, e := range idx.Entries {
		info.Entries[i] = EntryInfo{Time: e.Timestamp, Offset: e.FileOffset, Size: e.FrameSize, GOP: e.GOPSize}
	}
	return info
}

type errorResponse struct {
	Error string `json:"error"`
	Code  uint64 `json:"code"`
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

// registerAPIRoutes registers the REST API endpoints on the given mux.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}/ws", s.handleWebSocket)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /api/files/index", s.handleFileIndex)
	mux.HandleFunc("GET /api/files/iframes.m3u8", s.handleIFramePlaylist)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
}

// APIHandler returns an http.Handler for the HTTPS REST API.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeEngineError maps an engine error to an HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case media.IsFileError(err, media.NotFound):
		status = http.StatusNotFound
	case media.IsFileError(err, media.UnsupportedFormat), media.IsFileError(err, media.ParseError):
		status = http.StatusUnprocessableEntity
	case media.IsPlaybackError(err, media.KeyframeNotFound):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: control.CodeFor(err)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.config.Registry.List()
	resp := make([]SessionInfo, len(sessions))
	for i, sess := range sessions {
		st := sess.State()
		_, ready := sess.File().Ready()
		resp[i] = SessionInfo{
			ID:           sess.ID,
			Path:         sess.File().Path,
			StartedAt:    sess.StartedAt,
			Position:     st.CurrentPosition,
			PlaybackRate: st.PlaybackRate,
			Mode:         st.Mode.String(),
			Strategy:     st.ActiveStrategy.String(),
			QueueDepth:   st.QueueDepth,
			IndexReady:   ready,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.config.Registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.config.Registry.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

// fileIndex resolves the path query parameter and waits for its index.
func (s *Server) fileIndex(w http.ResponseWriter, r *http.Request) (*index.KeyframeIndex, string, bool) {
	name := r.URL.Query().Get("path")
	if name == "" {
		writeError(w, http.StatusBadRequest, "path query parameter required")
		return nil, "", false
	}
	full := s.config.Registry.Resolve(name)
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeEngineError(w, &media.FileError{Kind: media.NotFound, Path: name, Err: err})
		} else {
			writeEngineError(w, &media.FileError{Kind: media.IoError, Path: name, Err: err})
		}
		return nil, "", false
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()
	f := s.config.Library.Open(full)
	defer f.Close()

	idx, err := f.Index(ctx)
	if err != nil {
		writeEngineError(w, err)
		return nil, "", false
	}
	return idx, name, true
}

func (s *Server) handleFileIndex(w http.ResponseWriter, r *http.Request) {
	idx, _, ok := s.fileIndex(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newIndexInfo(idx))
}

func (s *Server) handleIFramePlaylist(w http.ResponseWriter, r *http.Request) {
	idx, name, ok := s.fileIndex(w, r)
	if !ok {
		return
	}
	body, err := idx.IFramePlaylist(path.Base(name))
	if errors.Is(err, index.ErrNoByteRanges) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.ControlAddr,
	})
}
