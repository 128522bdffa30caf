package session

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zsiec/replay/internal/media"
)

// Registry tracks live sessions by id.
type Registry struct {
	log  *slog.Logger
	lib  *Library
	root string
	cfg  Config

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	s      *Session
	cancel context.CancelFunc
}

// NewRegistry returns a registry that opens files below root through lib.
// If log is nil, slog.Default() is used.
func NewRegistry(lib *Library, root string, cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = log
	}
	return &Registry{
		log:      log.With("component", "session-registry"),
		lib:      lib,
		root:     root,
		cfg:      cfg,
		sessions: make(map[string]*entry),
	}
}

// Resolve maps a client-supplied path to a file below the root. Paths cannot
// escape the root.
func (r *Registry) Resolve(name string) string {
	return filepath.Join(r.root, filepath.Clean("/"+name))
}

// Open starts a session on the named file. The session runs until ctx is
// cancelled or Remove is called.
func (r *Registry) Open(ctx context.Context, name string) (*Session, error) {
	path := r.Resolve(name)
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, &media.FileError{Kind: media.NotFound, Path: name, Err: err}
	case err != nil:
		return nil, &media.FileError{Kind: media.IoError, Path: name, Err: err}
	case !fi.Mode().IsRegular():
		return nil, &media.FileError{Kind: media.UnsupportedFormat, Path: name, Err: errors.New("not a regular file")}
	}

	id := uuid.NewString()
	s := New(id, r.lib.Open(path), r.cfg)
	sctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.sessions[id] = &entry{s: s, cancel: cancel}
	r.mu.Unlock()
	r.log.Info("session created", "id", id, "path", path)

	go func() {
		_ = s.Run(sctx)
		r.Remove(id)
	}()
	return s, nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.s, true
}

// Remove ends a session. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		e.cancel()
		r.log.Info("session removed", "id", id)
	}
}

// List returns all live sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
