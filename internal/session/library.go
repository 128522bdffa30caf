// Package session runs playback sessions: each session owns one indexed
// source file and one playback controller, and serialises every control
// command through a single goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/zsiec/replay/internal/index"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/timeline"
)

const (
	// maxHotRegions is how many refinement regions a file keeps; the oldest
	// is evicted first.
	maxHotRegions = 4
	// defaultRefineWindow is the half-width in seconds of a refinement region.
	defaultRefineWindow = 30.0
)

// Cache persists built indexes. timeline.Store satisfies it.
type Cache interface {
	Load(ctx context.Context, path string) (timeline.Record, error)
	Save(ctx context.Context, rec timeline.Record) error
}

// BuilderFunc returns the index builder for path. hot lists the regions that
// should be indexed at full density under the Hierarchical strategy.
type BuilderFunc func(path string, hot []index.TimeRange) index.Builder

// LibraryConfig configures a Library.
type LibraryConfig struct {
	Strategy     index.Strategy
	MemoryBudget int64
	NewBuilder   BuilderFunc
	// Cache is optional. Only builds without hot regions are cached.
	Cache Cache
	// RefineWindow is the half-width of a refinement region in seconds.
	RefineWindow float64
	Logger       *slog.Logger
}

// Library opens source files and builds their keyframe indexes in the
// background. Concurrent builds of the same file and regions share one scan.
type Library struct {
	cfg    LibraryConfig
	log    *slog.Logger
	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewLibrary returns a library. NewBuilder is required.
func NewLibrary(cfg LibraryConfig) *Library {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RefineWindow <= 0 {
		cfg.RefineWindow = defaultRefineWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Library{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "library"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close cancels every in-flight build.
func (l *Library) Close() {
	l.cancel()
}

// Open returns a new handle on path and starts building its index. The
// handle is owned by one session; Close it to abandon the build.
func (l *Library) Open(path string) *File {
	ctx, cancel := context.WithCancel(l.ctx)
	f := &File{Path: path, lib: l, ctx: ctx, cancel: cancel}
	f.cur = f.start(nil)
	return f
}

// build is one index build of a file.
type build struct {
	done chan struct{}
	idx  *index.KeyframeIndex
	err  error
}

// File is a source file whose keyframe index is being built or is ready.
type File struct {
	Path string

	lib    *Library
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cur     *build // the index seeks are answered from
	pending *build // a rebuild that has not finished yet
	hot     []index.TimeRange
}

// Close abandons any in-flight build.
func (f *File) Close() {
	f.cancel()
}

// Index waits for the current build and returns its index. A failed build
// reports KeyframeNotFound until a rebuild succeeds.
func (f *File) Index(ctx context.Context) (*index.KeyframeIndex, error) {
	f.mu.Lock()
	b := f.cur
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
	}
	if b.err != nil {
		return nil, &media.PlaybackError{Kind: media.KeyframeNotFound, Err: b.err}
	}
	return b.idx, nil
}

// Ready returns the current index without waiting.
func (f *File) Ready() (*index.KeyframeIndex, bool) {
	f.mu.Lock()
	b := f.cur
	f.mu.Unlock()

	select {
	case <-b.done:
		return b.idx, b.err == nil
	default:
		return nil, false
	}
}

// Err returns the error of the current build, or nil while it is running or
// after it succeeded.
func (f *File) Err() error {
	f.mu.Lock()
	b := f.cur
	f.mu.Unlock()

	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

// HotRegions returns the refinement regions in the order they were added.
func (f *File) HotRegions() []index.TimeRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]index.TimeRange(nil), f.hot...)
}

// Rebuild starts a new build with the file's hot regions. Seeks keep using
// the current index until the new one is ready; if the current build failed,
// seeks wait for the rebuild instead. The returned channel closes when the
// rebuild finishes.
func (f *File) Rebuild() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebuildLocked()
}

func (f *File) rebuildLocked() <-chan struct{} {
	b := f.start(append([]index.TimeRange(nil), f.hot...))
	select {
	case <-f.cur.done:
		if f.cur.err != nil {
			f.cur = b
			f.pending = nil
			return b.done
		}
	default:
	}
	f.pending = b
	return b.done
}

// Refine adds a hot region around t and rebuilds, unless t already lies in a
// hot region. It reports whether a rebuild was started.
func (f *File) Refine(t float64) bool {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range f.hot {
		if r.Contains(t) {
			return false
		}
	}
	w := f.lib.cfg.RefineWindow
	f.hot = append(f.hot, index.TimeRange{Start: max(0, t-w), End: t + w})
	if len(f.hot) > maxHotRegions {
		f.hot = f.hot[len(f.hot)-maxHotRegions:]
	}
	f.rebuildLocked()
	f.lib.log.Debug("refining index", "path", f.Path, "at", t, "regions", len(f.hot))
	return true
}

// start launches a build goroutine.
func (f *File) start(hot []index.TimeRange) *build {
	b := &build{done: make(chan struct{})}
	go func() {
		defer close(b.done)
		idx, err := f.lib.run(f.ctx, f.Path, hot)
		// Builds are shared between handles; each handle owns its own copy.
		b.idx, b.err = idx.Clone(), err
		f.finish(b)
	}()
	return b
}

// finish promotes a successful pending build.
func (f *File) finish(b *build) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending != b {
		return
	}
	f.pending = nil
	if b.err == nil {
		f.cur = b
	} else if !errors.Is(b.err, context.Canceled) {
		f.lib.log.Warn("index rebuild failed, keeping previous index", "path", f.Path, "error", b.err)
	}
}

// run builds path, sharing the work with concurrent identical requests.
func (l *Library) run(ctx context.Context, path string, hot []index.TimeRange) (*index.KeyframeIndex, error) {
	key := flightKey(path, hot)
	for {
		v, err, shared := l.group.Do(key, func() (any, error) {
			return l.load(ctx, path, hot)
		})
		// Another caller's cancelled build is not ours to report.
		if err != nil && shared && ctx.Err() == nil && errors.Is(err, context.Canceled) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return v.(*index.KeyframeIndex), nil
	}
}

func (l *Library) load(ctx context.Context, path string, hot []index.TimeRange) (*index.KeyframeIndex, error) {
	cacheable := l.cfg.Cache != nil && len(hot) == 0
	var src timeline.Source
	if cacheable {
		var err error
		if src, err = timeline.Fingerprint(path); err != nil {
			cacheable = false
		} else if idx, ok := l.cached(ctx, path, src); ok {
			return idx, nil
		}
	}

	idx, err := l.cfg.NewBuilder(path, hot).BuildIndex(ctx, l.cfg.Strategy, l.cfg.MemoryBudget)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.log.Error("index build failed", "path", path, "error", err)
		return nil, err
	}
	l.log.Info("index built", "path", path,
		"entries", idx.Len(), "strategy", idx.Strategy,
		"precision", idx.IndexPrecision, "memory", idx.MemoryUsage,
		"degraded", idx.Degraded, "hot_regions", len(hot))

	if cacheable {
		if err := l.cfg.Cache.Save(ctx, timeline.NewRecord(path, src, idx)); err != nil {
			l.log.Warn("failed to cache index", "path", path, "error", err)
		}
	}
	return idx, nil
}

// cached returns a stored index that still matches src and was built with
// the configured strategy.
func (l *Library) cached(ctx context.Context, path string, src timeline.Source) (*index.KeyframeIndex, bool) {
	rec, err := l.cfg.Cache.Load(ctx, path)
	if err != nil {
		if !errors.Is(err, timeline.ErrNotFound) {
			l.log.Warn("failed to load cached index", "path", path, "error", err)
		}
		return nil, false
	}
	if err := timeline.Validate(rec, src); err != nil {
		l.log.Info("discarding cached index", "path", path, "reason", err)
		return nil, false
	}
	if !l.matchesStrategy(rec.Index) {
		return nil, false
	}
	l.log.Debug("using cached index", "path", path, "entries", rec.Index.Len())
	return rec.Index, true
}

// matchesStrategy reports whether a cached index could have come from the
// configured strategy. Adaptive reports the strategy it fell back to, and
// any strategy reports Sparse once trimmed to the budget.
func (l *Library) matchesStrategy(idx *index.KeyframeIndex) bool {
	switch {
	case idx.Strategy == l.cfg.Strategy:
		return true
	case l.cfg.Strategy == index.Adaptive:
		return idx.Strategy == index.Full || idx.Strategy == index.Sparse
	default:
		return idx.MemoryOptimized && idx.Strategy == index.Sparse
	}
}

func flightKey(path string, hot []index.TimeRange) string {
	var b strings.Builder
	b.WriteString(path)
	for _, r := range hot {
		fmt.Fprintf(&b, "|%s-%s", strconv.FormatFloat(r.Start, 'g', -1, 64), strconv.FormatFloat(r.End, 'g', -1, 64))
	}
	return b.String()
}
