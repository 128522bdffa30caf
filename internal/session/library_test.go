package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/replay/internal/index"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/timeline"
)

type builderFunc func(ctx context.Context, s index.Strategy, budget int64) (*index.KeyframeIndex, error)

func (f builderFunc) BuildIndex(ctx context.Context, s index.Strategy, budget int64) (*index.KeyframeIndex, error) {
	return f(ctx, s, budget)
}

// uniformIndex has a keyframe every gop seconds over duration seconds.
func uniformIndex(duration, gop float64, strategy index.Strategy) *index.KeyframeIndex {
	idx := &index.KeyframeIndex{TotalDuration: duration, IndexPrecision: gop, Strategy: strategy, FrameRate: 30}
	for i := 0; float64(i)*gop < duration; i++ {
		idx.Entries = append(idx.Entries, media.KeyframeEntry{
			Timestamp:  float64(i) * gop,
			FileOffset: uint64(i) * 1000,
			FrameSize:  500,
			FrameType:  media.FrameI,
		})
	}
	idx.MemoryUsage = int64(len(idx.Entries)) * index.EntrySize
	return idx
}

// staticBuilders returns idx for every build and counts the builds.
func staticBuilders(idx *index.KeyframeIndex, calls *atomic.Int32) BuilderFunc {
	return func(string, []index.TimeRange) index.Builder {
		return builderFunc(func(context.Context, index.Strategy, int64) (*index.KeyframeIndex, error) {
			calls.Add(1)
			return idx, nil
		})
	}
}

func waitIndex(t *testing.T, f *File) *index.KeyframeIndex {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	idx, err := f.Index(ctx)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	return idx
}

func TestIndexWaitsForBuild(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	want := uniformIndex(60, 1, index.Full)
	lib := NewLibrary(LibraryConfig{NewBuilder: func(string, []index.TimeRange) index.Builder {
		return builderFunc(func(context.Context, index.Strategy, int64) (*index.KeyframeIndex, error) {
			<-release
			return want, nil
		})
	}})
	defer lib.Close()

	f := lib.Open("/clips/a.264")
	if _, ok := f.Ready(); ok {
		t.Fatal("index ready before build finished")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Index(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Index before build: got %v", err)
	}

	close(release)
	if got := waitIndex(t, f); !reflect.DeepEqual(got, want) {
		t.Error("Index returned a different index")
	}
	if _, ok := f.Ready(); !ok {
		t.Error("Ready false after build")
	}
}

func TestFailedBuildReportsKeyframeNotFound(t *testing.T) {
	t.Parallel()
	boom := &media.FileError{Kind: media.ParseError, Path: "x", Err: media.ErrNoKeyframes}
	var fail atomic.Bool
	fail.Store(true)
	want := uniformIndex(10, 1, index.Full)
	lib := NewLibrary(LibraryConfig{NewBuilder: func(string, []index.TimeRange) index.Builder {
		return builderFunc(func(context.Context, index.Strategy, int64) (*index.KeyframeIndex, error) {
			if fail.Load() {
				return nil, boom
			}
			return want, nil
		})
	}})
	defer lib.Close()

	f := lib.Open("/clips/bad.264")
	for range 2 {
		_, err := f.Index(context.Background())
		if !media.IsPlaybackError(err, media.KeyframeNotFound) {
			t.Fatalf("got %v, want KeyframeNotFound", err)
		}
		if !errors.Is(err, media.ErrNoKeyframes) {
			t.Errorf("build cause lost: %v", err)
		}
	}
	if !errors.Is(f.Err(), media.ErrNoKeyframes) {
		t.Errorf("Err: got %v", f.Err())
	}

	fail.Store(false)
	<-f.Rebuild()
	if got := waitIndex(t, f); !reflect.DeepEqual(got, want) {
		t.Error("rebuild did not replace failed build")
	}
}

func TestConcurrentOpensShareBuild(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var calls atomic.Int32
	idx := uniformIndex(10, 1, index.Full)
	lib := NewLibrary(LibraryConfig{NewBuilder: func(string, []index.TimeRange) index.Builder {
		return builderFunc(func(context.Context, index.Strategy, int64) (*index.KeyframeIndex, error) {
			calls.Add(1)
			<-release
			return idx, nil
		})
	}})
	defer lib.Close()

	a := lib.Open("/clips/shared.264")
	b := lib.Open("/clips/shared.264")
	time.Sleep(50 * time.Millisecond)
	close(release)

	ia, ib := waitIndex(t, a), waitIndex(t, b)
	if !reflect.DeepEqual(ia, ib) {
		t.Error("handles got different indexes")
	}
	if ia == ib || &ia.Entries[0] == &ib.Entries[0] {
		t.Error("handles share one index")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("builds: got %d, want 1", n)
	}
}

func TestCloseAbandonsBuild(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	lib := NewLibrary(LibraryConfig{NewBuilder: func(string, []index.TimeRange) index.Builder {
		return builderFunc(func(ctx context.Context, _ index.Strategy, _ int64) (*index.KeyframeIndex, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	}})
	defer lib.Close()

	f := lib.Open("/clips/long.264")
	<-started
	f.Close()
	_, err := f.Index(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestRefineKeepsLastRegions(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var seen [][]index.TimeRange
	idx := uniformIndex(600, 10, index.Hierarchical)
	lib := NewLibrary(LibraryConfig{
		Strategy:     index.Hierarchical,
		RefineWindow: 5,
		NewBuilder: func(_ string, hot []index.TimeRange) index.Builder {
			mu.Lock()
			seen = append(seen, hot)
			mu.Unlock()
			return builderFunc(func(context.Context, index.Strategy, int64) (*index.KeyframeIndex, error) {
				return idx, nil
			})
		},
	})
	defer lib.Close()

	f := lib.Open("/clips/h.264")
	waitIndex(t, f)

	for _, at := range []float64{100, 200, 300, 400, 500} {
		if !f.Refine(at) {
			t.Fatalf("Refine(%v) did not start a rebuild", at)
		}
	}
	if f.Refine(502) {
		t.Error("Refine inside an existing region started a rebuild")
	}
	if !f.Refine(-1) {
		t.Fatal("Refine(-1) did not start a rebuild")
	}

	got := f.HotRegions()
	if len(got) != maxHotRegions {
		t.Fatalf("regions: got %d, want %d", len(got), maxHotRegions)
	}
	if got[0] != (index.TimeRange{Start: 295, End: 305}) {
		t.Errorf("oldest surviving region: got %+v", got[0])
	}
	if last := got[len(got)-1]; last != (index.TimeRange{Start: 0, End: 4}) {
		t.Errorf("newest region not clamped at zero: got %+v", last)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || len(seen[0]) != 0 {
		t.Fatalf("initial build had hot regions: %v", seen)
	}
	for _, hot := range seen[1:] {
		if len(hot) == 0 || len(hot) > maxHotRegions {
			t.Errorf("rebuild with %d hot regions", len(hot))
		}
	}
}

type memCache struct {
	mu    sync.Mutex
	recs  map[string]timeline.Record
	saves int
}

func (c *memCache) Load(_ context.Context, path string) (timeline.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.recs[path]
	if !ok {
		return timeline.Record{}, timeline.ErrNotFound
	}
	return rec, nil
}

func (c *memCache) Save(_ context.Context, rec timeline.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs[rec.SourcePath] = rec
	c.saves++
	return nil
}

func TestLibraryUsesValidCache(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "clip.264")
	if err := os.WriteFile(path, []byte{0, 0, 0, 1, 0x65, 0x88}, 0o644); err != nil {
		t.Fatal(err)
	}
	cache := &memCache{recs: map[string]timeline.Record{}}
	var calls atomic.Int32
	idx := uniformIndex(30, 1, index.Full)
	cfg := LibraryConfig{Strategy: index.Full, Cache: cache, NewBuilder: staticBuilders(idx, &calls)}

	lib := NewLibrary(cfg)
	defer lib.Close()
	waitIndex(t, lib.Open(path))
	if calls.Load() != 1 || cache.saves != 1 {
		t.Fatalf("first open: builds %d, saves %d", calls.Load(), cache.saves)
	}

	waitIndex(t, lib.Open(path))
	if calls.Load() != 1 {
		t.Errorf("cached index rebuilt: builds %d", calls.Load())
	}

	// Changing the file invalidates the record.
	if err := os.WriteFile(path, []byte{0, 0, 0, 1, 0x65, 0x88, 0x01}, 0o644); err != nil {
		t.Fatal(err)
	}
	waitIndex(t, lib.Open(path))
	if calls.Load() != 2 {
		t.Errorf("stale cache used: builds %d", calls.Load())
	}
}

func TestMatchesStrategy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		configured index.Strategy
		got        *index.KeyframeIndex
		want       bool
	}{
		{index.Full, &index.KeyframeIndex{Strategy: index.Full}, true},
		{index.Full, &index.KeyframeIndex{Strategy: index.Sparse}, false},
		{index.Full, &index.KeyframeIndex{Strategy: index.Sparse, MemoryOptimized: true}, true},
		{index.Adaptive, &index.KeyframeIndex{Strategy: index.Sparse}, true},
		{index.Adaptive, &index.KeyframeIndex{Strategy: index.Hierarchical}, false},
		{index.Hierarchical, &index.KeyframeIndex{Strategy: index.Full}, false},
	}
	for _, tt := range tests {
		lib := &Library{cfg: LibraryConfig{Strategy: tt.configured}}
		if got := lib.matchesStrategy(tt.got); got != tt.want {
			t.Errorf("configured %v, cached %v (optimized %v): got %v", tt.configured, tt.got.Strategy, tt.got.MemoryOptimized, got)
		}
	}
}
