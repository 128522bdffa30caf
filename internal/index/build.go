package index

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"

	"github.com/zsiec/replay/internal/demux"
	"github.com/zsiec/replay/internal/media"
)

const (
	// DefaultFrameRate is assumed when neither the caller nor the stream
	// supplies a frame rate.
	DefaultFrameRate        = 30.0
	defaultSparseMaxEntries = 1000
	defaultHierarchyFactor  = 10

	// ctxCheckInterval is how many access units are scanned between
	// cancellation checks.
	ctxCheckInterval = 1024
)

// AccessUnitSource yields access units in file order and io.EOF at the end.
// demux.Scanner satisfies it. Sources that also implement
// FrameRate() float64 supply the stream's nominal frame rate.
type AccessUnitSource interface {
	Next() (media.AccessUnit, error)
}

type frameRater interface {
	FrameRate() float64
}

type spsSource interface {
	SPS() (demux.SPSInfo, bool)
}

// BuildOptions configures a single index build.
type BuildOptions struct {
	Strategy Strategy
	// MemoryBudget caps MemoryUsage in bytes. Zero means unlimited.
	MemoryBudget int64
	// FrameRate overrides the stream's frame rate when positive.
	FrameRate float64
	// SparseMaxEntries bounds the Sparse strategy. Defaults to 1000.
	SparseMaxEntries int
	// HierarchyFactor is the keyframe stride of the coarse level.
	// Defaults to 10.
	HierarchyFactor int
	// HotRegions receive every keyframe under the Hierarchical strategy.
	HotRegions []TimeRange
	Logger     *slog.Logger
}

func (o *BuildOptions) withDefaults() {
	if o.SparseMaxEntries <= 0 {
		o.SparseMaxEntries = defaultSparseMaxEntries
	}
	if o.HierarchyFactor <= 0 {
		o.HierarchyFactor = defaultHierarchyFactor
	}
	if o.MemoryBudget < 0 {
		o.MemoryBudget = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("component", "index")
}

type candidate struct {
	ordinal uint64
	offset  uint64
	size    uint32
}

// Build scans src to the end and returns the keyframe index selected by
// opts. Scanner errors are returned unchanged. A stream without any keyframe
// fails with a ParseError wrapping media.ErrNoKeyframes. Cancelling ctx
// abandons the scan.
func Build(ctx context.Context, src AccessUnitSource, opts BuildOptions) (*KeyframeIndex, error) {
	opts.withDefaults()

	var (
		cands     []candidate
		frames    uint64
		announced bool
	)
	for {
		if frames%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		au, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		frames = au.Ordinal + 1
		if !au.Type.IsKeyframe() {
			continue
		}
		cands = append(cands, candidate{ordinal: au.Ordinal, offset: au.Offset, size: au.Size})

		if opts.Strategy == Adaptive && opts.MemoryBudget > 0 && !announced &&
			memoryUsage(len(cands), 0) > opts.MemoryBudget {
			announced = true
			opts.Logger.Info("projected index size exceeds memory budget, thinning",
				"keyframes", len(cands), "budget", opts.MemoryBudget)
		}
	}
	if len(cands) == 0 {
		return nil, &media.FileError{Kind: media.ParseError, Err: media.ErrNoKeyframes}
	}

	fps := opts.FrameRate
	if fps <= 0 {
		if fr, ok := src.(frameRater); ok {
			fps = fr.FrameRate()
		}
	}
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		fps = DefaultFrameRate
	}

	entries := make([]media.KeyframeEntry, len(cands))
	for i, c := range cands {
		next := frames
		if i+1 < len(cands) {
			next = cands[i+1].ordinal
		}
		entries[i] = media.KeyframeEntry{
			Timestamp:  float64(c.ordinal) / fps,
			FileOffset: c.offset,
			FrameSize:  c.size,
			GOPSize:    uint32(next - c.ordinal),
			FrameType:  media.FrameI,
		}
	}

	idx := assemble(entries, float64(frames)/fps, opts)
	idx.FrameRate = fps
	idx.FrameCount = frames
	if ss, ok := src.(spsSource); ok {
		if info, ok := ss.SPS(); ok {
			idx.Width, idx.Height = info.Width, info.Height
		}
	}

	opts.Logger.Debug("index built",
		"strategy", idx.Strategy,
		"keyframes", len(entries),
		"retained", len(idx.Entries),
		"bytes", idx.MemoryUsage,
		"precision", idx.IndexPrecision)
	return idx, nil
}

// assemble applies the retention strategy and the memory budget to a full,
// ascending keyframe list.
func assemble(all []media.KeyframeEntry, duration float64, opts BuildOptions) *KeyframeIndex {
	idx := &KeyframeIndex{TotalDuration: duration, Strategy: opts.Strategy}
	n := len(all)

	var keep []int
	switch opts.Strategy {
	case Full:
		keep = stride(n, 1)
	case Sparse:
		keep = stride(n, ceilDiv(n, opts.SparseMaxEntries))
	case Hierarchical:
		keep, idx.Coarse = hierarchy(all, opts.HierarchyFactor, opts.HotRegions)
	default:
		idx.Strategy = Full
		keep = stride(n, 1)
		if opts.MemoryBudget > 0 && memoryUsage(n, 0) > opts.MemoryBudget {
			if fit := int(opts.MemoryBudget / EntrySize); fit > 0 {
				keep = stride(n, ceilDiv(n, fit))
				idx.Strategy = Sparse
				idx.MemoryOptimized = true
			}
		}
	}

	if opts.MemoryBudget > 0 && memoryUsage(len(keep), len(idx.Coarse)) > opts.MemoryBudget {
		keep = minimumViable(keep, int(opts.MemoryBudget/EntrySize))
		idx.Coarse = nil
		idx.Strategy = Sparse
		idx.MemoryOptimized = true
	}

	idx.Entries = make([]media.KeyframeEntry, len(keep))
	for i, k := range keep {
		idx.Entries[i] = all[k]
	}
	idx.finalize()
	return idx
}

// stride returns every nth position of [0, n).
func stride(n, step int) []int {
	step = max(step, 1)
	out := make([]int, 0, ceilDiv(n, step))
	for i := 0; i < n; i += step {
		out = append(out, i)
	}
	return out
}

// hierarchy keeps every factor-th keyframe as the coarse level plus every
// keyframe inside a hot region. It returns positions into all and the
// positions of the coarse entries within the kept set.
func hierarchy(all []media.KeyframeEntry, factor int, hot []TimeRange) (keep, coarse []int) {
	for i, e := range all {
		isCoarse := i%factor == 0
		if !isCoarse && !inRegions(e.Timestamp, hot) {
			continue
		}
		if isCoarse {
			coarse = append(coarse, len(keep))
		}
		keep = append(keep, i)
	}
	return keep, coarse
}

func inRegions(t float64, regions []TimeRange) bool {
	for _, r := range regions {
		if r.Contains(t) {
			return true
		}
	}
	return false
}

// minimumViable thins keep to at most limit positions, evenly spaced and
// always including the first and last. At least one position survives.
func minimumViable(keep []int, limit int) []int {
	limit = max(limit, 1)
	if len(keep) <= limit {
		return keep
	}
	if limit == 1 {
		return keep[:1]
	}
	out := make([]int, limit)
	last := len(keep) - 1
	for j := range out {
		out[j] = keep[int(math.Round(float64(j)*float64(last)/float64(limit-1)))]
	}
	return out
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
