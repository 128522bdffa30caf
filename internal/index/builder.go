package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"

	"github.com/zsiec/replay/internal/demux"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/probe"
)

// Builder produces a KeyframeIndex for one source file.
type Builder interface {
	BuildIndex(ctx context.Context, strategy Strategy, budget int64) (*KeyframeIndex, error)
}

// AnnexBBuilder indexes a raw H.264 file with the Annex B scanner.
type AnnexBBuilder struct {
	Path string
	// Options supplies everything except Strategy and MemoryBudget, which
	// come from each BuildIndex call.
	Options BuildOptions
	Scanner demux.ScannerOptions
}

// BuildIndex implements Builder.
func (b *AnnexBBuilder) BuildIndex(ctx context.Context, strategy Strategy, budget int64) (*KeyframeIndex, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		return nil, openError(b.Path, err)
	}
	defer f.Close()

	sopts := b.Scanner
	sopts.Path = b.Path
	opts := b.Options
	opts.Strategy = strategy
	opts.MemoryBudget = budget

	idx, err := Build(ctx, demux.NewScanner(f, sopts), opts)
	if err != nil {
		var fe *media.FileError
		if errors.As(err, &fe) && fe.Path == "" {
			fe.Path = b.Path
		}
		return nil, err
	}
	return idx, nil
}

func openError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &media.FileError{Kind: media.NotFound, Path: path, Err: err}
	}
	return &media.FileError{Kind: media.IoError, Path: path, Err: err}
}

type versioner interface {
	Version(ctx context.Context) (string, error)
}

// ExternalToolBuilder indexes a file from keyframe timestamps reported by an
// external tool. Entries carry no byte offsets and the index is marked
// Degraded.
type ExternalToolBuilder struct {
	Path    string
	Tool    probe.Tool
	Options BuildOptions
}

// BuildIndex implements Builder.
func (b *ExternalToolBuilder) BuildIndex(ctx context.Context, strategy Strategy, budget int64) (*KeyframeIndex, error) {
	md, err := b.Tool.ExtractMetadata(ctx, b.Path)
	if err != nil {
		return nil, &media.FileError{Kind: media.ParseError, Path: b.Path, Err: fmt.Errorf("extract metadata: %w", err)}
	}
	times, err := b.Tool.ExtractKeyframes(ctx, b.Path)
	if err != nil {
		return nil, &media.FileError{Kind: media.ParseError, Path: b.Path, Err: fmt.Errorf("extract keyframes: %w", err)}
	}

	opts := b.Options
	opts.Strategy = strategy
	opts.MemoryBudget = budget
	opts.withDefaults()

	fps := opts.FrameRate
	if fps <= 0 {
		fps = md.FrameRate
	}
	if fps <= 0 || math.IsNaN(fps) {
		fps = DefaultFrameRate
	}

	entries := keyframesFromTimes(times, md.Duration, fps)
	if len(entries) == 0 {
		return nil, &media.FileError{Kind: media.ParseError, Path: b.Path, Err: media.ErrNoKeyframes}
	}
	duration := max(md.Duration, entries[len(entries)-1].Timestamp)

	idx := assemble(entries, duration, opts)
	idx.Degraded = true
	idx.FrameRate = fps
	idx.FrameCount = uint64(math.Round(duration * fps))
	idx.Width, idx.Height = md.Width, md.Height
	if v, ok := b.Tool.(versioner); ok {
		if idx.ToolVersion, err = v.Version(ctx); err != nil {
			opts.Logger.Debug("tool version unavailable", "path", b.Path, "error", err)
		}
	}
	opts.Logger.Info("index built from external tool",
		"path", b.Path, "keyframes", len(entries), "retained", len(idx.Entries))
	return idx, nil
}

// keyframesFromTimes turns ascending timestamps into entries, dropping
// negative, non-finite and repeated values so timestamps stay strictly
// increasing.
func keyframesFromTimes(times []float64, duration, fps float64) []media.KeyframeEntry {
	entries := make([]media.KeyframeEntry, 0, len(times))
	for _, t := range times {
		if t < 0 || math.IsNaN(t) || math.IsInf(t, 0) {
			continue
		}
		if n := len(entries); n > 0 && t <= entries[n-1].Timestamp {
			continue
		}
		entries = append(entries, media.KeyframeEntry{Timestamp: t, FrameType: media.FrameI})
	}
	for i := range entries {
		end := duration
		if i+1 < len(entries) {
			end = entries[i+1].Timestamp
		}
		if gop := math.Round((end - entries[i].Timestamp) * fps); gop > 0 {
			entries[i].GOPSize = uint32(gop)
		}
	}
	return entries
}

// FallbackBuilder tries Primary and, when it fails for any reason other than
// cancellation or a missing file, Alternate. When both fail the result is a
// ParseError carrying both causes.
type FallbackBuilder struct {
	Primary   Builder
	Alternate Builder // optional
	Logger    *slog.Logger
}

// BuildIndex implements Builder.
func (b *FallbackBuilder) BuildIndex(ctx context.Context, strategy Strategy, budget int64) (*KeyframeIndex, error) {
	idx, err := b.Primary.BuildIndex(ctx, strategy, budget)
	if err == nil {
		return idx, nil
	}
	if ctx.Err() != nil || media.IsFileError(err, media.NotFound) || b.Alternate == nil {
		return nil, err
	}

	log := b.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Warn("primary index build failed, trying alternate", "error", err)

	idx, altErr := b.Alternate.BuildIndex(ctx, strategy, budget)
	if altErr == nil {
		return idx, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var path string
	var fe *media.FileError
	if errors.As(err, &fe) {
		path = fe.Path
	}
	return nil, &media.FileError{Kind: media.ParseError, Path: path, Err: errors.Join(err, altErr)}
}
