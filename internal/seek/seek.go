// Package seek resolves a requested stream time to the keyframe a decoder
// must start from.
package seek

import (
	"math"
	"sort"
	"time"

	"github.com/zsiec/replay/internal/index"
	"github.com/zsiec/replay/internal/media"
)

// Result describes one resolved seek.
type Result struct {
	RequestedTime     float64
	ActualTime        float64
	KeyframeOffset    uint64
	PrecisionAchieved float64
	KeyframeUsed      media.KeyframeEntry
	ExecutionTime     time.Duration
}

// Seek returns the latest retained keyframe at or before t. Times before the
// first entry resolve to the first entry and times at or past the stream
// duration resolve to the last. NaN and empty indexes fail with
// InvalidSeekPosition.
func Seek(idx *index.KeyframeIndex, t float64) (Result, error) {
	if math.IsNaN(t) {
		return Result{}, &media.PlaybackError{Kind: media.InvalidSeekPosition, Position: t}
	}
	if idx.Len() == 0 {
		return Result{}, &media.PlaybackError{Kind: media.InvalidSeekPosition, Position: t, Err: media.ErrIndexEmpty}
	}

	start := time.Now()
	e := idx.Entries[floor(idx, t)]
	elapsed := time.Since(start)

	return Result{
		RequestedTime:     t,
		ActualTime:        e.Timestamp,
		KeyframeOffset:    e.FileOffset,
		PrecisionAchieved: math.Abs(t - e.Timestamp),
		KeyframeUsed:      e,
		ExecutionTime:     elapsed,
	}, nil
}

// floor returns the position of the entry a seek to t lands on.
func floor(idx *index.KeyframeIndex, t float64) int {
	entries := idx.Entries
	last := len(entries) - 1
	if t <= entries[0].Timestamp {
		return 0
	}
	if t >= idx.TotalDuration || t >= entries[last].Timestamp {
		return last
	}

	lo, hi := 0, len(entries)
	if len(idx.Coarse) > 1 {
		lo, hi = coarseBucket(idx, t)
	}
	// First entry in [lo, hi) strictly after t; the floor is the one before.
	i := lo + sort.Search(hi-lo, func(i int) bool {
		return entries[lo+i].Timestamp > t
	})
	return i - 1
}

// coarseBucket narrows the search to the span between the coarse entry at
// or before t and the next coarse entry.
func coarseBucket(idx *index.KeyframeIndex, t float64) (lo, hi int) {
	c := idx.Coarse
	k := sort.Search(len(c), func(i int) bool {
		return idx.Entries[c[i]].Timestamp > t
	})
	lo = 0
	if k > 0 {
		lo = c[k-1]
	}
	hi = len(idx.Entries)
	if k < len(c) {
		hi = c[k] + 1
	}
	return lo, hi
}
