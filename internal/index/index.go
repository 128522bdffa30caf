// Package index builds and describes keyframe indexes over H.264 elementary
// streams. A KeyframeIndex is an immutable, time-ordered table of retained
// keyframes; how many keyframes are retained is governed by a Strategy and an
// optional memory budget.
package index

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/zsiec/replay/internal/media"
)

// EntrySize is the accounting cost of one retained KeyframeEntry in bytes.
const EntrySize = 32

// coarseRefSize is the accounting cost of one coarse-level reference.
const coarseRefSize = 8

// Strategy selects which keyframes an index retains. The zero value is
// Adaptive.
type Strategy uint8

const (
	Adaptive Strategy = iota
	Full
	Sparse
	Hierarchical
)

func (s Strategy) String() string {
	switch s {
	case Adaptive:
		return "adaptive"
	case Full:
		return "full"
	case Sparse:
		return "sparse"
	case Hierarchical:
		return "hierarchical"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// ParseStrategy converts a case-insensitive strategy name. The empty string
// selects Adaptive.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "adaptive":
		return Adaptive, nil
	case "full":
		return Full, nil
	case "sparse":
		return Sparse, nil
	case "hierarchical":
		return Hierarchical, nil
	}
	return Adaptive, fmt.Errorf("index: unknown strategy %q", name)
}

// TimeRange is a closed interval of stream time in seconds.
type TimeRange struct {
	Start float64
	End   float64
}

// Contains reports whether t lies within the range.
func (r TimeRange) Contains(t float64) bool {
	return t >= r.Start && t <= r.End
}

// KeyframeIndex is the result of an index build. It is never mutated after
// Build returns.
type KeyframeIndex struct {
	Entries         []media.KeyframeEntry
	TotalDuration   float64
	IndexPrecision  float64
	MemoryOptimized bool
	Strategy        Strategy
	MemoryUsage     int64
	// Degraded is set when entries came from an external tool and carry no
	// byte offsets.
	Degraded   bool
	FrameRate  float64
	FrameCount uint64
	// Width and Height are the coded picture size, zero when unknown. They
	// are not part of the binary encoding.
	Width  int
	Height int
	// ToolVersion names the external tool that produced a degraded index.
	ToolVersion string
	// Coarse holds the positions in Entries of the coarse level of a
	// hierarchical index, ascending. Empty for other strategies.
	Coarse []int
}

// Len returns the number of retained entries. A nil index has none.
func (idx *KeyframeIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.Entries)
}

// Clone returns a deep copy of the index.
func (idx *KeyframeIndex) Clone() *KeyframeIndex {
	if idx == nil {
		return nil
	}
	out := *idx
	out.Entries = slices.Clone(idx.Entries)
	out.Coarse = slices.Clone(idx.Coarse)
	return &out
}

// First returns the earliest retained entry.
func (idx *KeyframeIndex) First() (media.KeyframeEntry, bool) {
	if idx.Len() == 0 {
		return media.KeyframeEntry{}, false
	}
	return idx.Entries[0], true
}

// Last returns the latest retained entry.
func (idx *KeyframeIndex) Last() (media.KeyframeEntry, bool) {
	if idx.Len() == 0 {
		return media.KeyframeEntry{}, false
	}
	return idx.Entries[len(idx.Entries)-1], true
}

// HasOffset reports whether a retained entry starts at the given file offset.
func (idx *KeyframeIndex) HasOffset(off uint64) bool {
	if idx.Len() == 0 || idx.Degraded {
		return false
	}
	lo, hi := 0, len(idx.Entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if idx.Entries[mid].FileOffset < off {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo < len(idx.Entries) && idx.Entries[lo].FileOffset == off
}

// finalize fills in the derived accounting fields.
func (idx *KeyframeIndex) finalize() {
	idx.MemoryUsage = memoryUsage(len(idx.Entries), len(idx.Coarse))
	idx.IndexPrecision = precision(idx.Entries, idx.TotalDuration)
}

func memoryUsage(entries, coarse int) int64 {
	return int64(entries)*EntrySize + int64(coarse)*coarseRefSize
}

// precision is the worst-case distance between a requested time and the
// keyframe a seek resolves to: the largest gap between consecutive entries,
// including the lead-in from zero and the tail up to the stream duration.
func precision(entries []media.KeyframeEntry, duration float64) float64 {
	if len(entries) == 0 {
		return math.Inf(1)
	}
	worst := entries[0].Timestamp
	for i := 1; i < len(entries); i++ {
		worst = max(worst, entries[i].Timestamp-entries[i-1].Timestamp)
	}
	if tail := duration - entries[len(entries)-1].Timestamp; tail > worst {
		worst = tail
	}
	return worst
}
