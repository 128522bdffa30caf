package playback

import (
	"github.com/zsiec/replay/internal/index"
	"github.com/zsiec/replay/internal/media"
)

// DropFilter applies a DropStrategy to a stream of access units. The
// by-rate strategy spreads drops evenly over non-keyframes, so the result is
// deterministic for a given input sequence.
type DropFilter struct {
	strategy DropStrategy
	idx      *index.KeyframeIndex
	debt     float64
}

// NewDropFilter returns a filter for s. idx is consulted only by the
// adaptive strategy, which keeps just the keyframes the index retained.
func NewDropFilter(s DropStrategy, idx *index.KeyframeIndex) *DropFilter {
	return &DropFilter{strategy: s, idx: idx}
}

// Strategy returns the active strategy.
func (f *DropFilter) Strategy() DropStrategy {
	return f.strategy
}

// SetStrategy switches strategy, restarting the by-rate spread.
func (f *DropFilter) SetStrategy(s DropStrategy) {
	if s != f.strategy {
		f.strategy = s
		f.debt = 0
	}
}

// Keep reports whether au should be transmitted.
func (f *DropFilter) Keep(au media.AccessUnit) bool {
	key := au.Type.IsKeyframe()
	switch f.strategy.Kind {
	case DropNonKeyframes:
		return key
	case DropByRate:
		if key {
			return true
		}
		f.debt += f.strategy.Fraction
		if f.debt >= 1 {
			f.debt--
			return false
		}
		return true
	case DropAdaptive:
		if !key {
			return false
		}
		if f.idx == nil || f.idx.Degraded {
			return true
		}
		return f.idx.HasOffset(au.Offset)
	default:
		return true
	}
}
