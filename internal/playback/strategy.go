// Package playback translates a playback rate into transmission behaviour:
// which access units are dropped, how deep the transmission queue runs, and
// what happens to buffered data on a seek.
package playback

import (
	"fmt"
	"math"
)

// DropKind tags a DropStrategy.
type DropKind uint8

const (
	DropNone DropKind = iota
	DropNonKeyframes
	DropByRate
	DropAdaptive
)

func (k DropKind) String() string {
	switch k {
	case DropNone:
		return "none"
	case DropNonKeyframes:
		return "non-keyframes"
	case DropByRate:
		return "by-rate"
	case DropAdaptive:
		return "adaptive"
	default:
		return fmt.Sprintf("drop(%d)", uint8(k))
	}
}

// DropStrategy decides which access units are skipped during transmission.
// Fraction is only meaningful for DropByRate.
type DropStrategy struct {
	Kind     DropKind
	Fraction float64
}

func (s DropStrategy) String() string {
	if s.Kind == DropByRate {
		return fmt.Sprintf("by-rate(%g)", s.Fraction)
	}
	return s.Kind.String()
}

// StrategyForRate maps a playback rate to its drop strategy. Boundary values
// resolve to the calmer strategy. Non-positive rates (paused) drop nothing.
func StrategyForRate(rate float64) DropStrategy {
	switch {
	case math.IsNaN(rate), rate <= 1.0:
		return DropStrategy{Kind: DropNone}
	case rate <= 2.0:
		return DropStrategy{Kind: DropNonKeyframes}
	case rate <= 3.0:
		return DropStrategy{Kind: DropByRate, Fraction: 0.5}
	default:
		return DropStrategy{Kind: DropAdaptive}
	}
}

// QueueDepthForRate returns the transmission queue depth for rate: the base
// depth shrinks as the rate grows so fast playback adds no latency, and never
// drops below one.
func QueueDepthForRate(base int, rate float64) int {
	if rate <= 0 || math.IsNaN(rate) {
		return max(base, 1)
	}
	return max(1, int(math.Floor(float64(base)/rate)))
}
