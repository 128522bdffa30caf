package playback

import (
	"testing"

	"github.com/zsiec/replay/internal/index"
	"github.com/zsiec/replay/internal/media"
)

// units returns gops groups of one keyframe followed by gop-1 P frames,
// 100 bytes each.
func units(gops, gop int) []media.AccessUnit {
	var out []media.AccessUnit
	for i := 0; i < gops*gop; i++ {
		typ := media.FrameP
		if i%gop == 0 {
			typ = media.FrameI
		}
		out = append(out, media.AccessUnit{Offset: uint64(i) * 100, Size: 100, Type: typ, Ordinal: uint64(i)})
	}
	return out
}

func keepCount(f *DropFilter, aus []media.AccessUnit) (keys, others int) {
	for _, au := range aus {
		if !f.Keep(au) {
			continue
		}
		if au.Type.IsKeyframe() {
			keys++
		} else {
			others++
		}
	}
	return keys, others
}

func TestDropFilter(t *testing.T) {
	t.Parallel()
	aus := units(4, 11) // 4 keyframes, 40 P frames

	retained := &index.KeyframeIndex{Entries: []media.KeyframeEntry{
		{Timestamp: 0, FileOffset: 0},
		{Timestamp: 2, FileOffset: 2 * 11 * 100},
	}}

	tests := []struct {
		name       string
		strategy   DropStrategy
		idx        *index.KeyframeIndex
		wantKeys   int
		wantOthers int
	}{
		{"none", StrategyForRate(1), nil, 4, 40},
		{"non-keyframes", StrategyForRate(2), nil, 4, 0},
		{"by rate half", StrategyForRate(2.5), nil, 4, 20},
		{"by rate quarter", DropStrategy{Kind: DropByRate, Fraction: 0.25}, nil, 4, 30},
		{"adaptive with index", StrategyForRate(3.5), retained, 2, 0},
		{"adaptive without index", StrategyForRate(3.5), nil, 4, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			keys, others := keepCount(NewDropFilter(tt.strategy, tt.idx), aus)
			if keys != tt.wantKeys || others != tt.wantOthers {
				t.Errorf("kept %d keyframes and %d others, want %d and %d", keys, others, tt.wantKeys, tt.wantOthers)
			}
		})
	}
}

func TestDropByRateIsDeterministic(t *testing.T) {
	t.Parallel()
	aus := units(3, 30)
	a := NewDropFilter(StrategyForRate(3), nil)
	b := NewDropFilter(StrategyForRate(3), nil)
	for _, au := range aus {
		if a.Keep(au) != b.Keep(au) {
			t.Fatalf("filters disagree at ordinal %d", au.Ordinal)
		}
	}
}

func TestDropFilterSetStrategy(t *testing.T) {
	t.Parallel()
	f := NewDropFilter(StrategyForRate(1), nil)
	f.SetStrategy(StrategyForRate(1.5))
	if f.Strategy().Kind != DropNonKeyframes {
		t.Fatalf("strategy: got %v", f.Strategy())
	}
	if f.Keep(media.AccessUnit{Type: media.FrameP}) {
		t.Error("P frame kept under non-keyframe strategy")
	}
	if !f.Keep(media.AccessUnit{Type: media.FrameI}) {
		t.Error("keyframe dropped under non-keyframe strategy")
	}
}
