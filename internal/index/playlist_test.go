package index

import (
	"errors"
	"strings"
	"testing"
)

func TestIFramePlaylist(t *testing.T) {
	t.Parallel()
	idx := mustBuild(t, gopSource(90, 30, 30), BuildOptions{Strategy: Full})

	out, err := idx.IFramePlaylist("clip.h264")
	if err != nil {
		t.Fatalf("IFramePlaylist: %v", err)
	}
	text := string(out)
	for _, want := range []string{
		"#EXTM3U",
		"#EXT-X-I-FRAMES-ONLY",
		"#EXT-X-BYTERANGE:1000@30000",
		"#EXT-X-BYTERANGE:1000@60000",
		"#EXT-X-ENDLIST",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("playlist missing %q:\n%s", want, text)
		}
	}
	if n := strings.Count(text, "clip.h264"); n != 3 {
		t.Errorf("segment count: got %d, want 3", n)
	}
}

func TestIFramePlaylistDegraded(t *testing.T) {
	t.Parallel()
	idx := mustBuild(t, gopSource(90, 30, 30), BuildOptions{Strategy: Full})
	idx.Degraded = true
	if _, err := idx.IFramePlaylist("clip.h264"); !errors.Is(err, ErrNoByteRanges) {
		t.Errorf("expected ErrNoByteRanges, got %v", err)
	}

	var empty *KeyframeIndex
	if _, err := empty.IFramePlaylist("clip.h264"); err == nil {
		t.Error("expected error for empty index")
	}
}
