package index

import (
	"errors"
	"fmt"

	"github.com/grafov/m3u8"
)

// ErrNoByteRanges is returned when an index has no file offsets to export.
var ErrNoByteRanges = errors.New("index: degraded index has no byte ranges")

// IFramePlaylist renders the index as an HLS I-frame-only media playlist.
// Each retained keyframe becomes one byte-range segment of uri, lasting until
// the next retained keyframe.
func (idx *KeyframeIndex) IFramePlaylist(uri string) ([]byte, error) {
	if idx.Len() == 0 {
		return nil, errors.New("index: empty index")
	}
	if idx.Degraded {
		return nil, ErrNoByteRanges
	}

	p, err := m3u8.NewMediaPlaylist(0, uint(len(idx.Entries)))
	if err != nil {
		return nil, fmt.Errorf("new playlist: %w", err)
	}
	p.Iframe = true
	p.MediaType = m3u8.VOD

	for i, e := range idx.Entries {
		end := idx.TotalDuration
		if i+1 < len(idx.Entries) {
			end = idx.Entries[i+1].Timestamp
		}
		dur := end - e.Timestamp
		if dur <= 0 && idx.FrameRate > 0 {
			dur = 1 / idx.FrameRate
		}
		if err := p.Append(uri, dur, ""); err != nil {
			return nil, fmt.Errorf("append segment %d: %w", i, err)
		}
		if err := p.SetRange(int64(e.FrameSize), int64(e.FileOffset)); err != nil {
			return nil, fmt.Errorf("set range %d: %w", i, err)
		}
	}
	p.Close()
	return p.Encode().Bytes(), nil
}
