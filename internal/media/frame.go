// Package media defines the core record types that flow through the replay
// engine, from the Annex B scanner through the keyframe index to the seek
// engine and playback controller.
package media

// FrameType classifies an access unit for indexing purposes.
type FrameType uint8

// Frame classifications. The scanner only distinguishes IDR pictures from
// everything else, so non-keyframes are always reported as FrameP.
const (
	FrameI FrameType = iota + 1
	FrameP
	FrameB
)

// String returns the single-letter frame type.
func (t FrameType) String() string {
	switch t {
	case FrameI:
		return "I"
	case FrameP:
		return "P"
	case FrameB:
		return "B"
	default:
		return "?"
	}
}

// IsKeyframe reports whether the frame can be decoded without reference to
// earlier frames.
func (t FrameType) IsKeyframe() bool {
	return t == FrameI
}

// AccessUnit is one scanner record: the byte range of a single coded picture
// in the source file together with its classification. Ordinal is the
// zero-based picture number in decode order, from which timestamps derive.
type AccessUnit struct {
	Offset  uint64
	Size    uint32
	Type    FrameType
	Ordinal uint64
}

// End returns the file offset one past the last byte of the access unit.
func (au AccessUnit) End() uint64 {
	return au.Offset + uint64(au.Size)
}

// KeyframeEntry is a retained keyframe in a KeyframeIndex. Entries are values
// and are never mutated once the index is built.
type KeyframeEntry struct {
	Timestamp  float64 // seconds from stream start
	FileOffset uint64
	FrameSize  uint32
	GOPSize    uint32 // frames until the next keyframe in the source
	FrameType  FrameType
}
