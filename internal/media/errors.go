package media

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors for conditions callers test with errors.Is.
var (
	ErrNoStartCode = errors.New("no Annex B start code found")
	ErrNoKeyframes = errors.New("no keyframes found")
	ErrIndexEmpty  = errors.New("keyframe index is empty")
	ErrNotReady    = errors.New("keyframe index not built")
)

// FileErrorKind is the closed set of file-level failure classes.
type FileErrorKind uint8

const (
	NotFound FileErrorKind = iota + 1
	UnsupportedFormat
	IoError
	ParseError
)

func (k FileErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case UnsupportedFormat:
		return "unsupported format"
	case IoError:
		return "i/o error"
	case ParseError:
		return "parse error"
	default:
		return "unknown"
	}
}

// FileError is fatal to the operation that produced it. It records the file
// involved and, for scan failures, the byte offset reached.
type FileError struct {
	Kind   FileErrorKind
	Path   string
	Offset int64
	Err    error
}

func (e *FileError) Error() string {
	msg := "replay: " + e.Kind.String()
	if e.Path != "" {
		msg += " " + strconv.Quote(e.Path)
	}
	if e.Offset > 0 {
		msg += " at offset " + strconv.FormatInt(e.Offset, 10)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// IsFileError reports whether err is a FileError of the given kind.
func IsFileError(err error, kind FileErrorKind) bool {
	var fe *FileError
	return errors.As(err, &fe) && fe.Kind == kind
}

// PlaybackErrorKind is the closed set of caller-correctable playback errors.
type PlaybackErrorKind uint8

const (
	InvalidSeekPosition PlaybackErrorKind = iota + 1
	KeyframeNotFound
	InvalidPlaybackRate
)

func (k PlaybackErrorKind) String() string {
	switch k {
	case InvalidSeekPosition:
		return "invalid seek position"
	case KeyframeNotFound:
		return "keyframe not found"
	case InvalidPlaybackRate:
		return "invalid playback rate"
	default:
		return "unknown"
	}
}

// PlaybackError is never fatal to a session; it tells the caller which
// request argument to correct.
type PlaybackError struct {
	Kind     PlaybackErrorKind
	Position float64 // InvalidSeekPosition, KeyframeNotFound
	Rate     float64 // InvalidPlaybackRate
	Err      error
}

func (e *PlaybackError) Error() string {
	var msg string
	switch e.Kind {
	case InvalidPlaybackRate:
		msg = fmt.Sprintf("replay: %s %g", e.Kind, e.Rate)
	default:
		msg = fmt.Sprintf("replay: %s %g", e.Kind, e.Position)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PlaybackError) Unwrap() error {
	return e.Err
}

// IsPlaybackError reports whether err is a PlaybackError of the given kind.
func IsPlaybackError(err error, kind PlaybackErrorKind) bool {
	var pe *PlaybackError
	return errors.As(err, &pe) && pe.Kind == kind
}
