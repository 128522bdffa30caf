package control

import (
	"context"
	"errors"

	"github.com/zsiec/replay/internal/media"
)

// Wire error codes carried in ERROR messages.
const (
	CodeInternal            uint64 = 0x00
	CodeNotFound            uint64 = 0x01
	CodeUnsupportedFormat   uint64 = 0x02
	CodeIoError             uint64 = 0x03
	CodeParseError          uint64 = 0x04
	CodeInvalidSeekPosition uint64 = 0x10
	CodeKeyframeNotFound    uint64 = 0x11
	CodeInvalidPlaybackRate uint64 = 0x12
	CodeProtocolViolation   uint64 = 0x20
	CodeVersionMismatch     uint64 = 0x21
	CodeNoSession           uint64 = 0x22
	CodeTimeout             uint64 = 0x23
)

// CodeFor maps an engine error to its wire code.
func CodeFor(err error) uint64 {
	var fe *media.FileError
	var pe *media.PlaybackError
	var parseErr *ParseError
	switch {
	case errors.As(err, &pe):
		switch pe.Kind {
		case media.InvalidSeekPosition:
			return CodeInvalidSeekPosition
		case media.KeyframeNotFound:
			return CodeKeyframeNotFound
		case media.InvalidPlaybackRate:
			return CodeInvalidPlaybackRate
		}
	case errors.As(err, &fe):
		switch fe.Kind {
		case media.NotFound:
			return CodeNotFound
		case media.UnsupportedFormat:
			return CodeUnsupportedFormat
		case media.IoError:
			return CodeIoError
		case media.ParseError:
			return CodeParseError
		}
	case errors.Is(err, ErrVersionMismatch):
		return CodeVersionMismatch
	case errors.As(err, &parseErr), errors.Is(err, ErrUnexpectedMessage), errors.Is(err, ErrMessageTooLarge):
		return CodeProtocolViolation
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	return CodeInternal
}

// ErrorFor builds the ERROR message answering requestType with err.
func ErrorFor(requestType uint64, err error) Error {
	return Error{RequestType: requestType, Code: CodeFor(err), Reason: err.Error()}
}
