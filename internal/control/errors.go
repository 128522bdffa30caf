package control

import (
	"errors"
	"fmt"
)

// Sentinel errors for control stream handling.
var (
	ErrVersionMismatch   = errors.New("control: unsupported version")
	ErrMessageTooLarge   = errors.New("control: message too large")
	ErrUnexpectedMessage = errors.New("control: unexpected message")
)

// ParseError indicates a failure to parse a control message field. It wraps
// the underlying I/O or format error and records which field was being
// parsed when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("control: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
