// Package control implements the wire codec for replay control streams:
// message framing, the typed command and response messages, and the mapping
// from engine errors to wire error codes.
//
// This package contains no session logic; serving the commands is the job of
// [github.com/zsiec/replay/internal/distribution].
package control
