package control

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/quic-go/quic-go/quicvarint"
)

// Message type IDs.
const (
	MsgSetup            uint64 = 0x01
	MsgSetupOK          uint64 = 0x02
	MsgSeek             uint64 = 0x03
	MsgSeekOK           uint64 = 0x04
	MsgSetPlaybackSpeed uint64 = 0x05
	MsgSpeedOK          uint64 = 0x06
	MsgError            uint64 = 0x07
	MsgGetKeyframeIndex uint64 = 0x08
	MsgKeyframeIndex    uint64 = 0x09
	MsgPlay             uint64 = 0x0a
	MsgPause            uint64 = 0x0b
	MsgStop             uint64 = 0x0c
	MsgOK               uint64 = 0x0d
	MsgGoAway           uint64 = 0x10
)

// Version is the control protocol version.
const Version uint64 = 1

// MaxMessageSize bounds a single message payload. A serialized keyframe
// index is the largest message.
const MaxMessageSize = 16 << 20

// Setup opens a session on a file.
type Setup struct {
	Version uint64
	Path    string
}

// SetupOK confirms a session.
type SetupOK struct {
	Version   uint64
	SessionID string
}

// Seek requests playback from the keyframe at or before Target seconds.
type Seek struct {
	Target float64
}

// SeekOK reports where a seek landed.
type SeekOK struct {
	Requested      float64
	Actual         float64
	Precision      float64
	KeyframeOffset uint64
}

// SetPlaybackSpeed changes the playback rate.
type SetPlaybackSpeed struct {
	Speed float32
}

// SpeedOK confirms a rate change and reports the derived transmission policy.
type SpeedOK struct {
	Speed      float32
	QueueDepth uint64
	Strategy   byte // playback.DropKind
}

// Error rejects a request. RequestType is the message type being answered.
type Error struct {
	RequestType uint64
	Code        uint64
	Reason      string
}

// OK acknowledges a Play, Pause or Stop with the resulting position.
type OK struct {
	RequestType uint64
	Position    float64
}

// KeyframeIndex carries a serialized keyframe index.
type KeyframeIndex struct {
	Data []byte
}

// GoAway tells the peer the server is shutting down.
type GoAway struct {
	Reason string
}

// ReadMsg reads one control message.
// Wire format: [message_type (varint)] [message_length (varint)] [payload].
func ReadMsg(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
		r = br.(io.Reader)
	}
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}
	length, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	if length > MaxMessageSize {
		return 0, nil, fmt.Errorf("message type %#x: %w (%d bytes)", msgType, ErrMessageTooLarge, length)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", err)
		}
	}
	return msgType, payload, nil
}

// WriteMsg writes a control message as a single Write call so concurrent
// writers never interleave partial messages.
func WriteMsg(w io.Writer, msgType uint64, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("message type %#x: %w (%d bytes)", msgType, ErrMessageTooLarge, len(payload))
	}
	buf := make([]byte, 0, 16+len(payload))
	buf = quicvarint.Append(buf, msgType)
	buf = quicvarint.Append(buf, uint64(len(payload)))
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// SerializeSetup serializes a SETUP payload.
func SerializeSetup(s Setup) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, s.Version)
	buf = appendVarIntBytes(buf, []byte(s.Path))
	return buf
}

// ParseSetup parses a SETUP payload.
func ParseSetup(data []byte) (Setup, error) {
	r := newBufReader(data)
	var s Setup
	var err error
	if s.Version, err = r.readVarint(); err != nil {
		return s, &ParseError{Field: "version", Err: err}
	}
	path, err := r.readVarIntBytes()
	if err != nil {
		return s, &ParseError{Field: "path", Err: err}
	}
	s.Path = string(path)
	return s, nil
}

// SerializeSetupOK serializes a SETUP_OK payload.
func SerializeSetupOK(s SetupOK) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, s.Version)
	buf = appendVarIntBytes(buf, []byte(s.SessionID))
	return buf
}

// ParseSetupOK parses a SETUP_OK payload.
func ParseSetupOK(data []byte) (SetupOK, error) {
	r := newBufReader(data)
	var s SetupOK
	var err error
	if s.Version, err = r.readVarint(); err != nil {
		return s, &ParseError{Field: "version", Err: err}
	}
	id, err := r.readVarIntBytes()
	if err != nil {
		return s, &ParseError{Field: "session_id", Err: err}
	}
	s.SessionID = string(id)
	return s, nil
}

// SerializeSeek serializes a SEEK payload.
func SerializeSeek(s Seek) []byte {
	return appendFloat64(nil, s.Target)
}

// ParseSeek parses a SEEK payload.
func ParseSeek(data []byte) (Seek, error) {
	r := newBufReader(data)
	target, err := r.readFloat64()
	if err != nil {
		return Seek{}, &ParseError{Field: "target_time", Err: err}
	}
	return Seek{Target: target}, nil
}

// SerializeSeekOK serializes a SEEK_OK payload.
func SerializeSeekOK(s SeekOK) []byte {
	buf := make([]byte, 0, 32)
	buf = appendFloat64(buf, s.Requested)
	buf = appendFloat64(buf, s.Actual)
	buf = appendFloat64(buf, s.Precision)
	buf = quicvarint.Append(buf, s.KeyframeOffset)
	return buf
}

// ParseSeekOK parses a SEEK_OK payload.
func ParseSeekOK(data []byte) (SeekOK, error) {
	r := newBufReader(data)
	var s SeekOK
	var err error
	if s.Requested, err = r.readFloat64(); err != nil {
		return s, &ParseError{Field: "requested_time", Err: err}
	}
	if s.Actual, err = r.readFloat64(); err != nil {
		return s, &ParseError{Field: "actual_time", Err: err}
	}
	if s.Precision, err = r.readFloat64(); err != nil {
		return s, &ParseError{Field: "precision", Err: err}
	}
	if s.KeyframeOffset, err = r.readVarint(); err != nil {
		return s, &ParseError{Field: "keyframe_offset", Err: err}
	}
	return s, nil
}

// SerializeSetPlaybackSpeed serializes a SET_PLAYBACK_SPEED payload.
func SerializeSetPlaybackSpeed(s SetPlaybackSpeed) []byte {
	return binary.BigEndian.AppendUint32(nil, math.Float32bits(s.Speed))
}

// ParseSetPlaybackSpeed parses a SET_PLAYBACK_SPEED payload.
func ParseSetPlaybackSpeed(data []byte) (SetPlaybackSpeed, error) {
	r := newBufReader(data)
	speed, err := r.readFloat32()
	if err != nil {
		return SetPlaybackSpeed{}, &ParseError{Field: "speed", Err: err}
	}
	return SetPlaybackSpeed{Speed: speed}, nil
}

// SerializeSpeedOK serializes a SPEED_OK payload.
func SerializeSpeedOK(s SpeedOK) []byte {
	buf := binary.BigEndian.AppendUint32(nil, math.Float32bits(s.Speed))
	buf = quicvarint.Append(buf, s.QueueDepth)
	buf = append(buf, s.Strategy)
	return buf
}

// ParseSpeedOK parses a SPEED_OK payload.
func ParseSpeedOK(data []byte) (SpeedOK, error) {
	r := newBufReader(data)
	var s SpeedOK
	var err error
	if s.Speed, err = r.readFloat32(); err != nil {
		return s, &ParseError{Field: "speed", Err: err}
	}
	if s.QueueDepth, err = r.readVarint(); err != nil {
		return s, &ParseError{Field: "queue_depth", Err: err}
	}
	if s.Strategy, err = r.readByte(); err != nil {
		return s, &ParseError{Field: "strategy", Err: err}
	}
	return s, nil
}

// SerializeError serializes an ERROR payload.
func SerializeError(e Error) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, e.RequestType)
	buf = quicvarint.Append(buf, e.Code)
	buf = appendVarIntBytes(buf, []byte(e.Reason))
	return buf
}

// ParseErrorMsg parses an ERROR payload.
func ParseErrorMsg(data []byte) (Error, error) {
	r := newBufReader(data)
	var e Error
	var err error
	if e.RequestType, err = r.readVarint(); err != nil {
		return e, &ParseError{Field: "request_type", Err: err}
	}
	if e.Code, err = r.readVarint(); err != nil {
		return e, &ParseError{Field: "error_code", Err: err}
	}
	reason, err := r.readVarIntBytes()
	if err != nil {
		return e, &ParseError{Field: "reason", Err: err}
	}
	e.Reason = string(reason)
	return e, nil
}

// SerializeOK serializes an OK payload.
func SerializeOK(ok OK) []byte {
	buf := quicvarint.Append(nil, ok.RequestType)
	return appendFloat64(buf, ok.Position)
}

// ParseOK parses an OK payload.
func ParseOK(data []byte) (OK, error) {
	r := newBufReader(data)
	var ok OK
	var err error
	if ok.RequestType, err = r.readVarint(); err != nil {
		return ok, &ParseError{Field: "request_type", Err: err}
	}
	if ok.Position, err = r.readFloat64(); err != nil {
		return ok, &ParseError{Field: "position", Err: err}
	}
	return ok, nil
}

// SerializeKeyframeIndex serializes a KEYFRAME_INDEX payload. The payload is
// the index encoding itself.
func SerializeKeyframeIndex(k KeyframeIndex) []byte {
	return k.Data
}

// ParseKeyframeIndex parses a KEYFRAME_INDEX payload.
func ParseKeyframeIndex(data []byte) KeyframeIndex {
	return KeyframeIndex{Data: data}
}

// SerializeGoAway serializes a GOAWAY payload.
func SerializeGoAway(ga GoAway) []byte {
	return appendVarIntBytes(nil, []byte(ga.Reason))
}

// ParseGoAway parses a GOAWAY payload.
func ParseGoAway(data []byte) (GoAway, error) {
	r := newBufReader(data)
	reason, err := r.readVarIntBytes()
	if err != nil {
		return GoAway{}, &ParseError{Field: "reason", Err: err}
	}
	return GoAway{Reason: string(reason)}, nil
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	buf = append(buf, data...)
	return buf
}

func appendFloat64(buf []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
}

// bufReader wraps a byte slice for sequential reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readFloat64() (float64, error) {
	if len(b.data)-b.pos < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(b.data[b.pos:]))
	b.pos += 8
	return v, nil
}

func (b *bufReader) readFloat32() (float32, error) {
	if len(b.data)-b.pos < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := math.Float32frombits(binary.BigEndian.Uint32(b.data[b.pos:]))
	b.pos += 4
	return v, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(len(b.data)-b.pos) {
		return nil, io.ErrUnexpectedEOF
	}
	end := b.pos + int(length)
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}
