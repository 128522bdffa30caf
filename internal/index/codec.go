package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/replay/internal/media"
)

// Wire layout, all integers varint unless noted:
//
//	magic "RKIX" | version | flags (byte) | strategy (byte)
//	duration, precision, frame rate (float64 big-endian)
//	frame count | memory usage
//	entry count | entries... | coarse count | coarse positions...
//
// entry: timestamp (float64) | offset | size | gop | type (byte)
const (
	codecMagic   = "RKIX"
	codecVersion = 1

	flagMemoryOptimized = 1 << 0
	flagDegraded        = 1 << 1
)

// CodecError describes a malformed serialized index.
type CodecError struct {
	Field string
	Err   error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("index: decode %s: %v", e.Field, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (idx *KeyframeIndex) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 64+len(idx.Entries)*20+len(idx.Coarse)*2)
	buf = append(buf, codecMagic...)
	buf = quicvarint.Append(buf, codecVersion)

	var flags byte
	if idx.MemoryOptimized {
		flags |= flagMemoryOptimized
	}
	if idx.Degraded {
		flags |= flagDegraded
	}
	buf = append(buf, flags, byte(idx.Strategy))
	buf = appendFloat(buf, idx.TotalDuration)
	buf = appendFloat(buf, idx.IndexPrecision)
	buf = appendFloat(buf, idx.FrameRate)
	buf = quicvarint.Append(buf, idx.FrameCount)
	buf = quicvarint.Append(buf, uint64(idx.MemoryUsage))

	buf = quicvarint.Append(buf, uint64(len(idx.Entries)))
	for _, e := range idx.Entries {
		buf = appendFloat(buf, e.Timestamp)
		buf = quicvarint.Append(buf, e.FileOffset)
		buf = quicvarint.Append(buf, uint64(e.FrameSize))
		buf = quicvarint.Append(buf, uint64(e.GOPSize))
		buf = append(buf, byte(e.FrameType))
	}
	buf = quicvarint.Append(buf, uint64(len(idx.Coarse)))
	for _, c := range idx.Coarse {
		buf = quicvarint.Append(buf, uint64(c))
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. It validates the
// ordering invariants so a corrupt cache entry is rejected rather than
// served.
func (idx *KeyframeIndex) UnmarshalBinary(data []byte) error {
	if len(data) < len(codecMagic) || string(data[:len(codecMagic)]) != codecMagic {
		return &CodecError{Field: "magic", Err: errors.New("not a keyframe index")}
	}
	r := newBufReader(data[len(codecMagic):])

	version, err := r.readVarint()
	if err != nil {
		return &CodecError{Field: "version", Err: err}
	}
	if version != codecVersion {
		return &CodecError{Field: "version", Err: fmt.Errorf("unsupported version %d", version)}
	}
	flags, err := r.readByte()
	if err != nil {
		return &CodecError{Field: "flags", Err: err}
	}
	strategy, err := r.readByte()
	if err != nil {
		return &CodecError{Field: "strategy", Err: err}
	}

	var out KeyframeIndex
	out.Strategy = Strategy(strategy)
	out.MemoryOptimized = flags&flagMemoryOptimized != 0
	out.Degraded = flags&flagDegraded != 0
	if out.TotalDuration, err = r.readFloat(); err != nil {
		return &CodecError{Field: "duration", Err: err}
	}
	if out.IndexPrecision, err = r.readFloat(); err != nil {
		return &CodecError{Field: "precision", Err: err}
	}
	if out.FrameRate, err = r.readFloat(); err != nil {
		return &CodecError{Field: "frame_rate", Err: err}
	}
	if out.FrameCount, err = r.readVarint(); err != nil {
		return &CodecError{Field: "frame_count", Err: err}
	}
	usage, err := r.readVarint()
	if err != nil {
		return &CodecError{Field: "memory_usage", Err: err}
	}
	out.MemoryUsage = int64(usage)

	count, err := r.readVarint()
	if err != nil {
		return &CodecError{Field: "entry_count", Err: err}
	}
	// Each entry takes at least 12 bytes; reject counts the payload cannot hold.
	if count > uint64(r.remaining()/12) {
		return &CodecError{Field: "entry_count", Err: io.ErrUnexpectedEOF}
	}
	out.Entries = make([]media.KeyframeEntry, count)
	for i := range out.Entries {
		e, err := r.readEntry()
		if err != nil {
			return &CodecError{Field: fmt.Sprintf("entry[%d]", i), Err: err}
		}
		if math.IsNaN(e.Timestamp) || math.IsInf(e.Timestamp, 0) {
			return &CodecError{Field: fmt.Sprintf("entry[%d]", i), Err: errors.New("timestamp not finite")}
		}
		if i > 0 && e.Timestamp <= out.Entries[i-1].Timestamp {
			return &CodecError{Field: fmt.Sprintf("entry[%d]", i), Err: errors.New("timestamps not increasing")}
		}
		// HasOffset binary-searches offsets, so they must ascend too.
		if i > 0 && !out.Degraded && e.FileOffset <= out.Entries[i-1].FileOffset {
			return &CodecError{Field: fmt.Sprintf("entry[%d]", i), Err: errors.New("offsets not increasing")}
		}
		out.Entries[i] = e
	}

	ncoarse, err := r.readVarint()
	if err != nil {
		return &CodecError{Field: "coarse_count", Err: err}
	}
	if ncoarse > count {
		return &CodecError{Field: "coarse_count", Err: errors.New("more coarse references than entries")}
	}
	if ncoarse > 0 {
		out.Coarse = make([]int, ncoarse)
	}
	for i := range out.Coarse {
		pos, err := r.readVarint()
		if err != nil {
			return &CodecError{Field: fmt.Sprintf("coarse[%d]", i), Err: err}
		}
		if pos >= count || (i > 0 && int(pos) <= out.Coarse[i-1]) {
			return &CodecError{Field: fmt.Sprintf("coarse[%d]", i), Err: errors.New("position out of order")}
		}
		out.Coarse[i] = int(pos)
	}

	*idx = out
	return nil
}

func appendFloat(buf []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) remaining() int {
	return len(b.data) - b.pos
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

func (b *bufReader) readFloat() (float64, error) {
	if b.remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(b.data[b.pos:]))
	b.pos += 8
	return v, nil
}

func (b *bufReader) readEntry() (media.KeyframeEntry, error) {
	var e media.KeyframeEntry
	var err error
	if e.Timestamp, err = b.readFloat(); err != nil {
		return e, err
	}
	if e.FileOffset, err = b.readVarint(); err != nil {
		return e, err
	}
	size, err := b.readVarint()
	if err != nil {
		return e, err
	}
	gop, err := b.readVarint()
	if err != nil {
		return e, err
	}
	if size > math.MaxUint32 || gop > math.MaxUint32 {
		return e, errors.New("field overflows uint32")
	}
	e.FrameSize, e.GOPSize = uint32(size), uint32(gop)
	typ, err := b.readByte()
	if err != nil {
		return e, err
	}
	e.FrameType = media.FrameType(typ)
	return e, nil
}
