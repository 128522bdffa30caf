package demux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/zsiec/replay/internal/media"
)

const (
	defaultProbeLimit = 1 << 20
	defaultReadSize   = 64 << 10
	maxSPSCapture     = 256
)

var startCode = []byte{0, 0, 1}

// ScannerOptions tunes a Scanner. The zero value is usable.
type ScannerOptions struct {
	// Path is only used to annotate errors.
	Path string
	// ProbeLimit is how many bytes may be read before the first start code
	// must have appeared. Defaults to 1 MiB.
	ProbeLimit int64
	// ReadSize is the size of each read from the underlying reader.
	ReadSize int
}

type nalHeader struct {
	off     uint64 // offset of the first start-code byte
	typ     byte
	firstMb bool // first_mb_in_slice == 0 for VCL NALs
}

type auState struct {
	open  bool
	start uint64
	vcl   bool
	idr   bool
}

// Scanner walks an H.264 Annex B elementary stream and yields one
// media.AccessUnit per coded picture, in file order. It reads the source
// sequentially in fixed-size chunks and never holds more than one chunk in
// memory. A Scanner is not safe for concurrent use.
type Scanner struct {
	r    io.Reader
	opts ScannerOptions

	buf     []byte
	bufOff  uint64 // absolute offset of buf[0]
	pos     int    // next search position in buf
	total   uint64 // bytes consumed from r
	eof     bool
	started bool
	err     error

	cur     auState
	ordinal uint64
	sps     *SPSInfo
	// spsAt is the buffer index of an SPS header whose body is still being
	// read, or -1.
	spsAt int
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader, opts ScannerOptions) *Scanner {
	if opts.ProbeLimit <= 0 {
		opts.ProbeLimit = defaultProbeLimit
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = defaultReadSize
	}
	if f, ok := r.(*os.File); ok {
		adviseSequential(f)
	}
	return &Scanner{
		r:     r,
		opts:  opts,
		buf:   make([]byte, 0, opts.ReadSize+8),
		spsAt: -1,
	}
}

// Next returns the next access unit. It returns io.EOF once the stream is
// exhausted. Any other error is sticky: subsequent calls return it again.
func (s *Scanner) Next() (media.AccessUnit, error) {
	if s.err != nil {
		return media.AccessUnit{}, s.err
	}
	for {
		nal, err := s.nextNAL()
		if errors.Is(err, io.EOF) {
			if s.cur.vcl {
				au := s.finish(s.total)
				s.cur = auState{}
				return au, nil
			}
			s.cur = auState{}
			return media.AccessUnit{}, io.EOF
		}
		if err != nil {
			s.err = err
			return media.AccessUnit{}, err
		}

		if s.cur.vcl && (opensAccessUnit(nal.typ) || (IsVCL(nal.typ) && nal.firstMb)) {
			au := s.finish(nal.off)
			s.cur = auState{open: true, start: nal.off}
			s.cur.add(nal.typ)
			return au, nil
		}
		if !s.cur.open {
			s.cur = auState{open: true, start: nal.off}
		}
		s.cur.add(nal.typ)
	}
}

// All returns an iterator over the remaining access units. Iteration stops
// after the first error, which is yielded once.
func (s *Scanner) All() iter.Seq2[media.AccessUnit, error] {
	return func(yield func(media.AccessUnit, error) bool) {
		for {
			au, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(au, err) || err != nil {
				return
			}
		}
	}
}

// Reset rewinds the scanner to the start of the stream. The underlying reader
// must implement io.Seeker.
func (s *Scanner) Reset() error {
	seeker, ok := s.r.(io.Seeker)
	if !ok {
		return errors.New("demux: reader does not support seeking")
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return s.ioError(0, err)
	}
	*s = Scanner{r: s.r, opts: s.opts, buf: s.buf[:0], spsAt: -1}
	return nil
}

// SPS returns the first successfully parsed sequence parameter set.
func (s *Scanner) SPS() (SPSInfo, bool) {
	if s.sps == nil {
		return SPSInfo{}, false
	}
	return *s.sps, true
}

// FrameRate returns the VUI frame rate of the first SPS, or 0 when unknown.
func (s *Scanner) FrameRate() float64 {
	if s.sps == nil {
		return 0
	}
	return s.sps.FrameRate()
}

// Offset returns the number of bytes consumed from the reader so far.
func (s *Scanner) Offset() uint64 {
	return s.total
}

func (a *auState) add(typ byte) {
	if IsVCL(typ) {
		a.vcl = true
	}
	if typ == NALTypeIDR {
		a.idr = true
	}
}

func (s *Scanner) finish(end uint64) media.AccessUnit {
	au := media.AccessUnit{
		Offset:  s.cur.start,
		Size:    uint32(end - s.cur.start),
		Type:    media.FrameP,
		Ordinal: s.ordinal,
	}
	if s.cur.idr {
		au.Type = media.FrameI
	}
	s.ordinal++
	return au
}

// nextNAL locates the next start code and decodes the NAL header that
// follows it. It returns io.EOF when the stream holds no further NAL units.
func (s *Scanner) nextNAL() (nalHeader, error) {
	for {
		i := bytes.Index(s.buf[s.pos:], startCode)
		if i >= 0 {
			i += s.pos
			if !s.started && s.firstStartCode(i) >= uint64(s.opts.ProbeLimit) {
				return nalHeader{}, s.formatError()
			}
			hdr := i + 3
			// The header byte and the byte after it are needed; wait for more
			// data unless the stream is exhausted.
			if hdr+1 < len(s.buf) || (s.eof && hdr < len(s.buf)) {
				return s.decodeAt(i), nil
			}
		}

		if s.eof {
			if s.spsAt >= 0 {
				s.captureSPS(s.buf[s.spsAt:])
			}
			if !s.started {
				return nalHeader{}, s.formatError()
			}
			return nalHeader{}, io.EOF
		}
		// Any start code beginning inside the limit is complete once three
		// bytes past it have been read.
		if !s.started && i < 0 && int64(s.total) >= s.opts.ProbeLimit+2 {
			return nalHeader{}, s.formatError()
		}
		if err := s.fill(); err != nil {
			return nalHeader{}, err
		}
	}
}

// firstStartCode returns the absolute offset of the start code whose
// three-byte form begins at buf[i], counting a leading zero byte.
func (s *Scanner) firstStartCode(i int) uint64 {
	if i > s.pos && s.buf[i-1] == 0 {
		i--
	}
	return s.bufOff + uint64(i)
}

func (s *Scanner) decodeAt(i int) nalHeader {
	sc := i
	if i > s.pos && s.buf[i-1] == 0 {
		sc = i - 1
	}
	if s.spsAt >= 0 {
		s.captureSPS(s.buf[s.spsAt:sc])
	}
	hdr := i + 3
	nal := nalHeader{
		off: s.bufOff + uint64(sc),
		typ: s.buf[hdr] & 0x1F,
	}
	if hdr+1 < len(s.buf) {
		nal.firstMb = s.buf[hdr+1]&0x80 != 0
	}
	if nal.typ == NALTypeSPS && s.sps == nil {
		s.spsAt = hdr
	}
	s.started = true
	s.pos = hdr + 1
	return nal
}

// captureSPS parses a buffered SPS NAL. A damaged SPS is skipped and the
// next one in the stream is tried instead.
func (s *Scanner) captureSPS(raw []byte) {
	s.spsAt = -1
	info, err := ParseSPS(raw)
	if err != nil {
		return
	}
	s.sps = &info
}

// fill compacts the window and reads the next chunk. The last few bytes are
// kept so start codes split across reads are still found, as is a pending
// SPS body.
func (s *Scanner) fill() error {
	keep := max(s.pos, len(s.buf)-5)
	if s.spsAt >= 0 {
		if len(s.buf)-s.spsAt > maxSPSCapture {
			s.captureSPS(s.buf[s.spsAt : s.spsAt+maxSPSCapture])
		} else {
			keep = min(keep, s.spsAt)
		}
	}
	if keep > 0 {
		if s.spsAt >= 0 {
			s.spsAt -= keep
		}
		n := copy(s.buf, s.buf[keep:])
		s.buf = s.buf[:n]
		s.bufOff += uint64(keep)
		s.pos -= keep
		if s.pos < 0 {
			s.pos = 0
		}
	}
	if cap(s.buf)-len(s.buf) < s.opts.ReadSize {
		grown := make([]byte, len(s.buf), len(s.buf)+s.opts.ReadSize)
		copy(grown, s.buf)
		s.buf = grown
	}

	n, err := s.r.Read(s.buf[len(s.buf):cap(s.buf)])
	s.buf = s.buf[:len(s.buf)+n]
	s.total += uint64(n)
	if errors.Is(err, io.EOF) {
		s.eof = true
		return nil
	}
	if err != nil {
		return s.ioError(int64(s.total), err)
	}
	return nil
}

func (s *Scanner) formatError() error {
	return &media.FileError{
		Kind:   media.UnsupportedFormat,
		Path:   s.opts.Path,
		Offset: int64(s.total),
		Err:    fmt.Errorf("%w within first %d bytes", media.ErrNoStartCode, min(int64(s.total), s.opts.ProbeLimit)),
	}
}

func (s *Scanner) ioError(off int64, err error) error {
	return &media.FileError{Kind: media.IoError, Path: s.opts.Path, Offset: off, Err: err}
}
