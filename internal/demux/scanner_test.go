package demux

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/zsiec/replay/internal/media"
)

var (
	testPPS     = []byte{0x68, 0xCE, 0x38, 0x80}
	testAUD     = []byte{0x09, 0xF0}
	testIDR     = []byte{0x65, 0x88, 0x84, 0x21, 0xA0}
	testIDRCont = []byte{0x65, 0x10, 0x22, 0x33} // first_mb_in_slice != 0
	testP       = []byte{0x41, 0x9A, 0x02, 0x04}
	testPCont   = []byte{0x41, 0x20, 0x44}
)

func annexB(nals ...[]byte) []byte {
	var buf bytes.Buffer
	for _, nal := range nals {
		buf.Write([]byte{0x00, 0x00, 0x00, 0x01})
		buf.Write(nal)
	}
	return buf.Bytes()
}

// gopStream returns gops groups of SPS, PPS, IDR followed by gopLen-1 P slices.
func gopStream(gops, gopLen int) []byte {
	var nals [][]byte
	for g := 0; g < gops; g++ {
		nals = append(nals, sps720p30, testPPS, testIDR)
		for i := 1; i < gopLen; i++ {
			nals = append(nals, testP)
		}
	}
	return annexB(nals...)
}

func scanAll(t *testing.T, s *Scanner) []media.AccessUnit {
	t.Helper()
	var aus []media.AccessUnit
	for {
		au, err := s.Next()
		if errors.Is(err, io.EOF) {
			return aus
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		aus = append(aus, au)
	}
}

func TestScannerClassifiesAccessUnits(t *testing.T) {
	t.Parallel()
	data := gopStream(2, 3)
	aus := scanAll(t, NewScanner(bytes.NewReader(data), ScannerOptions{}))

	wantTypes := []media.FrameType{media.FrameI, media.FrameP, media.FrameP, media.FrameI, media.FrameP, media.FrameP}
	if len(aus) != len(wantTypes) {
		t.Fatalf("got %d access units, want %d", len(aus), len(wantTypes))
	}
	for i, au := range aus {
		if au.Type != wantTypes[i] {
			t.Errorf("AU[%d]: type %s, want %s", i, au.Type, wantTypes[i])
		}
		if au.Ordinal != uint64(i) {
			t.Errorf("AU[%d]: ordinal %d", i, au.Ordinal)
		}
		if i > 0 && aus[i-1].End() != au.Offset {
			t.Errorf("AU[%d]: offset %d does not follow previous end %d", i, au.Offset, aus[i-1].End())
		}
	}
	if aus[0].Offset != 0 {
		t.Errorf("first keyframe offset: got %d, want 0 (SPS start code)", aus[0].Offset)
	}
	if end := aus[len(aus)-1].End(); end != uint64(len(data)) {
		t.Errorf("last AU end: got %d, want %d", end, len(data))
	}

	// The second keyframe starts at its SPS, not at the IDR slice.
	gop := len(gopStream(1, 3))
	if aus[3].Offset != uint64(gop) {
		t.Errorf("second keyframe offset: got %d, want %d", aus[3].Offset, gop)
	}
}

func TestScannerChunkBoundaries(t *testing.T) {
	t.Parallel()
	data := gopStream(3, 4)
	want := scanAll(t, NewScanner(bytes.NewReader(data), ScannerOptions{}))

	tests := []struct {
		name string
		r    io.Reader
		opts ScannerOptions
	}{
		{"one byte reads", iotest.OneByteReader(bytes.NewReader(data)), ScannerOptions{}},
		{"read size 3", bytes.NewReader(data), ScannerOptions{ReadSize: 3}},
		{"read size 7", bytes.NewReader(data), ScannerOptions{ReadSize: 7}},
		{"half reads", iotest.HalfReader(bytes.NewReader(data)), ScannerOptions{ReadSize: 16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := scanAll(t, NewScanner(tt.r, tt.opts))
			if len(got) != len(want) {
				t.Fatalf("got %d access units, want %d", len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("AU[%d]: got %+v, want %+v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestScannerThreeByteStartCodes(t *testing.T) {
	t.Parallel()
	var data []byte
	for _, nal := range [][]byte{sps720p30, testPPS, testIDR, testP} {
		data = append(data, 0x00, 0x00, 0x01)
		data = append(data, nal...)
	}
	aus := scanAll(t, NewScanner(bytes.NewReader(data), ScannerOptions{}))
	if len(aus) != 2 {
		t.Fatalf("got %d access units, want 2", len(aus))
	}
	if aus[0].Type != media.FrameI || aus[1].Type != media.FrameP {
		t.Errorf("types: got %s %s, want I P", aus[0].Type, aus[1].Type)
	}
	wantP := uint64(3*3 + len(sps720p30) + len(testPPS) + len(testIDR))
	if aus[1].Offset != wantP {
		t.Errorf("P offset: got %d, want %d", aus[1].Offset, wantP)
	}
}

func TestScannerGroupsSlicesIntoPictures(t *testing.T) {
	t.Parallel()
	data := annexB(testAUD, sps720p30, testPPS, testIDR, testIDRCont, testAUD, testP, testPCont)
	aus := scanAll(t, NewScanner(bytes.NewReader(data), ScannerOptions{}))
	if len(aus) != 2 {
		t.Fatalf("got %d access units, want 2", len(aus))
	}
	secondAUD := uint64(4*5 + len(testAUD) + len(sps720p30) + len(testPPS) + len(testIDR) + len(testIDRCont))
	if aus[1].Offset != secondAUD {
		t.Errorf("second AU offset: got %d, want %d", aus[1].Offset, secondAUD)
	}
	if aus[1].End() != uint64(len(data)) {
		t.Errorf("second AU end: got %d, want %d", aus[1].End(), len(data))
	}
}

func TestScannerDropsTrailingParameterSets(t *testing.T) {
	t.Parallel()
	body := annexB(sps720p30, testPPS, testIDR, testP)
	data := append(bytes.Clone(body), annexB(sps720p30, testPPS)...)

	aus := scanAll(t, NewScanner(bytes.NewReader(data), ScannerOptions{}))
	if len(aus) != 2 {
		t.Fatalf("got %d access units, want 2", len(aus))
	}
	if aus[1].End() != uint64(len(body)) {
		t.Errorf("last AU end: got %d, want %d", aus[1].End(), len(body))
	}
}

func TestScannerLeadingGarbage(t *testing.T) {
	t.Parallel()
	garbage := bytes.Repeat([]byte{0xFF}, 10)
	data := append(garbage, gopStream(1, 2)...)
	aus := scanAll(t, NewScanner(bytes.NewReader(data), ScannerOptions{}))
	if len(aus) != 2 {
		t.Fatalf("got %d access units, want 2", len(aus))
	}
	if aus[0].Offset != uint64(len(garbage)) {
		t.Errorf("first offset: got %d, want %d", aus[0].Offset, len(garbage))
	}
}

func TestScannerSPS(t *testing.T) {
	t.Parallel()
	s := NewScanner(bytes.NewReader(gopStream(1, 2)), ScannerOptions{})
	if _, ok := s.SPS(); ok {
		t.Fatal("SPS available before scanning")
	}
	scanAll(t, s)

	info, ok := s.SPS()
	if !ok {
		t.Fatal("SPS not captured")
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("resolution: got %dx%d", info.Width, info.Height)
	}
	if got := s.FrameRate(); got != 30 {
		t.Errorf("FrameRate: got %v, want 30", got)
	}
}

func TestScannerNoStartCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"no start code", bytes.Repeat([]byte{0xAB}, 4096)},
		{"start code at limit", append(bytes.Repeat([]byte{0xAB}, 1024), gopStream(1, 2)...)},
		{"start code past limit", append(bytes.Repeat([]byte{0xAB}, 3000), gopStream(1, 2)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// The default read size pulls the whole input in one read.
			s := NewScanner(bytes.NewReader(tt.data), ScannerOptions{Path: "clip.h264", ProbeLimit: 1024})
			_, err := s.Next()
			if !media.IsFileError(err, media.UnsupportedFormat) {
				t.Fatalf("expected UnsupportedFormat, got %v", err)
			}
			if !errors.Is(err, media.ErrNoStartCode) {
				t.Errorf("expected ErrNoStartCode in chain, got %v", err)
			}
		})
	}
}

func TestScannerStartCodeWithinLimit(t *testing.T) {
	t.Parallel()
	for _, readSize := range []int{0, 256} {
		data := append(bytes.Repeat([]byte{0xAB}, 1020), gopStream(1, 2)...)
		s := NewScanner(bytes.NewReader(data), ScannerOptions{ProbeLimit: 1024, ReadSize: readSize})
		aus := scanAll(t, s)
		if len(aus) != 2 || aus[0].Offset != 1020 || aus[0].Type != media.FrameI {
			t.Errorf("read size %d: got %+v", readSize, aus)
		}
	}
}

func TestScannerReadErrorIsSticky(t *testing.T) {
	t.Parallel()
	errBoom := errors.New("disk gone")
	r := io.MultiReader(bytes.NewReader(gopStream(2, 3)), iotest.ErrReader(errBoom))
	s := NewScanner(r, ScannerOptions{})

	var (
		n   int
		err error
	)
	for {
		if _, err = s.Next(); err != nil {
			break
		}
		n++
	}
	if !media.IsFileError(err, media.IoError) || !errors.Is(err, errBoom) {
		t.Fatalf("expected IoError wrapping errBoom, got %v", err)
	}
	if n != 5 {
		t.Errorf("yielded %d access units before failing, want 5", n)
	}
	if _, again := s.Next(); again != err {
		t.Errorf("second Next: got %v, want sticky %v", again, err)
	}
}

func TestScannerResetAndAll(t *testing.T) {
	t.Parallel()
	s := NewScanner(bytes.NewReader(gopStream(2, 2)), ScannerOptions{})
	first := scanAll(t, s)

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	var second []media.AccessUnit
	for au, err := range s.All() {
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		second = append(second, au)
	}
	if len(second) != len(first) {
		t.Fatalf("after reset: got %d access units, want %d", len(second), len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("AU[%d]: got %+v, want %+v", i, second[i], first[i])
		}
	}
}

func TestScannerResetRequiresSeeker(t *testing.T) {
	t.Parallel()
	s := NewScanner(iotest.OneByteReader(bytes.NewReader(nil)), ScannerOptions{})
	if err := s.Reset(); err == nil {
		t.Error("expected error resetting a non-seekable reader")
	}
}
