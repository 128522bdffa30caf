package demux

import (
	"testing"
)

// sps720p30 is a High profile 1280x720 SPS whose VUI signals 30 fps
// (num_units_in_tick=1, time_scale=60) and carries HRD parameters.
var sps720p30 = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0x01, 0x6a, 0x04, 0x04, 0x0a, 0x80,
	0x00, 0x00, 0x03, 0x00, 0x80, 0x00, 0x00, 0x1e,
	0x30, 0x20, 0x00, 0x16, 0xe3, 0x60, 0x00, 0x2d,
	0xc6, 0xd2, 0x49, 0x80, 0x7c, 0x60, 0xc6, 0x58,
}

func TestParseAnnexB(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE,
	}

	nalus := ParseAnnexB(data)
	if len(nalus) != 3 {
		t.Fatalf("expected 3 NAL units, got %d", len(nalus))
	}

	wantTypes := []byte{NALTypeSPS, NALTypePPS, NALTypeIDR}
	for i, want := range wantTypes {
		if nalus[i].Type != want {
			t.Errorf("NALU[%d]: got type %d, want %d", i, nalus[i].Type, want)
		}
	}
	if !IsParameterSet(nalus[0].Type) || !IsParameterSet(nalus[1].Type) {
		t.Error("IsParameterSet returned false for SPS/PPS")
	}
	if !IsKeyframe(nalus[2].Type) {
		t.Error("IsKeyframe returned false for IDR")
	}
	if !IsVCL(nalus[2].Type) {
		t.Error("IsVCL returned false for IDR")
	}
}

func TestParseAnnexBEmpty(t *testing.T) {
	t.Parallel()
	if nalus := ParseAnnexB(nil); nalus != nil {
		t.Errorf("expected nil for empty input, got %d units", len(nalus))
	}
	if nalus := ParseAnnexB([]byte{0x00, 0x01}); nalus != nil {
		t.Errorf("expected nil for too-short input, got %d units", len(nalus))
	}
}

func TestParseAnnexBTrailingZeroAbsorbedByStartCode(t *testing.T) {
	t.Parallel()
	// Zeros preceding a start code belong to the start code prefix.
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x06, 0xAA, 0xBB, 0x00,
		0x00, 0x00, 0x01, 0x41, 0x9A,
	}

	nalus := ParseAnnexB(data)
	if len(nalus) != 2 {
		t.Fatalf("expected 2 NAL units, got %d", len(nalus))
	}
	if nalus[0].Type != NALTypeSEI {
		t.Errorf("expected SEI (6), got %d", nalus[0].Type)
	}
	if len(nalus[0].Data) != 3 {
		t.Errorf("SEI data length: got %d, want 3", len(nalus[0].Data))
	}
	if nalus[1].Type != NALTypeSlice {
		t.Errorf("expected Slice (1), got %d", nalus[1].Type)
	}
	if IsKeyframe(nalus[1].Type) {
		t.Error("non-IDR slice should not be keyframe")
	}
}

func TestParseAnnexBMixed3And4ByteStartCodes(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x01, 0x68, 0xCE,
		0x00, 0x00, 0x00, 0x01, 0x06, 0xFF, 0xFE,
		0x00, 0x00, 0x01, 0x65, 0x88,
	}

	nalus := ParseAnnexB(data)
	if len(nalus) != 4 {
		t.Fatalf("expected 4 NAL units, got %d", len(nalus))
	}
	wantTypes := []byte{NALTypeSPS, NALTypePPS, NALTypeSEI, NALTypeIDR}
	for i, want := range wantTypes {
		if nalus[i].Type != want {
			t.Errorf("NALU[%d]: got type %d, want %d", i, nalus[i].Type, want)
		}
	}
}

func TestParseSPS720p(t *testing.T) {
	t.Parallel()
	sps := []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}

	info, err := ParseSPS(sps)
	if err != nil {
		t.Fatalf("ParseSPS error: %v", err)
	}
	if info.Width != 1280 {
		t.Errorf("width: got %d, want 1280", info.Width)
	}
	if info.Height != 720 {
		t.Errorf("height: got %d, want 720", info.Height)
	}
	if got := info.CodecString(); got != "avc1.64001F" {
		t.Errorf("codec string: got %q, want avc1.64001F", got)
	}
}

func TestParseSPS256x192(t *testing.T) {
	t.Parallel()
	sps := []byte{
		0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
		0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
		0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
		0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
		0x3a, 0x8e, 0x18, 0xc9,
	}

	info, err := ParseSPS(sps)
	if err != nil {
		t.Fatalf("ParseSPS error: %v", err)
	}
	if info.Width != 256 {
		t.Errorf("width: got %d, want 256", info.Width)
	}
	if info.Height != 192 {
		t.Errorf("height: got %d, want 192", info.Height)
	}
}

func TestParseSPSTooShort(t *testing.T) {
	t.Parallel()
	for _, in := range [][]byte{nil, {}, {0x67, 0x64, 0x00}} {
		if _, err := ParseSPS(in); err == nil {
			t.Errorf("ParseSPS(%x): expected error", in)
		}
	}
}

func TestParseSPSVUITiming(t *testing.T) {
	t.Parallel()
	info, err := ParseSPS(sps720p30)
	if err != nil {
		t.Fatalf("ParseSPS error: %v", err)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("resolution: got %dx%d, want 1280x720", info.Width, info.Height)
	}
	if !info.TimingPresent {
		t.Fatal("expected TimingPresent=true")
	}
	if info.NumUnitsInTick != 1 {
		t.Errorf("NumUnitsInTick: got %d, want 1", info.NumUnitsInTick)
	}
	if info.TimeScale != 60 {
		t.Errorf("TimeScale: got %d, want 60", info.TimeScale)
	}
	if got := info.FrameRate(); got != 30 {
		t.Errorf("FrameRate: got %v, want 30", got)
	}
}

func TestFrameRateWithoutTiming(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		info SPSInfo
	}{
		{"absent", SPSInfo{}},
		{"zero tick", SPSInfo{TimingPresent: true, TimeScale: 60}},
		{"zero scale", SPSInfo{TimingPresent: true, NumUnitsInTick: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.info.FrameRate(); got != 0 {
				t.Errorf("FrameRate: got %v, want 0", got)
			}
		})
	}
}

func TestRemoveEmulationPrevention(t *testing.T) {
	t.Parallel()
	in := []byte{0x11, 0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x07}
	got := removeEmulationPrevention(in)
	want := []byte{0x11, 0x00, 0x00, 0x01, 0x00, 0x00, 0x03, 0x07}
	if string(got) != string(want) {
		t.Errorf("got %x, want %x", got, want)
	}
}
