// Package probe extracts stream metadata and keyframe timestamps with an
// external media tool. It is the degraded path for files the Annex B scanner
// cannot index.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// ErrNoVideoStream is returned when the tool reports no video stream.
var ErrNoVideoStream = errors.New("probe: no video stream")

// Metadata describes the first video stream of a file.
type Metadata struct {
	Codec     string
	Width     int
	Height    int
	FrameRate float64
	Duration  float64
	BitRate   int64 // bits per second, 0 when unknown
	HasAudio  bool
}

// Tool is an external metadata extractor.
type Tool interface {
	ExtractMetadata(ctx context.Context, path string) (Metadata, error)
	ExtractKeyframes(ctx context.Context, path string) ([]float64, error)
}

// Runner executes name with args and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command as a child process. Standard error is folded
// into the returned error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// FFProbe implements Tool with ffprobe's JSON output.
type FFProbe struct {
	bin string
	run Runner
	log *slog.Logger
}

// NewFFProbe returns an FFProbe invoking bin (default "ffprobe"). A nil run
// uses ExecRunner.
func NewFFProbe(bin string, run Runner, log *slog.Logger) *FFProbe {
	if strings.TrimSpace(bin) == "" {
		bin = "ffprobe"
	}
	if run == nil {
		run = ExecRunner
	}
	if log == nil {
		log = slog.Default()
	}
	return &FFProbe{bin: bin, run: run, log: log.With("component", "ffprobe")}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
		BitRate      string `json:"bit_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Frames []struct {
		PTSTime        string `json:"pts_time"`
		BestEffortTime string `json:"best_effort_timestamp_time"`
	} `json:"frames"`
}

// ExtractMetadata reports codec, resolution, frame rate, bit rate and
// duration of the first video stream, and whether any audio stream exists.
func (p *FFProbe) ExtractMetadata(ctx context.Context, path string) (Metadata, error) {
	out, err := p.run(ctx, p.bin,
		"-v", "error",
		"-show_entries", "stream=codec_type,codec_name,width,height,r_frame_rate,avg_frame_rate,duration,bit_rate:format=duration,bit_rate",
		"-print_format", "json",
		path,
	)
	if err != nil {
		return Metadata{}, err
	}
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Metadata{}, fmt.Errorf("probe: decode metadata: %w", err)
	}

	var md Metadata
	video := -1
	for i, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if video < 0 {
				video = i
			}
		case "audio":
			md.HasAudio = true
		}
	}
	if video < 0 {
		return Metadata{}, ErrNoVideoStream
	}

	s := parsed.Streams[video]
	md.Codec = s.CodecName
	md.Width = s.Width
	md.Height = s.Height
	md.FrameRate = parseRate(s.AvgFrameRate)
	if md.FrameRate <= 0 {
		md.FrameRate = parseRate(s.RFrameRate)
	}
	md.Duration = parseSeconds(parsed.Format.Duration)
	if md.Duration <= 0 {
		md.Duration = parseSeconds(s.Duration)
	}
	md.Duration = max(md.Duration, 0)
	md.BitRate = parseBitRate(s.BitRate)
	if md.BitRate == 0 {
		md.BitRate = parseBitRate(parsed.Format.BitRate)
	}
	return md, nil
}

// ExtractKeyframes returns the presentation times of every keyframe in the
// first video stream, ascending. Frames without a usable time are skipped.
func (p *FFProbe) ExtractKeyframes(ctx context.Context, path string) ([]float64, error) {
	out, err := p.run(ctx, p.bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-skip_frame", "nokey",
		"-show_entries", "frame=pts_time,best_effort_timestamp_time",
		"-print_format", "json",
		path,
	)
	if err != nil {
		return nil, err
	}
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("probe: decode frames: %w", err)
	}

	times := make([]float64, 0, len(parsed.Frames))
	skipped := 0
	for _, f := range parsed.Frames {
		t := parseSeconds(f.PTSTime)
		if t < 0 {
			t = parseSeconds(f.BestEffortTime)
		}
		if t < 0 {
			skipped++
			continue
		}
		times = append(times, t)
	}
	if skipped > 0 {
		p.log.Debug("keyframes without timestamps skipped", "path", path, "count", skipped)
	}
	sort.Float64s(times)
	return times, nil
}

// Version returns the first line of the tool's version banner.
func (p *FFProbe) Version(ctx context.Context) (string, error) {
	out, err := p.run(ctx, p.bin, "-version")
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// parseRate converts an ffprobe rational such as "30000/1001". It returns 0
// for "0/0" and malformed input.
func parseRate(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if num, den, ok := strings.Cut(raw, "/"); ok {
		n, e1 := strconv.ParseFloat(num, 64)
		d, e2 := strconv.ParseFloat(den, 64)
		if e1 == nil && e2 == nil && d > 0 {
			return n / d
		}
		return 0
	}
	if fps, err := strconv.ParseFloat(raw, 64); err == nil && fps > 0 {
		return fps
	}
	return 0
}

func parseBitRate(raw string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// parseSeconds parses an ffprobe time field, returning -1 for "N/A" and
// malformed input.
func parseSeconds(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v < 0 {
		return -1
	}
	return v
}
