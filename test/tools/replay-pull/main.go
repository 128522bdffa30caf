// Command replay-pull opens a replay session over the QUIC control endpoint,
// positions it and records the SRT media stream to a file.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/quic-go/quic-go"
	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/replay/internal/control"
	"github.com/zsiec/replay/internal/distribution"
)

func main() {
	controlFlag := flag.String("control", "127.0.0.1:4443", "QUIC control address")
	srtFlag := flag.String("srt", "127.0.0.1:6000", "SRT media address")
	pathFlag := flag.String("path", "", "File to play, relative to the server's media root")
	seekFlag := flag.Float64("seek", -1, "Seek target in seconds (negative: start of file)")
	speedFlag := flag.Float64("speed", 1, "Playback rate")
	outFlag := flag.String("out", "pull.264", "Output file for the received Annex B stream")
	durationFlag := flag.Duration("duration", 10*time.Second, "How long to record")
	flag.Parse()

	if *pathFlag == "" && flag.NArg() > 0 {
		*pathFlag = flag.Arg(0)
	}
	if *pathFlag == "" {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  replay-pull --path cam1.264 --seek 1800 --speed 2 --out clip.264\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *durationFlag+10*time.Second)
	defer cancel()
	if err := pull(ctx, *controlFlag, *srtFlag, *pathFlag, *seekFlag, *speedFlag, *outFlag, *durationFlag); err != nil {
		fmt.Fprintf(os.Stderr, "replay-pull: %v\n", err)
		os.Exit(1)
	}
}

func pull(ctx context.Context, controlAddr, srtAddr, path string, target, speed float64, out string, d time.Duration) error {
	fmt.Printf("Connecting to control %s...\n", controlAddr)
	conn, err := quic.DialAddr(ctx, controlAddr, &tls.Config{
		// The server certificate is self-signed.
		InsecureSkipVerify: true,
		NextProtos:         []string{distribution.ALPN},
	}, &quic.Config{KeepAlivePeriod: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("dial control: %w", err)
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}
	c := &client{w: stream, r: bufio.NewReader(stream)}

	ok, err := c.setup(path)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s opened on %s\n", ok.SessionID, path)

	if target >= 0 {
		res, err := c.seek(target)
		if err != nil {
			return err
		}
		fmt.Printf("Seek %.3fs landed at %.3fs (precision %.3fs, offset %d)\n",
			res.Requested, res.Actual, res.Precision, res.KeyframeOffset)
	}
	if speed != 1 {
		res, err := c.speed(speed)
		if err != nil {
			return err
		}
		fmt.Printf("Speed %.2fx, queue depth %d\n", res.Speed, res.QueueDepth)
	}

	cfg := srt.DefaultConfig()
	cfg.StreamID = ok.SessionID
	media, err := srt.Dial(srtAddr, cfg)
	if err != nil {
		return fmt.Errorf("SRT connect: %w", err)
	}
	defer media.Close()

	if _, err := c.request(control.MsgPlay, nil, control.MsgOK); err != nil {
		return err
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := record(f, media, d)
	fmt.Printf("Recorded %d bytes to %s\n", n, out)
	return err
}

// record copies from r to w until d elapses or r ends.
func record(w io.Writer, r io.Reader, d time.Duration) (int64, error) {
	deadline := time.Now().Add(d)
	buf := make([]byte, 1316*10)
	var total int64
	for time.Now().Before(deadline) {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// client issues control requests one at a time.
type client struct {
	w io.Writer
	r *bufio.Reader
}

// request sends one message and waits for its response. An ERROR response
// is returned as an error.
func (c *client) request(msgType uint64, payload []byte, want uint64) ([]byte, error) {
	if err := control.WriteMsg(c.w, msgType, payload); err != nil {
		return nil, fmt.Errorf("send %#x: %w", msgType, err)
	}
	respType, resp, err := control.ReadMsg(c.r)
	if err != nil {
		return nil, fmt.Errorf("read response to %#x: %w", msgType, err)
	}
	switch respType {
	case want:
		return resp, nil
	case control.MsgError:
		e, err := control.ParseErrorMsg(resp)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("request %#x failed: code %#x: %s", e.RequestType, e.Code, e.Reason)
	case control.MsgGoAway:
		ga, _ := control.ParseGoAway(resp)
		return nil, fmt.Errorf("server going away: %s", ga.Reason)
	}
	return nil, fmt.Errorf("%w: got %#x, want %#x", control.ErrUnexpectedMessage, respType, want)
}

func (c *client) setup(path string) (control.SetupOK, error) {
	resp, err := c.request(control.MsgSetup, control.SerializeSetup(control.Setup{Version: control.Version, Path: path}), control.MsgSetupOK)
	if err != nil {
		return control.SetupOK{}, err
	}
	return control.ParseSetupOK(resp)
}

func (c *client) seek(t float64) (control.SeekOK, error) {
	resp, err := c.request(control.MsgSeek, control.SerializeSeek(control.Seek{Target: t}), control.MsgSeekOK)
	if err != nil {
		return control.SeekOK{}, err
	}
	return control.ParseSeekOK(resp)
}

func (c *client) speed(rate float64) (control.SpeedOK, error) {
	resp, err := c.request(control.MsgSetPlaybackSpeed,
		control.SerializeSetPlaybackSpeed(control.SetPlaybackSpeed{Speed: float32(rate)}), control.MsgSpeedOK)
	if err != nil {
		return control.SpeedOK{}, err
	}
	return control.ParseSpeedOK(resp)
}
