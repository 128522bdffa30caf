package main

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/replay/internal/control"
)

// serveOnce answers one request with the given message.
func serveOnce(t *testing.T, respType uint64, resp []byte) *client {
	t.Helper()
	cli, srv := net.Pipe()
	t.Cleanup(func() { cli.Close(); srv.Close() })
	go func() {
		if _, _, err := control.ReadMsg(bufio.NewReader(srv)); err != nil {
			return
		}
		_ = control.WriteMsg(srv, respType, resp)
	}()
	_ = cli.SetDeadline(time.Now().Add(5 * time.Second))
	return &client{w: cli, r: bufio.NewReader(cli)}
}

func TestClientSeek(t *testing.T) {
	t.Parallel()
	want := control.SeekOK{Requested: 1800.4, Actual: 1800, Precision: 0.4, KeyframeOffset: 99}
	c := serveOnce(t, control.MsgSeekOK, control.SerializeSeekOK(want))
	got, err := c.seek(1800.4)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestClientErrorResponses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		respType uint64
		resp     []byte
		want     string
	}{
		{"error", control.MsgError, control.SerializeError(control.Error{RequestType: control.MsgSetPlaybackSpeed, Code: control.CodeInvalidPlaybackRate, Reason: "rate 8 out of range"}), "rate 8 out of range"},
		{"goaway", control.MsgGoAway, control.SerializeGoAway(control.GoAway{Reason: "session ended"}), "session ended"},
		{"unexpected", control.MsgSeekOK, nil, "unexpected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := serveOnce(t, tt.respType, tt.resp)
			_, err := c.speed(8)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestRecordStopsAtEOF(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	n, err := record(&out, strings.NewReader("annexb"), time.Minute)
	if err != nil || n != 6 || out.String() != "annexb" {
		t.Errorf("record: n=%d err=%v out=%q", n, err, out.String())
	}
}
