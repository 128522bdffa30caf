package distribution

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/replay/internal/certs"
	"github.com/zsiec/replay/internal/control"
	"github.com/zsiec/replay/internal/index"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/session"
)

type builderFunc func(ctx context.Context, s index.Strategy, budget int64) (*index.KeyframeIndex, error)

func (f builderFunc) BuildIndex(ctx context.Context, s index.Strategy, budget int64) (*index.KeyframeIndex, error) {
	return f(ctx, s, budget)
}

// testIndex has a keyframe every second for an hour.
func testIndex() *index.KeyframeIndex {
	idx := &index.KeyframeIndex{TotalDuration: 3600, IndexPrecision: 1, Strategy: index.Full, FrameRate: 30}
	for i := range 3600 {
		idx.Entries = append(idx.Entries, media.KeyframeEntry{
			Timestamp:  float64(i),
			FileOffset: uint64(i) * 1000,
			FrameSize:  500,
			FrameType:  media.FrameI,
		})
	}
	idx.MemoryUsage = int64(len(idx.Entries)) * index.EntrySize
	return idx
}

// newTestServer returns a server whose media root holds cam1.264, indexed
// as testIndex.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "cam1.264"), []byte{0, 0, 0, 1, 0x67}, 0o644); err != nil {
		t.Fatal(err)
	}
	idx := testIndex()
	lib := session.NewLibrary(session.LibraryConfig{
		NewBuilder: func(string, []index.TimeRange) index.Builder {
			return builderFunc(func(context.Context, index.Strategy, int64) (*index.KeyframeIndex, error) {
				return idx, nil
			})
		},
	})
	t.Cleanup(lib.Close)

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(ServerConfig{
		ControlAddr:    "127.0.0.1:0",
		Cert:           cert,
		Registry:       session.NewRegistry(lib, root, session.Config{}, nil),
		Library:        lib,
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

// controlClient is the client end of an in-memory control stream.
type controlClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	done chan error
}

// dialControl runs serveControl over a pipe. The stream ends at test end.
func dialControl(t *testing.T, srv *Server) *controlClient {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	c := &controlClient{t: t, conn: client, r: bufio.NewReader(client), done: make(chan error, 1)}
	go func() { c.done <- srv.serveControl(ctx, server, srv.log) }()
	t.Cleanup(func() {
		client.Close()
		cancel()
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			t.Error("serveControl did not return")
		}
	})
	return c
}

func (c *controlClient) roundTrip(msgType uint64, payload []byte) (uint64, []byte) {
	c.t.Helper()
	_ = c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := control.WriteMsg(c.conn, msgType, payload); err != nil {
		c.t.Fatalf("write %#x: %v", msgType, err)
	}
	respType, resp, err := control.ReadMsg(c.r)
	if err != nil {
		c.t.Fatalf("read response to %#x: %v", msgType, err)
	}
	return respType, resp
}

func (c *controlClient) setup(path string) control.SetupOK {
	c.t.Helper()
	respType, resp := c.roundTrip(control.MsgSetup, control.SerializeSetup(control.Setup{Version: control.Version, Path: path}))
	if respType != control.MsgSetupOK {
		c.t.Fatalf("setup response type %#x: %s", respType, errorReason(resp))
	}
	ok, err := control.ParseSetupOK(resp)
	if err != nil {
		c.t.Fatal(err)
	}
	return ok
}

func errorReason(payload []byte) string {
	e, err := control.ParseErrorMsg(payload)
	if err != nil {
		return err.Error()
	}
	return e.Reason
}

func expectError(t *testing.T, respType uint64, resp []byte, wantCode uint64) control.Error {
	t.Helper()
	if respType != control.MsgError {
		t.Fatalf("response type %#x, want ERROR", respType)
	}
	e, err := control.ParseErrorMsg(resp)
	if err != nil {
		t.Fatal(err)
	}
	if e.Code != wantCode {
		t.Errorf("error code %#x (%s), want %#x", e.Code, e.Reason, wantCode)
	}
	return e
}
