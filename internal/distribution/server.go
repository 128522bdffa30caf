// Package distribution serves replay sessions to viewers: a QUIC control
// endpoint speaking the binary control protocol, and an HTTPS API with a
// WebSocket control surface for browsers.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/replay/internal/certs"
	"github.com/zsiec/replay/internal/session"
)

// ALPN is the TLS application protocol of the QUIC control endpoint.
const ALPN = "replay-control"

// QUIC connection close codes.
const (
	closeOK            quic.ApplicationErrorCode = 0
	closeControlStream quic.ApplicationErrorCode = 1
	closeSetupFailed   quic.ApplicationErrorCode = 2
	closeShutdown      quic.ApplicationErrorCode = 3
)

const (
	defaultRequestTimeout = 10 * time.Second
	// stateInterval is how often WebSocket viewers receive state snapshots.
	stateInterval = 1 * time.Second
)

// ServerConfig holds the configuration for the distribution Server.
type ServerConfig struct {
	// ControlAddr is the UDP address of the QUIC control endpoint.
	ControlAddr string
	Cert        *certs.CertInfo
	Registry    *session.Registry
	Library     *session.Library
	// RequestTimeout bounds a single command, including waiting for an
	// index build. Defaults to 10s.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Server is the distribution server.
type Server struct {
	config ServerConfig
	log    *slog.Logger
}

// NewServer creates a distribution Server with the given configuration.
// It returns an error if required fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	if config.Registry == nil || config.Library == nil {
		return nil, errors.New("distribution: Registry and Library are required")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Server{
		config: config,
		log:    config.Logger.With("component", "distribution"),
	}, nil
}

// Start runs the QUIC control endpoint and blocks until the context is
// cancelled or a fatal error occurs.
func (s *Server) Start(ctx context.Context) error {
	if s.config.ControlAddr == "" {
		return errors.New("distribution: ControlAddr is required")
	}
	ln, err := quic.ListenAddr(s.config.ControlAddr, s.config.Cert.TLSConfig(ALPN), &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("QUIC listen on %s: %w", s.config.ControlAddr, err)
	}
	s.log.Info("control server listening", "addr", ln.Addr(), "alpn", ALPN)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("QUIC accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	remote := conn.RemoteAddr().String()
	log := s.log.With("remote", remote)
	log.Info("control connection")

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		log.Warn("failed to accept control stream", "error", err)
		conn.CloseWithError(closeControlStream, "control stream error")
		return
	}

	// The session lives as long as the connection.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-conn.Context().Done():
			cancel()
		case <-connCtx.Done():
		}
	}()

	err = s.serveControl(connCtx, stream, log)
	switch {
	case ctx.Err() != nil:
		conn.CloseWithError(closeShutdown, "server shutting down")
	case errors.Is(err, errSetup):
		conn.CloseWithError(closeSetupFailed, err.Error())
	default:
		conn.CloseWithError(closeOK, "")
	}
	log.Info("control connection closed", "error", err)
}
