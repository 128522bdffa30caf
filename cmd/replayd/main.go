package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/replay/internal/certs"
	"github.com/zsiec/replay/internal/config"
	"github.com/zsiec/replay/internal/distribution"
	"github.com/zsiec/replay/internal/index"
	"github.com/zsiec/replay/internal/playback"
	"github.com/zsiec/replay/internal/probe"
	"github.com/zsiec/replay/internal/session"
	"github.com/zsiec/replay/internal/timeline"
	"github.com/zsiec/replay/internal/transmit"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Getenv("REPLAY_CONFIG"), os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	cert, err := loadCert(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	libCfg := session.LibraryConfig{
		Strategy:     cfg.IndexStrategy(),
		MemoryBudget: cfg.MemoryBudget,
		RefineWindow: cfg.RefineWindow,
		NewBuilder:   newBuilder(probe.NewFFProbe(cfg.FFProbePath, nil, nil)),
	}
	if cfg.CacheEnabled() {
		store, err := timeline.OpenStore(cfg.CacheDB, nil)
		if err != nil {
			return fmt.Errorf("open timeline cache: %w", err)
		}
		defer store.Close()
		libCfg.Cache = store
	}
	lib := session.NewLibrary(libCfg)
	defer lib.Close()

	registry := session.NewRegistry(lib, cfg.MediaRoot, session.Config{
		Playback: playback.Config{
			MinRate:        cfg.MinRate,
			MaxRate:        cfg.MaxRate,
			BaseQueueDepth: cfg.BaseQueueDepth,
		},
		PrecisionTarget: cfg.PrecisionTarget,
	}, nil)

	distSrv, err := distribution.NewServer(distribution.ServerConfig{
		ControlAddr:    cfg.ControlAddr,
		Cert:           cert,
		Registry:       registry,
		Library:        lib,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("create distribution server: %w", err)
	}
	srtSrv := transmit.NewServer(cfg.SRTAddr, registry, nil)

	apiSrv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: distSrv.APIHandler(),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert.TLSCert},
		},
	}

	slog.Info("replayd starting",
		"version", version,
		"media_root", cfg.MediaRoot,
		"strategy", cfg.IndexStrategy(),
		"control", cfg.ControlAddr,
		"api", cfg.APIAddr,
		"srt", cfg.SRTAddr,
		"cache", cfg.CacheDB,
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", cfg.APIAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return distSrv.Start(ctx)
	})

	return g.Wait()
}

func loadCert(cfg config.Config) (*certs.CertInfo, error) {
	if cfg.CertFile != "" {
		cert, err := certs.Load(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		slog.Info("certificate loaded", "file", cfg.CertFile, "fingerprint", cert.FingerprintBase64())
		return cert, nil
	}

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(cfg.CertValidity)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

// newBuilder scans files directly and falls back to ffprobe timestamps when
// the scan fails.
func newBuilder(tool probe.Tool) session.BuilderFunc {
	return func(path string, hot []index.TimeRange) index.Builder {
		opts := index.BuildOptions{HotRegions: hot}
		return &index.FallbackBuilder{
			Primary:   &index.AnnexBBuilder{Path: path, Options: opts},
			Alternate: &index.ExternalToolBuilder{Path: path, Tool: tool, Options: opts},
		}
	}
}
