package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/warpshare/warpshare/internal/config"
	"github.com/warpshare/warpshare/internal/httpserver"
	"github.com/warpshare/warpshare/internal/metrics"
	"github.com/warpshare/warpshare/internal/ratelimit"
	"github.com/warpshare/warpshare/internal/session"
	"github.com/warpshare/warpshare/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const (
	listenAttempts = 5
	listenBackoff  = 500 * time.Millisecond
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting warpshare-signaling",
		"listen_addr", cfg.ListenAddr,
		"endpoint_path", cfg.EndpointPath,
		"mode", cfg.Mode,
		"session_ttl", cfg.SessionTTL,
		"sweep_interval", cfg.SweepInterval,
		"max_frame_bytes", cfg.MaxFrameBytes,
		"max_connections", cfg.MaxConnections,
		"max_sessions", cfg.MaxSessions,
	)

	m := metrics.New()
	registry := session.NewRegistry(session.Config{
		TTL:         cfg.SessionTTL,
		MaxSessions: cfg.MaxSessions,
	}, m, nil)
	limiter := ratelimit.NewAddrLimiter(nil, ratelimit.AddrConfig{
		SessionCreatesPerHour: cfg.MaxSessionCreatesPerHour,
		JoinsPerHour:          cfg.MaxJoinsPerHour,
		MessagesPerMinute:     cfg.MaxMessagesPerMinute,
		MaxConnections:        cfg.MaxConnectionsPerIP,
	})

	sig := signaling.NewServer(signaling.Config{
		MaxFrameBytes:   cfg.MaxFrameBytes,
		TimestampSkew:   cfg.TimestampSkew,
		PingInterval:    cfg.PingInterval,
		LivenessTimeout: cfg.LivenessTimeout,
		SlowPeerStall:   cfg.SlowPeerStall,
		MaxConnections:  cfg.MaxConnections,
		AllowedOrigins:  cfg.AllowedOrigins,
	}, registry, limiter, m, logger, nil)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m, registry.Counts)
	srv.Mux().Handle("GET "+cfg.EndpointPath, sig)

	promReg := prometheus.NewRegistry()
	metrics.NewCollector(promReg, m,
		func() int { sessions, _ := registry.Counts(); return sessions },
		sig.Connections,
	)
	srv.Mux().Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	ln, err := listenWithRetry(cfg.ListenAddr, logger)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	sweeper := session.NewSweeper(registry, cfg.SweepInterval, nil, logger)
	g.Go(func() error {
		err := sweeper.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	serveErr := make(chan error, 1)
	g.Go(func() error {
		serveErr <- srv.Serve(ln)
		return nil
	})

	g.Go(func() error {
		select {
		case err := <-serveErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-gctx.Done():
		}

		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		sig.CloseAll()

		if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

// listenWithRetry retries transient bind failures (port still in TIME_WAIT
// after a restart) with backoff before giving up.
func listenWithRetry(addr string, logger *slog.Logger) (net.Listener, error) {
	var lastErr error
	backoff := listenBackoff
	for attempt := 1; attempt <= listenAttempts; attempt++ {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		if attempt < listenAttempts {
			logger.Warn("listen failed, retrying", "addr", addr, "attempt", attempt, "backoff", backoff, "err", err)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return nil, lastErr
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
