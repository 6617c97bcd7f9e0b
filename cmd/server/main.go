// Command worldsync-server is the worldsync synchronization server process.
// It loads configuration, initialises node identity, restores the persisted
// world model, and serves the producer API plus the WebSocket sync channel.
//
// Usage:
//
//	worldsync-server [--config path/to/config.yaml]
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshviz/worldsync/internal/config"
	"github.com/meshviz/worldsync/internal/metrics"
	"github.com/meshviz/worldsync/internal/node"
	"github.com/meshviz/worldsync/internal/protocol"
	"github.com/meshviz/worldsync/internal/registry"
	"github.com/meshviz/worldsync/internal/storage"
	"github.com/meshviz/worldsync/internal/store"
	"github.com/meshviz/worldsync/internal/token"
	transphttp "github.com/meshviz/worldsync/internal/transport/http"
	transpws "github.com/meshviz/worldsync/internal/transport/websocket"
	"github.com/meshviz/worldsync/pkg/world"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worldsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("worldsync starting",
		"node_id", n.ID(),
		"boot_id", n.BootID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
	)

	// ── 4. Open persistence and restore the world model ──────────────────────
	db, err := storage.Open(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	worldStore := store.New()
	switch m, rev, err := db.LoadModel(); {
	case err == nil:
		if err := worldStore.Restore(m, rev); err != nil {
			return fmt.Errorf("restore model: %w", err)
		}
		services, endpoints, edges := worldStore.Counts()
		slog.Info("world model restored",
			"revision", rev, "services", services, "endpoints", endpoints, "edges", edges)
	case errors.Is(err, storage.ErrNotFound):
		slog.Info("no persisted world model, starting empty")
	default:
		return fmt.Errorf("load model: %w", err)
	}

	// ── 5. Initialise metrics registry ───────────────────────────────────────
	metricsReg := metrics.New()

	// ── 6. Initialise hub and sync protocol ──────────────────────────────────
	hub := registry.New(cfg.Sync.BufferCapacity, registry.WithMetrics(metricsReg))

	secret := cfg.Sync.TokenSecret
	if secret == "" {
		secret = randomSecret()
		slog.Info("generated ephemeral resume-token secret; tokens will not survive a restart")
	}
	proto := protocol.New(hub,
		token.NewCodec(secret),
		func() (world.Model, error) { return worldStore.Snapshot(), nil },
		time.Duration(cfg.Sync.ResumeTokenTTLMs)*time.Millisecond,
		n.BootID(),
		protocol.WithMetrics(metricsReg),
		protocol.WithClassifierPolicy(world.ClassifierPolicy{
			Window:    cfg.Classifier.AntiFlapWindow,
			LatencyMs: cfg.Classifier.LatencyThresholdMs,
			ErrorRate: cfg.Classifier.ErrorRateThreshold,
		}),
	)

	// ── 7. Start HTTP / WebSocket transport ──────────────────────────────────
	ws := transpws.New(hub, proto, cfg.Limits)
	srv := transphttp.New(hub, worldStore, db, n, ws, cfg, metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("worldsync ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 8. Start dedicated Prometheus metrics listener ───────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 9. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Give in-flight requests 5 seconds to complete.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	hub.Close()
	if err := db.Close(); err != nil {
		slog.Warn("storage close error", "err", err)
	}

	slog.Info("worldsync stopped")
	return nil
}

// randomSecret generates a 32-byte hex secret for HMAC signing.
func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("worldsync: read random secret: %v", err))
	}
	return hex.EncodeToString(buf)
}
