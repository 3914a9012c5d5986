// Command portdaddy is the localhost coordination daemon: semantic port
// leases, advisory locks, pub/sub messaging, and session/file-claim
// coordination for cooperating local agents.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	pdhttp "github.com/portdaddy/portdaddy/internal/adapter/http"
	"github.com/portdaddy/portdaddy/internal/adapter/sqlite"
	"github.com/portdaddy/portdaddy/internal/config"
	"github.com/portdaddy/portdaddy/internal/domain/webhook"
	"github.com/portdaddy/portdaddy/internal/logger"
	"github.com/portdaddy/portdaddy/internal/service"
)

// version and codeHash are stamped by the build via -ldflags.
var (
	version  = "dev"
	codeHash = "unknown"
)

func main() {
	// Temporary bootstrap logger until config is loaded.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"socket", cfg.Server.SocketPath,
		"tcp_port", cfg.Server.TCPPort,
		"db", cfg.Storage.Path,
	)

	ctx, stop := signalContext()
	defer stop()

	// A second daemon against the same registry file corrupts nothing
	// thanks to WAL, but splits the in-memory state; refuse to start.
	lockPath := cfg.Storage.LockPath
	if lockPath == "" {
		lockPath = filepath.Join(filepath.Dir(cfg.Storage.Path), "port-daddy.lock")
	}
	fl := flock.New(lockPath)
	held, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	if !held {
		return fmt.Errorf("another daemon already holds %s", lockPath)
	}
	defer fl.Unlock()

	// --- Storage ---
	db, err := sqlite.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := sqlite.RunMigrations(ctx, db.Write); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if err := sqlite.ReclaimOrphans(ctx, db.Write); err != nil {
		return fmt.Errorf("reclaim orphans: %w", err)
	}
	slog.Info("database ready")

	store := sqlite.NewStore(db)

	// --- Services ---
	hooks := service.NewWebhookService(store, &cfg.Webhooks, &cfg.Breaker)
	defer hooks.Stop()

	activitySvc := service.NewActivityService(store)
	alloc, err := service.NewPortAllocator(&cfg.Ports)
	if err != nil {
		return fmt.Errorf("port allocator: %w", err)
	}
	agents := service.NewAgentService(store, &cfg.Agents, activitySvc, hooks)
	registry := service.NewRegistryService(store, alloc, agents, activitySvc, hooks)
	locks := service.NewLockService(store, &cfg.Locks, agents, activitySvc, hooks)
	hub := service.NewMessaging(store, &cfg.Messaging, hooks)
	prober := service.NewHealthProber(store, &cfg.Health, &cfg.Breaker)
	sessions := service.NewSessionService(store, activitySvc)
	res := service.NewResurrectionService(store, hub)
	sweeper := service.NewSweeper(store, &cfg.Sweeper, &cfg.Agents, &cfg.Activity,
		registry, res, activitySvc, hooks)

	if err := hooks.RedrivePending(ctx); err != nil {
		slog.Warn("webhook redrive failed", "error", err)
	}

	go sweeper.Run(ctx)

	// --- Transport ---
	handlers := &pdhttp.Handlers{
		Store:        store,
		Registry:     registry,
		Allocator:    alloc,
		Locks:        locks,
		Messaging:    hub,
		Health:       prober,
		Agents:       agents,
		Sessions:     sessions,
		Activity:     activitySvc,
		Webhooks:     hooks,
		Resurrection: res,
		Cfg:          cfg,
		Version:      version,
		CodeHash:     codeHash,
		StartedAt:    time.Now(),
		PID:          os.Getpid(),
	}
	router := pdhttp.NewRouter(handlers)

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tcpLn, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Server.TCPPort))
	if err != nil {
		return fmt.Errorf("tcp listen: %w", err)
	}

	// A stale socket file from a crashed daemon blocks the bind; the
	// instance lock above already guarantees no live daemon owns it.
	if err := os.Remove(cfg.Server.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	unixLn, err := net.Listen("unix", cfg.Server.SocketPath)
	if err != nil {
		tcpLn.Close()
		return fmt.Errorf("unix listen: %w", err)
	}
	defer os.Remove(cfg.Server.SocketPath)

	hooks.Trigger(webhook.EventDaemonStart, map[string]any{
		"version": version, "pid": os.Getpid(),
	}, "")
	slog.Info("daemon listening", "tcp", tcpLn.Addr().String(), "socket", cfg.Server.SocketPath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(tcpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("tcp serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(unixLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("unix serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hooks.Trigger(webhook.EventDaemonStop, map[string]any{"pid": os.Getpid()}, "")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("daemon stopped")
	return nil
}
