// Package main provides the edusync server entry point. One process serves
// the read API and the contribution queue, and runs the batch scheduler.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang/glog"

	"github.com/edudirectory/edusync/pkg/api"
	"github.com/edudirectory/edusync/pkg/config"
	"github.com/edudirectory/edusync/pkg/pipeline"
)

func main() {
	var (
		configPath string
		listenAddr string
		logLevel   string
		noSeed     bool
	)

	flag.StringVar(&configPath, "config", "", "Path to the config file (default ./edusync.yaml when present)")
	flag.StringVar(&listenAddr, "listen", "", "Address to listen on (overrides server.addr)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&noSeed, "no-seed", false, "Do not seed an empty records table from the snapshot")
	flag.Parse()

	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}

	logger.Info("starting edusync server",
		"listen", cfg.Server.Addr,
		"dbDriver", cfg.Database.Driver,
		"remote", cfg.Remote.URL,
		"leaderElection", cfg.HA.LeaderElectionEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := pipeline.OpenDB(cfg.Database)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	p, err := pipeline.Build(db, cfg, nil, logger)
	if err != nil {
		glog.Fatalf("Failed to build pipeline: %v", err)
	}
	if err := p.Migrate(ctx); err != nil {
		glog.Fatalf("Failed to migrate database: %v", err)
	}
	if !noSeed {
		n, err := p.Seed(ctx)
		if err != nil {
			glog.Fatalf("Failed to seed records: %v", err)
		}
		if n > 0 {
			logger.Info("seeded records from snapshot", "records", n)
		}
	}

	router := api.NewRouter(p, api.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		p.RunScheduler(ctx)
	}()

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	logger.Info("edusync server ready", "listen", cfg.Server.Addr)

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	select {
	case <-schedulerDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before the shutdown timeout")
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info("edusync server stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
