// Package main is the entry point for the extractplane controller.
// The controller serves the queue, registry, review and preview APIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"extractplane/internal/config"
	"extractplane/internal/controller"
	"extractplane/internal/controller/handlers"
	"extractplane/internal/controller/middleware"
	"extractplane/internal/logger"
	"extractplane/internal/observability"
	"extractplane/internal/preview"
	"extractplane/internal/queue"
	"extractplane/internal/registry"
	"extractplane/internal/review"
	"extractplane/internal/store/postgres"
	"extractplane/internal/worker/runtime"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: extractplane.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg := logger.New(cfg.LogLevel).With("service", "controller")
	fatal := func(msg string, err error) {
		lg.Error(msg, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Postgres (the "Store")
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("failed to connect to database", err)
	}
	defer db.Close()

	if *migrateFlag {
		lg.Info("running database migrations")
		version, err := postgres.Migrate(db.DB())
		if err != nil {
			fatal("migration failed", err)
		}
		lg.Info("migrations completed", "version", version)
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "extractplane-controller", cfg.OTELEndpoint)
	if err != nil {
		fatal("failed to init tracing", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			lg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		fatal("failed to init metrics", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			lg.Error("failed to shutdown metrics", "error", err)
		}
	}()

	// Queue
	schemas, err := queue.NewSchemaRegistry()
	if err != nil {
		fatal("failed to load payload schemas", err)
	}
	jobs := queue.New(db, schemas, queue.Config{
		Lease:              cfg.Queue.Lease,
		DefaultMaxAttempts: cfg.Queue.MaxAttempts,
		RetryBackoff:       cfg.Queue.RetryBackoff,
		MaxRetryBackoff:    cfg.Queue.MaxRetryBackoff,
	}, lg)

	if err := observability.RegisterQueueDepth(jobs.Depth, lg); err != nil {
		lg.Warn("failed to register queue depth metric", "error", err)
	}

	// Registry and review
	examples := registry.New(db, lg)
	reviews := review.NewService(db, lg)

	// Previews
	if dir := filepath.Dir(cfg.Preview.LedgerPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal("failed to create ledger directory", err)
		}
	}
	ledger, err := preview.OpenLedger(cfg.Preview.LedgerPath)
	if err != nil {
		fatal("failed to open preview ledger", err)
	}
	defer ledger.Close()

	previews := preview.New(preview.Config{
		ArtifactRoot: cfg.Preview.ArtifactRoot,
		Host:         cfg.Preview.Host,
		PathBaseURL:  cfg.Preview.PathBaseURL,
		PortBase:     cfg.Preview.PortBase,
		PortCount:    cfg.Preview.PortCount,
		Launch: preview.LaunchSpec{
			Install: cfg.Preview.InstallCommandArgs(),
			Start:   cfg.Preview.StartCommandArgs(),
		},
		ReadyTimeout:   cfg.Preview.ReadyTimeout,
		ProbeInterval:  cfg.Preview.ProbeInterval,
		InstallTimeout: cfg.Preview.InstallTimeout,
		GracePeriod:    cfg.Preview.GracePeriod,
	}, examples, runtime.NewExecRuntime(cfg.Preview.RuntimeWorkDir), ledger, lg)

	if err := previews.RecoverOrphans(ctx); err != nil {
		lg.Warn("failed to recover orphaned previews", "error", err)
	}

	// Start Server
	h := handlers.New(handlers.Deps{
		Jobs:     jobs,
		Examples: examples,
		Reviews:  reviews,
		Previews: previews,
		DB:       db,
		Logger:   lg,
	})
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(h, controller.Options{
		Addr:     addr,
		APIToken: cfg.APIToken,
		Limiter:  middleware.NewRateLimiter(middleware.WithRate(cfg.Preview.RateLimit, cfg.Preview.RateBurst)),
		Metrics:  metricsHandler,
		Logger:   lg,
	})
	if cfg.APIToken == "" {
		lg.Warn("API_TOKEN is not set, mutating endpoints are unauthenticated")
	}

	go func() {
		lg.Info("controller starting", "addr", addr)
		if err := srv.Run(ctx); err != nil {
			lg.Error("server stopped", "error", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("shutting down controller")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("server forced to shutdown", "error", err)
	}
	if err := previews.Shutdown(shutdownCtx); err != nil {
		lg.Error("previews did not stop in time", "error", err)
	}
	lg.Info("controller exited properly")
}
