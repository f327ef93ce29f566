// Package main is the entry point for the extractplane worker.
// The worker claims extraction jobs, runs the extractor command for each,
// and records the produced code example for review.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"extractplane/internal/config"
	"extractplane/internal/logger"
	"extractplane/internal/observability"
	"extractplane/internal/queue"
	"extractplane/internal/registry"
	"extractplane/internal/store/postgres"
	"extractplane/internal/worker"
	"extractplane/internal/worker/runtime"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: extractplane.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.RequireExtractor(); err != nil {
		log.Fatalf("Invalid worker config: %v", err)
	}

	lg := logger.New(cfg.LogLevel).With("service", "worker")
	fatal := func(msg string, err error) {
		lg.Error(msg, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "extractplane-worker", cfg.OTELEndpoint)
	if err != nil {
		fatal("failed to init tracing", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			lg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("failed to connect to database", err)
	}
	defer db.Close()

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

	agent := worker.New(jobs, runtime.NewExecRuntime(cfg.Worker.RuntimeWorkDir), registry.New(db, lg), worker.AgentConfig{
		ID:                cfg.Worker.ID,
		Concurrency:       cfg.Worker.Concurrency,
		PollInterval:      cfg.Worker.PollInterval,
		MaxBackoff:        cfg.Worker.MaxBackoff,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		JobTimeout:        cfg.Worker.JobTimeout,
		ExtractorCommand:  cfg.Worker.ExtractorCommandArgs(),
		ArtifactRoot:      cfg.Preview.ArtifactRoot,
	}, lg)

	lg.Info("worker started", "concurrency", cfg.Worker.Concurrency)
	go agent.Run(ctx)

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

	// Dedicated metrics server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Worker.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		lg.Info("worker metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			lg.Error("metrics server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("shutting down worker")
	cancel()

	<-agent.Done()
}
