package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/vocalshift/audio-pipeline-service/internal/account"
	"github.com/vocalshift/audio-pipeline-service/internal/cache"
	"github.com/vocalshift/audio-pipeline-service/internal/config"
	"github.com/vocalshift/audio-pipeline-service/internal/jobs"
	"github.com/vocalshift/audio-pipeline-service/internal/metrics"
	"github.com/vocalshift/audio-pipeline-service/internal/pipeline"
	"github.com/vocalshift/audio-pipeline-service/internal/quota"
	"github.com/vocalshift/audio-pipeline-service/internal/server"
	"github.com/vocalshift/audio-pipeline-service/internal/storage"
	"github.com/vocalshift/audio-pipeline-service/internal/transform"
	"github.com/vocalshift/audio-pipeline-service/internal/usage"
	"github.com/vocalshift/audio-pipeline-service/internal/warmer"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "audio-pipeline-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Secrets may come from a .env file in development; a missing file is fine
	_ = godotenv.Load()

	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.HTTP.Port),
		slog.String("address", cfg.HTTP.Address),
		slog.String("database_path", cfg.Database.Path),
		slog.Bool("cache_enabled", cfg.Cache.URL != ""),
		slog.String("separation_endpoint", cfg.Separation.Endpoint),
		slog.String("uploads_dir", cfg.Storage.UploadsDir),
		slog.String("quota_reset_cron", cfg.Quota.ResetCron),
		slog.Bool("warmup_enabled", cfg.Warmup.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Open the account and usage store
	accounts, err := account.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("Failed to open account store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer accounts.Close()
	recorder := usage.NewRecorder(accounts.DB())
	logger.Info("Account store opened", slog.String("path", cfg.Database.Path))

	// Connect the result cache; an unreachable backend degrades to always-miss
	resultCache, err := cache.New(ctx, cfg.Cache.URL, logger)
	if err != nil {
		logger.Error("Failed to create result cache", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer resultCache.Close()

	// Initialize the job status table with its sweep routine
	jobsTable := jobs.NewTable(logger, cfg.Jobs.GetMaxAgeDuration(), cfg.Jobs.GetSweepIntervalDuration())
	logger.Info("Job table initialized",
		slog.Duration("max_age", cfg.Jobs.GetMaxAgeDuration()),
		slog.Duration("sweep_interval", cfg.Jobs.GetSweepIntervalDuration()),
	)

	// Initialize durable artifact storage
	files, err := storage.NewStore(cfg.Storage.UploadsDir, logger)
	if err != nil {
		logger.Error("Failed to create artifact storage", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize the separation client
	separation, err := transform.NewClient(transform.Config{
		Endpoint:      cfg.Separation.Endpoint,
		APIToken:      cfg.Separation.APIToken,
		ModelVersion:  cfg.Separation.ModelVersion,
		Timeout:       cfg.Separation.GetTimeoutDuration(),
		MaxAttempts:   cfg.Separation.MaxAttempts,
		RetryDelay:    cfg.Separation.GetRetryDelayDuration(),
		MaxConcurrent: cfg.Separation.MaxConcurrent,
		MinInputBytes: cfg.Separation.MinInputBytes,
	}, files, logger)
	if err != nil {
		logger.Error("Failed to create separation client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Separation client initialized",
		slog.String("endpoint", cfg.Separation.Endpoint),
		slog.Int("max_attempts", cfg.Separation.MaxAttempts),
	)

	// Wire the admission and dispatch controller
	controller := pipeline.NewController(
		pipeline.Config{
			PublicBaseURL: cfg.HTTP.PublicBaseURL,
			CacheTTL:      cfg.Cache.GetTTLDuration(),
		},
		pipeline.Deps{
			Logger:    logger,
			Ledger:    quota.NewLedger(accounts, logger),
			Recorder:  recorder,
			Cache:     resultCache,
			Jobs:      jobsTable,
			Separator: separation,
			Storage:   files,
			Metrics:   appMetrics,
		},
	)

	// Schedule the monthly quota reset
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Quota.ResetCron, func() {
		reset, err := accounts.ResetQuota(context.Background())
		if err != nil {
			logger.Error("Quota reset failed", slog.String("error", err.Error()))
			return
		}
		logger.Info("Quota reset completed", slog.Int64("accounts_reset", reset))
	}); err != nil {
		logger.Error("Failed to schedule quota reset", slog.String("error", err.Error()))
		os.Exit(1)
	}
	scheduler.Start()
	logger.Info("Quota reset scheduled", slog.String("cron", cfg.Quota.ResetCron))

	// Start the warm-up pinger (if enabled)
	var warm *warmer.Warmer
	if cfg.Warmup.Enabled {
		warm = warmer.New(warmer.Config{
			Interval:       cfg.Warmup.GetIntervalDuration(),
			SleepStartHour: cfg.Warmup.SleepStartHour,
			SleepEndHour:   cfg.Warmup.SleepEndHour,
		}, separation, logger)
	}

	// Initialize and start the HTTP API server
	httpServer := server.NewHTTPServer(cfg.HTTP, logger, cfg, controller, accounts,
		recorder, jobsTable, separation, warm, files, appMetrics)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Stop background components
	if warm != nil {
		warm.Stop()
	}
	scheduler.Stop()

	// Let in-flight separation jobs finish before tearing down their deps
	controller.Wait()
	jobsTable.Stop()

	// Get final statistics
	stats := separation.GetStats()
	logger.Info("Final separation statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("success_requests", stats.SuccessRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Uint64("total_retries", stats.TotalRetries),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
