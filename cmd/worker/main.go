// Package main is the entry point for the stoker background worker.
//
// The worker owns a single SQLite-backed job queue. Startup sequence:
//  1. Load configuration from environment variables
//  2. Initialize structured logging
//  3. Open the queue database and apply schema migrations
//  4. Requeue jobs left running by a previous process
//  5. Register job handlers (delegating and maintenance)
//  6. Start the poll processor, the cron producer, and the HTTP API
//  7. Wait for SIGINT/SIGTERM and shut down gracefully
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/stoker/internal/clients/platform"
	"github.com/aristath/stoker/internal/config"
	"github.com/aristath/stoker/internal/database"
	"github.com/aristath/stoker/internal/events"
	"github.com/aristath/stoker/internal/producer"
	"github.com/aristath/stoker/internal/queue"
	"github.com/aristath/stoker/internal/reliability"
	"github.com/aristath/stoker/internal/server"
	"github.com/aristath/stoker/internal/work"
	"github.com/aristath/stoker/pkg/logger"
)

// shutdownTimeout bounds how long in-flight HTTP requests get to finish.
const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})

	log.Info().Msg("Starting stoker worker")

	// Open the queue database and bring the schema up to date
	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "queue.db"),
		Name: "queue",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open queue database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate queue database")
	}

	repo := queue.NewRepository(db.Conn())

	// Jobs still marked running belong to a previous process. Put them back
	// in line before anything new is claimed.
	requeued, err := repo.RequeueStaleRunning(context.Background(), time.Now().UTC())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to requeue stale running jobs")
	}
	if requeued > 0 {
		log.Warn().Int64("count", requeued).Msg("Requeued jobs left running by a previous process")
	}

	// Event bus feeds the SSE and WebSocket streams
	bus := events.NewBus(log)
	manager := events.NewManager(bus, log)

	// Register handlers for every job type the worker executes
	registry := work.NewRegistry()

	platformClient := platform.NewClient(cfg.ServiceToken, cfg.ServiceTimeout, log)
	work.RegisterDelegatingHandlers(registry, &work.DelegatingDeps{
		Client:        platformClient,
		PricingURL:    cfg.PricingServiceURL,
		AlertsURL:     cfg.AlertsServiceURL,
		DigestURL:     cfg.DigestServiceURL,
		StatementsURL: cfg.StatementsServiceURL,
		ResearchURL:   cfg.ResearchServiceURL,
	})

	maintenance := &work.MaintenanceDeps{DB: db, Repo: repo}
	if cfg.R2Configured() {
		store, err := reliability.NewR2Client(cfg.R2AccountID, cfg.R2AccessKeyID, cfg.R2SecretAccessKey, cfg.R2BucketName, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create R2 client")
		}
		maintenance.Backup = reliability.NewBackupService(store, db, cfg.DataDir, cfg.BackupRetentionDays, log)
		log.Info().Str("bucket", cfg.R2BucketName).Msg("Cloud backup configured")
	} else {
		log.Info().Msg("Cloud backup not configured, backup_queue jobs will fail until R2 credentials are set")
	}
	work.RegisterMaintenanceHandlers(registry, maintenance)

	log.Info().Int("job_types", len(registry.Types())).Msg("Job handlers registered")

	// Dispatcher executes claimed jobs; the processor feeds it batches
	dispatcher := work.NewDispatcher(repo, registry, manager, cfg.RetryBackoffBase, log)
	processor := work.NewProcessor(dispatcher, cfg.PollInterval, cfg.BatchSize, log)

	// Recurring jobs ride the same queue as API enqueues
	var prod *producer.Producer
	if cfg.CronEnabled {
		prod = producer.New(repo, cfg.MaxRetries, log)
		prod.SetPollTrigger(processor)
		for _, entry := range producer.DefaultEntries(cfg.R2Configured()) {
			if err := prod.AddEntry(entry); err != nil {
				log.Fatal().Err(err).Str("job_type", string(entry.Type)).Msg("Failed to register recurring job")
			}
		}
	} else {
		log.Info().Msg("Recurring-job producer disabled")
	}

	srv := server.New(server.Config{
		Log:      log,
		DB:       db,
		Repo:     repo,
		Registry: registry,
		Poll:     processor,
		Events:   manager,
		Config:   cfg,
		Port:     cfg.Port,
	})

	// Start the poll loop
	go processor.Run()
	log.Info().
		Dur("poll_interval", cfg.PollInterval).
		Int("batch_size", cfg.BatchSize).
		Msg("Job processor started")

	if prod != nil {
		prod.Start()
	}

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop producing new work first, then let the processor finish its
	// in-flight batch before the API goes away.
	if prod != nil {
		prod.Stop()
	}
	processor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Worker stopped")
}
