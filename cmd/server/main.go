package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/shelfops/internal/config"
	"github.com/aristath/shelfops/internal/database"
	"github.com/aristath/shelfops/internal/events"
	"github.com/aristath/shelfops/internal/reliability"
	"github.com/aristath/shelfops/internal/scheduler"
	"github.com/aristath/shelfops/internal/server"
	"github.com/aristath/shelfops/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})
	log.Info().Msg("Starting ShelfOps")

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "shelfops.db"),
		Profile: database.ProfileLedger,
		Name:    "shelfops",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	bus := events.NewManager(log)
	app := buildApp(db.Conn(), cfg, bus, log)

	sched := scheduler.New(db.Conn(), scheduler.DBTenantSource(db.Conn()),
		cfg.Scheduler.TaskTimeout, cfg.Scheduler.TenantConcurrency, log)
	if err := registerTasks(sched, app, cfg, bus, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to register tasks")
	}
	sched.Start()
	defer sched.Stop()

	if cfg.Archive.Enabled {
		go runArchiveLoop(cfg, log)
	}

	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		Alerts:    app.alerts,
		HITL:      app.hitl,
		Scheduler: sched,
	})
	go func() {
		if err := srv.Start(); err != nil && err.Error() != "http: Server closed" {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
}

// runArchiveLoop ships reports and model artifacts to the bucket once a day.
func runArchiveLoop(cfg *config.Config, log zerolog.Logger) {
	ctx := context.Background()
	client, err := reliability.NewS3Client(ctx, cfg.Archive.Bucket, cfg.Archive.Region,
		cfg.Archive.Endpoint, log)
	if err != nil {
		log.Error().Err(err).Msg("Archive client unavailable, archival disabled")
		return
	}
	service := reliability.NewArchiveService(client, cfg.ReportDir, cfg.ModelDir, log)

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		if err := service.CreateAndUpload(ctx); err != nil {
			log.Error().Err(err).Msg("Archive upload failed")
			continue
		}
		if err := service.Rotate(ctx, cfg.Archive.Retention); err != nil {
			log.Error().Err(err).Msg("Archive rotation failed")
		}
	}
}
