// Package main is the entry point of the deployer: it loads every target
// configuration, runs their deployment pipelines on demand or on schedule, and serves
// the HTTP control plane.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/backup"
	"github.com/aristath/deployer/internal/config"
	"github.com/aristath/deployer/internal/cursor"
	"github.com/aristath/deployer/internal/database"
	"github.com/aristath/deployer/internal/events"
	"github.com/aristath/deployer/internal/history"
	"github.com/aristath/deployer/internal/pipeline"
	"github.com/aristath/deployer/internal/processors"
	"github.com/aristath/deployer/internal/scheduler"
	"github.com/aristath/deployer/internal/server"
	"github.com/aristath/deployer/internal/target"
	"github.com/aristath/deployer/internal/work"
	"github.com/aristath/deployer/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("targets_dir", cfg.TargetsDir).
		Str("cursor_backend", cfg.CursorBackend).
		Msg("Starting deployer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileLedger,
		Name:    "deployer",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	store, err := newCursorStore(cfg, db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create processed commit store")
	}

	historyRepo := history.NewRepository(db.Conn(), log)
	bus := events.NewBus(log)
	executor := work.NewExecutor(cfg.Workers, log)

	sched := scheduler.New(log)
	maintenance := scheduler.NewMaintenanceJob(db, historyRepo, cfg.HistoryRetention())
	maintenance.SetLogger(log.With().Str("job", "maintenance").Logger())
	if _, err := sched.AddJob(cfg.MaintenanceCron, maintenance); err != nil {
		log.Fatal().Err(err).Str("cron", cfg.MaintenanceCron).Msg("Failed to schedule maintenance")
	}
	if cfg.Backup.Enabled() {
		if err := scheduleBackups(ctx, cfg, db, sched, log); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule database backups")
		}
	}
	sched.Start()

	registry := pipeline.NewRegistry()
	processors.Register(registry, processors.Deps{
		Cursor:    store,
		OutputDir: cfg.OutputDir,
	})
	log.Info().Strs("processors", registry.Names()).Msg("Processors registered")

	targets := target.NewService(cfg.TargetsDir, cfg.ReposDir, target.Deps{
		Registry:  registry,
		Hooks:     target.NewHookRegistry(),
		Executor:  executor,
		Scheduler: sched,
		Cursor:    store,
		History:   historyRepo,
		Events:    bus,
		Cluster:   pipeline.Cluster{Enabled: cfg.ClusterEnabled, Role: cfg.ClusterRole},
		Log:       log,
	})

	if _, err := targets.LoadAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load targets")
	}

	if cfg.WatchTargets {
		go func() {
			if err := targets.Watch(ctx); err != nil {
				log.Error().Err(err).Msg("Target watcher stopped")
			}
		}()
	}

	srv := server.New(server.Config{
		Log:     log,
		Targets: targets,
		History: historyRepo,
		Events:  bus,
		DB:      db,
		DataDir: cfg.DataDir,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	sched.Stop()
	targets.Close()

	if err := executor.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Executor did not drain before timeout")
	}
	if err := db.WALCheckpoint("TRUNCATE"); err != nil {
		log.Warn().Err(err).Msg("Final WAL checkpoint failed")
	}

	log.Info().Msg("Deployer stopped")
}

func newCursorStore(cfg *config.Config, db *database.DB, log zerolog.Logger) (cursor.Store, error) {
	if cfg.CursorBackend == config.CursorBackendFile {
		return cursor.NewFileStore(cfg.CursorDir(), log)
	}
	return cursor.NewSQLiteStore(db.Conn(), log), nil
}

func scheduleBackups(ctx context.Context, cfg *config.Config, db *database.DB, sched *scheduler.Scheduler, log zerolog.Logger) error {
	client, err := processors.LoadS3Client(ctx, processors.S3Options{
		Region:    cfg.Backup.Region,
		Endpoint:  cfg.Backup.Endpoint,
		AccessKey: cfg.Backup.AccessKey,
		SecretKey: cfg.Backup.SecretKey,
		PathStyle: cfg.Backup.PathStyle,
	})
	if err != nil {
		return err
	}

	service := backup.NewService(db, client, cfg.Backup.Bucket, cfg.Backup.Prefix, cfg.BackupStagingDir(), log)
	job := backup.NewJob(service, cfg.Backup.RetentionDays)
	job.SetLogger(log.With().Str("job", "backup").Logger())

	if _, err := sched.AddJob(cfg.Backup.Cron, job); err != nil {
		return err
	}
	log.Info().Str("bucket", cfg.Backup.Bucket).Str("cron", cfg.Backup.Cron).Msg("Database backups scheduled")
	return nil
}
