package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/database"
)

// HistoryPruner removes deployment records older than a cutoff
type HistoryPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// MaintenanceJob prunes old deployment history, checks the integrity of the deployer database
// and checkpoints its WAL
type MaintenanceJob struct {
	log       zerolog.Logger
	db        *database.DB
	history   HistoryPruner
	retention time.Duration
}

// NewMaintenanceJob creates a new MaintenanceJob. A zero retention keeps history forever.
func NewMaintenanceJob(db *database.DB, history HistoryPruner, retention time.Duration) *MaintenanceJob {
	return &MaintenanceJob{
		log:       zerolog.Nop(),
		db:        db,
		history:   history,
		retention: retention,
	}
}

// SetLogger sets the logger for the job
func (j *MaintenanceJob) SetLogger(log zerolog.Logger) {
	j.log = log
}

// Name returns the job name
func (j *MaintenanceJob) Name() string {
	return "database_maintenance"
}

// Run executes the maintenance job
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if j.history != nil && j.retention > 0 {
		cutoff := time.Now().Add(-j.retention)
		removed, err := j.history.Prune(ctx, cutoff)
		if err != nil {
			return err
		}
		j.log.Info().
			Int64("removed", removed).
			Time("before", cutoff).
			Msg("Deployment history pruned")
	}

	if j.db == nil {
		return nil
	}

	if err := j.db.HealthCheck(ctx); err != nil {
		j.log.Error().Err(err).Str("database", j.db.Name()).Msg("Database integrity check failed")
		return err
	}

	// PRAGMA wal_checkpoint returns: busy, log, checkpointed
	var busy, frames, checkpointed int
	err := j.db.Conn().QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &frames, &checkpointed)
	if err != nil {
		j.log.Warn().
			Err(err).
			Str("database", j.db.Name()).
			Msg("Failed to check WAL checkpoint")
		return nil
	}

	if frames > 1000 {
		j.log.Warn().
			Str("database", j.db.Name()).
			Int("wal_frames", frames).
			Int("checkpointed", checkpointed).
			Msg("WAL file is large, forcing truncate checkpoint")
		return j.db.WALCheckpoint("TRUNCATE")
	}

	j.log.Debug().
		Str("database", j.db.Name()).
		Int("wal_frames", frames).
		Msg("WAL checkpoint status OK")
	return nil
}
