package backup

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Job uploads a fresh backup and rotates old ones
type Job struct {
	log           zerolog.Logger
	service       *Service
	retentionDays int
}

// NewJob creates a backup job keeping archives for retentionDays (0 keeps all)
func NewJob(service *Service, retentionDays int) *Job {
	return &Job{
		log:           zerolog.Nop(),
		service:       service,
		retentionDays: retentionDays,
	}
}

// SetLogger sets the logger for the job
func (j *Job) SetLogger(log zerolog.Logger) {
	j.log = log
}

// Name returns the job name
func (j *Job) Name() string {
	return "database_backup"
}

// Run executes the backup job. A rotation failure is logged but does not fail the
// job once the new archive is uploaded.
func (j *Job) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	key, err := j.service.CreateAndUpload(ctx)
	if err != nil {
		return err
	}

	deleted, err := j.service.Rotate(ctx, j.retentionDays)
	if err != nil {
		j.log.Warn().Err(err).Msg("Backup rotation failed")
		return nil
	}

	j.log.Info().Str("key", key).Int("rotated", deleted).Msg("Backup job completed")
	return nil
}
