// Package scheduler owns the process-wide cron instance. Targets get one entry each for
// their scheduled deployments, and maintenance jobs are registered next to them.
package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// EntryID identifies a registered schedule
type EntryID = cron.EntryID

// Scheduler manages cron-triggered work
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a new scheduler. Expressions carry a leading seconds field.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to return
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// Validate checks a cron expression without registering it
func Validate(schedule string) error {
	parser := cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	return nil
}

// Schedule registers fn under a cron expression and returns its entry id.
// Schedule examples:
//   - "0 */5 * * * *"      - Every 5 minutes
//   - "@hourly"            - Every hour
//   - "0 0 9 * * MON-FRI"  - 9 AM weekdays
//   - "@every 30s"         - Every 30 seconds
func (s *Scheduler) Schedule(schedule, name string, fn func()) (EntryID, error) {
	id, err := s.cron.AddFunc(schedule, fn)
	if err != nil {
		return 0, fmt.Errorf("failed to schedule %s: %w", name, err)
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", name).
		Int("entry", int(id)).
		Msg("Schedule registered")

	return id, nil
}

// AddJob registers a job with a cron schedule
func (s *Scheduler) AddJob(schedule string, job Job) (EntryID, error) {
	return s.Schedule(schedule, job.Name(), func() {
		s.log.Debug().Str("job", job.Name()).Msg("Running job")

		if err := job.Run(); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("Job failed")
		} else {
			s.log.Debug().Str("job", job.Name()).Msg("Job completed")
		}
	})
}

// Remove unregisters an entry. Runs already in progress are not interrupted.
func (s *Scheduler) Remove(id EntryID) {
	s.cron.Remove(id)
	s.log.Debug().Int("entry", int(id)).Msg("Schedule removed")
}

// Len returns the number of registered entries
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// RunNow executes a job immediately (outside schedule)
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run()
}
