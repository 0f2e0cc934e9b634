// Package history persists finished deployments so their audit trail outlives the
// in-memory target state.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/deployer/internal/deployment"
)

// Stats summarizes the finished deployments of one target
type Stats struct {
	TargetID         string                    `json:"target_id"`
	Total            int                       `json:"total"`
	ByStatus         map[deployment.Status]int `json:"by_status"`
	MeanDurationMs   float64                   `json:"mean_duration_ms"`
	StdDevDurationMs float64                   `json:"stddev_duration_ms"`
	LastStatus       deployment.Status         `json:"last_status,omitempty"`
	LastEnded        *time.Time                `json:"last_ended,omitempty"`
}

// Repository handles deployment records stored in the deployments table.
// The full record is kept as a msgpack blob; identifying columns are indexed for listing.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new history repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "history").Logger(),
	}
}

// Record stores the current snapshot of a deployment, replacing an earlier snapshot
func (r *Repository) Record(ctx context.Context, d *deployment.Deployment) error {
	rec := d.Record()

	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode deployment %s: %w", rec.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO deployments
			(id, target_id, mode, status, started_at, ended_at, duration_ms, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Target.ID,
		string(rec.Mode),
		string(rec.Status),
		unixMillis(rec.Start),
		unixMillis(rec.End),
		rec.Duration,
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to store deployment %s: %w", rec.ID, err)
	}

	r.log.Debug().
		Str("target", rec.Target.ID).
		Str("deployment", rec.ID).
		Str("status", string(rec.Status)).
		Msg("Deployment recorded")
	return nil
}

// List returns up to limit records of a target, most recently ended first
func (r *Repository) List(ctx context.Context, targetID string, limit int) ([]deployment.Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT payload FROM deployments
		WHERE target_id = ?
		ORDER BY ended_at DESC, started_at DESC
		LIMIT ?
	`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments for %s: %w", targetID, err)
	}
	defer rows.Close()

	records := make([]deployment.Record, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}

		var rec deployment.Record
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			r.log.Warn().Err(err).Str("target", targetID).Msg("Skipping undecodable deployment record")
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deployments: %w", err)
	}
	return records, nil
}

// Get returns one record by deployment id
func (r *Repository) Get(ctx context.Context, id string) (*deployment.Record, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, "SELECT payload FROM deployments WHERE id = ?", id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment %s: %w", id, err)
	}

	var rec deployment.Record
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode deployment %s: %w", id, err)
	}
	return &rec, nil
}

// Stats computes per-status counts and duration statistics for a target
func (r *Repository) Stats(ctx context.Context, targetID string) (Stats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, duration_ms, ended_at FROM deployments
		WHERE target_id = ?
		ORDER BY ended_at ASC
	`, targetID)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read deployment stats for %s: %w", targetID, err)
	}
	defer rows.Close()

	s := Stats{TargetID: targetID, ByStatus: make(map[deployment.Status]int)}
	var durations []float64

	for rows.Next() {
		var status string
		var durationMs int64
		var endedAt sql.NullInt64
		if err := rows.Scan(&status, &durationMs, &endedAt); err != nil {
			return Stats{}, fmt.Errorf("failed to scan deployment stats: %w", err)
		}

		s.Total++
		s.ByStatus[deployment.Status(status)]++
		s.LastStatus = deployment.Status(status)
		if endedAt.Valid {
			ended := time.UnixMilli(endedAt.Int64)
			s.LastEnded = &ended
		}
		// interrupted before start: no duration
		if durationMs > 0 {
			durations = append(durations, float64(durationMs))
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("failed to iterate deployment stats: %w", err)
	}

	switch {
	case len(durations) == 1:
		s.MeanDurationMs = durations[0]
	case len(durations) > 1:
		s.MeanDurationMs, s.StdDevDurationMs = stat.MeanStdDev(durations, nil)
	}
	return s, nil
}

// Prune deletes records that ended before the cutoff
func (r *Repository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM deployments WHERE ended_at IS NOT NULL AND ended_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune deployments: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTarget removes every record of a target
func (r *Repository) DeleteTarget(ctx context.Context, targetID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM deployments WHERE target_id = ?", targetID); err != nil {
		return fmt.Errorf("failed to delete deployments for %s: %w", targetID, err)
	}
	return nil
}

func unixMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
