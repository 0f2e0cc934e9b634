package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// SQLiteStore handles processed-commit cursors stored in the processed_commits table.
//
// There is at most one row per target. Save uses an upsert so that a cursor moves
// forward in a single statement.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLiteStore creates a cursor store over a migrated database.
//
// Parameters:
//   - db: Connection to the deployer database (processed_commits table)
//   - log: Structured logger
func NewSQLiteStore(db *sql.DB, log zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:  db,
		log: log.With().Str("component", "cursor_store").Str("backend", "sqlite").Logger(),
	}
}

// Load retrieves the cursor for a target.
// Returns ok=false if the target has never been processed (not an error).
func (s *SQLiteStore) Load(ctx context.Context, targetID string) (string, bool, error) {
	var commitID string
	err := s.db.QueryRowContext(ctx,
		"SELECT commit_id FROM processed_commits WHERE target_id = ?", targetID,
	).Scan(&commitID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get processed commit for %s: %w", targetID, err)
	}
	return commitID, true, nil
}

// Save inserts or replaces the cursor for a target
func (s *SQLiteStore) Save(ctx context.Context, targetID string, commitID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_commits (target_id, commit_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			commit_id = excluded.commit_id,
			updated_at = excluded.updated_at
	`, targetID, commitID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store processed commit for %s: %w", targetID, err)
	}

	s.log.Debug().Str("target", targetID).Str("commit", commitID).Msg("Processed commit stored")
	return nil
}

// Delete erases the cursor for a target
func (s *SQLiteStore) Delete(ctx context.Context, targetID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM processed_commits WHERE target_id = ?", targetID); err != nil {
		return fmt.Errorf("failed to delete processed commit for %s: %w", targetID, err)
	}
	s.log.Debug().Str("target", targetID).Msg("Processed commit deleted")
	return nil
}
