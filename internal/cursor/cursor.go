// Package cursor persists the processed-commit cursor: the id of the last commit whose
// changes were fully deployed for a target. It is the basis of every incremental diff.
package cursor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Store reads and writes processed-commit cursors keyed by target id
type Store interface {
	// Load returns the stored commit id; ok is false when the target has no cursor yet
	Load(ctx context.Context, targetID string) (commitID string, ok bool, err error)
	// Save records commitID as the last processed commit for the target
	Save(ctx context.Context, targetID string, commitID string) error
	// Delete erases the cursor. Deleting a missing cursor is not an error.
	Delete(ctx context.Context, targetID string) error
}

var commitIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{4,64}$`)

// FileStore keeps one {targetID}.commit file per target under a directory.
// Writes go to a temporary file first and are renamed into place.
type FileStore struct {
	dir string
	log zerolog.Logger
}

// NewFileStore creates a file-backed store rooted at dir, creating it if needed
func NewFileStore(dir string, log zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cursor directory: %w", err)
	}
	return &FileStore{
		dir: dir,
		log: log.With().Str("component", "cursor_store").Str("backend", "file").Logger(),
	}, nil
}

func (s *FileStore) path(targetID string) string {
	return filepath.Join(s.dir, targetID+".commit")
}

// Load reads the cursor file for the target
func (s *FileStore) Load(_ context.Context, targetID string) (string, bool, error) {
	data, err := os.ReadFile(s.path(targetID))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read processed commit for %s: %w", targetID, err)
	}

	commitID := strings.TrimSpace(string(data))
	if commitID == "" {
		return "", false, nil
	}
	if !commitIDPattern.MatchString(commitID) {
		return "", false, fmt.Errorf("invalid processed commit %q stored for %s", commitID, targetID)
	}
	return commitID, true, nil
}

// Save atomically replaces the cursor file for the target
func (s *FileStore) Save(_ context.Context, targetID string, commitID string) error {
	tmp, err := os.CreateTemp(s.dir, targetID+".commit.*")
	if err != nil {
		return fmt.Errorf("failed to create temp cursor file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(commitID); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write processed commit for %s: %w", targetID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync processed commit for %s: %w", targetID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp cursor file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(targetID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to store processed commit for %s: %w", targetID, err)
	}

	s.log.Debug().Str("target", targetID).Str("commit", commitID).Msg("Processed commit stored")
	return nil
}

// Delete removes the cursor file
func (s *FileStore) Delete(_ context.Context, targetID string) error {
	err := os.Remove(s.path(targetID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete processed commit for %s: %w", targetID, err)
	}
	s.log.Debug().Str("target", targetID).Msg("Processed commit deleted")
	return nil
}
