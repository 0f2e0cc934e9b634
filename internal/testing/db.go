// Package testing provides testing utilities and helpers for the deployer.
package testing

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aristath/deployer/internal/database"
)

// NewTestDB creates a migrated SQLite database in a per-test temporary directory.
// The database is closed automatically when the test finishes.
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "deployer.db"),
		Profile: database.ProfileStandard,
		Name:    "test",
	})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database: %v", err)
		}
	})

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db
}
