package gitrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// ChangeType classifies a single diff entry
type ChangeType string

const (
	ChangeAdd    ChangeType = "ADD"
	ChangeModify ChangeType = "MODIFY"
	ChangeDelete ChangeType = "DELETE"
	ChangeRename ChangeType = "RENAME"
	ChangeCopy   ChangeType = "COPY"
)

// DiffEntry is one changed path between two trees. Paths are repository-relative
// with forward slashes; OldPath is empty for additions, NewPath is empty for deletions.
type DiffEntry struct {
	Type    ChangeType
	OldPath string
	NewPath string
}

// LogEntry is one commit of the log with the paths it touched
type LogEntry struct {
	ID         string
	Author     string
	CommitTime time.Time
	Changes    []DiffEntry
}

func diffTrees(ctx context.Context, from, to *object.Tree) ([]DiffEntry, error) {
	opts := object.DefaultDiffTreeOptions
	changes, err := object.DiffTreeWithOptions(ctx, from, to, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}

	entries := make([]DiffEntry, 0, len(changes))
	for _, c := range changes {
		action, err := c.Action()
		if err != nil {
			return nil, fmt.Errorf("failed to classify change: %w", err)
		}

		switch action {
		case merkletrie.Insert:
			entries = append(entries, DiffEntry{Type: ChangeAdd, NewPath: c.To.Name})
		case merkletrie.Delete:
			entries = append(entries, DiffEntry{Type: ChangeDelete, OldPath: c.From.Name})
		case merkletrie.Modify:
			t := ChangeModify
			if c.From.Name != c.To.Name {
				t = ChangeRename
			}
			entries = append(entries, DiffEntry{Type: t, OldPath: c.From.Name, NewPath: c.To.Name})
		}
	}
	return entries, nil
}
