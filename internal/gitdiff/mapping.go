// Package gitdiff computes the change set of a deployment from the commits between the
// processed-commit cursor and HEAD of a target's local repository.
package gitdiff

import (
	"path"
	"strings"

	"github.com/aristath/deployer/internal/deployment"
	"github.com/aristath/deployer/internal/gitrepo"
)

// NormalizePath turns a repository-relative path into the leading-slash form used in change sets
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

// ToChangeSet maps diff entries to a change set. A rename counts as a delete of the old path
// and a create of the new one; copies and additions are creates.
func ToChangeSet(entries []gitrepo.DiffEntry) *deployment.ChangeSet {
	var created, updated, deleted []string

	for _, e := range entries {
		switch e.Type {
		case gitrepo.ChangeModify:
			updated = append(updated, NormalizePath(e.NewPath))
		case gitrepo.ChangeDelete:
			deleted = append(deleted, NormalizePath(e.OldPath))
		case gitrepo.ChangeRename:
			deleted = append(deleted, NormalizePath(e.OldPath))
			created = append(created, NormalizePath(e.NewPath))
		default:
			created = append(created, NormalizePath(e.NewPath))
		}
	}

	return deployment.NewChangeSet(created, updated, deleted)
}
