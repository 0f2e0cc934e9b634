package gitdiff

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/cursor"
	"github.com/aristath/deployer/internal/deployment"
	"github.com/aristath/deployer/internal/gitrepo"
)

// Repository is the part of a Git repository the detector needs
type Repository interface {
	Head() (string, error)
	Diff(ctx context.Context, from, to string) ([]gitrepo.DiffEntry, error)
	Log(ctx context.Context, from, to string) ([]gitrepo.LogEntry, error)
}

// Options controls one detection
type Options struct {
	// UpdateCursor persists HEAD as the processed commit (PUBLISH mode only)
	UpdateCursor bool
	// IncludeLog enriches the change set with per-path commit details
	IncludeLog bool
}

// Detector computes change sets between the processed-commit cursor and HEAD
type Detector struct {
	store cursor.Store
	log   zerolog.Logger
}

// NewDetector creates a detector over a cursor store
func NewDetector(store cursor.Store, log zerolog.Logger) *Detector {
	return &Detector{
		store: store,
		log:   log.With().Str("component", "git_diff").Logger(),
	}
}

// Detect resolves HEAD and the previous commit and returns the change set between them.
//
// A nil change set means previous and HEAD are the same commit and nothing was diffed.
// The resolved HEAD is published in the deployment params under ParamLatestCommitID.
// Cursor store failures abort the detection.
func (d *Detector) Detect(ctx context.Context, repo Repository, dep *deployment.Deployment, opts Options) (*deployment.ChangeSet, error) {
	targetID := dep.Target().ID
	log := d.log.With().Str("target", targetID).Str("deployment", dep.ID()).Logger()

	latest, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD for %s: %w", targetID, err)
	}

	previous, err := d.previousCommit(ctx, dep)
	if err != nil {
		return nil, err
	}

	var changeSet *deployment.ChangeSet
	if previous == latest {
		log.Info().Str("commit", latest).Msg("No new commits since last processed commit")
	} else {
		entries, err := repo.Diff(ctx, previous, latest)
		if err != nil {
			return nil, fmt.Errorf("failed to diff %q..%s for %s: %w", previous, latest, targetID, err)
		}
		changeSet = ToChangeSet(entries)

		if opts.IncludeLog {
			changeSet = d.enrich(ctx, repo, changeSet, previous, latest, log)
		}

		log.Info().
			Str("from", previous).
			Str("to", latest).
			Int("created", len(changeSet.CreatedFiles())).
			Int("updated", len(changeSet.UpdatedFiles())).
			Int("deleted", len(changeSet.DeletedFiles())).
			Msg("Change set computed")
	}

	if opts.UpdateCursor && dep.Mode() == deployment.ModePublish {
		if err := d.store.Save(ctx, targetID, latest); err != nil {
			return nil, err
		}
	}

	dep.SetParam(deployment.ParamLatestCommitID, latest)
	return changeSet, nil
}

// previousCommit picks the diff base: explicit override, then reprocess-all (empty), then the cursor
func (d *Detector) previousCommit(ctx context.Context, dep *deployment.Deployment) (string, error) {
	targetID := dep.Target().ID

	if from := dep.StringParam(deployment.ParamFromCommitID); from != "" {
		return from, nil
	}

	if dep.BoolParam(deployment.ParamReprocessAllFiles) {
		if dep.Mode() == deployment.ModePublish {
			if err := d.store.Delete(ctx, targetID); err != nil {
				return "", err
			}
		}
		return "", nil
	}

	previous, _, err := d.store.Load(ctx, targetID)
	if err != nil {
		return "", err
	}
	return previous, nil
}

// enrich attaches author/date and last-commit-per-path details. Failures only cost the details.
func (d *Detector) enrich(
	ctx context.Context,
	repo Repository,
	cs *deployment.ChangeSet,
	previous, latest string,
	log zerolog.Logger,
) *deployment.ChangeSet {
	entries, err := repo.Log(ctx, previous, latest)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read commit log, continuing without update details")
		return cs
	}

	details, updateLog := BuildUpdateLog(entries)
	return cs.WithUpdateLog(details, updateLog)
}

// BuildUpdateLog folds a newest-first commit log into commit details and a
// path -> most recent commit map. Paths whose most recent change is a deletion are left out.
func BuildUpdateLog(entries []gitrepo.LogEntry) (map[string]deployment.UpdateDetail, map[string]string) {
	details := make(map[string]deployment.UpdateDetail, len(entries))
	updateLog := make(map[string]string)
	seen := make(map[string]struct{})

	mark := func(p, commitID string, record bool) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		if record {
			updateLog[p] = commitID
		}
	}

	for _, e := range entries {
		details[e.ID] = deployment.UpdateDetail{Author: e.Author, Date: e.CommitTime}

		for _, c := range e.Changes {
			switch c.Type {
			case gitrepo.ChangeDelete:
				mark(NormalizePath(c.OldPath), e.ID, false)
			case gitrepo.ChangeRename:
				mark(NormalizePath(c.OldPath), e.ID, false)
				mark(NormalizePath(c.NewPath), e.ID, true)
			default:
				mark(NormalizePath(c.NewPath), e.ID, true)
			}
		}
	}
	return details, updateLog
}
