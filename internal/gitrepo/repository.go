// Package gitrepo is the Git repository abstraction the deployer consumes: open, clone or
// pull, resolve HEAD, diff two trees and walk the commit log. It is backed by go-git.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

var (
	// ErrNoHead is returned when HEAD cannot be resolved (empty or broken repository)
	ErrNoHead = errors.New("repository HEAD cannot be resolved")
	// ErrCommitNotFound is returned when a commit id is not present in the repository
	ErrCommitNotFound = errors.New("commit not found")
)

// Repository is an opened local Git repository
type Repository struct {
	path string
	repo *git.Repository
}

// RemoteConfig describes where a local repository is cloned from
type RemoteConfig struct {
	URL      string
	Branch   string
	Username string
	Password string
}

func (c RemoteConfig) auth() transport.AuthMethod {
	if c.Username == "" && c.Password == "" {
		return nil
	}
	return &http.BasicAuth{Username: c.Username, Password: c.Password}
}

func (c RemoteConfig) referenceName() plumbing.ReferenceName {
	if c.Branch == "" {
		return ""
	}
	return plumbing.NewBranchReferenceName(c.Branch)
}

// SyncResult reports what a Sync did to the local repository
type SyncResult struct {
	WasCloned bool
	OldHead   string
	NewHead   string
}

// Changed reports whether HEAD moved
func (r SyncResult) Changed() bool {
	return r.OldHead != r.NewHead
}

// Open opens an existing repository at path
func Open(path string) (*Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository at %s: %w", path, err)
	}
	return &Repository{path: path, repo: repo}, nil
}

// Sync clones the remote into path when no repository exists there yet, and pulls otherwise
func Sync(ctx context.Context, path string, remote RemoteConfig) (*Repository, SyncResult, error) {
	if _, err := os.Stat(path); err == nil {
		if repo, err := git.PlainOpen(path); err == nil {
			r := &Repository{path: path, repo: repo}
			res, err := r.pull(ctx, remote)
			return r, res, err
		}
	}

	if remote.URL == "" {
		return nil, SyncResult{}, fmt.Errorf("no repository at %s and no remote url configured", path)
	}

	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:           remote.URL,
		ReferenceName: remote.referenceName(),
		SingleBranch:  remote.Branch != "",
		Auth:          remote.auth(),
	})
	if err != nil {
		return nil, SyncResult{}, fmt.Errorf("failed to clone %s: %w", remote.URL, err)
	}

	r := &Repository{path: path, repo: repo}
	head, err := r.Head()
	if err != nil {
		return nil, SyncResult{}, err
	}
	return r, SyncResult{WasCloned: true, NewHead: head}, nil
}

func (r *Repository) pull(ctx context.Context, remote RemoteConfig) (SyncResult, error) {
	old, err := r.Head()
	if err != nil && !errors.Is(err, ErrNoHead) {
		return SyncResult{}, err
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to open worktree: %w", err)
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    git.DefaultRemoteName,
		ReferenceName: remote.referenceName(),
		SingleBranch:  remote.Branch != "",
		Auth:          remote.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return SyncResult{}, fmt.Errorf("failed to pull %s: %w", r.path, err)
	}

	head, err := r.Head()
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{OldHead: old, NewHead: head}, nil
}

// Path returns the repository working directory
func (r *Repository) Path() string {
	return r.path
}

// Head resolves the commit id HEAD points to
func (r *Repository) Head() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoHead, err)
	}
	return ref.Hash().String(), nil
}

// HasCommit reports whether id names a commit in this repository
func (r *Repository) HasCommit(id string) bool {
	_, err := r.commit(id)
	return err == nil
}

func (r *Repository) commit(id string) (*object.Commit, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, id)
	}
	c, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, id)
	}
	return c, nil
}

func (r *Repository) tree(id string) (*object.Tree, error) {
	if id == "" {
		return &object.Tree{}, nil
	}
	c, err := r.commit(id)
	if err != nil {
		return nil, err
	}
	t, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree of %s: %w", id, err)
	}
	return t, nil
}

// Diff compares the trees of two commits. An empty from id means the empty tree,
// so every file in to is reported as added.
func (r *Repository) Diff(ctx context.Context, from, to string) ([]DiffEntry, error) {
	fromTree, err := r.tree(from)
	if err != nil {
		return nil, err
	}
	toTree, err := r.tree(to)
	if err != nil {
		return nil, err
	}
	return diffTrees(ctx, fromTree, toTree)
}

// Log walks the commits of the range (from, to] in committer-time order, newest first.
// Commits reachable from from are excluded, so the range holds even when from is not an
// ancestor of to. Each commit carries its diff against its first parent (or the empty
// tree for a root commit). An empty from walks the whole history.
func (r *Repository) Log(ctx context.Context, from, to string) ([]LogEntry, error) {
	head, err := r.commit(to)
	if err != nil {
		return nil, err
	}

	var excluded map[plumbing.Hash]bool
	if from != "" {
		if excluded, err = r.ancestors(ctx, from); err != nil {
			return nil, err
		}
	}

	iter := object.NewCommitIterCTime(head, excluded, nil)
	defer iter.Close()

	var entries []LogEntry
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		parentTree := &object.Tree{}
		if c.NumParents() > 0 {
			parent, err := c.Parent(0)
			if err != nil {
				return fmt.Errorf("failed to read parent of %s: %w", c.Hash, err)
			}
			if parentTree, err = parent.Tree(); err != nil {
				return fmt.Errorf("failed to read tree of %s: %w", parent.Hash, err)
			}
		}
		tree, err := c.Tree()
		if err != nil {
			return fmt.Errorf("failed to read tree of %s: %w", c.Hash, err)
		}

		changes, err := diffTrees(ctx, parentTree, tree)
		if err != nil {
			return err
		}

		entries = append(entries, LogEntry{
			ID:         c.Hash.String(),
			Author:     c.Author.Name,
			CommitTime: c.Committer.When,
			Changes:    changes,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk log of %s: %w", to, err)
	}
	return entries, nil
}

// ancestors returns id and every commit reachable from it
func (r *Repository) ancestors(ctx context.Context, id string) (map[plumbing.Hash]bool, error) {
	c, err := r.commit(id)
	if err != nil {
		return nil, err
	}

	seen := make(map[plumbing.Hash]bool)
	iter := object.NewCommitPreorderIter(c, nil, nil)
	defer iter.Close()

	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen[c.Hash] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk ancestors of %s: %w", id, err)
	}
	return seen, nil
}
