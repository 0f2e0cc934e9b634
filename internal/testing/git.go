package testing

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitRepo is a throwaway working repository used to produce real commits in tests
type GitRepo struct {
	t        *testing.T
	Path     string
	repo     *git.Repository
	worktree *git.Worktree
	clock    time.Time
}

// NewGitRepo initializes an empty non-bare repository in a temporary directory
func NewGitRepo(t *testing.T) *GitRepo {
	t.Helper()

	path := t.TempDir()
	repo, err := git.PlainInit(path, false)
	if err != nil {
		t.Fatalf("Failed to init git repository: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to open worktree: %v", err)
	}

	return &GitRepo{
		t:        t,
		Path:     path,
		repo:     repo,
		worktree: wt,
		clock:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Write creates or overwrites a file and stages it
func (r *GitRepo) Write(path, content string) *GitRepo {
	r.t.Helper()

	full := filepath.Join(r.Path, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		r.t.Fatalf("Failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		r.t.Fatalf("Failed to write %s: %v", path, err)
	}
	if _, err := r.worktree.Add(path); err != nil {
		r.t.Fatalf("Failed to stage %s: %v", path, err)
	}
	return r
}

// Remove deletes a file and stages the removal
func (r *GitRepo) Remove(path string) *GitRepo {
	r.t.Helper()

	if _, err := r.worktree.Remove(path); err != nil {
		r.t.Fatalf("Failed to remove %s: %v", path, err)
	}
	return r
}

// Move renames a file and stages the rename
func (r *GitRepo) Move(from, to string) *GitRepo {
	r.t.Helper()

	full := filepath.Join(r.Path, filepath.FromSlash(to))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		r.t.Fatalf("Failed to create directory for %s: %v", to, err)
	}
	if _, err := r.worktree.Move(from, to); err != nil {
		r.t.Fatalf("Failed to move %s to %s: %v", from, to, err)
	}
	return r
}

// Branch creates a branch starting at commit and checks it out
func (r *GitRepo) Branch(name, commit string) *GitRepo {
	r.t.Helper()

	err := r.worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Hash:   plumbing.NewHash(commit),
		Create: true,
	})
	if err != nil {
		r.t.Fatalf("Failed to create branch %s: %v", name, err)
	}
	return r
}

// Commit records the staged changes as author and returns the commit id
func (r *GitRepo) Commit(message string, author ...string) string {
	r.t.Helper()

	name := "Test Author"
	if len(author) > 0 {
		name = author[0]
	}
	r.clock = r.clock.Add(time.Minute)

	hash, err := r.worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: name, Email: "author@example.com", When: r.clock},
	})
	if err != nil {
		r.t.Fatalf("Failed to commit: %v", err)
	}
	return hash.String()
}
