package gitrepo

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingutil "github.com/aristath/deployer/internal/testing"
)

func TestOpen_Head(t *testing.T) {
	src := testingutil.NewGitRepo(t)
	id := src.Write("a.txt", "a").Commit("first")

	repo, err := Open(src.Path)
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, id, head)
	assert.True(t, repo.HasCommit(id))
	assert.False(t, repo.HasCommit("0000000000000000000000000000000000000000"))
}

func TestHead_EmptyRepository(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	repo, err := Open(dir)
	require.NoError(t, err)

	_, err = repo.Head()
	assert.True(t, errors.Is(err, ErrNoHead))
}

func TestOpen_NotARepository(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.Error(t, err)
}

func TestDiff(t *testing.T) {
	ctx := context.Background()
	src := testingutil.NewGitRepo(t)
	first := src.
		Write("keep.txt", "keep").
		Write("edit.txt", "v1").
		Write("gone.txt", "gone").
		Write("old/path.xml", "<doc>a fairly long body so rename similarity is obvious</doc>").
		Commit("first")
	second := src.
		Write("edit.txt", "v2").
		Remove("gone.txt").
		Move("old/path.xml", "new/path.xml").
		Write("added.txt", "new").
		Commit("second")

	repo, err := Open(src.Path)
	require.NoError(t, err)

	t.Run("between commits", func(t *testing.T) {
		entries, err := repo.Diff(ctx, first, second)
		require.NoError(t, err)

		assert.ElementsMatch(t, []DiffEntry{
			{Type: ChangeModify, OldPath: "edit.txt", NewPath: "edit.txt"},
			{Type: ChangeDelete, OldPath: "gone.txt"},
			{Type: ChangeRename, OldPath: "old/path.xml", NewPath: "new/path.xml"},
			{Type: ChangeAdd, NewPath: "added.txt"},
		}, entries)
	})

	t.Run("from empty tree", func(t *testing.T) {
		entries, err := repo.Diff(ctx, "", first)
		require.NoError(t, err)
		require.Len(t, entries, 4)
		for _, e := range entries {
			assert.Equal(t, ChangeAdd, e.Type)
		}
	})

	t.Run("same commit", func(t *testing.T) {
		entries, err := repo.Diff(ctx, second, second)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("unknown commit", func(t *testing.T) {
		_, err := repo.Diff(ctx, "1111111111111111111111111111111111111111", second)
		assert.True(t, errors.Is(err, ErrCommitNotFound))
	})
}

func TestLog(t *testing.T) {
	ctx := context.Background()
	src := testingutil.NewGitRepo(t)
	first := src.Write("a.txt", "a").Commit("first", "alice")
	second := src.Write("b.txt", "b").Commit("second", "bob")
	third := src.Write("a.txt", "a2").Commit("third", "carol")

	repo, err := Open(src.Path)
	require.NoError(t, err)

	t.Run("range excludes from", func(t *testing.T) {
		entries, err := repo.Log(ctx, first, third)
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, third, entries[0].ID)
		assert.Equal(t, "carol", entries[0].Author)
		assert.Equal(t, []DiffEntry{{Type: ChangeModify, OldPath: "a.txt", NewPath: "a.txt"}}, entries[0].Changes)

		assert.Equal(t, second, entries[1].ID)
		assert.Equal(t, "bob", entries[1].Author)
		assert.True(t, entries[0].CommitTime.After(entries[1].CommitTime))
	})

	t.Run("from equal to is empty", func(t *testing.T) {
		entries, err := repo.Log(ctx, third, third)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("whole history", func(t *testing.T) {
		entries, err := repo.Log(ctx, "", third)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, first, entries[2].ID)
		assert.Equal(t, []DiffEntry{{Type: ChangeAdd, NewPath: "a.txt"}}, entries[2].Changes)
	})
}

func TestSync(t *testing.T) {
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("local clone needs git-upload-pack on PATH")
	}
	ctx := context.Background()
	src := testingutil.NewGitRepo(t)
	first := src.Write("a.txt", "a").Commit("first")

	local := filepath.Join(t.TempDir(), "clone")

	repo, res, err := Sync(ctx, local, RemoteConfig{URL: src.Path})
	require.NoError(t, err)
	assert.True(t, res.WasCloned)
	assert.Equal(t, first, res.NewHead)
	assert.Equal(t, local, repo.Path())

	second := src.Write("b.txt", "b").Commit("second")

	_, res, err = Sync(ctx, local, RemoteConfig{URL: src.Path})
	require.NoError(t, err)
	assert.False(t, res.WasCloned)
	assert.Equal(t, first, res.OldHead)
	assert.Equal(t, second, res.NewHead)
	assert.True(t, res.Changed())

	_, res, err = Sync(ctx, local, RemoteConfig{URL: src.Path})
	require.NoError(t, err)
	assert.False(t, res.Changed())
}

func TestSync_NoRemote(t *testing.T) {
	_, _, err := Sync(context.Background(), filepath.Join(t.TempDir(), "missing"), RemoteConfig{})
	assert.Error(t, err)
}

func TestLog_FromNotAnAncestor(t *testing.T) {
	ctx := context.Background()
	src := testingutil.NewGitRepo(t)
	base := src.Write("a.txt", "a").Commit("base")
	side := src.Branch("side", base).Write("side.txt", "s").Commit("side work")
	src.Branch("release", base)
	m1 := src.Write("b.txt", "b").Commit("release one")
	m2 := src.Write("c.txt", "c").Commit("release two")

	repo, err := Open(src.Path)
	require.NoError(t, err)

	entries, err := repo.Log(ctx, side, m2)
	require.NoError(t, err)

	var ids []string
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	// base is reachable from side, so it is not part of the range
	assert.Equal(t, []string{m2, m1}, ids)
}

func TestLog_UnknownFrom(t *testing.T) {
	src := testingutil.NewGitRepo(t)
	head := src.Write("a.txt", "a").Commit("first")

	repo, err := Open(src.Path)
	require.NoError(t, err)

	_, err = repo.Log(context.Background(), "0123456789abcdef0123456789abcdef01234567", head)
	assert.ErrorIs(t, err, ErrCommitNotFound)
}
