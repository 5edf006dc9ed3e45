package project

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/fleet/internal/validate"
)

func newTestWorktrees(t *testing.T) (*Worktrees, *Project) {
	t.Helper()
	s := newTestStore(t)
	p, _, err := s.Add(t.TempDir(), "demo")
	require.NoError(t, err)
	return NewWorktrees(s, nil), p
}

func TestWorktrees_CreateAndList(t *testing.T) {
	w, p := newTestWorktrees(t)
	path := filepath.Join(t.TempDir(), "feature-x")

	wt, err := w.Create(p.ID, WorktreeInput{Path: path, Title: "Feature X"})
	require.NoError(t, err)
	assert.Equal(t, "feature-x", wt.ID)
	assert.Equal(t, path, wt.Path)
	assert.Nil(t, wt.Branch, "no git repository, no branch")

	list, err := w.List(p.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, DefaultWorktreeID, list[0].ID)
	assert.Equal(t, "feature-x", list[1].ID)

	got, err := w.Get(p.ID, "feature-x")
	require.NoError(t, err)
	assert.Equal(t, path, got.Path)

	def, err := w.Get(p.ID, DefaultWorktreeID)
	require.NoError(t, err)
	assert.Equal(t, p.Path, def.Path)
}

func TestWorktrees_CreatePersists(t *testing.T) {
	w, p := newTestWorktrees(t)
	_, err := w.Create(p.ID, WorktreeInput{Path: filepath.Join(t.TempDir(), "wt1"), Title: "One"})
	require.NoError(t, err)

	reloaded := NewStore(w.store.Path(), nil)
	require.NoError(t, reloaded.Load())
	got, err := reloaded.Get(p.ID)
	require.NoError(t, err)
	_, ok := got.Worktree("wt1")
	assert.True(t, ok)
}

func TestWorktrees_CreateValidation(t *testing.T) {
	w, p := newTestWorktrees(t)
	base := t.TempDir()

	cases := map[string]WorktreeInput{
		"relative path": {Path: "rel/wt", Title: "t"},
		"missing title": {Path: filepath.Join(base, "wt"), Title: ""},
		"space in name": {Path: filepath.Join(base, "has space"), Title: "t"},
		"dot in name":   {Path: filepath.Join(base, "v1.2"), Title: "t"},
	}
	for name, in := range cases {
		_, err := w.Create(p.ID, in)
		require.Error(t, err, name)
		assert.True(t, validate.IsValidation(err), name)
	}

	list, err := w.List(p.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1, "nothing recorded after rejected input")
}

func TestWorktrees_CreateDuplicate(t *testing.T) {
	w, p := newTestWorktrees(t)
	base := t.TempDir()

	_, err := w.Create(p.ID, WorktreeInput{Path: filepath.Join(base, "a", "dup"), Title: "first"})
	require.NoError(t, err)

	_, err = w.Create(p.ID, WorktreeInput{Path: filepath.Join(base, "b", "dup"), Title: "second"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = w.Create(p.ID, WorktreeInput{Path: filepath.Join(base, DefaultWorktreeID), Title: "clash"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestWorktrees_CreateUnknownProject(t *testing.T) {
	w, _ := newTestWorktrees(t)
	_, err := w.Create("missing", WorktreeInput{Path: filepath.Join(t.TempDir(), "wt"), Title: "t"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorktrees_CreateDetectsBranch(t *testing.T) {
	w, p := newTestWorktrees(t)
	path := filepath.Join(t.TempDir(), "checkout")
	require.NoError(t, os.Mkdir(path, 0755))

	repo, err := git.PlainInit(path, false)
	require.NoError(t, err)
	// Point HEAD at a named branch; go-git resolves HEAD symbolically
	require.NoError(t, repo.Storer.SetReference(
		plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("feature/login")),
	))
	wtree, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "README"), []byte("x"), 0644))
	_, err = wtree.Add("README")
	require.NoError(t, err)
	_, err = wtree.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "fleet", Email: "fleet@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	wt, err := w.Create(p.ID, WorktreeInput{Path: path, Title: "Checkout"})
	require.NoError(t, err)
	require.NotNil(t, wt.Branch)
	assert.Equal(t, "feature/login", *wt.Branch)
}

func TestWorktrees_Update(t *testing.T) {
	w, p := newTestWorktrees(t)
	_, err := w.Create(p.ID, WorktreeInput{Path: filepath.Join(t.TempDir(), "wt"), Title: "old"})
	require.NoError(t, err)

	title, branch := "new", "main"
	wt, err := w.Update(p.ID, "wt", WorktreePatch{Title: &title, Branch: &branch})
	require.NoError(t, err)
	assert.Equal(t, "new", wt.Title)
	require.NotNil(t, wt.Branch)
	assert.Equal(t, "main", *wt.Branch)

	_, err = w.Update(p.ID, "missing", WorktreePatch{Title: &title})
	assert.ErrorIs(t, err, ErrWorktreeNotFound)

	empty := ""
	_, err = w.Update(p.ID, "wt", WorktreePatch{Title: &empty})
	assert.True(t, validate.IsValidation(err))
}

func TestWorktrees_Remove(t *testing.T) {
	w, p := newTestWorktrees(t)
	_, err := w.Create(p.ID, WorktreeInput{Path: filepath.Join(t.TempDir(), "wt"), Title: "t"})
	require.NoError(t, err)

	require.NoError(t, w.Remove(p.ID, "wt"))
	_, err = w.Get(p.ID, "wt")
	assert.ErrorIs(t, err, ErrWorktreeNotFound)

	assert.ErrorIs(t, w.Remove(p.ID, "wt"), ErrWorktreeNotFound)
}

func TestWorktrees_RemoveDefaultAlwaysFails(t *testing.T) {
	w, p := newTestWorktrees(t)

	err := w.Remove(p.ID, DefaultWorktreeID)
	require.Error(t, err)
	assert.True(t, validate.IsValidation(err))

	list, err := w.List(p.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultWorktreeID, list[0].ID)
}
