package project

import (
	"fmt"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleet/internal/identity"
	"github.com/ternarybob/fleet/internal/logger"
	"github.com/ternarybob/fleet/internal/validate"
)

// WorktreeInput describes a worktree to record. The directory itself is
// created by the caller; the registry only validates and stores metadata.
type WorktreeInput struct {
	Path   string  `json:"path"`
	Title  string  `json:"title"`
	Branch *string `json:"branch,omitempty"`
}

// WorktreePatch is a partial worktree update.
type WorktreePatch struct {
	Title  *string `json:"title,omitempty"`
	Branch *string `json:"branch,omitempty"`
}

// Worktrees records alternate working directories per project.
type Worktrees struct {
	store  *Store
	logger arbor.ILogger
}

// NewWorktrees creates a worktree registry on top of store.
func NewWorktrees(store *Store, l arbor.ILogger) *Worktrees {
	return &Worktrees{store: store, logger: logger.OrDefault(l)}
}

// List returns a project's worktrees, default first.
func (w *Worktrees) List(projectID string) ([]Worktree, error) {
	p, err := w.store.Get(projectID)
	if err != nil {
		return nil, err
	}
	return p.Worktrees, nil
}

// Get returns one worktree.
func (w *Worktrees) Get(projectID, worktreeID string) (Worktree, error) {
	p, err := w.store.Get(projectID)
	if err != nil {
		return Worktree{}, err
	}
	wt, ok := p.Worktree(worktreeID)
	if !ok {
		return Worktree{}, fmt.Errorf("%w: %s", ErrWorktreeNotFound, worktreeID)
	}
	return wt, nil
}

// Create validates and appends a worktree. Its id is the leaf segment of
// the path. When no branch is given it is read from the directory's git
// HEAD if possible.
func (w *Worktrees) Create(projectID string, in WorktreeInput) (Worktree, error) {
	if err := validate.AbsolutePath("path", in.Path); err != nil {
		return Worktree{}, err
	}
	if err := validate.Required("title", in.Title); err != nil {
		return Worktree{}, err
	}
	path := filepath.Clean(in.Path)
	name := filepath.Base(path)
	if err := validate.Name("worktree name", name); err != nil {
		return Worktree{}, err
	}

	branch := in.Branch
	if branch == nil {
		if b, err := identity.Branch(path); err == nil {
			branch = &b
		}
	}

	wt := Worktree{ID: name, Path: path, Title: in.Title, Branch: branch}
	_, err := w.store.mutate(projectID, func(p *Project) error {
		if _, exists := p.Worktree(name); exists {
			return fmt.Errorf("%w: %s", ErrConflict, name)
		}
		p.Worktrees = append(p.Worktrees, wt)
		return nil
	})
	if err != nil {
		return Worktree{}, err
	}

	w.logger.Info().
		Str("project_id", projectID).
		Str("worktree_id", wt.ID).
		Str("path", wt.Path).
		Msg("Worktree recorded")
	return wt, nil
}

// Update changes a worktree's title or branch.
func (w *Worktrees) Update(projectID, worktreeID string, patch WorktreePatch) (Worktree, error) {
	if patch.Title != nil {
		if err := validate.Required("title", *patch.Title); err != nil {
			return Worktree{}, err
		}
	}

	var updated Worktree
	_, err := w.store.mutate(projectID, func(p *Project) error {
		for i := range p.Worktrees {
			if p.Worktrees[i].ID != worktreeID {
				continue
			}
			if patch.Title != nil {
				p.Worktrees[i].Title = *patch.Title
			}
			if patch.Branch != nil {
				b := *patch.Branch
				p.Worktrees[i].Branch = &b
			}
			updated = p.Worktrees[i]
			return nil
		}
		return fmt.Errorf("%w: %s", ErrWorktreeNotFound, worktreeID)
	})
	if err != nil {
		return Worktree{}, err
	}
	return updated, nil
}

// Remove deletes a worktree record. The default worktree is protected.
func (w *Worktrees) Remove(projectID, worktreeID string) error {
	if worktreeID == DefaultWorktreeID {
		return validate.Protected("worktree", "the default worktree cannot be removed")
	}

	_, err := w.store.mutate(projectID, func(p *Project) error {
		for i, wt := range p.Worktrees {
			if wt.ID == worktreeID {
				p.Worktrees = append(p.Worktrees[:i], p.Worktrees[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrWorktreeNotFound, worktreeID)
	})
	if err != nil {
		return err
	}

	w.logger.Info().Str("project_id", projectID).Str("worktree_id", worktreeID).Msg("Worktree removed")
	return nil
}
