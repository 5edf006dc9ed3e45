// Package project provides the durable project and worktree registry for
// fleet-service.
package project

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleet/internal/fileutil"
	"github.com/ternarybob/fleet/internal/identity"
	"github.com/ternarybob/fleet/internal/logger"
	"github.com/ternarybob/fleet/internal/validate"
)

// DocumentVersion is the schema version written to the store file.
const DocumentVersion = 1

// DefaultWorktreeID names the worktree that always mirrors the project root.
const DefaultWorktreeID = "default"

// Common errors.
var (
	ErrNotFound         = errors.New("project not found")
	ErrWorktreeNotFound = errors.New("worktree not found")
	ErrConflict         = errors.New("worktree already exists")
)

// Worktree is an alternate working directory of a project.
type Worktree struct {
	ID     string  `json:"id"`
	Path   string  `json:"path"`
	Title  string  `json:"title"`
	Branch *string `json:"branch"`
}

// Project represents a registered project.
type Project struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Kind       identity.Kind `json:"kind"`
	AddedAt    time.Time     `json:"addedAt"`
	LastOpened *time.Time    `json:"lastOpened"`
	Worktrees  []Worktree    `json:"worktrees"`
}

// Worktree returns the worktree with the given id.
func (p *Project) Worktree(id string) (Worktree, bool) {
	for _, wt := range p.Worktrees {
		if wt.ID == id {
			return wt, true
		}
	}
	return Worktree{}, false
}

func (p *Project) clone() *Project {
	c := *p
	if p.LastOpened != nil {
		t := *p.LastOpened
		c.LastOpened = &t
	}
	c.Worktrees = make([]Worktree, len(p.Worktrees))
	for i, wt := range p.Worktrees {
		c.Worktrees[i] = wt
		if wt.Branch != nil {
			b := *wt.Branch
			c.Worktrees[i].Branch = &b
		}
	}
	return &c
}

// ensureDefault keeps the default worktree first and pointed at the root.
func (p *Project) ensureDefault() {
	for i, wt := range p.Worktrees {
		if wt.ID == DefaultWorktreeID {
			p.Worktrees[i].Path = p.Path
			if i != 0 {
				p.Worktrees = append([]Worktree{p.Worktrees[i]}, append(p.Worktrees[:i:i], p.Worktrees[i+1:]...)...)
			}
			return
		}
	}
	p.Worktrees = append([]Worktree{{ID: DefaultWorktreeID, Path: p.Path, Title: p.Name}}, p.Worktrees...)
}

// Patch is a partial project update. Nil fields are left unchanged.
type Patch struct {
	Name *string `json:"name,omitempty"`
}

// Stopper tears down a project's running instance. commit runs while the
// instance is held stopped, so no spawn can slip in before the record is
// gone.
type Stopper interface {
	StopAndForget(ctx context.Context, projectID string, commit func() error) error
}

type document struct {
	Version  int        `json:"version"`
	Projects []*Project `json:"projects"`
}

// Store holds projects in memory and is the sole writer of the store file.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*Project
	path     string

	saveMu sync.Mutex

	stopper   Stopper
	observers []func()
	logger    arbor.ILogger
}

// NewStore creates a store persisted at path.
func NewStore(path string, l arbor.ILogger) *Store {
	return &Store{
		projects: make(map[string]*Project),
		path:     path,
		logger:   logger.OrDefault(l),
	}
}

// SetStopper wires the instance supervisor used by Remove.
func (s *Store) SetStopper(stopper Stopper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopper = stopper
}

// Subscribe registers fn to run after every persisted mutation.
func (s *Store) Subscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Path returns the store file location.
func (s *Store) Path() string {
	return s.path
}

// Load replaces the in-memory registry with the store file contents.
// A missing file yields an empty registry. An unreadable or corrupt file
// also leaves the registry empty, and the error is returned for the caller
// to report.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.projects = make(map[string]*Project)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No store file yet
		}
		return fmt.Errorf("read project store: %w", err)
	}

	projects, err := decode(data)
	if err != nil {
		return fmt.Errorf("parse project store: %w", err)
	}

	for _, p := range projects {
		if p == nil || p.ID == "" {
			continue
		}
		p.ensureDefault()
		s.projects[p.ID] = p
	}

	s.logger.Info().
		Str("path", s.path).
		Str("projects", strconv.Itoa(len(s.projects))).
		Msg("Project store loaded")
	return nil
}

// decode accepts the versioned document and the legacy bare array.
func decode(data []byte) ([]*Project, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var projects []*Project
		if err := json.Unmarshal(trimmed, &projects); err != nil {
			return nil, err
		}
		return projects, nil
	}

	var doc document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	if doc.Version > DocumentVersion {
		return nil, fmt.Errorf("unsupported store version %d", doc.Version)
	}
	return doc.Projects, nil
}

// Save persists the registry atomically. Saves are serialized; each one
// snapshots the registry after acquiring the save lock so the last write
// always reflects the latest state.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	doc := document{Version: DocumentVersion, Projects: s.List()}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project store: %w", err)
	}

	if err := fileutil.WriteFileAtomic(s.path, data, 0644); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("Failed to write project store")
		return fmt.Errorf("write project store: %w", err)
	}
	return nil
}

// Add registers the project at path. Re-adding a known project is not an
// error: the stored path is healed and the existing record returned with
// created=false.
func (s *Store) Add(path, name string) (p *Project, created bool, err error) {
	if err := validate.AbsolutePath("path", path); err != nil {
		return nil, false, err
	}

	ident, err := identity.Resolve(path)
	if err != nil {
		return nil, false, err
	}
	cleaned := filepath.Clean(path)

	s.mu.Lock()
	if existing, ok := s.projects[ident.ID]; ok {
		healed := existing.Path != cleaned
		if healed {
			s.logger.Info().
				Str("project_id", existing.ID).
				Str("old_path", existing.Path).
				Str("new_path", cleaned).
				Msg("Healing stored project path")
			existing.Path = cleaned
			existing.ensureDefault()
		}
		result := existing.clone()
		s.mu.Unlock()

		if healed {
			if err := s.persist(); err != nil {
				return nil, false, err
			}
		}
		return result, false, nil
	}

	if name == "" {
		name = filepath.Base(cleaned)
	}
	p = &Project{
		ID:      ident.ID,
		Name:    name,
		Path:    cleaned,
		Kind:    ident.Kind,
		AddedAt: time.Now().UTC(),
	}
	p.ensureDefault()
	s.projects[p.ID] = p
	result := p.clone()
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		s.mu.Lock()
		delete(s.projects, p.ID)
		s.mu.Unlock()
		return nil, false, err
	}

	s.logger.Info().Str("project_id", p.ID).Str("path", p.Path).Msg("Project added")
	return result, true, nil
}

// Remove stops the project's instance, then deletes and persists.
// It reports false when the project is unknown.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	_, ok := s.projects[id]
	stopper := s.stopper
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	var removed bool
	commit := func() error {
		s.mu.Lock()
		p, ok := s.projects[id]
		delete(s.projects, id)
		s.mu.Unlock()
		if !ok {
			return nil
		}

		if err := s.persist(); err != nil {
			s.mu.Lock()
			s.projects[id] = p
			s.mu.Unlock()
			return err
		}
		removed = true
		return nil
	}

	var err error
	if stopper != nil {
		err = stopper.StopAndForget(ctx, id, commit)
	} else {
		err = commit()
	}
	if err != nil {
		return false, fmt.Errorf("remove project: %w", err)
	}

	if removed {
		s.logger.Info().Str("project_id", id).Msg("Project removed")
	}
	return removed, nil
}

// Update applies patch to a project and persists.
func (s *Store) Update(id string, patch Patch) (*Project, error) {
	if patch.Name != nil {
		if err := validate.Required("name", *patch.Name); err != nil {
			return nil, err
		}
	}
	return s.mutate(id, func(p *Project) error {
		if patch.Name != nil {
			p.Name = *patch.Name
		}
		return nil
	})
}

// Touch records that the project was just opened.
func (s *Store) Touch(id string) error {
	_, err := s.mutate(id, func(p *Project) error {
		now := time.Now().UTC()
		p.LastOpened = &now
		return nil
	})
	return err
}

// Get returns a copy of a project.
func (s *Store) Get(id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.clone(), nil
}

// List returns copies of all projects ordered by AddedAt, then ID.
func (s *Store) List() []*Project {
	s.mu.RLock()
	projects := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		projects = append(projects, p.clone())
	}
	s.mu.RUnlock()

	sort.Slice(projects, func(i, j int) bool {
		if projects[i].AddedAt.Equal(projects[j].AddedAt) {
			return projects[i].ID < projects[j].ID
		}
		return projects[i].AddedAt.Before(projects[j].AddedAt)
	})
	return projects
}

// Count returns the number of registered projects.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.projects)
}

// mutate applies fn to the stored project under the write lock and persists.
// If fn fails nothing changes. If persisting fails the change is rolled back.
func (s *Store) mutate(id string, fn func(*Project) error) (*Project, error) {
	s.mu.Lock()
	p, ok := s.projects[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	before := p.clone()
	working := p.clone()
	if err := fn(working); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	working.ensureDefault()
	s.projects[id] = working
	result := working.clone()
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		s.mu.Lock()
		if s.projects[id] == working {
			s.projects[id] = before
		}
		s.mu.Unlock()
		return nil, err
	}
	return result, nil
}

func (s *Store) persist() error {
	if err := s.Save(); err != nil {
		return err
	}
	s.mu.RLock()
	observers := append([]func(){}, s.observers...)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn()
	}
	return nil
}
