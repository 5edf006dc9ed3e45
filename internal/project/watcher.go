package project

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleet/internal/fileutil"
	"github.com/ternarybob/fleet/internal/logger"
)

// GoneFunc is called when a registered project root disappears from disk.
type GoneFunc func(projectID, path string)

// Watcher watches the parent directory of every project root and reports
// roots that are removed or renamed away.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	onGone  GoneFunc
	logger  arbor.ILogger

	mu      sync.Mutex
	dirs    map[string]bool
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher over the store's project roots.
func NewWatcher(store *Store, onGone GoneFunc, l arbor.ILogger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	return &Watcher{
		store:   store,
		watcher: fsWatcher,
		onGone:  onGone,
		logger:  logger.OrDefault(l),
		dirs:    make(map[string]bool),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching and keeps the watch set in step with the store.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.Sync()
	w.store.Subscribe(w.Sync)

	go w.processEvents()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.doneCh
	return err
}

// Sync adds watches for new project parents and drops stale ones.
func (w *Watcher) Sync() {
	want := make(map[string]bool)
	for _, p := range w.store.List() {
		if filepath.IsAbs(p.Path) {
			want[filepath.Dir(p.Path)] = true
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}

	for dir := range want {
		if w.dirs[dir] || !fileutil.IsDir(dir) {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch project parent")
			continue
		}
		w.dirs[dir] = true
	}
	for dir := range w.dirs {
		if !want[dir] {
			_ = w.watcher.Remove(dir)
			delete(w.dirs, dir)
		}
	}
}

func (w *Watcher) processEvents() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.handleGone(filepath.Clean(event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Project watcher error")
		}
	}
}

func (w *Watcher) handleGone(path string) {
	if fileutil.Exists(path) {
		return
	}
	for _, p := range w.store.List() {
		if p.Path != path {
			continue
		}
		w.logger.Warn().Str("project_id", p.ID).Str("path", p.Path).Msg("Project directory disappeared")
		if w.onGone != nil {
			w.onGone(p.ID, p.Path)
		}
	}
}
