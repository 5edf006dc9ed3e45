package project

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type goneRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (g *goneRecorder) record(projectID, path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ids = append(g.ids, projectID)
}

func (g *goneRecorder) seen(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, got := range g.ids {
		if got == id {
			return true
		}
	}
	return false
}

func TestWatcher_ReportsRemovedRoot(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(t.TempDir(), "doomed")
	require.NoError(t, os.Mkdir(dir, 0755))

	p, _, err := s.Add(dir, "doomed")
	require.NoError(t, err)

	rec := &goneRecorder{}
	w, err := NewWatcher(s, rec.record, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.RemoveAll(dir))

	assert.Eventually(t, func() bool { return rec.seen(p.ID) }, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_PicksUpProjectsAddedLater(t *testing.T) {
	s := newTestStore(t)

	rec := &goneRecorder{}
	w, err := NewWatcher(s, rec.record, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	dir := filepath.Join(t.TempDir(), "late")
	require.NoError(t, os.Mkdir(dir, 0755))
	p, _, err := s.Add(dir, "late")
	require.NoError(t, err)

	require.NoError(t, os.Rename(dir, dir+"-moved"))

	assert.Eventually(t, func() bool { return rec.seen(p.ID) }, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_IgnoresSiblings(t *testing.T) {
	s := newTestStore(t)
	parent := t.TempDir()
	dir := filepath.Join(parent, "kept")
	sibling := filepath.Join(parent, "other")
	require.NoError(t, os.Mkdir(dir, 0755))
	require.NoError(t, os.Mkdir(sibling, 0755))

	p, _, err := s.Add(dir, "kept")
	require.NoError(t, err)

	rec := &goneRecorder{}
	w, err := NewWatcher(s, rec.record, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, os.RemoveAll(sibling))
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, w.Stop())
	assert.False(t, rec.seen(p.ID))
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(newTestStore(t), nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
