package instance

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exitedPid reports whether pid is gone or a zombie awaiting its reaper.
func exitedPid(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	if err != nil {
		return false
	}
	// Field after the parenthesised command name is the state
	stat := string(data)
	i := strings.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return false
	}
	return stat[i+2] == 'Z'
}

func TestExecLauncher_SignalReachesChildren(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	proc, err := NewExecLauncher(nil).Launch(LaunchSpec{
		ProjectID: "abc",
		Dir:       dir,
		Port:      4100,
		Command:   []string{"sh", "-c", "sleep 300 & echo $! > " + pidFile + "; wait"},
	})
	require.NoError(t, err)
	require.NoError(t, proc.Start())

	var child int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		child, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && child > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.False(t, exitedPid(child))

	exited := make(chan struct{})
	proc.OnExit(func(error) { close(exited) })

	require.NoError(t, proc.Signal(SignalTerm))
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not exit on SIGTERM")
	}

	assert.Eventually(t, func() bool { return exitedPid(child) }, 5*time.Second, 20*time.Millisecond,
		"forked child outlived its backend")
}
