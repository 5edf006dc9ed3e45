package instance

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleet/internal/logger"
)

// Signal is a termination request sent to a backend process.
type Signal int

const (
	// SignalTerm asks the process to exit gracefully.
	SignalTerm Signal = iota
	// SignalKill terminates the process immediately.
	SignalKill
)

func (s Signal) String() string {
	if s == SignalKill {
		return "kill"
	}
	return "term"
}

// ProcessHandle is a backend process owned by the supervisor.
type ProcessHandle interface {
	Start() error
	Signal(Signal) error
	IsAlive() bool
	// OnExit registers fn to run on its own goroutine once the process has
	// exited. Registering after exit runs fn immediately.
	OnExit(fn func(err error))
	Pid() int
}

// LaunchSpec describes one backend process.
type LaunchSpec struct {
	ProjectID string
	Dir       string
	Port      int
	Command   []string
	Env       map[string]string
	LogPath   string
}

// Launcher prepares backend processes.
type Launcher interface {
	Launch(spec LaunchSpec) (ProcessHandle, error)
}

// Expand substitutes {port}, {dir} and {id} in s.
func (spec LaunchSpec) Expand(s string) string {
	return strings.NewReplacer(
		"{port}", strconv.Itoa(spec.Port),
		"{dir}", spec.Dir,
		"{id}", spec.ProjectID,
	).Replace(s)
}

// ExecLauncher runs the backend command as a child process with its output
// appended to a per-instance log file.
type ExecLauncher struct {
	logger arbor.ILogger
}

// NewExecLauncher creates a launcher using os/exec.
func NewExecLauncher(l arbor.ILogger) *ExecLauncher {
	return &ExecLauncher{logger: logger.OrDefault(l)}
}

// Launch builds the command for spec without starting it.
func (l *ExecLauncher) Launch(spec LaunchSpec) (ProcessHandle, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("backend command is empty")
	}

	args := make([]string, len(spec.Command))
	for i, a := range spec.Command {
		args[i] = spec.Expand(a)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+spec.Expand(v))
	}
	cmd.Env = append(cmd.Env, "PORT="+strconv.Itoa(spec.Port))
	startGroup(cmd)

	return &execProcess{
		cmd:     cmd,
		logPath: spec.LogPath,
		id:      spec.ProjectID,
		logger:  l.logger,
		done:    make(chan struct{}),
	}, nil
}

type execProcess struct {
	id      string
	cmd     *exec.Cmd
	logPath string
	logger  arbor.ILogger

	mu       sync.Mutex
	started  bool
	exitErr  error
	done     chan struct{}
	handlers []func(error)
	logFile  *os.File
}

func (p *execProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("process already started")
	}

	if p.logPath != "" {
		if err := os.MkdirAll(filepath.Dir(p.logPath), 0755); err != nil {
			return fmt.Errorf("create instance log directory: %w", err)
		}
		f, err := os.OpenFile(p.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open instance log: %w", err)
		}
		p.logFile = f
		p.cmd.Stdout = f
		p.cmd.Stderr = f
	}

	if err := p.cmd.Start(); err != nil {
		if p.logFile != nil {
			p.logFile.Close()
		}
		return fmt.Errorf("start %s: %w", p.cmd.Path, err)
	}
	p.started = true

	p.logger.Debug().
		Str("project_id", p.id).
		Str("pid", strconv.Itoa(p.cmd.Process.Pid)).
		Strs("args", p.cmd.Args).
		Msg("Backend process started")

	go p.wait()
	return nil
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	handlers := p.handlers
	p.handlers = nil
	if p.logFile != nil {
		p.logFile.Close()
	}
	close(p.done)
	p.mu.Unlock()

	for _, fn := range handlers {
		go fn(err)
	}
}

func (p *execProcess) Signal(sig Signal) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started || !p.IsAlive() {
		return nil
	}

	return signalGroup(p.cmd, sig)
}

func (p *execProcess) IsAlive() bool {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) OnExit(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		err := p.exitErr
		go fn(err)
	default:
		p.handlers = append(p.handlers, fn)
	}
}

func (p *execProcess) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return 0
	}
	return p.cmd.Process.Pid
}
