// Package instancetest provides an in-process backend for tests that need
// real instances without launching external binaries.
package instancetest

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/fleet/internal/instance"
)

// Mode controls how launched fake backends behave.
type Mode int

const (
	// Healthy backends answer their health path immediately.
	Healthy Mode = iota
	// NeverReady backends listen but always fail the health check.
	NeverReady
	// IgnoreTerm backends only exit on SignalKill.
	IgnoreTerm
	// FailStart backends fail to start.
	FailStart
)

// Echo is the JSON body the fake backend returns for ordinary requests.
type Echo struct {
	Port      int               `json:"port"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Directory string            `json:"directory"`
	Query     string            `json:"query"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
}

// Launcher launches fake backends bound to the allocated port.
type Launcher struct {
	mu    sync.Mutex
	mode  Mode
	procs []*Process
}

// NewLauncher creates a launcher producing healthy backends.
func NewLauncher() *Launcher {
	return &Launcher{}
}

// SetMode changes the behavior of subsequently launched backends.
func (l *Launcher) SetMode(m Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = m
}

// Launch implements instance.Launcher.
func (l *Launcher) Launch(spec instance.LaunchSpec) (instance.ProcessHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := &Process{spec: spec, mode: l.mode, done: make(chan struct{})}
	l.procs = append(l.procs, p)
	return p, nil
}

// Launches returns how many backends were launched.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Last returns the most recently launched backend.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// Process is a fake backend serving HTTP on its allocated port.
type Process struct {
	spec    instance.LaunchSpec
	mode    Mode
	healthy atomic.Bool
	termed  atomic.Bool

	mu       sync.Mutex
	started  bool
	stopping bool
	exited   bool
	server   *http.Server
	done     chan struct{}
	handlers []func(error)
}

// Spec returns the launch request.
func (p *Process) Spec() instance.LaunchSpec {
	return p.spec
}

// SetHealthy toggles the health endpoint.
func (p *Process) SetHealthy(ok bool) {
	p.healthy.Store(ok)
}

// Crash makes the backend exit with an error.
func (p *Process) Crash() {
	p.exit(errors.New("exit status 1"))
}

// Start implements instance.ProcessHandle.
func (p *Process) Start() error {
	if p.mode == FailStart {
		return errors.New("executable not found")
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p.spec.Port)))
	if err != nil {
		return err
	}

	p.healthy.Store(p.mode != NeverReady)
	srv := &http.Server{Handler: p.handler()}

	p.mu.Lock()
	p.started = true
	p.server = srv
	p.mu.Unlock()

	go func() { _ = srv.Serve(ln) }()
	return nil
}

func (p *Process) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !p.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 3; i++ {
			_, _ = io.WriteString(w, "data: chunk-"+strconv.Itoa(i)+"\n\n")
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(20 * time.Millisecond)
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		headers := make(map[string]string)
		for k := range r.Header {
			headers[k] = r.Header.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend-Port", strconv.Itoa(p.spec.Port))
		_ = json.NewEncoder(w).Encode(Echo{
			Port:      p.spec.Port,
			Method:    r.Method,
			Path:      r.URL.Path,
			Directory: r.URL.Query().Get("directory"),
			Query:     r.URL.RawQuery,
			Headers:   headers,
			Body:      string(body),
		})
	})
	return mux
}

// Terminated reports whether a graceful stop was requested.
func (p *Process) Terminated() bool {
	return p.termed.Load()
}

// Signal implements instance.ProcessHandle.
func (p *Process) Signal(sig instance.Signal) error {
	if sig == instance.SignalTerm {
		p.termed.Store(true)
	}
	if sig == instance.SignalTerm && p.mode == IgnoreTerm {
		return nil
	}
	p.exit(nil)
	return nil
}

// IsAlive implements instance.ProcessHandle.
func (p *Process) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.exited
}

// OnExit implements instance.ProcessHandle.
func (p *Process) OnExit(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		go fn(nil)
		return
	}
	p.handlers = append(p.handlers, fn)
}

// Pid implements instance.ProcessHandle.
func (p *Process) Pid() int {
	return 100000 + p.spec.Port
}

func (p *Process) exit(err error) {
	p.mu.Lock()
	if !p.started || p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	srv := p.server
	p.mu.Unlock()

	// Free the port before reporting the exit
	_ = srv.Close()

	p.mu.Lock()
	p.exited = true
	handlers := p.handlers
	p.handlers = nil
	close(p.done)
	p.mu.Unlock()

	for _, fn := range handlers {
		go fn(err)
	}
}
