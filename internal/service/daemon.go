// Package service provides the core service lifecycle management.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleet/internal/config"
	"github.com/ternarybob/fleet/internal/logger"
)

// ErrAlreadyRunning is returned when another daemon holds the lock file.
var ErrAlreadyRunning = errors.New("daemon already running")

// DrainTimeout bounds how long shutdown waits for in-flight requests.
// Streams are cancelled as soon as shutdown begins.
const DrainTimeout = 5 * time.Second

// ShutdownFunc releases one component during shutdown.
type ShutdownFunc func(ctx context.Context) error

type shutdownStep struct {
	name string
	fn   ShutdownFunc
}

// Daemon manages the service lifecycle.
type Daemon struct {
	cfg       *config.Config
	server    *http.Server
	listener  net.Listener
	lock      *flock.Flock
	logger    arbor.ILogger
	drain     time.Duration
	cancelReq context.CancelFunc
	steps     []shutdownStep
	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
	mu        sync.Mutex
	running   bool
}

// NewDaemon creates a new daemon instance.
func NewDaemon(cfg *config.Config, l arbor.ILogger) *Daemon {
	return &Daemon{
		cfg:       cfg,
		lock:      flock.New(cfg.LockPath()),
		logger:    logger.OrDefault(l),
		drain:     DrainTimeout,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// OnShutdown registers fn to run after the HTTP server has drained.
// Steps run in registration order, each with its own context bounded by
// the supervisor shutdown timeout.
func (d *Daemon) OnShutdown(name string, fn ShutdownFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, shutdownStep{name: name, fn: fn})
}

// Start acquires the instance lock and starts serving handler.
func (d *Daemon) Start(handler http.Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}

	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", d.cfg.Address())
	if err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("listen on %s: %w", d.cfg.Address(), err)
	}
	d.listener = listener

	if err := d.writePID(); err != nil {
		_ = listener.Close()
		_ = d.lock.Unlock()
		return fmt.Errorf("write PID: %w", err)
	}

	// Request contexts derive from baseCtx, which is cancelled when shutdown
	// begins so event streams and proxied streams end instead of holding
	// the drain open.
	baseCtx, cancelReq := context.WithCancel(context.Background())
	d.cancelReq = cancelReq

	// No write timeout: proxied responses may stream indefinitely
	d.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	d.server.RegisterOnShutdown(cancelReq)
	d.running = true

	go func() {
		d.logger.Info().Str("address", listener.Addr().String()).Msg("Starting server")
		if err := d.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("Server error")
			d.requestStop()
		}
	}()

	return nil
}

// Addr returns the bound listen address.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Wait blocks until a signal or Stop, then shuts down.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-d.stopCh:
		d.logger.Info().Msg("Stop requested, shutting down")
	}

	d.shutdown()
}

// Stop signals the daemon to stop and waits for shutdown to finish.
func (d *Daemon) Stop() {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return
	}

	d.requestStop()
	<-d.stoppedCh
}

// Done is closed once shutdown has completed.
func (d *Daemon) Done() <-chan struct{} {
	return d.stoppedCh
}

func (d *Daemon) requestStop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// shutdown drains the HTTP server, runs the registered steps, then releases
// the PID file and lock.
func (d *Daemon) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}

	if d.server != nil {
		d.drainServer()
	}

	for _, step := range d.steps {
		d.runStep(step)
	}

	d.removePID()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to release lock")
	}

	d.logger.Info().Msg("Shutdown complete")
	d.running = false
	close(d.stoppedCh)
}

// drainServer stops accepting connections and waits up to the drain
// timeout for in-flight requests before closing what is left.
func (d *Daemon) drainServer() {
	ctx, cancel := context.WithTimeout(context.Background(), d.drain)
	defer cancel()

	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Server drain incomplete, closing connections")
		_ = d.server.Close()
	}
	d.cancelReq()
}

func (d *Daemon) runStep(step shutdownStep) {
	timeout := d.cfg.Supervisor.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultConfig().Supervisor.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := step.fn(ctx); err != nil {
		d.logger.Warn().Err(err).Str("step", step.name).Msg("Shutdown step failed")
		return
	}
	d.logger.Debug().Str("step", step.name).Msg("Shutdown step complete")
}

// writePID writes the current process PID to a file.
func (d *Daemon) writePID() error {
	pidPath := d.cfg.PIDPath()
	if err := os.MkdirAll(filepath.Dir(pidPath), 0755); err != nil {
		return fmt.Errorf("create PID directory: %w", err)
	}
	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// removePID removes the PID file.
func (d *Daemon) removePID() {
	_ = os.Remove(d.cfg.PIDPath())
}

// IsRunning checks if a daemon is already running.
func IsRunning(cfg *config.Config) (bool, int) {
	pidPath := cfg.PIDPath()

	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false, 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0
	}

	// Check if process exists by sending signal 0
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}

	if err := process.Signal(syscall.Signal(0)); err != nil {
		// Stale PID file
		_ = os.Remove(pidPath)
		return false, 0
	}

	return true, pid
}

// StopRunning stops a running daemon. It waits for the daemon's own
// shutdown budget before force killing.
func StopRunning(cfg *config.Config) error {
	running, pid := IsRunning(cfg)
	if !running {
		return fmt.Errorf("daemon not running")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}

	deadline := time.Now().Add(DrainTimeout + cfg.Supervisor.ShutdownTimeout + 5*time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if running, _ := IsRunning(cfg); !running {
			return nil
		}
	}

	if err := process.Kill(); err != nil {
		return fmt.Errorf("kill process: %w", err)
	}

	_ = os.Remove(cfg.PIDPath())
	return nil
}
