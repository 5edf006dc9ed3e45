// Package instance supervises one backend process per project.
//
// Every control operation on a project (spawn, stop, restart and
// health-triggered transitions) is serialized by a per-project lock.
// Reads of instance state never take that lock, so status queries and
// request routing stay responsive while a spawn is waiting for readiness.
package instance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ternarybob/fleet/internal/config"
	"github.com/ternarybob/fleet/internal/events"
	"github.com/ternarybob/fleet/internal/logger"
	"github.com/ternarybob/fleet/internal/metrics"
	"github.com/ternarybob/fleet/internal/ports"
	"github.com/ternarybob/fleet/internal/project"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

var (
	// ErrStartFailed is returned when an instance does not become ready.
	ErrStartFailed = errors.New("instance failed to start")
	// ErrClosed is returned once the supervisor is shutting down.
	ErrClosed = errors.New("supervisor is shutting down")

	errStartupTimeout = errors.New("startup timed out")
)

const killWait = 2 * time.Second

// Instance is a point-in-time view of a project's backend process.
type Instance struct {
	ProjectID     string     `json:"projectId"`
	Port          int        `json:"port"`
	Status        Status     `json:"status"`
	StartedAt     *time.Time `json:"startedAt"`
	LastHealthyAt *time.Time `json:"lastHealthyAt"`
	LastError     *string    `json:"lastError"`
	PID           int        `json:"pid,omitempty"`
	RunID         string     `json:"runId,omitempty"`
	Restarts      int        `json:"restarts"`
}

func (i Instance) clone() Instance {
	c := i
	if i.StartedAt != nil {
		t := *i.StartedAt
		c.StartedAt = &t
	}
	if i.LastHealthyAt != nil {
		t := *i.LastHealthyAt
		c.LastHealthyAt = &t
	}
	if i.LastError != nil {
		e := *i.LastError
		c.LastError = &e
	}
	return c
}

// Projects resolves project records for spawning.
type Projects interface {
	Get(id string) (*project.Project, error)
}

// Options configures a Supervisor.
type Options struct {
	Command         []string
	Env             map[string]string
	StartupTimeout  time.Duration
	StopGrace       time.Duration
	PollInterval    time.Duration
	AutoRestart     bool
	MaxAutoRestarts int
	LogPath         func(projectID string) string

	Events  *events.Bus
	Metrics *metrics.Metrics
	Logger  arbor.ILogger
}

// OptionsFromConfig maps service configuration onto supervisor options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Command:         cfg.Backend.Command,
		Env:             cfg.Backend.Env,
		StartupTimeout:  cfg.Supervisor.StartupTimeout,
		StopGrace:       cfg.Supervisor.StopGrace,
		AutoRestart:     cfg.Health.AutoRestart,
		MaxAutoRestarts: cfg.Supervisor.MaxAutoRestarts,
		LogPath:         cfg.InstanceLogPath,
	}
}

type record struct {
	lock sync.Mutex // serializes control operations

	// guarded by Supervisor.mu
	inst Instance
	proc ProcessHandle
}

// Supervisor owns the instance registry.
type Supervisor struct {
	opts     Options
	projects Projects
	ports    *ports.Allocator
	launcher Launcher
	prober   Prober
	logger   arbor.ILogger

	mu      sync.Mutex
	records map[string]*record
	closing bool

	flight singleflight.Group
}

// NewSupervisor creates a supervisor. Zero durations in opts fall back to
// the configuration defaults.
func NewSupervisor(projects Projects, alloc *ports.Allocator, launcher Launcher, prober Prober, opts Options) *Supervisor {
	defaults := config.DefaultConfig()
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaults.Supervisor.StartupTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaults.Supervisor.StopGrace
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if len(opts.Command) == 0 {
		opts.Command = defaults.Backend.Command
	}

	return &Supervisor{
		opts:     opts,
		projects: projects,
		ports:    alloc,
		launcher: launcher,
		prober:   prober,
		logger:   logger.OrDefault(opts.Logger),
		records:  make(map[string]*record),
	}
}

func (s *Supervisor) record(id string) *record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		rec = &record{inst: Instance{ProjectID: id, Status: StatusStopped}}
		s.records[id] = rec
		s.opts.Metrics.Transition("", string(StatusStopped))
	}
	return rec
}

func (s *Supervisor) lookup(id string) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

// update mutates a record under the registry lock and publishes any
// status change.
func (s *Supervisor) update(rec *record, fn func(r *record)) Instance {
	s.mu.Lock()
	from := rec.inst.Status
	fn(rec)
	snap := rec.inst.clone()
	s.mu.Unlock()

	if from != snap.Status {
		s.opts.Metrics.Transition(string(from), string(snap.Status))
		event := events.New(events.InstanceState, snap.ProjectID).
			With("from", string(from)).
			With("status", string(snap.Status)).
			With("port", snap.Port)
		if snap.LastError != nil {
			event = event.With("error", *snap.LastError)
		}
		s.opts.Events.Emit(event)
	}
	return snap
}

// Status returns the current state of a project's instance. Projects that
// were never spawned report Stopped.
func (s *Supervisor) Status(id string) Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		return rec.inst.clone()
	}
	return Instance{ProjectID: id, Status: StatusStopped}
}

// List returns every known instance ordered by project id.
func (s *Supervisor) List() []Instance {
	s.mu.Lock()
	list := make([]Instance, 0, len(s.records))
	for _, rec := range s.records {
		list = append(list, rec.inst.clone())
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ProjectID < list[j].ProjectID })
	return list
}

// Running returns the instances currently in the Running state.
func (s *Supervisor) Running() []Instance {
	var running []Instance
	for _, inst := range s.List() {
		if inst.Status == StatusRunning {
			running = append(running, inst)
		}
	}
	return running
}

// Spawn brings a project's instance to Running. Concurrent callers for the
// same project share a single attempt. Cancelling ctx stops waiting but
// does not abort the attempt, which stays bounded by the startup timeout.
func (s *Supervisor) Spawn(ctx context.Context, id string) (Instance, error) {
	return s.start(ctx, id, false)
}

// start runs or joins the spawn attempt for id. Only an attempt begun
// explicitly resets the automatic restart budget when it succeeds.
func (s *Supervisor) start(ctx context.Context, id string, auto bool) (Instance, error) {
	if inst := s.Status(id); inst.Status == StatusRunning {
		return inst, nil
	}

	ch := s.flight.DoChan(id, func() (any, error) {
		return s.spawn(id, auto)
	})

	select {
	case res := <-ch:
		inst, _ := res.Val.(Instance)
		return inst, res.Err
	case <-ctx.Done():
		return s.Status(id), ctx.Err()
	}
}

func (s *Supervisor) spawn(id string, auto bool) (Instance, error) {
	// Unknown projects never get a record
	if _, err := s.projects.Get(id); err != nil {
		return s.Status(id), err
	}

	rec := s.record(id)
	rec.lock.Lock()
	defer rec.lock.Unlock()

	s.mu.Lock()
	if rec.inst.Status == StatusRunning {
		snap := rec.inst.clone()
		s.mu.Unlock()
		return snap, nil
	}
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return s.Status(id), ErrClosed
	}

	p, err := s.projects.Get(id)
	if err != nil {
		return s.Status(id), err
	}

	began := time.Now()
	port, err := s.ports.Allocate(id)
	if err != nil {
		return s.fail(rec, began, fmt.Errorf("allocate port: %w", err))
	}
	s.opts.Metrics.SetPortsReserved(s.ports.Reserved())

	spec := LaunchSpec{
		ProjectID: id,
		Dir:       p.Path,
		Port:      port,
		Command:   s.opts.Command,
		Env:       s.opts.Env,
	}
	if s.opts.LogPath != nil {
		spec.LogPath = s.opts.LogPath(id)
	}

	proc, err := s.launcher.Launch(spec)
	if err == nil {
		err = proc.Start()
	}
	if err != nil {
		s.releasePort(port)
		return s.fail(rec, began, fmt.Errorf("launch backend: %w", err))
	}

	runID := uuid.NewString()
	s.update(rec, func(r *record) {
		r.proc = proc
		r.inst.Status = StatusStarting
		r.inst.Port = port
		r.inst.PID = proc.Pid()
		r.inst.RunID = runID
		r.inst.StartedAt = nil
		r.inst.LastHealthyAt = nil
		r.inst.LastError = nil
	})
	proc.OnExit(func(err error) {
		s.handleExit(id, runID, err)
	})

	s.logger.Info().
		Str("project_id", id).
		Str("port", strconv.Itoa(port)).
		Str("dir", p.Path).
		Msg("Starting instance")

	if err := s.awaitReady(proc, port); err != nil {
		s.kill(proc)
		s.releasePort(port)
		return s.fail(rec, began, err)
	}

	now := time.Now().UTC()
	inst := s.update(rec, func(r *record) {
		r.inst.Status = StatusRunning
		r.inst.StartedAt = &now
		r.inst.LastHealthyAt = &now
		if !auto {
			r.inst.Restarts = 0
		}
	})
	s.opts.Metrics.SpawnFinished(metrics.ResultSuccess, time.Since(began))

	s.logger.Info().
		Str("project_id", id).
		Str("port", strconv.Itoa(port)).
		Str("took", time.Since(began).Round(time.Millisecond).String()).
		Msg("Instance running")
	return inst, nil
}

// fail moves a record to Error after a failed spawn. The caller has already
// stopped the process and released its port.
func (s *Supervisor) fail(rec *record, began time.Time, cause error) (Instance, error) {
	msg := cause.Error()
	inst := s.update(rec, func(r *record) {
		r.proc = nil
		r.inst.Status = StatusError
		r.inst.Port = 0
		r.inst.PID = 0
		r.inst.RunID = ""
		r.inst.StartedAt = nil
		r.inst.LastError = &msg
	})

	result := metrics.ResultError
	if errors.Is(cause, errStartupTimeout) {
		result = metrics.ResultTimeout
	}
	s.opts.Metrics.SpawnFinished(result, time.Since(began))

	s.logger.Error().Err(cause).Str("project_id", inst.ProjectID).Msg("Instance failed to start")
	return inst, fmt.Errorf("%w: %s", ErrStartFailed, msg)
}

func (s *Supervisor) awaitReady(proc ProcessHandle, port int) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StartupTimeout)
	defer cancel()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if !proc.IsAlive() {
			return errors.New("backend exited during startup")
		}

		probeCtx, probeCancel := context.WithTimeout(ctx, time.Second)
		err := s.prober.Probe(probeCtx, port)
		probeCancel()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %s: %v", errStartupTimeout, s.opts.StartupTimeout, err)
		case <-ticker.C:
		}
	}
}

// Stop gracefully terminates a project's instance and releases its port.
// Stopping a stopped instance is a no-op. An instance in Error is reset to
// Stopped.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	rec := s.lookup(id)
	if rec == nil {
		return nil
	}

	rec.lock.Lock()
	defer rec.lock.Unlock()

	s.stopLocked(ctx, rec)
	return nil
}

// stopLocked stops rec's process. The caller holds rec.lock.
func (s *Supervisor) stopLocked(ctx context.Context, rec *record) {
	s.mu.Lock()
	id := rec.inst.ProjectID
	status := rec.inst.Status
	proc := rec.proc
	port := rec.inst.Port
	s.mu.Unlock()

	if status == StatusStopped {
		return
	}

	s.terminate(ctx, proc)
	if port != 0 {
		s.releasePort(port)
	}

	s.update(rec, func(r *record) {
		r.proc = nil
		r.inst = Instance{ProjectID: id, Status: StatusStopped}
	})
	s.opts.Metrics.Stopped()

	s.logger.Info().Str("project_id", id).Str("from", string(status)).Msg("Instance stopped")
}

// StopAndForget stops a project's instance and runs commit while still
// holding the project's lock, then drops its record. A spawn waiting on the
// lock therefore sees the effect of commit. If commit fails the record is
// kept, stopped.
func (s *Supervisor) StopAndForget(ctx context.Context, id string, commit func() error) error {
	rec := s.record(id)
	rec.lock.Lock()
	defer rec.lock.Unlock()

	s.stopLocked(ctx, rec)
	if err := commit(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[id] == rec {
		delete(s.records, id)
		s.opts.Metrics.Transition(string(StatusStopped), "")
	}
	return nil
}

// Restart stops and then spawns a project's instance.
func (s *Supervisor) Restart(ctx context.Context, id string) (Instance, error) {
	if err := s.Stop(ctx, id); err != nil {
		return s.Status(id), err
	}
	return s.Spawn(ctx, id)
}

// StopAll stops every instance in parallel and refuses further spawns.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ids := make([]string, 0, len(s.records))
	for id, rec := range s.records {
		if rec.inst.Status != StatusStopped {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	if len(ids) > 0 {
		s.logger.Info().Str("count", strconv.Itoa(len(ids))).Msg("Stopping all instances")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return s.Stop(gctx, id)
		})
	}
	return g.Wait()
}

// RecordHealthy stamps lastHealthyAt for the given run. The observation is
// dropped when a control operation holds the project's lock.
func (s *Supervisor) RecordHealthy(id, runID string) bool {
	rec := s.lookup(id)
	if rec == nil || !rec.lock.TryLock() {
		return false
	}
	defer rec.lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.inst.RunID != runID || rec.inst.Status != StatusRunning {
		return false
	}
	now := time.Now().UTC()
	rec.inst.LastHealthyAt = &now
	return true
}

// MarkUnhealthy moves a Running instance whose probes keep failing to
// Error, kills its process and may schedule an automatic restart. It
// reports false when the project's lock is busy so the caller can retry.
func (s *Supervisor) MarkUnhealthy(id, runID, reason string) bool {
	rec := s.lookup(id)
	if rec == nil {
		return true
	}
	if !rec.lock.TryLock() {
		return false
	}

	s.mu.Lock()
	stale := rec.inst.RunID != runID || rec.inst.Status != StatusRunning
	proc := rec.proc
	port := rec.inst.Port
	s.mu.Unlock()
	if stale {
		rec.lock.Unlock()
		return true
	}

	s.logger.Warn().Str("project_id", id).Str("reason", reason).Msg("Instance unhealthy")

	s.kill(proc)
	s.releasePort(port)
	s.update(rec, func(r *record) {
		r.proc = nil
		r.inst.Status = StatusError
		r.inst.Port = 0
		r.inst.PID = 0
		r.inst.RunID = ""
		r.inst.LastError = &reason
	})
	s.opts.Events.Emit(events.New(events.InstanceUnhealthy, id).With("reason", reason))
	rec.lock.Unlock()

	s.maybeRestart(rec, "unhealthy")
	return true
}

// handleExit reacts to a backend exiting on its own.
func (s *Supervisor) handleExit(id, runID string, exitErr error) {
	rec := s.lookup(id)
	if rec == nil {
		return
	}
	rec.lock.Lock()

	s.mu.Lock()
	stale := rec.inst.RunID != runID || rec.inst.Status != StatusRunning
	port := rec.inst.Port
	s.mu.Unlock()
	if stale {
		rec.lock.Unlock()
		return
	}

	msg := "backend exited"
	if exitErr != nil {
		msg = "backend exited: " + exitErr.Error()
	}
	s.logger.Warn().Str("project_id", id).Str("reason", msg).Msg("Instance exited unexpectedly")

	s.releasePort(port)
	s.update(rec, func(r *record) {
		r.proc = nil
		r.inst.Status = StatusError
		r.inst.Port = 0
		r.inst.PID = 0
		r.inst.RunID = ""
		r.inst.LastError = &msg
	})
	s.opts.Events.Emit(events.New(events.InstanceExited, id).With("reason", msg))
	rec.lock.Unlock()

	s.maybeRestart(rec, "exited")
}

func (s *Supervisor) maybeRestart(rec *record, reason string) {
	if !s.opts.AutoRestart {
		return
	}

	s.mu.Lock()
	if s.closing || rec.inst.Status != StatusError {
		s.mu.Unlock()
		return
	}
	if rec.inst.Restarts >= s.opts.MaxAutoRestarts {
		id := rec.inst.ProjectID
		s.mu.Unlock()
		s.logger.Warn().Str("project_id", id).Msg("Restart limit reached, leaving instance in error")
		return
	}
	rec.inst.Restarts++
	id := rec.inst.ProjectID
	attempt := rec.inst.Restarts
	s.mu.Unlock()

	s.opts.Metrics.Restarted(reason)
	s.logger.Info().
		Str("project_id", id).
		Str("attempt", strconv.Itoa(attempt)).
		Str("reason", reason).
		Msg("Restarting instance")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.StartupTimeout+s.opts.StopGrace)
		defer cancel()
		if _, err := s.start(ctx, id, true); err != nil {
			s.logger.Warn().Err(err).Str("project_id", id).Msg("Automatic restart failed")
		}
	}()
}

// terminate asks proc to exit and kills it after the stop grace period or
// when ctx is done.
func (s *Supervisor) terminate(ctx context.Context, proc ProcessHandle) {
	if proc == nil || !proc.IsAlive() {
		return
	}
	if err := proc.Signal(SignalTerm); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to signal backend")
	}
	if waitExit(ctx, proc, s.opts.StopGrace) {
		return
	}
	s.logger.Warn().Str("pid", strconv.Itoa(proc.Pid())).Msg("Backend ignored termination, killing")
	s.kill(proc)
}

func (s *Supervisor) kill(proc ProcessHandle) {
	if proc == nil || !proc.IsAlive() {
		return
	}
	if err := proc.Signal(SignalKill); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to kill backend")
	}
	waitExit(context.Background(), proc, killWait)
}

func (s *Supervisor) releasePort(port int) {
	s.ports.Release(port)
	s.opts.Metrics.SetPortsReserved(s.ports.Reserved())
}

func waitExit(ctx context.Context, proc ProcessHandle, timeout time.Duration) bool {
	done := make(chan struct{})
	var once sync.Once
	proc.OnExit(func(error) { once.Do(func() { close(done) }) })

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return !proc.IsAlive()
	case <-ctx.Done():
		return !proc.IsAlive()
	}
}
