package instance

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/fleet/internal/config"
	"github.com/ternarybob/fleet/internal/logger"
	"github.com/ternarybob/fleet/internal/metrics"
)

// maxConcurrentProbes bounds probes issued in one cycle.
const maxConcurrentProbes = 8

// HealthOptions configures a HealthMonitor.
type HealthOptions struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int

	Metrics *metrics.Metrics
	Logger  arbor.ILogger
}

// HealthOptionsFromConfig maps service configuration onto monitor options.
func HealthOptionsFromConfig(cfg *config.Config) HealthOptions {
	return HealthOptions{
		Interval:         cfg.Health.Interval,
		Timeout:          cfg.Health.Timeout,
		FailureThreshold: cfg.Health.FailureThreshold,
	}
}

// HealthMonitor periodically probes Running instances and hands those that
// fail FailureThreshold consecutive probes to the supervisor.
type HealthMonitor struct {
	sup    *Supervisor
	prober Prober
	opts   HealthOptions
	logger arbor.ILogger

	mu       sync.Mutex
	failures map[string]int // keyed by run id
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHealthMonitor creates a monitor for sup's instances.
func NewHealthMonitor(sup *Supervisor, prober Prober, opts HealthOptions) *HealthMonitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	return &HealthMonitor{
		sup:      sup,
		prober:   prober,
		opts:     opts,
		logger:   logger.OrDefault(opts.Logger),
		failures: make(map[string]int),
	}
}

// Start runs the probe loop until Stop.
func (m *HealthMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(ctx, m.done)

	m.logger.Debug().
		Str("interval", m.opts.Interval.String()).
		Str("threshold", strconv.Itoa(m.opts.FailureThreshold)).
		Msg("Health monitor started")
}

// Stop ends the probe loop and waits for an in-progress cycle.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

func (m *HealthMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce probes every Running instance once.
func (m *HealthMonitor) CheckOnce(ctx context.Context) {
	targets := m.sup.Running()
	m.prune(targets)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for _, inst := range targets {
		g.Go(func() error {
			m.check(gctx, inst)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *HealthMonitor) check(ctx context.Context, inst Instance) {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	err := m.prober.Probe(probeCtx, inst.Port)
	cancel()
	if ctx.Err() != nil {
		return
	}
	m.opts.Metrics.HealthChecked(err == nil)

	if err == nil {
		m.setFailures(inst.RunID, 0)
		m.sup.RecordHealthy(inst.ProjectID, inst.RunID)
		return
	}

	count := m.incFailures(inst.RunID)
	m.logger.Debug().
		Err(err).
		Str("project_id", inst.ProjectID).
		Str("failures", strconv.Itoa(count)).
		Msg("Health probe failed")

	if count < m.opts.FailureThreshold {
		return
	}

	reason := "health check failed " + strconv.Itoa(count) + " times: " + err.Error()
	if m.sup.MarkUnhealthy(inst.ProjectID, inst.RunID, reason) {
		m.setFailures(inst.RunID, 0)
	}
}

// prune forgets counters of runs that are no longer Running.
func (m *HealthMonitor) prune(targets []Instance) {
	live := make(map[string]bool, len(targets))
	for _, inst := range targets {
		live[inst.RunID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for runID := range m.failures {
		if !live[runID] {
			delete(m.failures, runID)
		}
	}
}

func (m *HealthMonitor) incFailures(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[runID]++
	return m.failures[runID]
}

func (m *HealthMonitor) setFailures(runID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n == 0 {
		delete(m.failures, runID)
		return
	}
	m.failures[runID] = n
}

// Failures returns the consecutive failure count for a run.
func (m *HealthMonitor) Failures(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[runID]
}
