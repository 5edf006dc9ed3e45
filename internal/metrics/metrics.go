// Package metrics exposes Prometheus instrumentation for fleet-service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Spawn results.
const (
	ResultSuccess = "success"
	ResultTimeout = "timeout"
	ResultError   = "error"
)

// Proxy outcomes.
const (
	ProxyOK          = "ok"
	ProxyNotFound    = "not_found"
	ProxyUnavailable = "unavailable"
	ProxyUpstream    = "upstream_error"
)

// Metrics holds the service collectors on a private registry. All methods
// are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Spawns counts spawn attempts.
	// Labels: result (success, timeout, error)
	Spawns *prometheus.CounterVec

	// SpawnDuration tracks how long a spawn took to become healthy.
	SpawnDuration prometheus.Histogram

	// Stops counts completed stops.
	Stops prometheus.Counter

	// Restarts counts automatic restarts.
	// Labels: reason (unhealthy, exited)
	Restarts *prometheus.CounterVec

	// HealthChecks counts periodic probes.
	// Labels: result (healthy, unhealthy)
	HealthChecks *prometheus.CounterVec

	// Instances tracks instances by status.
	// Labels: status
	Instances *prometheus.GaugeVec

	// Projects is the number of registered projects.
	Projects prometheus.Gauge

	// PortsReserved is the number of ports held by the allocator.
	PortsReserved prometheus.Gauge

	// ProxyRequests counts routed requests.
	// Labels: outcome (ok, not_found, unavailable, upstream_error)
	ProxyRequests *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Spawns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "instance",
				Name:      "spawns_total",
				Help:      "Total number of instance spawn attempts",
			},
			[]string{"result"},
		),
		SpawnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "instance",
				Name:      "spawn_duration_seconds",
				Help:      "Time from launch until the instance answered its health check",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
		),
		Stops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "instance",
				Name:      "stops_total",
				Help:      "Total number of instance stops",
			},
		),
		Restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "instance",
				Name:      "restarts_total",
				Help:      "Total number of automatic instance restarts",
			},
			[]string{"reason"},
		),
		HealthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "checks_total",
				Help:      "Total number of periodic health probes",
			},
			[]string{"result"},
		),
		Instances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "instance",
				Name:      "count",
				Help:      "Current number of instances by status",
			},
			[]string{"status"},
		),
		Projects: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "projects",
				Help:      "Number of registered projects",
			},
		),
		PortsReserved: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ports",
				Name:      "reserved",
				Help:      "Number of ports currently reserved",
			},
		),
		ProxyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "requests_total",
				Help:      "Total number of proxied requests by outcome",
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Spawns,
		m.SpawnDuration,
		m.Stops,
		m.Restarts,
		m.HealthChecks,
		m.Instances,
		m.Projects,
		m.PortsReserved,
		m.ProxyRequests,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SpawnFinished records a spawn attempt.
func (m *Metrics) SpawnFinished(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Spawns.WithLabelValues(result).Inc()
	if result == ResultSuccess {
		m.SpawnDuration.Observe(took.Seconds())
	}
}

// Stopped records a stop.
func (m *Metrics) Stopped() {
	if m == nil {
		return
	}
	m.Stops.Inc()
}

// Restarted records an automatic restart.
func (m *Metrics) Restarted(reason string) {
	if m == nil {
		return
	}
	m.Restarts.WithLabelValues(reason).Inc()
}

// HealthChecked records a health probe.
func (m *Metrics) HealthChecked(healthy bool) {
	if m == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.HealthChecks.WithLabelValues(result).Inc()
}

// Transition moves one instance from one status gauge to another. An empty
// from means the instance is new.
func (m *Metrics) Transition(from, to string) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.Instances.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.Instances.WithLabelValues(to).Inc()
	}
}

// SetProjects records the registered project count.
func (m *Metrics) SetProjects(n int) {
	if m == nil {
		return
	}
	m.Projects.Set(float64(n))
}

// SetPortsReserved records the allocator's reservation count.
func (m *Metrics) SetPortsReserved(n int) {
	if m == nil {
		return
	}
	m.PortsReserved.Set(float64(n))
}

// Proxied records a routed request.
func (m *Metrics) Proxied(outcome string) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(outcome).Inc()
}
