package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SpawnFinished(ResultSuccess, time.Second)
		m.Stopped()
		m.Restarted("unhealthy")
		m.HealthChecked(false)
		m.Transition("", "running")
		m.SetProjects(3)
		m.SetPortsReserved(1)
		m.Proxied(ProxyOK)
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.SpawnFinished(ResultSuccess, 2*time.Second)
	m.SpawnFinished(ResultTimeout, 30*time.Second)
	m.SpawnFinished(ResultSuccess, time.Second)
	m.Proxied(ProxyUnavailable)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Spawns.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Spawns.WithLabelValues(ResultTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyRequests.WithLabelValues(ProxyUnavailable)))
}

func TestMetrics_Transition(t *testing.T) {
	m := New()

	m.Transition("", "starting")
	m.Transition("starting", "running")
	m.Transition("running", "running")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.Instances.WithLabelValues("starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Instances.WithLabelValues("running")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SetProjects(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fleet_projects 2")
	assert.Contains(t, string(body), "go_goroutines")
}
