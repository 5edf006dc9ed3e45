package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/fleet/internal/config"
	"github.com/ternarybob/fleet/internal/logger"
)

func TestBuild_ServesHealthAndProjects(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Service.DataDir = t.TempDir()
	require.NoError(t, cfg.EnsureDirectories())

	c, err := build(cfg, logger.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.watcher.Stop()
		_ = c.sup.StopAll(context.Background())
		c.bus.Close()
	})

	hs := httptest.NewServer(c.api.Handler())
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])

	resp2, err := http.Get(hs.URL + "/projects")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestConfigInit_WritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })

	require.NoError(t, configInitCmd.RunE(configInitCmd, nil))
	assert.FileExists(t, path)

	// A second init without --force refuses to overwrite
	assert.Error(t, configInitCmd.RunE(configInitCmd, nil))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Service.Port, cfg.Service.Port)
}
