// Package config provides configuration management for fleet-service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the service configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service" toml:"service"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	API        APIConfig        `yaml:"api" toml:"api"`
	Backend    BackendConfig    `yaml:"backend" toml:"backend"`
	Ports      PortsConfig      `yaml:"ports" toml:"ports"`
	Supervisor SupervisorConfig `yaml:"supervisor" toml:"supervisor"`
	Health     HealthConfig     `yaml:"health" toml:"health"`
	Router     RouterConfig     `yaml:"router" toml:"router"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	Host    string `yaml:"host" toml:"host"`
	Port    int    `yaml:"port" toml:"port"`
	DataDir string `yaml:"data_dir" toml:"data_dir"`
}

// LoggingConfig contains arbor writer settings.
type LoggingConfig struct {
	Level      string   `yaml:"level" toml:"level"`
	Format     string   `yaml:"format" toml:"format"` // json or text
	Output     []string `yaml:"output" toml:"output"` // console, file, both
	TimeFormat string   `yaml:"time_format" toml:"time_format"`
	MaxSizeMB  int      `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups" toml:"max_backups"`
}

// APIConfig contains control API settings.
type APIConfig struct {
	APIKey string `yaml:"api_key" toml:"api_key"`
}

// BackendConfig describes how a backend instance is launched.
// {port} and {dir} in Command and Env values are substituted per instance.
type BackendConfig struct {
	Command    []string          `yaml:"command" toml:"command"`
	HealthPath string            `yaml:"health_path" toml:"health_path"`
	Env        map[string]string `yaml:"env" toml:"env"`
}

// PortsConfig bounds the range instance ports are allocated from.
type PortsConfig struct {
	Base int `yaml:"base" toml:"base"`
	Max  int `yaml:"max" toml:"max"`
}

// SupervisorConfig contains instance lifecycle timeouts.
type SupervisorConfig struct {
	StartupTimeout  time.Duration `yaml:"startup_timeout" toml:"startup_timeout"`
	StopGrace       time.Duration `yaml:"stop_grace" toml:"stop_grace"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	MaxAutoRestarts int           `yaml:"max_auto_restarts" toml:"max_auto_restarts"`
}

// HealthConfig contains liveness probing settings.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval" toml:"interval"`
	Timeout          time.Duration `yaml:"timeout" toml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold"`
	AutoRestart      bool          `yaml:"auto_restart" toml:"auto_restart"`
}

// RouterConfig contains request forwarding settings.
type RouterConfig struct {
	SpawnWait      time.Duration `yaml:"spawn_wait" toml:"spawn_wait"`
	AllowedHeaders []string      `yaml:"allowed_headers" toml:"allowed_headers"`
}

// DefaultAllowedHeaders are the request headers forwarded to instances.
var DefaultAllowedHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Authorization",
	"Cache-Control",
	"Content-Type",
	"Cookie",
	"Last-Event-ID",
	"User-Agent",
	"X-Request-Id",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Host:    "127.0.0.1",
			Port:    8430,
			DataDir: DefaultDataDir(),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"console", "file"},
			TimeFormat: "15:04:05.000",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Backend: BackendConfig{
			Command:    []string{"opencode", "serve", "--hostname", "127.0.0.1", "--port", "{port}"},
			HealthPath: "/health",
		},
		Ports: PortsConfig{
			Base: 4100,
			Max:  4999,
		},
		Supervisor: SupervisorConfig{
			StartupTimeout:  30 * time.Second,
			StopGrace:       5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxAutoRestarts: 3,
		},
		Health: HealthConfig{
			Interval:         10 * time.Second,
			Timeout:          2 * time.Second,
			FailureThreshold: 3,
			AutoRestart:      true,
		},
		Router: RouterConfig{
			SpawnWait:      45 * time.Second,
			AllowedHeaders: append([]string(nil), DefaultAllowedHeaders...),
		},
	}
}

// DefaultDataDir returns the default data directory based on OS.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "fleet-service")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "fleet-service")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "fleet-service")
	default: // linux and others
		xdgData := os.Getenv("XDG_DATA_HOME")
		if xdgData != "" {
			return filepath.Join(xdgData, "fleet-service")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".fleet-service")
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load loads configuration from a file. A .toml path is decoded as TOML,
// anything else as YAML. When a YAML path does not exist, a sibling
// config.toml is tried before falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if filepath.Ext(path) == ".toml" {
			return cfg, nil
		}
		alt := strings.TrimSuffix(path, filepath.Ext(path)) + ".toml"
		if data, err = os.ReadFile(alt); err != nil {
			// Return defaults if no config file exists
			return cfg, nil
		}
		path = alt
	}

	// Expand environment variables in the config
	expanded := os.ExpandEnv(string(data))

	if filepath.Ext(path) == ".toml" {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Expand tilde in data_dir
	if strings.HasPrefix(cfg.Service.DataDir, "~/") {
		home, _ := os.UserHomeDir()
		cfg.Service.DataDir = filepath.Join(home, cfg.Service.DataDir[2:])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the control plane cannot run with.
func (c *Config) Validate() error {
	if len(c.Backend.Command) == 0 {
		return fmt.Errorf("backend.command is required")
	}
	if c.Ports.Base <= 0 || c.Ports.Max > 65535 || c.Ports.Base > c.Ports.Max {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.Base, c.Ports.Max)
	}
	if c.Supervisor.StartupTimeout <= 0 {
		return fmt.Errorf("supervisor.startup_timeout must be positive")
	}
	if c.Health.Interval <= 0 || c.Health.FailureThreshold <= 0 {
		return fmt.Errorf("health.interval and health.failure_threshold must be positive")
	}
	return nil
}

// Save saves the configuration to a file.
func (c *Config) Save(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var data []byte
	if filepath.Ext(path) == ".toml" {
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(c); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		data = []byte(sb.String())
	} else {
		var err error
		if data, err = yaml.Marshal(c); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Address returns the full address string for the HTTP server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Service.Host, c.Service.Port)
}

// StorePath returns the path to the persisted project store.
func (c *Config) StorePath() string {
	return filepath.Join(c.Service.DataDir, "projects.json")
}

// PIDPath returns the path to the service PID file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Service.DataDir, "fleet-service.pid")
}

// LockPath returns the path to the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Service.DataDir, "fleet-service.lock")
}

// LogsDir returns the directory holding service logs.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Service.DataDir, "logs")
}

// LogPath returns the path to the service log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogsDir(), "fleet-service.log")
}

// InstanceLogPath returns the file an instance's stdout and stderr go to.
func (c *Config) InstanceLogPath(projectID string) string {
	return filepath.Join(c.LogsDir(), "instances", projectID+".log")
}

// EnsureDirectories creates all necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Service.DataDir,
		c.LogsDir(),
		filepath.Join(c.LogsDir(), "instances"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
