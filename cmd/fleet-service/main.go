// Package main provides the entry point for fleet-service.
//
// fleet-service runs one backend instance per registered project and
// exposes:
// - REST API for projects, worktrees and instances
// - Reverse proxy routing requests to the owning project's instance
// - MCP server at /mcp for assistant integration
// - Server-sent lifecycle events and Prometheus metrics
//
// Usage:
//
//	fleet-service                   Start the service (default)
//	fleet-service serve             Start the service
//	fleet-service status            Show service status
//	fleet-service stop              Stop the running service
//	fleet-service config init       Write a default config file
//	fleet-service version           Show version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ternarybob/fleet/internal/api"
	"github.com/ternarybob/fleet/internal/config"
	"github.com/ternarybob/fleet/internal/fileutil"
	"github.com/ternarybob/fleet/internal/service"
)

// version is set via -ldflags at build time
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fleet-service",
	Short: "Multi-project backend instance manager",
	Long: `fleet-service keeps a registry of project directories and runs one
backend instance per project on demand, routing requests to it.

Configuration:
  Config file: ~/.fleet-service/config.yaml (config.toml is also accepted)`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		running, pid := service.IsRunning(cfg)
		if running {
			fmt.Printf("fleet-service: running (PID %d)\n", pid)
			fmt.Printf("Address: %s\n", cfg.Address())
		} else {
			fmt.Println("fleet-service: stopped")
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		running, pid := service.IsRunning(cfg)
		if !running {
			fmt.Println("fleet-service is not running")
			return nil
		}

		fmt.Printf("Stopping fleet-service (PID %d)...\n", pid)
		if err := service.StopRunning(cfg); err != nil {
			return err
		}
		fmt.Println("fleet-service stopped")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleet-service version %s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if fileutil.Exists(path) && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ~/.fleet-service/config.yaml)")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(serveCmd, statusCmd, stopCmd, versionCmd, configCmd)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	api.SetVersion(version)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
