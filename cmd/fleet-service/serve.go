package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleet/internal/api"
	"github.com/ternarybob/fleet/internal/config"
	"github.com/ternarybob/fleet/internal/events"
	"github.com/ternarybob/fleet/internal/instance"
	"github.com/ternarybob/fleet/internal/logger"
	"github.com/ternarybob/fleet/internal/mcp"
	"github.com/ternarybob/fleet/internal/metrics"
	"github.com/ternarybob/fleet/internal/ports"
	"github.com/ternarybob/fleet/internal/project"
	"github.com/ternarybob/fleet/internal/router"
	"github.com/ternarybob/fleet/internal/service"
)

// components is the fully wired service.
type components struct {
	store   *project.Store
	sup     *instance.Supervisor
	health  *instance.HealthMonitor
	watcher *project.Watcher
	bus     *events.Bus
	api     *api.Server
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if running, pid := service.IsRunning(cfg); running {
		return fmt.Errorf("service already running (PID %d)", pid)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	log := logger.SetupLogger(cfg)
	defer logger.Stop()

	c, err := build(cfg, log)
	if err != nil {
		return err
	}

	daemon := service.NewDaemon(cfg, log)
	daemon.OnShutdown("health monitor", func(ctx context.Context) error {
		c.health.Stop()
		return nil
	})
	daemon.OnShutdown("project watcher", func(ctx context.Context) error {
		return c.watcher.Stop()
	})
	daemon.OnShutdown("instances", c.sup.StopAll)
	daemon.OnShutdown("events", func(ctx context.Context) error {
		c.bus.Close()
		return nil
	})

	if err := daemon.Start(c.api.Handler()); err != nil {
		if errors.Is(err, service.ErrAlreadyRunning) {
			return fmt.Errorf("service already running (lock held at %s)", cfg.LockPath())
		}
		return fmt.Errorf("start daemon: %w", err)
	}

	if err := c.watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Project watcher not started")
	}
	c.health.Start()

	fmt.Printf("fleet-service v%s started on %s\n", version, daemon.Addr())
	fmt.Printf("API: http://%s/projects\n", daemon.Addr())
	fmt.Printf("MCP: http://%s/mcp\n", daemon.Addr())

	daemon.Wait()
	return nil
}

// build wires every component from configuration.
func build(cfg *config.Config, log arbor.ILogger) (*components, error) {
	m := metrics.New()
	bus := events.NewBus(events.DefaultHistory)

	store := project.NewStore(cfg.StorePath(), log)
	if err := store.Load(); err != nil {
		// A corrupt store degrades to empty rather than blocking startup
		log.Warn().Err(err).Str("path", store.Path()).Msg("Failed to load project store")
	}
	m.SetProjects(store.Count())
	store.Subscribe(func() { m.SetProjects(store.Count()) })

	alloc := ports.NewAllocator(cfg.Ports.Base, cfg.Ports.Max)
	prober := instance.NewHTTPProber(cfg.Backend.HealthPath, cfg.Health.Timeout)

	opts := instance.OptionsFromConfig(cfg)
	opts.Events = bus
	opts.Metrics = m
	opts.Logger = log
	sup := instance.NewSupervisor(store, alloc, instance.NewExecLauncher(log), prober, opts)
	store.SetStopper(sup)

	healthOpts := instance.HealthOptionsFromConfig(cfg)
	healthOpts.Metrics = m
	healthOpts.Logger = log
	health := instance.NewHealthMonitor(sup, prober, healthOpts)

	watcher, err := project.NewWatcher(store, func(projectID, path string) {
		bus.Emit(events.New(events.ProjectGone, projectID).With("path", path))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.StopGrace+5*time.Second)
			defer cancel()
			if err := sup.Stop(ctx, projectID); err != nil {
				log.Warn().Err(err).Str("project_id", projectID).Msg("Failed to stop instance of missing project")
			}
		}()
	}, log)
	if err != nil {
		return nil, err
	}

	worktrees := project.NewWorktrees(store, log)

	routerOpts := router.OptionsFromConfig(cfg)
	routerOpts.Metrics = m
	routerOpts.Logger = log

	mcpServer := mcp.NewServer(mcp.Deps{
		Store:      store,
		Worktrees:  worktrees,
		Supervisor: sup,
		Events:     bus,
	}, version)

	apiServer := api.NewServer(cfg, api.Deps{
		Store:      store,
		Worktrees:  worktrees,
		Supervisor: sup,
		Router:     router.New(store, sup, routerOpts),
		Events:     bus,
		Metrics:    m,
		MCP:        mcpServer.Handler(),
		Logger:     log,
	})

	return &components{
		store:   store,
		sup:     sup,
		health:  health,
		watcher: watcher,
		bus:     bus,
		api:     apiServer,
	}, nil
}
