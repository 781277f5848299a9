package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jarbas-ai/jarbas/internal/bus"
	"github.com/jarbas-ai/jarbas/internal/config"
	"github.com/jarbas-ai/jarbas/internal/daemon"
	"github.com/jarbas-ai/jarbas/internal/gateway"
	"github.com/jarbas-ai/jarbas/internal/memory"
	"github.com/jarbas-ai/jarbas/internal/model"
	"github.com/jarbas-ai/jarbas/internal/pipeline"
	"github.com/jarbas-ai/jarbas/internal/policy"
	"github.com/jarbas-ai/jarbas/internal/reasoner"
	"github.com/jarbas-ai/jarbas/internal/scheduler"
	"github.com/jarbas-ai/jarbas/internal/skill"
	"github.com/jarbas-ai/jarbas/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent: gateway, scheduler and autonomous loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		err := runServe(cmd.Context(), cfg)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func runServe(ctx context.Context, cfg *config.Config) error {
	s, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	allowlist := policy.NewAllowlist(cfg.Policy.RulesPath)
	if err := allowlist.Load(); err != nil {
		s.Close()
		return fmt.Errorf("load allowlist: %w", err)
	}
	if len(allowlist.Rules()) == 0 {
		// First run: seed and persist the stock rules so the operator has
		// a file to edit.
		if err := allowlist.SetRules(policy.DefaultRules()); err != nil {
			s.Close()
			return fmt.Errorf("seed allowlist: %w", err)
		}
		if err := allowlist.Save(); err != nil {
			slog.Warn("Persisting seeded allowlist failed", "error", err)
		}
	}

	router, err := model.NewRouter(cfg.Models)
	if err != nil {
		s.Close()
		return fmt.Errorf("configure model provider: %w", err)
	}

	var vectors *memory.VectorIndex
	if cfg.Memory.VectorDir != "" {
		vectors, err = memory.NewVectorIndex(cfg.Memory.VectorDir, router)
		if err != nil {
			slog.Warn("Vector index unavailable, similarity search disabled", "error", err)
		}
	}

	mem, err := memory.NewManager(s, cfg.Memory, vectors)
	if err != nil {
		s.Close()
		return fmt.Errorf("configure memory: %w", err)
	}

	registry := skill.NewRegistry()
	if err := skill.RegisterBuiltins(registry, skill.BuiltinConfig{MeminfoPath: cfg.Caps.MeminfoPath}); err != nil {
		s.Close()
		return fmt.Errorf("register builtin skills: %w", err)
	}
	if n := registry.Discover(cfg.Skills.Dirs, nil); n > 0 {
		slog.Info("Discovered skills", "count", n)
	}

	caps := policy.NewCaps(s, cfg.Caps, cfg.Policy.DangerousTokens)
	eventBus := bus.New()

	engine, err := scheduler.NewEngine(s, caps, mem, registry, eventBus, cfg.Scheduler)
	if err != nil {
		s.Close()
		return fmt.Errorf("configure scheduler: %w", err)
	}
	for _, trigger := range scheduler.DefaultTriggers(mem, cfg.Caps.MeminfoPath, cfg.Caps.MinAvailableRAMMB) {
		if err := engine.RegisterTrigger(trigger); err != nil {
			s.Close()
			return fmt.Errorf("register trigger: %w", err)
		}
	}

	r := reasoner.New(router, registry)
	pipe := pipeline.New(r, registry, allowlist, mem, engine)
	gw := gateway.New(cfg.Gateway, cfg.Server.Version, eventBus, registry)

	shutdownTimeout, err := config.DurationOrDefault(cfg.Scheduler.ShutdownTimeout, config.DefaultSchedulerShutdownTimeout)
	if err != nil {
		s.Close()
		return fmt.Errorf("parse shutdown timeout: %w", err)
	}

	d := daemon.New(shutdownTimeout)
	d.AddComponent(&storeComponent{store: s})
	d.AddComponent(&busComponent{bus: eventBus, handler: pipe})

	// Another serve holding the scheduler lock means the autonomous loop
	// already runs elsewhere; this process degrades to gateway-only.
	if err := engine.Init(ctx); err != nil {
		slog.Warn("Scheduler lock unavailable, running gateway-only", "error", err)
	} else {
		d.AddComponent(engine)
	}
	d.AddComponent(gw)

	slog.Info("Jarbas starting", "version", cfg.Server.Version, "port", cfg.Gateway.Port)
	return d.Run(ctx)
}

// storeComponent folds the database into the component lifecycle so it
// closes after everything that writes to it.
type storeComponent struct {
	store *store.Store
}

func (c *storeComponent) Name() string                    { return "store" }
func (c *storeComponent) Init(ctx context.Context) error  { return nil }
func (c *storeComponent) Start(ctx context.Context) error { return nil }
func (c *storeComponent) Stop(ctx context.Context) error  { return c.store.Close() }

func (c *storeComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if err := c.store.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true}, nil
}

// busComponent runs the completion-event fan-out and the inbound consumer
// that feeds gateway messages to the pipeline.
type busComponent struct {
	bus     *bus.Bus
	handler bus.MessageHandler
	cancel  context.CancelFunc
}

func (c *busComponent) Name() string                   { return "bus" }
func (c *busComponent) Init(ctx context.Context) error { return nil }

func (c *busComponent) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.bus.Dispatch(loopCtx)
	go c.bus.RunInbound(loopCtx, c.handler)
	return nil
}

func (c *busComponent) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *busComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if c.bus.InboundSaturated() {
		return &daemon.ComponentHealth{
			Name:    c.Name(),
			Healthy: false,
			Error:   fmt.Errorf("inbound queue full (%d messages)", c.bus.PendingInbound()),
		}, nil
	}
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true}, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("gateway.dev_mode", false, "disable gateway authentication")
}
