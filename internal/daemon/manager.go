// Package daemon runs the process lifecycle: components are initialized and
// started in registration order, stopped in reverse, and the whole tree is
// torn down on SIGINT/SIGTERM within a shutdown timeout.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type Daemon struct {
	components      []Component
	health          HealthStatus
	uptimeStart     time.Time
	shutdownTimeout time.Duration
	mu              sync.RWMutex
}

func New(shutdownTimeout time.Duration) *Daemon {
	return &Daemon{
		health:          StatusStarting,
		uptimeStart:     time.Now(),
		shutdownTimeout: shutdownTimeout,
	}
}

func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	slog.Debug("Component registered", "component", comp.Name())
}

// Run starts every component and blocks until the context is cancelled or
// a signal arrives, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.initializeComponents(ctx); err != nil {
		d.rollback()
		return err
	}
	if err := d.startComponents(ctx); err != nil {
		d.gracefulShutdown()
		return err
	}

	d.setHealth(StatusRunning)
	slog.Info("Daemon is running", "components", len(d.components))

	<-ctx.Done()

	slog.Info("Shutdown requested", "reason", ctx.Err())
	d.setHealth(StatusStopping)
	return d.gracefulShutdown()
}

func (d *Daemon) initializeComponents(ctx context.Context) error {
	for _, comp := range d.components {
		if err := comp.Init(ctx); err != nil {
			return fmt.Errorf("component %s init failed: %w", comp.Name(), err)
		}
		slog.Debug("Component initialized", "component", comp.Name())
	}
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	for _, comp := range d.components {
		if err := comp.Start(ctx); err != nil {
			return fmt.Errorf("component %s startup failed: %w", comp.Name(), err)
		}
		slog.Info("Component started", "component", comp.Name())
	}
	return nil
}

// gracefulShutdown stops components in reverse order under the shutdown
// timeout. Individual stop failures are logged, not fatal: the remaining
// components still get their chance to release resources.
func (d *Daemon) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(d.components) - 1; i >= 0; i-- {
			comp := d.components[i]
			if err := comp.Stop(ctx); err != nil {
				slog.Error("Component stop failed", "component", comp.Name(), "error", err)
			} else {
				slog.Info("Component stopped", "component", comp.Name())
			}
		}
	}()

	select {
	case <-done:
		d.setHealth(StatusStopped)
		return nil
	case <-ctx.Done():
		d.setHealth(StatusStopped)
		return fmt.Errorf("shutdown timeout after %v", d.shutdownTimeout)
	}
}

func (d *Daemon) rollback() {
	for i := len(d.components) - 1; i >= 0; i-- {
		comp := d.components[i]
		if err := comp.Stop(context.Background()); err != nil {
			slog.Error("Rollback stop failed", "component", comp.Name(), "error", err)
		}
	}
	d.setHealth(StatusStopped)
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.uptimeStart)
}

// ComponentHealth polls every component.
func (d *Daemon) ComponentHealth(ctx context.Context) map[string]*ComponentHealth {
	d.mu.RLock()
	components := make([]Component, len(d.components))
	copy(components, d.components)
	d.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(components))
	for _, comp := range components {
		health, err := comp.Health(ctx)
		if health == nil {
			health = &ComponentHealth{Name: comp.Name()}
		}
		if err != nil {
			health.Error = err
			health.Healthy = false
		}
		result[comp.Name()] = health
	}
	return result
}
