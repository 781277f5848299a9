// Package resilience provides the circuit breaker and retry combinators
// wrapped around external calls (LLM, database, shell).
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jarbas-ai/jarbas/internal/errors"
)

// State of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in half-open
	// before closing.
	SuccessThreshold int

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// HalfOpenMaxCalls bounds concurrent probes while half-open.
	HalfOpenMaxCalls int

	// Name identifies the breaker in logs.
	Name string
}

// Breaker guards one named external endpoint. Shared across workers.
type Breaker struct {
	config BreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastSuccess   time.Time
	halfOpenCalls int
}

func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls < 1 {
		config.HalfOpenMaxCalls = 3
	}
	if config.Name == "" {
		config.Name = "breaker"
	}

	return &Breaker{config: config, state: StateClosed}
}

// Call executes fn if the breaker admits it. While open it fails fast with
// ErrCircuitOpen and never invokes fn. While half-open at most
// HalfOpenMaxCalls probes are in flight at once.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastFailTime) >= b.config.Timeout {
		b.state = StateHalfOpen
		b.failures = 0
		b.successes = 0
		b.halfOpenCalls = 0
		slog.Info("Circuit breaker half-open", "name", b.config.Name)
	}

	switch b.state {
	case StateOpen:
		return fmt.Errorf("%s: %w", b.config.Name, errors.ErrCircuitOpen)
	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return fmt.Errorf("%s: probe limit: %w", b.config.Name, errors.ErrCircuitOpen)
		}
		b.halfOpenCalls++
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.halfOpenCalls--
	}

	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailTime = time.Now()

		switch b.state {
		case StateClosed:
			if b.failures >= b.config.FailureThreshold {
				b.state = StateOpen
				slog.Warn("Circuit breaker opened", "name", b.config.Name, "failures", b.failures)
			}
		case StateHalfOpen:
			b.state = StateOpen
			slog.Warn("Circuit breaker re-opened", "name", b.config.Name)
		}
		return
	}

	b.successes++
	b.failures = 0
	b.lastSuccess = time.Now()

	if b.state == StateHalfOpen && b.successes >= b.config.SuccessThreshold {
		b.state = StateClosed
		b.successes = 0
		slog.Info("Circuit breaker closed", "name", b.config.Name)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
}

// Registry hands out one breaker per named endpoint.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   BreakerConfig
}

func NewRegistry(config BreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		cfg := r.config
		cfg.Name = name
		b = NewBreaker(cfg)
		r.breakers[name] = b
	}
	return b
}
