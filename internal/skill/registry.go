package skill

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
)

// Handler is a skill's entrypoint. Implementations must observe ctx
// cancellation at their next I/O boundary.
type Handler interface {
	Execute(ctx context.Context, args map[string]string) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]string) (string, error)

func (f HandlerFunc) Execute(ctx context.Context, args map[string]string) (string, error) {
	return f(ctx, args)
}

type entry struct {
	desc    *Descriptor
	handler Handler
}

// Registry owns the live skill set. Registration order is preserved for
// trigger-search tie breaking.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a skill. Duplicate names and disabled descriptors are
// rejected so the catalog never carries dead entries.
func (r *Registry) Register(d *Descriptor, h Handler) error {
	if d == nil || h == nil {
		return jarbasErrors.InvalidInput("register: nil descriptor or handler")
	}
	if !d.IsEnabled() {
		return jarbasErrors.InvalidInput("register: skill disabled: " + d.Name)
	}
	d.applyDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.Name]; exists {
		return jarbasErrors.InvalidInput("register: duplicate skill name: " + d.Name)
	}
	r.entries[d.Name] = &entry{desc: d, handler: h}
	r.order = append(r.order, d.Name)
	return nil
}

// Discover scans the configured directories for subdirectories carrying a
// skill.yaml. A descriptor with a command template gets a shell handler;
// one whose name matches a registered factory gets that handler. A skill
// that fails to load is logged and skipped, the scan continues.
func (r *Registry) Discover(dirs []string, factories map[string]Handler) int {
	count := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Skill directory unreadable", "dir", dir, "error", err)
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name(), "skill.yaml")
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			d, err := ParseDescriptor(data)
			if err != nil {
				slog.Warn("Skipping skill: bad descriptor", "path", path, "error", err)
				continue
			}
			if !d.IsEnabled() {
				slog.Debug("Skipping disabled skill", "skill", d.Name)
				continue
			}

			var h Handler
			if factory, ok := factories[d.Name]; ok {
				h = factory
			} else if d.Command != "" {
				h = newShellHandler(d.Command)
			} else {
				slog.Warn("Skipping skill: no handler", "skill", d.Name)
				continue
			}

			if err := r.Register(d, h); err != nil {
				slog.Warn("Skipping skill", "skill", d.Name, "error", err)
				continue
			}
			count++
		}
	}
	return count
}

// Get returns a skill descriptor by exact name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.desc, true
}

// SetEnabled flips a skill's availability at runtime. A disabled skill stays
// registered but is invisible to trigger search and refuses execution.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return jarbasErrors.NotFound("skill not found: " + name)
	}
	e.desc.Enabled = &enabled
	return nil
}

// FindByTrigger matches text against trigger phrases, case-insensitively.
// Match order: exact phrase equality, phrase contained in the text, then
// skill name contained in the text. Ties within a level resolve by
// registration order. Skills without triggers are never returned.
func (r *Registry) FindByTrigger(text string) (*Descriptor, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, match := range []func(*Descriptor) bool{
		func(d *Descriptor) bool {
			for _, t := range d.Triggers {
				if strings.ToLower(t) == lower {
					return true
				}
			}
			return false
		},
		func(d *Descriptor) bool {
			for _, t := range d.Triggers {
				if strings.Contains(lower, strings.ToLower(t)) {
					return true
				}
			}
			return false
		},
		func(d *Descriptor) bool {
			return strings.Contains(lower, strings.ToLower(d.Name))
		},
	} {
		for _, name := range r.order {
			d := r.entries[name].desc
			if len(d.Triggers) == 0 || !d.IsEnabled() {
				continue
			}
			if match(d) {
				return d, true
			}
		}
	}
	return nil, false
}

// ToolSchemas projects the registry for the reasoner, in registration order.
func (r *Registry) ToolSchemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		d := r.entries[name].desc
		if !d.IsEnabled() {
			continue
		}
		out = append(out, d.Schema())
	}
	return out
}

// Names lists registered skills in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Execute runs a skill under its configured timeout. The returned string is
// always safe to show the user. A handler failure comes back as both a
// message and a classified error so callers can record the outcome; a
// timeout comes back as a message only, since the skill is local and a slow
// run says nothing about remote health.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]string) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("Habilidade %q não encontrada.", name),
			jarbasErrors.NotFound("skill not found: " + name)
	}

	if !e.desc.IsEnabled() {
		return fmt.Sprintf("A habilidade %q está desativada.", name),
			jarbasErrors.PermissionDenied("skill disabled: " + name)
	}

	if err := e.desc.ValidateArgs(args); err != nil {
		return fmt.Sprintf("Argumentos inválidos para %q.", name), err
	}

	timeout := time.Duration(e.desc.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: jarbasErrors.Execution(fmt.Sprintf("skill %s panicked: %v", name, rec))}
			}
		}()
		out, err := e.handler.Execute(runCtx, args)
		done <- outcome{output: out, err: err}
	}()

	select {
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return "Execução cancelada.", ctx.Err()
		}
		slog.Warn("Skill timed out", "skill", name, "timeout", timeout)
		return fmt.Sprintf("A habilidade %q excedeu o tempo limite de %ds.", name, e.desc.TimeoutSeconds), nil
	case o := <-done:
		if o.err != nil {
			slog.Error("Skill failed", "skill", name, "error", o.err)
			return fmt.Sprintf("A habilidade %q falhou: %v", name, userFacing(o.err)),
				fmt.Errorf("skill %s: %w: %w", name, jarbasErrors.ErrExecution, o.err)
		}
		return truncate(o.output, e.desc.MaxOutputChars), nil
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n... (saída truncada)"
}

func userFacing(err error) string {
	var jerr *jarbasErrors.Error
	if stderrors.As(err, &jerr) && jerr.UserMessage != "" {
		return jerr.UserMessage
	}
	return err.Error()
}
