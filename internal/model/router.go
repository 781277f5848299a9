// Package model abstracts LLM access behind a single Router. The rest of
// the runtime never sees a provider SDK type.
package model

import (
	"context"
	"time"

	"github.com/jarbas-ai/jarbas/internal/config"
	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
	"github.com/jarbas-ai/jarbas/internal/model/contract"
	"github.com/jarbas-ai/jarbas/internal/model/providers/anthropic"
	"github.com/jarbas-ai/jarbas/internal/model/providers/openai"
)

// Provider is one upstream LLM backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Router binds the configured provider, default model and call timeouts.
// Reasoning calls get the longer request timeout; the formatting pass runs
// under the shorter one since it carries no tools.
type Router struct {
	provider       Provider
	model          string
	requestTimeout time.Duration
	formatTimeout  time.Duration
}

func NewRouter(cfg config.ModelsConfig) (*Router, error) {
	if cfg.APIKey == "" {
		return nil, jarbasErrors.InvalidInput("models: api key is required")
	}

	var p Provider
	switch cfg.Provider {
	case "openai", "":
		p = openai.New(cfg.APIKey, cfg.BaseURL, cfg.EmbeddingModel)
	case "anthropic":
		p = anthropic.New(cfg.APIKey)
	default:
		return nil, jarbasErrors.InvalidInput("models: unknown provider: " + cfg.Provider)
	}

	requestTimeout, err := config.DurationOrDefault(cfg.RequestTimeout, config.DefaultModelRequestTimeout)
	if err != nil {
		return nil, err
	}
	formatTimeout, err := config.DurationOrDefault(cfg.FormatTimeout, config.DefaultModelFormatTimeout)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = config.DefaultModel
	}
	return &Router{
		provider:       p,
		model:          model,
		requestTimeout: requestTimeout,
		formatTimeout:  formatTimeout,
	}, nil
}

// NewRouterWithProvider injects a provider directly, used by tests.
func NewRouterWithProvider(p Provider, model string, requestTimeout, formatTimeout time.Duration) *Router {
	return &Router{provider: p, model: model, requestTimeout: requestTimeout, formatTimeout: formatTimeout}
}

func (r *Router) ProviderName() string {
	return r.provider.Name()
}

func (r *Router) Model() string {
	return r.model
}

// Complete runs a reasoning call under the request timeout.
func (r *Router) Complete(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	if req.Model == "" {
		req.Model = r.model
	}
	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()
	return r.provider.Generate(ctx, req)
}

// Format runs the tool-output rendering pass under the shorter timeout.
func (r *Router) Format(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	if req.Model == "" {
		req.Model = r.model
	}
	ctx, cancel := context.WithTimeout(ctx, r.formatTimeout)
	defer cancel()
	return r.provider.Generate(ctx, req)
}

// Embed produces an embedding vector for semantic indexing.
func (r *Router) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()
	return r.provider.Embed(ctx, text)
}
