package admin

import (
	"context"
	"fmt"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/config"
)

// Runtime interface for the agent runtime (allows mocking in tests)
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

// runtimeAdapter wraps api.Runtime to implement Runtime interface
type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime instance
type RuntimeFactory func(cfg config.AdminConfig, sysPrompt string) (Runtime, error)

// DefaultRuntimeFactory creates the default agentsdk-go runtime used for
// free-form owner queries.
func DefaultRuntimeFactory(cfg config.AdminConfig, sysPrompt string) (Runtime, error) {
	var provider api.ModelFactory
	switch cfg.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   cfg.Workspace,
		ModelFactory:  provider,
		SystemPrompt:  sysPrompt,
		MaxIterations: cfg.MaxToolIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("create admin runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}
