package app

import (
	"fmt"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/agentctx/memoryd/internal/config"
	"github.com/agentctx/memoryd/internal/resilience"
	"github.com/agentctx/memoryd/pkg/provider/embeddings"
	embmock "github.com/agentctx/memoryd/pkg/provider/embeddings/mock"
	embopenai "github.com/agentctx/memoryd/pkg/provider/embeddings/openai"
	"github.com/agentctx/memoryd/pkg/provider/embeddings/ollama"
	"github.com/agentctx/memoryd/pkg/provider/llm"
	"github.com/agentctx/memoryd/pkg/provider/llm/anyllm"
	llmmock "github.com/agentctx/memoryd/pkg/provider/llm/mock"
	"github.com/agentctx/memoryd/pkg/provider/llm/openai"
)

// RegisterBuiltinProviders wires every provider package memoryd ships with
// into reg, using a flat name -> factory map rather than one switch
// statement per provider kind. cmd/memoryd calls this before constructing
// the App.
func RegisterBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})
	reg.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		backend, _ := entry.Options["provider"].(string)
		if backend == "" {
			return nil, fmt.Errorf("anyllm provider requires options.provider (e.g. \"anthropic\", \"ollama\")")
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []embopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(entry.BaseURL))
		}
		return embopenai.New(entry.APIKey, entry.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return ollama.New(baseURL, entry.Model)
	})
	reg.RegisterEmbeddings("mock", func(config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{}, nil
	})
}

// circuitBreakerConfig is the single tuning shared by every provider
// wrapper. A misbehaving provider trips its breaker after 5 consecutive
// failures and probes again after 30s, the same defaults
// resilience.CircuitBreakerConfig's doc comments recommend.
func circuitBreakerConfig(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		HalfOpenMax:  3,
	}
}

// buildLLMProvider instantiates the configured LLM provider, if any, and
// wraps it in a resilience.LLMFallback so a transient backend failure trips
// a circuit breaker instead of failing every LLM call in a row. A nil return
// means no LLM provider is configured.
func (a *App) buildLLMProvider(reg *config.Registry) (llm.Provider, error) {
	entry := a.cfg.Providers.LLM
	if entry.Name == "" {
		return nil, nil
	}
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	return resilience.NewLLMFallback(p, entry.Name, resilience.FallbackConfig{
		CircuitBreaker: circuitBreakerConfig(entry.Name),
	}), nil
}

// buildEmbeddingsProvider mirrors buildLLMProvider for the embeddings slot.
func (a *App) buildEmbeddingsProvider(reg *config.Registry) (embeddings.Provider, error) {
	entry := a.cfg.Providers.Embedding
	if entry.Name == "" {
		return nil, nil
	}
	p, err := reg.CreateEmbeddings(entry)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
	}
	return resilience.NewEmbeddingsFallback(p, entry.Name, resilience.FallbackConfig{
		CircuitBreaker: circuitBreakerConfig(entry.Name),
	}), nil
}
