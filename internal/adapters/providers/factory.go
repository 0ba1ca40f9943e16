package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/manthysbr/aulerun/internal/adapters/llm"
	"github.com/manthysbr/aulerun/internal/core/domain"
)

// SecretResolver looks up the model API key by secret name.
type SecretResolver interface {
	Resolve(ctx context.Context, name string) (string, bool)
}

// Build creates the model client from configuration.
// It hides endpoint and tool protocol selection from callers.
func Build(ctx context.Context, logger *slog.Logger, cfg domain.LLMProviderConfig, secrets SecretResolver) (domain.ModelClient, error) {
	apiKey, err := resolveKey(ctx, cfg, secrets)
	if err != nil {
		return nil, err
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "openai":
		baseURL := strings.TrimSpace(cfg.BaseURL)
		if baseURL == "" {
			baseURL = ollamaBaseURL(os.Getenv("OLLAMA_HOST"))
		}
		client := llm.NewOpenAIClient(logger, llm.OpenAIOptions{
			BaseURL: baseURL,
			APIKey:  apiKey,
			Model:   strings.TrimSpace(cfg.DefaultModel),
			ReAct:   strings.EqualFold(cfg.Protocol, "react"),
			Timeout: cfg.Timeout,
		})
		logger.Info("model client ready", "mode", "openai", "base_url", baseURL, "model", cfg.DefaultModel, "protocol", cfg.Protocol, "stream", cfg.Stream)
		if cfg.Stream {
			return client.Streaming(), nil
		}
		return client, nil
	case "gemini":
		client, err := llm.NewGeminiClient(ctx, logger, apiKey, strings.TrimSpace(cfg.DefaultModel))
		if err != nil {
			return nil, err
		}
		logger.Info("model client ready", "mode", "gemini", "model", cfg.DefaultModel, "stream", cfg.Stream)
		if cfg.Stream {
			return client, nil
		}
		return nonStreaming{client}, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider mode: %s", cfg.Mode)
	}
}

// nonStreaming hides StreamStep so the worker asks for whole steps.
type nonStreaming struct {
	domain.ModelClient
}

func resolveKey(ctx context.Context, cfg domain.LLMProviderConfig, secrets SecretResolver) (string, error) {
	name := strings.TrimSpace(cfg.APIKeyName)
	if name == "" {
		return "", nil
	}
	if secrets != nil {
		if v, ok := secrets.Resolve(ctx, name); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("llm api key secret %q is not set", name)
}

// ollamaBaseURL turns an OLLAMA_HOST value into its OpenAI-compatible
// endpoint.
func ollamaBaseURL(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		host = "http://localhost:11434"
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	if !strings.HasSuffix(host, "/v1") {
		host += "/v1"
	}
	return host
}
