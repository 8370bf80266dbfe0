package llm

import (
	"fmt"
	"os"
	"time"

	"textgate/internal/flavor"
	"textgate/internal/llm/anthropic"
	"textgate/internal/llm/ollama"
	"textgate/internal/llm/openai"
	"textgate/pkg/models"
)

// NewClient constructs the client for one provider. API keys are read from
// the environment variable the provider names, never stored in config.
// Called once per provider at server startup.
func NewClient(p *flavor.Provider, timeout time.Duration) (models.LLMClient, error) {
	apiKey := ""
	if p.APIKeyEnv != "" {
		apiKey = os.Getenv(p.APIKeyEnv)
	}

	switch p.Kind {
	case flavor.ProviderOpenAI:
		return openai.NewClient("openai", p.BaseURL, apiKey, timeout), nil
	case flavor.ProviderVLLM:
		// vLLM serves the OpenAI-compatible chat API.
		return openai.NewClient("vllm", p.BaseURL, apiKey, timeout), nil
	case flavor.ProviderOllama:
		return ollama.NewClient(p.BaseURL, timeout), nil
	case flavor.ProviderAnthropic:
		return anthropic.NewClient(p.BaseURL, apiKey, timeout), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q: must be one of openai, vllm, ollama, anthropic", p.Kind)
	}
}

// Clients holds one constructed client per provider, selected once at
// configuration load rather than re-dispatched per call.
type Clients struct {
	byProvider map[string]models.LLMClient
}

// NewClients builds clients for every provider in the store.
func NewClients(store flavor.Store, timeout time.Duration) (*Clients, error) {
	byProvider := make(map[string]models.LLMClient)
	for _, p := range store.ListProviders() {
		client, err := NewClient(p, timeout)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.ID, err)
		}
		byProvider[p.ID] = client
	}
	return &Clients{byProvider: byProvider}, nil
}

// For returns the client for a provider id.
func (c *Clients) For(providerID string) (models.LLMClient, error) {
	client, ok := c.byProvider[providerID]
	if !ok {
		return nil, fmt.Errorf("no client for provider %q", providerID)
	}
	return client, nil
}

// ForModel resolves the client serving a model.
func (c *Clients) ForModel(store flavor.Store, m *flavor.Model) (models.LLMClient, error) {
	if _, err := store.GetProvider(m.ProviderID); err != nil {
		return nil, err
	}
	return c.For(m.ProviderID)
}
