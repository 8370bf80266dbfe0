// Package flavor holds the read-only execution configuration (providers,
// models, services, flavors) and the two resolution algorithms that pick
// which flavor actually runs a request: pre-flight capacity fallback and
// runtime error failover.
package flavor

import "errors"

// ErrNotFound is returned by Store lookups for unknown ids.
var ErrNotFound = errors.New("config record not found")

// ProviderKind selects the wire protocol family for a provider.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderOllama    ProviderKind = "ollama"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderVLLM      ProviderKind = "vllm"
)

// ProcessingMode controls how the pipeline feeds input to the model.
type ProcessingMode string

const (
	// ModeSinglePass sends the whole input in one call.
	ModeSinglePass ProcessingMode = "single_pass"
	// ModeIterative chunks the input into token-budgeted batches.
	ModeIterative ProcessingMode = "iterative"
)

// Error classes a flavor's failover triggers dispatch on. The model-call
// adapter classifies its failures into exactly these four strings.
const (
	ClassTimeout       = "timeout"
	ClassRateLimit     = "rate_limit"
	ClassModelError    = "model_error"
	ClassContentFilter = "content_filter"
)

// Provider is one LLM backend endpoint.
type Provider struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Kind      ProviderKind `json:"kind"`
	BaseURL   string       `json:"base_url"`
	APIKeyEnv string       `json:"api_key_env,omitempty"`
}

// Model is one model served by a provider, with its capacity figures.
type Model struct {
	ID                  string  `json:"id"`
	ProviderID          string  `json:"provider_id"`
	Name                string  `json:"name"`
	ContextLength       int     `json:"context_length"`
	MaxGenerationLength int     `json:"max_generation_length"`
	TokenizerName       string  `json:"tokenizer_name,omitempty"`
	PromptCostPer1K     float64 `json:"prompt_cost_per_1k,omitempty"`
	CompletionCostPer1K float64 `json:"completion_cost_per_1k,omitempty"`
}

// Service is an operation family (summarize, translate, categorize, ...)
// that flavors belong to.
type Service struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Task            string `json:"task"`
	DefaultFlavorID string `json:"default_flavor_id,omitempty"`
}

// Sampling holds the generation parameters passed through to the provider.
type Sampling struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Prompts holds the template strings for each pipeline stage. Positional
// slots are written "{}"; Categorize uses the named slots {document} and
// {tags}. Empty Reduce/Extract/Categorize disable the respective step.
type Prompts struct {
	System     string `json:"system,omitempty"`
	Prompt     string `json:"prompt"`
	Reduce     string `json:"reduce,omitempty"`
	Extract    string `json:"extract,omitempty"`
	Categorize string `json:"categorize,omitempty"`
}

// Chunking holds the batching parameters for iterative mode.
type Chunking struct {
	// TurnTokenThreshold is the per-turn split threshold for the chunker.
	TurnTokenThreshold int `json:"turn_token_threshold,omitempty"`
	// SummaryTurns is the rolling-context window size in progressive-summary
	// lines (synchronous mode only).
	SummaryTurns int `json:"summary_turns,omitempty"`
	// MaxNewTurns caps the number of turns per batch regardless of tokens.
	MaxNewTurns int `json:"max_new_turns,omitempty"`
	// MaxParallelBatches bounds in-flight calls in parallel mode.
	MaxParallelBatches int `json:"max_parallel_batches,omitempty"`
}

// FailoverTriggers enables runtime failover per error class.
type FailoverTriggers struct {
	OnTimeout       bool `json:"on_timeout,omitempty"`
	OnRateLimit     bool `json:"on_rate_limit,omitempty"`
	OnModelError    bool `json:"on_model_error,omitempty"`
	OnContentFilter bool `json:"on_content_filter,omitempty"`
}

// Enabled reports whether failover is configured for the given error class.
func (t FailoverTriggers) Enabled(class string) bool {
	switch class {
	case ClassTimeout:
		return t.OnTimeout
	case ClassRateLimit:
		return t.OnRateLimit
	case ClassModelError:
		return t.OnModelError
	case ClassContentFilter:
		return t.OnContentFilter
	default:
		return false
	}
}

// Flavor is a named execution configuration for a service: model, sampling,
// prompts, chunking policy, and the fallback/failover wiring.
type Flavor struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	ModelID   string `json:"model_id"`
	Name      string `json:"name"`
	IsActive  bool   `json:"is_active"`
	// Priority orders dispatch: 0 is the most urgent, 9 the least. The
	// task-queue boundary inverts this onto the queue's native scale.
	Priority int `json:"priority"`

	Mode ProcessingMode `json:"processing_mode"`
	// Parallel runs iterative batches concurrently without rolling context.
	Parallel bool `json:"parallel,omitempty"`

	Sampling Sampling `json:"sampling"`
	Prompts  Prompts  `json:"prompts"`
	Chunking Chunking `json:"chunking"`

	// Consolidate merges adjacent short same-speaker turns before the final
	// formatting pass.
	Consolidate bool `json:"consolidate,omitempty"`

	// ExtractFields is the field list substituted into the extract template.
	ExtractFields []string `json:"extract_fields,omitempty"`
	// Categories is the tag list substituted into the categorize template.
	Categories []string `json:"categories,omitempty"`

	// FallbackFlavorID is the pre-flight capacity fallback target.
	FallbackFlavorID string `json:"fallback_flavor_id,omitempty"`

	// FailoverFlavorID is the runtime error-failover target, guarded by
	// Triggers and bounded by MaxFailoverDepth.
	FailoverFlavorID string           `json:"failover_flavor_id,omitempty"`
	Triggers         FailoverTriggers `json:"failover_triggers,omitempty"`
	MaxFailoverDepth int              `json:"max_failover_depth,omitempty"`
}

// Store is the read-only configuration lookup contract. This core never
// writes configuration, only reads it.
type Store interface {
	GetProvider(id string) (*Provider, error)
	GetModel(id string) (*Model, error)
	GetService(id string) (*Service, error)
	GetFlavor(id string) (*Flavor, error)
	ListProviders() []*Provider
	ListFlavors() []*Flavor
	ListModels() []*Model
}
