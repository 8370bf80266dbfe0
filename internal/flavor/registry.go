package flavor

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Defaults applied to flavors that leave the corresponding field zero.
const (
	defaultTurnThreshold   = 500
	defaultSummaryTurns    = 3
	defaultMaxNewTurns     = 50
	defaultParallelBatches = 4
	defaultFailoverDepth   = 3
)

// Registry is the JSON-file-backed Store implementation. It is loaded once
// at startup, validated eagerly, and never mutated afterwards, so reads
// need no locking.
type Registry struct {
	providers map[string]*Provider
	models    map[string]*Model
	services  map[string]*Service
	flavors   map[string]*Flavor

	providerOrder []string
	flavorOrder   []string
	modelOrder    []string
}

type registryFile struct {
	Providers []*Provider `json:"providers"`
	Models    []*Model    `json:"models"`
	Services  []*Service  `json:"services"`
	Flavors   []*Flavor   `json:"flavors"`
}

// Load reads and validates the configuration file at path. Validation is
// eager: dangling references, bad template slot counts, and cyclic failover
// chains are all rejected here, never discovered at execution time.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading flavor config: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing flavor config: %w", err)
	}

	r := &Registry{
		providers: make(map[string]*Provider, len(file.Providers)),
		models:    make(map[string]*Model, len(file.Models)),
		services:  make(map[string]*Service, len(file.Services)),
		flavors:   make(map[string]*Flavor, len(file.Flavors)),
	}

	for _, p := range file.Providers {
		if _, ok := r.providers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate provider id %q", p.ID)
		}
		r.providers[p.ID] = p
		r.providerOrder = append(r.providerOrder, p.ID)
	}
	for _, m := range file.Models {
		if _, ok := r.models[m.ID]; ok {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		r.models[m.ID] = m
		r.modelOrder = append(r.modelOrder, m.ID)
	}
	for _, s := range file.Services {
		if _, ok := r.services[s.ID]; ok {
			return nil, fmt.Errorf("duplicate service id %q", s.ID)
		}
		r.services[s.ID] = s
	}
	for _, f := range file.Flavors {
		if _, ok := r.flavors[f.ID]; ok {
			return nil, fmt.Errorf("duplicate flavor id %q", f.ID)
		}
		r.flavors[f.ID] = f
		r.flavorOrder = append(r.flavorOrder, f.ID)
	}

	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) validate() error {
	for _, p := range r.providers {
		switch p.Kind {
		case ProviderOpenAI, ProviderOllama, ProviderAnthropic, ProviderVLLM:
		default:
			return fmt.Errorf("provider %q: unknown kind %q", p.ID, p.Kind)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", p.ID)
		}
	}

	for _, m := range r.models {
		if _, ok := r.providers[m.ProviderID]; !ok {
			return fmt.Errorf("model %q: unknown provider %q", m.ID, m.ProviderID)
		}
		if m.ContextLength <= 0 {
			return fmt.Errorf("model %q: context_length must be positive", m.ID)
		}
		if m.MaxGenerationLength <= 0 || m.MaxGenerationLength >= m.ContextLength {
			return fmt.Errorf("model %q: max_generation_length must be in (0, context_length)", m.ID)
		}
	}

	for _, s := range r.services {
		if s.DefaultFlavorID != "" {
			if _, ok := r.flavors[s.DefaultFlavorID]; !ok {
				return fmt.Errorf("service %q: unknown default flavor %q", s.ID, s.DefaultFlavorID)
			}
		}
	}

	for _, id := range r.flavorOrder {
		if err := r.validateFlavor(r.flavors[id]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) validateFlavor(f *Flavor) error {
	if _, ok := r.services[f.ServiceID]; !ok {
		return fmt.Errorf("flavor %q: unknown service %q", f.ID, f.ServiceID)
	}
	m, ok := r.models[f.ModelID]
	if !ok {
		return fmt.Errorf("flavor %q: unknown model %q", f.ID, f.ModelID)
	}
	if f.Priority < 0 || f.Priority > 9 {
		return fmt.Errorf("flavor %q: priority %d out of range [0,9]", f.ID, f.Priority)
	}

	switch f.Mode {
	case ModeSinglePass:
		if n := CountSlots(f.Prompts.Prompt); n != 1 {
			return fmt.Errorf("flavor %q: single_pass prompt needs exactly 1 positional slot, has %d", f.ID, n)
		}
	case ModeIterative:
		if n := CountSlots(f.Prompts.Prompt); n != 2 {
			return fmt.Errorf("flavor %q: iterative prompt needs exactly 2 positional slots (context, new content), has %d", f.ID, n)
		}
	default:
		return fmt.Errorf("flavor %q: unknown processing_mode %q", f.ID, f.Mode)
	}

	if f.Prompts.Reduce != "" {
		if n := CountSlots(f.Prompts.Reduce); n != 1 {
			return fmt.Errorf("flavor %q: reduce prompt needs exactly 1 positional slot, has %d", f.ID, n)
		}
	}
	if f.Prompts.Extract != "" {
		if n := CountSlots(f.Prompts.Extract); n != 2 {
			return fmt.Errorf("flavor %q: extract prompt needs exactly 2 positional slots (document, fields), has %d", f.ID, n)
		}
		if len(f.ExtractFields) == 0 {
			return fmt.Errorf("flavor %q: extract prompt set but extract_fields is empty", f.ID)
		}
	}
	if f.Prompts.Categorize != "" {
		names := NamedSlots(f.Prompts.Categorize)
		if len(names) != 2 || !containsAll(names, "document", "tags") {
			return fmt.Errorf("flavor %q: categorize prompt needs exactly the named slots {document} and {tags}, has {%s}",
				f.ID, strings.Join(names, "}, {"))
		}
		if len(f.Categories) == 0 {
			return fmt.Errorf("flavor %q: categorize prompt set but categories is empty", f.ID)
		}
	}

	applyDefaults(f, m)

	if f.FallbackFlavorID != "" {
		if f.FallbackFlavorID == f.ID {
			return fmt.Errorf("flavor %q: fallback_flavor_id references itself", f.ID)
		}
		if _, ok := r.flavors[f.FallbackFlavorID]; !ok {
			return fmt.Errorf("flavor %q: unknown fallback flavor %q", f.ID, f.FallbackFlavorID)
		}
	}

	if f.FailoverFlavorID != "" {
		res := ValidateFailoverChain(r, f.ID, f.FailoverFlavorID, f.MaxFailoverDepth)
		if !res.Valid {
			return fmt.Errorf("flavor %q: invalid failover chain [%s]: %s",
				f.ID, strings.Join(res.Chain, " -> "), res.Reason)
		}
	}
	return nil
}

func applyDefaults(f *Flavor, m *Model) {
	if f.Chunking.TurnTokenThreshold <= 0 {
		f.Chunking.TurnTokenThreshold = defaultTurnThreshold
	}
	if f.Chunking.SummaryTurns <= 0 {
		f.Chunking.SummaryTurns = defaultSummaryTurns
	}
	if f.Chunking.MaxNewTurns <= 0 {
		f.Chunking.MaxNewTurns = defaultMaxNewTurns
	}
	if f.Chunking.MaxParallelBatches <= 0 {
		f.Chunking.MaxParallelBatches = defaultParallelBatches
	}
	if f.MaxFailoverDepth <= 0 {
		f.MaxFailoverDepth = defaultFailoverDepth
	}
	if f.Sampling.MaxTokens <= 0 || f.Sampling.MaxTokens > m.MaxGenerationLength {
		f.Sampling.MaxTokens = m.MaxGenerationLength
	}
}

func containsAll(have []string, want ...string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// GetProvider returns the provider with the given id.
func (r *Registry) GetProvider(id string) (*Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", id, ErrNotFound)
	}
	return p, nil
}

// GetModel returns the model with the given id.
func (r *Registry) GetModel(id string) (*Model, error) {
	m, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("model %q: %w", id, ErrNotFound)
	}
	return m, nil
}

// GetService returns the service with the given id.
func (r *Registry) GetService(id string) (*Service, error) {
	s, ok := r.services[id]
	if !ok {
		return nil, fmt.Errorf("service %q: %w", id, ErrNotFound)
	}
	return s, nil
}

// GetFlavor returns the flavor with the given id.
func (r *Registry) GetFlavor(id string) (*Flavor, error) {
	f, ok := r.flavors[id]
	if !ok {
		return nil, fmt.Errorf("flavor %q: %w", id, ErrNotFound)
	}
	return f, nil
}

// ListProviders returns all providers in file order.
func (r *Registry) ListProviders() []*Provider {
	out := make([]*Provider, 0, len(r.providerOrder))
	for _, id := range r.providerOrder {
		out = append(out, r.providers[id])
	}
	return out
}

// ListFlavors returns all flavors in file order.
func (r *Registry) ListFlavors() []*Flavor {
	out := make([]*Flavor, 0, len(r.flavorOrder))
	for _, id := range r.flavorOrder {
		out = append(out, r.flavors[id])
	}
	return out
}

// ListModels returns all models in file order.
func (r *Registry) ListModels() []*Model {
	out := make([]*Model, 0, len(r.modelOrder))
	for _, id := range r.modelOrder {
		out = append(out, r.models[id])
	}
	return out
}

var _ Store = (*Registry)(nil)
