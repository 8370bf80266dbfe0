package flavor

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// stubStore is a map-backed Store for exercising the resolution algorithms
// with configurations the registry loader would refuse, such as cycles.
type stubStore struct {
	flavors map[string]*Flavor
	models  map[string]*Model
}

func (s *stubStore) GetFlavor(id string) (*Flavor, error) {
	if f, ok := s.flavors[id]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("flavor %q: %w", id, ErrNotFound)
}

func (s *stubStore) GetModel(id string) (*Model, error) {
	if m, ok := s.models[id]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("model %q: %w", id, ErrNotFound)
}

func (s *stubStore) GetProvider(id string) (*Provider, error) { return nil, ErrNotFound }
func (s *stubStore) GetService(id string) (*Service, error) { return nil, ErrNotFound }
func (s *stubStore) ListProviders() []*Provider { return nil }
func (s *stubStore) ListFlavors() []*Flavor { return nil }
func (s *stubStore) ListModels() []*Model { return nil }

var _ Store = (*stubStore)(nil)

// smallModel has 8192-1024-1000 = 6168 tokens available for input.
func smallModel() *Model {
	return &Model{ID: "m-small", Name: "llama3:8b", ContextLength: 8192, MaxGenerationLength: 1024}
}

func bigModel() *Model {
	return &Model{ID: "m-big", Name: "gpt-4o-mini", ContextLength: 128000, MaxGenerationLength: 16384}
}

func preflightStore() *stubStore {
	return &stubStore{
		models: map[string]*Model{"m-small": smallModel(), "m-big": bigModel()},
		flavors: map[string]*Flavor{
			"fb": {ID: "fb", Name: "Big fallback", ModelID: "m-big", IsActive: true, Mode: ModeSinglePass},
			"fb-inactive": {
				ID: "fb-inactive", Name: "Disabled fallback", ModelID: "m-big",
				IsActive: false, Mode: ModeSinglePass,
			},
			"fb-broken-model": {
				ID: "fb-broken-model", Name: "Broken fallback", ModelID: "m-ghost",
				IsActive: true, Mode: ModeSinglePass,
			},
		},
	}
}

// --- ResolveDispatch tests ---

func TestResolveDispatch_FitsWithinBudget(t *testing.T) {
	st := preflightStore()
	f := &Flavor{ID: "f", Name: "Primary", Mode: ModeSinglePass}

	d, err := ResolveDispatch(st, f, smallModel(), 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Flavor != f {
		t.Error("expected original flavor to be dispatched")
	}
	if d.FallbackApplied {
		t.Error("no fallback should apply when the input fits")
	}
	if d.AvailableTokens != 6168 {
		t.Errorf("expected 6168 available tokens, got %d", d.AvailableTokens)
	}
}

func TestResolveDispatch_BoundaryInputFits(t *testing.T) {
	st := preflightStore()
	f := &Flavor{ID: "f", Name: "Primary", Mode: ModeSinglePass}

	d, err := ResolveDispatch(st, f, smallModel(), 6168)
	if err != nil {
		t.Fatalf("input exactly at budget must fit, got %v", err)
	}
	if d.FallbackApplied {
		t.Error("no fallback should apply at the boundary")
	}
}

func TestResolveDispatch_IterativeAlwaysFits(t *testing.T) {
	st := preflightStore()
	f := &Flavor{ID: "f", Name: "Primary", Mode: ModeIterative}

	d, err := ResolveDispatch(st, f, smallModel(), 10_000_000)
	if err != nil {
		t.Fatalf("iterative mode must accept any size, got %v", err)
	}
	if d.Flavor != f || d.FallbackApplied {
		t.Error("iterative mode should dispatch the original flavor unchanged")
	}
}

func TestResolveDispatch_FallbackApplied(t *testing.T) {
	st := preflightStore()
	f := &Flavor{ID: "f", Name: "Primary", Mode: ModeSinglePass, FallbackFlavorID: "fb"}

	d, err := ResolveDispatch(st, f, smallModel(), 7000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.FallbackApplied {
		t.Fatal("expected fallback to apply")
	}
	if d.Flavor.ID != "fb" {
		t.Errorf("expected fallback flavor, got %q", d.Flavor.ID)
	}
	if d.Model.ID != "m-big" {
		t.Errorf("expected fallback model, got %q", d.Model.ID)
	}
	if d.OriginalFlavorID != "f" || d.OriginalFlavorName != "Primary" {
		t.Errorf("audit trail incomplete: %+v", d)
	}
	if !strings.Contains(d.Reason, "exceeds") {
		t.Errorf("expected reason to describe the overflow, got %q", d.Reason)
	}
}

func TestResolveDispatch_NoFallbackIsCapacityError(t *testing.T) {
	st := preflightStore()
	f := &Flavor{ID: "f", Name: "Primary", Mode: ModeSinglePass}

	_, err := ResolveDispatch(st, f, smallModel(), 7000)

	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected *CapacityError, got %v", err)
	}
	if capErr.InputTokens != 7000 || capErr.AvailableTokens != 6168 {
		t.Errorf("unexpected token figures: %+v", capErr)
	}
	if capErr.Deficit() != 832 {
		t.Errorf("expected deficit 832, got %d", capErr.Deficit())
	}
	if !strings.Contains(capErr.Error(), "configure a fallback_flavor_id") {
		t.Errorf("error should point at the missing fallback: %v", capErr)
	}
}

func TestResolveDispatch_FallbackMissingIsConfigError(t *testing.T) {
	st := preflightStore()
	f := &Flavor{ID: "f", Name: "Primary", Mode: ModeSinglePass, FallbackFlavorID: "ghost"}

	_, err := ResolveDispatch(st, f, smallModel(), 7000)

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if cfgErr.Field != "fallback_flavor_id" || cfgErr.Ref != "ghost" {
		t.Errorf("unexpected config error: %+v", cfgErr)
	}
	if !strings.Contains(cfgErr.Detail, "does not exist") {
		t.Errorf("expected missing-reference detail, got %q", cfgErr.Detail)
	}
}

func TestResolveDispatch_FallbackInactiveIsConfigError(t *testing.T) {
	st := preflightStore()
	f := &Flavor{ID: "f", Name: "Primary", Mode: ModeSinglePass, FallbackFlavorID: "fb-inactive"}

	_, err := ResolveDispatch(st, f, smallModel(), 7000)

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if !strings.Contains(cfgErr.Detail, "inactive") {
		t.Errorf("expected inactive detail, got %q", cfgErr.Detail)
	}
}

func TestResolveDispatch_FallbackModelMissingIsConfigError(t *testing.T) {
	st := preflightStore()
	f := &Flavor{ID: "f", Name: "Primary", Mode: ModeSinglePass, FallbackFlavorID: "fb-broken-model"}

	_, err := ResolveDispatch(st, f, smallModel(), 7000)

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if cfgErr.Field != "model_id" || cfgErr.FlavorID != "fb-broken-model" {
		t.Errorf("config error should blame the fallback's model reference: %+v", cfgErr)
	}
}
