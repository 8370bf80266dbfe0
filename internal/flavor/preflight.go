package flavor

import "fmt"

// promptBuffer is the token headroom reserved for prompt scaffolding when
// deciding whether an input fits a flavor's context budget.
const promptBuffer = 1000

// ConfigError reports a broken configuration reference discovered at
// dispatch time, naming the offending field.
type ConfigError struct {
	FlavorID string
	Field    string
	Ref      string
	Detail   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("flavor %q: %s %q: %s", e.FlavorID, e.Field, e.Ref, e.Detail)
}

// CapacityError reports an input that exceeds the flavor's context budget
// with no usable fallback. Token counts are included so the caller can see
// the deficit.
type CapacityError struct {
	FlavorName      string
	InputTokens     int
	AvailableTokens int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf(
		"input of %d tokens exceeds flavor %q capacity of %d tokens (%d over); configure a fallback_flavor_id to handle oversized inputs",
		e.InputTokens, e.FlavorName, e.AvailableTokens, e.InputTokens-e.AvailableTokens)
}

// Deficit returns how many tokens the input is over budget.
func (e *CapacityError) Deficit() int { return e.InputTokens - e.AvailableTokens }

// Decision is the outcome of pre-flight resolution: the flavor and model to
// dispatch against, plus the audit trail when a fallback was applied.
type Decision struct {
	Flavor *Flavor
	Model  *Model

	FallbackApplied    bool
	OriginalFlavorID   string
	OriginalFlavorName string
	Reason             string
	InputTokens        int
	AvailableTokens    int
}

// ResolveDispatch runs the pre-flight capacity check and picks the flavor
// that will actually execute. Iterative mode always fits (it self-chunks).
// An oversized input swaps to the declared fallback flavor, recording the
// swap for audit; a missing or inactive fallback is a *ConfigError, an
// oversized input with no fallback a *CapacityError.
func ResolveDispatch(store Store, f *Flavor, m *Model, inputTokens int) (*Decision, error) {
	available := m.ContextLength - m.MaxGenerationLength - promptBuffer
	d := &Decision{
		Flavor:          f,
		Model:           m,
		InputTokens:     inputTokens,
		AvailableTokens: available,
	}

	if f.Mode == ModeIterative || inputTokens <= available {
		return d, nil
	}

	if f.FallbackFlavorID == "" {
		return nil, &CapacityError{
			FlavorName:      f.Name,
			InputTokens:     inputTokens,
			AvailableTokens: available,
		}
	}

	fb, err := store.GetFlavor(f.FallbackFlavorID)
	if err != nil {
		return nil, &ConfigError{
			FlavorID: f.ID,
			Field:    "fallback_flavor_id",
			Ref:      f.FallbackFlavorID,
			Detail:   "referenced flavor does not exist",
		}
	}
	if !fb.IsActive {
		return nil, &ConfigError{
			FlavorID: f.ID,
			Field:    "fallback_flavor_id",
			Ref:      f.FallbackFlavorID,
			Detail:   "referenced flavor is inactive",
		}
	}
	fbModel, err := store.GetModel(fb.ModelID)
	if err != nil {
		return nil, &ConfigError{
			FlavorID: fb.ID,
			Field:    "model_id",
			Ref:      fb.ModelID,
			Detail:   "referenced model does not exist",
		}
	}

	d.Flavor = fb
	d.Model = fbModel
	d.FallbackApplied = true
	d.OriginalFlavorID = f.ID
	d.OriginalFlavorName = f.Name
	d.Reason = fmt.Sprintf("input of %d tokens exceeds %q capacity of %d tokens", inputTokens, f.Name, available)
	return d, nil
}
