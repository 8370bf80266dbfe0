// Package llmerr declares the sentinel errors for model-call failures in a
// leaf package, so the per-provider client packages can wrap them without
// importing package llm, whose factory imports the providers back.
package llmerr

import "errors"

// Sentinel errors for model-call failures. Provider implementations wrap
// exactly one of these around every failure they return. Package llm
// re-exports them under the same names.
var (
	ErrTimeout         = errors.New("llm call timeout")
	ErrRateLimited     = errors.New("llm provider rate limited")
	ErrModelError      = errors.New("llm model error")
	ErrContentFiltered = errors.New("llm content filtered")
)
