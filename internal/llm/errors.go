// Package llm wires the provider integrations behind the models.LLMClient
// interface and classifies their failures into the four error classes the
// failover layer dispatches on.
package llm

import (
	"context"
	"errors"
	"net"

	"textgate/internal/flavor"
	"textgate/internal/llm/llmerr"
)

// Sentinel errors for model-call failures. Provider implementations wrap
// exactly one of these around every failure they return. The canonical
// declarations live in llmerr so provider packages can import them without
// importing this package, whose factory imports the providers back.
var (
	ErrTimeout         = llmerr.ErrTimeout
	ErrRateLimited     = llmerr.ErrRateLimited
	ErrModelError      = llmerr.ErrModelError
	ErrContentFiltered = llmerr.ErrContentFiltered
)

// Classify maps a model-call error to its failover error class. Errors that
// carry none of the sentinels (including transport failures a provider did
// not wrap) count as model errors.
func Classify(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return flavor.ClassTimeout
	case errors.Is(err, ErrRateLimited):
		return flavor.ClassRateLimit
	case errors.Is(err, ErrContentFiltered):
		return flavor.ClassContentFilter
	case errors.Is(err, ErrModelError):
		return flavor.ClassModelError
	case errors.Is(err, context.DeadlineExceeded):
		return flavor.ClassTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return flavor.ClassTimeout
		}
		return flavor.ClassModelError
	}
}
