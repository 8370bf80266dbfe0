package handler

import (
	"errors"
	"net/http"

	"textgate/internal/api/response"
	"textgate/internal/flavor"
	"textgate/internal/job"
	"textgate/internal/store"
)

// writeServiceError translates job-service and registry errors into the
// response envelope. Every handler that calls into the job service funnels
// its error path through here so a given failure always maps to the same
// status and code.
func writeServiceError(w http.ResponseWriter, err error) {
	var capErr *flavor.CapacityError
	var cfgErr *flavor.ConfigError

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, flavor.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND",
			"The requested resource does not exist", nil)
	case errors.Is(err, job.ErrJobTerminal):
		response.Error(w, http.StatusConflict, "JOB_TERMINAL",
			"The job has already finished", nil)
	case errors.Is(err, store.ErrJobActive):
		response.Error(w, http.StatusConflict, "JOB_ACTIVE",
			"The job is still running; cancel it before deleting", nil)
	case errors.Is(err, job.ErrFlavorInactive):
		response.Error(w, http.StatusUnprocessableEntity, "FLAVOR_INACTIVE",
			"The requested flavor is disabled", nil)
	case errors.Is(err, job.ErrEmptyInput):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			"input is required", nil)
	case errors.As(err, &capErr):
		response.Error(w, http.StatusRequestEntityTooLarge, "CONTEXT_EXCEEDED",
			capErr.Error(), map[string]any{
				"flavor":           capErr.FlavorName,
				"input_tokens":     capErr.InputTokens,
				"available_tokens": capErr.AvailableTokens,
				"deficit":          capErr.Deficit(),
			})
	case errors.As(err, &cfgErr):
		response.Error(w, http.StatusUnprocessableEntity, "CONFIG_ERROR",
			cfgErr.Error(), map[string]any{
				"flavor_id": cfgErr.FlavorID,
				"field":     cfgErr.Field,
				"ref":       cfgErr.Ref,
			})
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
