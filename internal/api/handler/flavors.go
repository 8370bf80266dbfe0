package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"textgate/internal/api/response"
	"textgate/internal/flavor"
)

// NewFailoverChainHandler returns an http.HandlerFunc for GET
// /api/v1/flavors/{flavorID}/failover-chain. The walk is bounded by the
// starting flavor's own max depth; a cyclic configuration is reported,
// not rejected.
func NewFailoverChainHandler(registry flavor.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flavorID := chi.URLParam(r, "flavorID")
		if flavorID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "flavorID is required", nil)
			return
		}

		chain, err := flavor.FailoverChain(registry, flavorID, 0)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.JSON(w, chain)
	}
}
