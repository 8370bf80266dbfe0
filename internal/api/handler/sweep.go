package handler

import (
	"context"
	"net/http"

	"textgate/internal/api/response"
	"textgate/internal/job"
)

// Sweeper defines the interface the admin sweep handler depends on.
type Sweeper interface {
	RunAll(ctx context.Context) (job.SweepCounts, error)
}

// NewSweepHandler returns an http.HandlerFunc for POST /api/v1/admin/sweep.
// It runs the reconciliation sweeps on demand, outside their schedule.
// Sweeps keep going past individual failures, so the counts are reported
// even when the run as a whole errored.
func NewSweepHandler(sweeper Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := sweeper.RunAll(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "SWEEP_FAILED",
				"One or more sweeps failed", counts)
			return
		}

		response.JSON(w, counts)
	}
}
