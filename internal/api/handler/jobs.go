package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "textgate/internal/api/middleware"
	"textgate/internal/api/response"
	"textgate/internal/job"
	"textgate/internal/store"
	"textgate/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// JobService defines the interface the job handlers depend on.
type JobService interface {
	Create(ctx context.Context, params job.CreateParams) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// The job is accepted and queued; the response carries the row the caller
// can poll or stream until it settles.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ServiceID  string `json:"service_id"`
			FlavorID   string `json:"flavor_id"`
			Input      string `json:"input"`
			OrgID      string `json:"org_id"`
			TTLSeconds int    `json:"ttl_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.ServiceID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "service_id is required", nil)
			return
		}
		if req.Input == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "input is required", nil)
			return
		}
		if req.TTLSeconds < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ttl_seconds must not be negative", nil)
			return
		}

		orgID := req.OrgID
		if orgID == "" {
			orgID, _ = mw.GetOrgID(r)
		}

		created, err := svc.Create(r.Context(), job.CreateParams{
			ServiceID: req.ServiceID,
			FlavorID:  req.FlavorID,
			Input:     req.Input,
			OrgID:     orgID,
			TTL:       time.Duration(req.TTLSeconds) * time.Second,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.Accepted(w, created)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}

		j, err := svc.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.JSON(w, j)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Results are filtered by org and status when given, newest first.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		status := q.Get("status")
		if status != "" && !models.ValidJobStatus(status) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be one of queued, started, processing, completed, failed, cancelled", nil)
			return
		}

		orgID := q.Get("org")
		if orgID == "" {
			orgID, _ = mw.GetOrgID(r)
		}

		page := parsePositiveInt(q.Get("page"), 1)
		limit := parsePositiveInt(q.Get("limit"), defaultPageLimit)
		if limit > maxPageLimit {
			limit = maxPageLimit
		}

		jobs, total, err := svc.List(r.Context(), store.JobFilter{
			OrgID:  orgID,
			Status: status,
			Page:   page,
			Limit:  limit,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.Collection(w, jobs, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST
// /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}

		j, err := svc.Cancel(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.JSON(w, j)
	}
}

// NewDeleteJobHandler returns an http.HandlerFunc for DELETE
// /api/v1/jobs/{jobID}. Only settled jobs can be deleted.
func NewDeleteJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}

		if err := svc.Delete(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}

		response.NoContent(w)
	}
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func parsePositiveInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
