// Package job manages the job lifecycle: dispatch, cancellation, deletion,
// and the periodic sweeps that repair rows the happy path missed.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"textgate/internal/bus"
	"textgate/internal/cancel"
	"textgate/internal/flavor"
	"textgate/internal/queue"
	"textgate/internal/store"
	"textgate/internal/token"
	"textgate/pkg/models"
)

var (
	// ErrJobTerminal rejects cancelling a job that already finished. The
	// caller gets the real status from the job row, not a silent no-op.
	ErrJobTerminal = errors.New("job already in a terminal state")
	// ErrFlavorInactive rejects dispatching against a disabled flavor.
	ErrFlavorInactive = errors.New("flavor is not active")
	// ErrEmptyInput rejects requests with nothing to process.
	ErrEmptyInput = errors.New("input text is empty")
)

// previewBytes caps the stored input preview.
const previewBytes = 240

// CreateParams holds validated parameters for dispatching a job.
type CreateParams struct {
	ServiceID string
	// FlavorID is optional; empty selects the service default.
	FlavorID string
	OrgID    string
	Input    string
	// TTL schedules the finished row for deletion that long after
	// creation. Zero keeps the row until it is deleted explicitly.
	TTL time.Duration
}

// Service orchestrates the job lifecycle around the store and task queue.
type Service struct {
	store    store.Store
	queue    queue.Queue
	registry flavor.Store
	counter  token.Counter
	deny     cancel.DenyList
	bus      bus.Publisher
}

// NewService creates a new job Service.
func NewService(st store.Store, q queue.Queue, reg flavor.Store, counter token.Counter, deny cancel.DenyList, publisher bus.Publisher) *Service {
	return &Service{
		store:    st,
		queue:    q,
		registry: reg,
		counter:  counter,
		deny:     deny,
		bus:      publisher,
	}
}

// Create resolves the flavor, runs the pre-flight capacity check, persists
// the job row, and enqueues the task. The row is committed before the
// enqueue call so a fast worker can never observe a task without its job.
func (s *Service) Create(ctx context.Context, params CreateParams) (*models.Job, error) {
	if params.Input == "" {
		return nil, ErrEmptyInput
	}

	svc, err := s.registry.GetService(params.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("resolving service %q: %w", params.ServiceID, err)
	}

	flavorID := params.FlavorID
	if flavorID == "" {
		flavorID = svc.DefaultFlavorID
	}
	if flavorID == "" {
		return nil, fmt.Errorf("service %q has no default flavor and none was requested", svc.ID)
	}

	f, err := s.registry.GetFlavor(flavorID)
	if err != nil {
		return nil, fmt.Errorf("resolving flavor %q: %w", flavorID, err)
	}
	if f.ServiceID != svc.ID {
		return nil, fmt.Errorf("flavor %q belongs to service %q, not %q", f.ID, f.ServiceID, svc.ID)
	}
	if !f.IsActive {
		return nil, fmt.Errorf("%w: %q", ErrFlavorInactive, f.ID)
	}

	m, err := s.registry.GetModel(f.ModelID)
	if err != nil {
		return nil, fmt.Errorf("resolving model %q: %w", f.ModelID, err)
	}

	inputTokens := s.counter.Count(ctx, token.ModelRef{Name: m.Name, Tokenizer: m.TokenizerName}, params.Input)

	decision, err := flavor.ResolveDispatch(s.registry, f, m, inputTokens)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:                 uuid.New(),
		TaskHandle:         uuid.NewString(),
		ServiceID:          svc.ID,
		FlavorID:           decision.Flavor.ID,
		OrgID:              params.OrgID,
		Status:             models.JobStatusQueued,
		InputPreview:       truncateString(params.Input, previewBytes),
		FallbackApplied:    decision.FallbackApplied,
		OriginalFlavorID:   decision.OriginalFlavorID,
		OriginalFlavorName: decision.OriginalFlavorName,
		FallbackReason:     decision.Reason,
		InputTokens:        decision.InputTokens,
		AvailableTokens:    decision.AvailableTokens,
		CreatedAt:          now,
		CurrentVersion:     1,
	}
	if params.TTL > 0 {
		expires := now.Add(params.TTL)
		job.ExpiresAt = &expires
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	payload, err := TaskPayload{
		JobID:     job.ID,
		ServiceID: svc.ID,
		FlavorID:  decision.Flavor.ID,
		OrgID:     params.OrgID,
		Input:     params.Input,
		Handle:    job.TaskHandle,
	}.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding task payload: %w", err)
	}

	if err := s.queue.Enqueue(ctx, job.TaskHandle, payload, queue.FromFlavorPriority(decision.Flavor.Priority)); err != nil {
		markErr := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed,
			store.WithErrorMessage(fmt.Sprintf("enqueue: %v", err)))
		if markErr != nil {
			slog.Error("failed to mark unenqueued job failed", "job_id", job.ID, "error", markErr)
		}
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}

	_ = s.bus.PublishJobUpdate(ctx, models.EventFromJob(job))

	return job, nil
}

// Get returns one job by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns a page of jobs plus the unpaged total.
func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	return s.store.ListJobs(ctx, filter)
}

// Cancel stops an active job: the queue handle is revoked so an undequeued
// task dies in place, the deny-list catches a task already running, and the
// row transitions to cancelled. A finished job returns ErrJobTerminal.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return nil, fmt.Errorf("%w: job is %s", ErrJobTerminal, job.Status)
	}

	// Best effort: the DB transition below is the authoritative part.
	if err := s.queue.Revoke(ctx, job.TaskHandle); err != nil {
		slog.Warn("revoking task handle failed", "job_id", id, "error", err)
	}
	if err := s.deny.Add(ctx, job.TaskHandle); err != nil {
		slog.Warn("adding task handle to deny-list failed", "job_id", id, "error", err)
	}

	err = s.store.UpdateJobStatus(ctx, id, models.JobStatusCancelled,
		store.WithErrorMessage("cancelled by user"))
	if errors.Is(err, store.ErrAlreadyTerminal) {
		return nil, fmt.Errorf("%w: job finished during cancellation", ErrJobTerminal)
	}
	if err != nil {
		return nil, fmt.Errorf("cancelling job: %w", err)
	}

	job, err = s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = s.bus.PublishJobUpdate(ctx, models.EventFromJob(job))
	return job, nil
}

// Delete removes a terminal job row. Active jobs must be cancelled first.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteJob(ctx, id)
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
