package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"textgate/pkg/models"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrJobActive rejects deleting a job that has not reached a terminal
	// state; it must be cancelled first.
	ErrJobActive = errors.New("job is still active")
	// ErrAlreadyTerminal rejects status updates on a finished job. Sweeps
	// treat it as a no-op.
	ErrAlreadyTerminal   = errors.New("job already terminal")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store is the data access interface for job rows. All database operations
// go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	// ListActiveJobs returns every non-terminal job, oldest first. Feeds the
	// orphan sweep and the global stream snapshot.
	ListActiveJobs(ctx context.Context) ([]*models.Job, error)
	// DeleteJob removes a terminal job. Active jobs return ErrJobActive.
	DeleteJob(ctx context.Context, id uuid.UUID) error

	// UpdateJobStatus applies a guarded status transition. Timestamps are
	// maintained by target status: started_at on started, completed_at on
	// any terminal status.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	// UpdateJobProgress overwrites the progress payload of an active job.
	// Writes against terminal rows are silently dropped, so a slow worker
	// cannot resurrect a swept job.
	UpdateJobProgress(ctx context.Context, id uuid.UUID, progress models.JobProgress) error

	// MarkStaleJobsFailed fails every active job whose started_at (or, if
	// never started, created_at) is older than the cutoff, in one guarded
	// statement. Returns the jobs it changed.
	MarkStaleJobsFailed(ctx context.Context, olderThan time.Time, reason string) ([]*models.Job, error)
	// ReconcileJob runs fn against the row under SELECT ... FOR UPDATE and
	// applies the returned mutation in the same transaction. fn must not
	// perform IO; query external state before calling this.
	ReconcileJob(ctx context.Context, id uuid.UUID, fn ReconcileFunc) error
	// DeleteExpiredJobs purges rows whose expires_at has passed. NULL means
	// never expire. Returns the number of rows removed.
	DeleteExpiredJobs(ctx context.Context, now time.Time) (int, error)
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	OrgID  string
	Status string
	Page   int
	Limit  int
}

// ReconcileFunc inspects a locked job row and returns the mutation to
// apply, or nil to leave the row untouched.
type ReconcileFunc func(job *models.Job) (*JobMutation, error)

// JobMutation is the change a reconciliation applies.
type JobMutation struct {
	Status string
	Error  *string
	Result json.RawMessage
}

// JobUpdate collects the extra fields a status update carries.
type JobUpdate struct {
	ErrorMessage *string
	Result       json.RawMessage
	Progress     *models.JobProgress
}

// JobUpdateOption attaches extra fields to a status update.
type JobUpdateOption func(*JobUpdate)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithResult(result json.RawMessage) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Result = result
	}
}

func WithProgress(progress models.JobProgress) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Progress = &progress
	}
}

// transitionsInto lists, per target status, the statuses a row may be in
// for the transition to apply. Transitions are monotonic; re-asserting the
// current non-terminal state is a harmless no-op.
var transitionsInto = map[string][]string{
	models.JobStatusStarted:    {models.JobStatusQueued, models.JobStatusStarted},
	models.JobStatusProcessing: {models.JobStatusQueued, models.JobStatusStarted, models.JobStatusProcessing},
	models.JobStatusCompleted:  models.ActiveStatuses,
	models.JobStatusFailed:     models.ActiveStatuses,
	models.JobStatusCancelled:  models.ActiveStatuses,
}

// TransitionAllowed reports whether a job in status from may move to to.
func TransitionAllowed(from, to string) bool {
	for _, s := range transitionsInto[to] {
		if s == from {
			return true
		}
	}
	return false
}
