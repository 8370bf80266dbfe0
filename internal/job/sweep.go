package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"textgate/internal/bus"
	"textgate/internal/queue"
	"textgate/internal/store"
	"textgate/pkg/models"
)

// SweepCounts reports what one sweep pass changed.
type SweepCounts struct {
	OrphansReconciled int `json:"orphans_reconciled"`
	StaleFailed       int `json:"stale_failed"`
	ExpiredDeleted    int `json:"expired_deleted"`
}

// Sweeper repairs job rows the happy path left behind: actives whose task
// finished or vanished, actives that outlived the stale timeout, and
// finished rows past their TTL. Every sweep is idempotent; the store's
// transition guard makes re-marking a terminal row a no-op.
type Sweeper struct {
	store        store.Store
	queue        queue.Queue
	bus          bus.Publisher
	staleTimeout time.Duration
}

// NewSweeper creates a new Sweeper.
func NewSweeper(st store.Store, q queue.Queue, publisher bus.Publisher, staleTimeout time.Duration) *Sweeper {
	return &Sweeper{
		store:        st,
		queue:        q,
		bus:          publisher,
		staleTimeout: staleTimeout,
	}
}

// SweepStale fails active jobs older than the stale timeout, measured from
// started_at when set and created_at otherwise. Returns how many changed.
func (s *Sweeper) SweepStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.staleTimeout)
	reason := fmt.Sprintf("timed out after %.0f minutes without completing", s.staleTimeout.Minutes())

	changed, err := s.store.MarkStaleJobsFailed(ctx, cutoff, reason)
	if err != nil {
		return 0, fmt.Errorf("sweeping stale jobs: %w", err)
	}
	for _, j := range changed {
		slog.Warn("stale job failed by sweep", "job_id", j.ID, "org_id", j.OrgID)
		_ = s.bus.PublishJobUpdate(ctx, models.EventFromJob(j))
	}
	return len(changed), nil
}

// SweepOrphans reconciles active job rows against the task queue. A task
// that succeeded settles the row with its recovered result; a task that
// failed, was revoked, or whose state expired fails the row with the
// disagreement recorded. Tasks still pending or running are left alone.
// The queue is consulted before the row lock is taken, never under it.
func (s *Sweeper) SweepOrphans(ctx context.Context) (int, error) {
	active, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active jobs: %w", err)
	}

	reconciled := 0
	for _, j := range active {
		status, err := s.queue.Status(ctx, j.TaskHandle)
		if err != nil {
			slog.Warn("orphan sweep: task status unavailable", "job_id", j.ID, "error", err)
			continue
		}

		mutation := reconcileMutation(status)
		if mutation == nil {
			continue
		}

		applied := false
		err = s.store.ReconcileJob(ctx, j.ID, func(row *models.Job) (*store.JobMutation, error) {
			// Re-check under the row lock: another sweeper or the worker
			// may have settled the job since the queue was consulted.
			if row.IsTerminal() {
				return nil, nil
			}
			applied = true
			return mutation, nil
		})
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAlreadyTerminal) {
			continue
		}
		if err != nil {
			slog.Error("orphan sweep: reconcile failed", "job_id", j.ID, "error", err)
			continue
		}
		if !applied {
			continue
		}

		reconciled++
		slog.Warn("orphaned job reconciled",
			"job_id", j.ID, "task_state", status.State, "new_status", mutation.Status)
		if fresh, err := s.store.GetJob(ctx, j.ID); err == nil {
			_ = s.bus.PublishJobUpdate(ctx, models.EventFromJob(fresh))
		}
	}
	return reconciled, nil
}

// reconcileMutation maps a task-queue state to the row mutation it implies,
// or nil when the row should be left alone.
func reconcileMutation(status queue.TaskStatus) *store.JobMutation {
	switch status.State {
	case queue.StateSucceeded:
		if len(status.Result) > 0 {
			return &store.JobMutation{Status: models.JobStatusCompleted, Result: status.Result}
		}
		msg := "task reported success but recorded no result"
		return &store.JobMutation{Status: models.JobStatusFailed, Error: &msg}
	case queue.StateFailed:
		msg := "task failed in the queue"
		if len(status.Result) > 0 {
			msg = fmt.Sprintf("task failed in the queue: %s", status.Result)
		}
		return &store.JobMutation{Status: models.JobStatusFailed, Error: &msg}
	case queue.StateRevoked:
		msg := "task was revoked but the job row stayed active"
		return &store.JobMutation{Status: models.JobStatusFailed, Error: &msg}
	case queue.StateUnknown:
		msg := "task state expired from the queue before completion"
		return &store.JobMutation{Status: models.JobStatusFailed, Error: &msg}
	default:
		// queued, started, progressing: still in flight.
		return nil
	}
}

// SweepExpired deletes rows whose expires_at has passed. Rows without a
// TTL never expire.
func (s *Sweeper) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpiredJobs(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweeping expired jobs: %w", err)
	}
	if n > 0 {
		slog.Info("expired jobs deleted", "count", n)
	}
	return n, nil
}

// RunAll runs the three sweeps in order: orphan reconciliation first so
// recoverable results are not clobbered by the stale sweep, then stale,
// then TTL expiry.
func (s *Sweeper) RunAll(ctx context.Context) (SweepCounts, error) {
	var counts SweepCounts
	var errs []error

	n, err := s.SweepOrphans(ctx)
	counts.OrphansReconciled = n
	if err != nil {
		errs = append(errs, err)
	}

	n, err = s.SweepStale(ctx)
	counts.StaleFailed = n
	if err != nil {
		errs = append(errs, err)
	}

	n, err = s.SweepExpired(ctx)
	counts.ExpiredDeleted = n
	if err != nil {
		errs = append(errs, err)
	}

	return counts, errors.Join(errs...)
}
