// Package progress serves the two live views of job state: a per-job
// poll-and-push watcher and the tenant-filtered global event stream.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"textgate/internal/bus"
	"textgate/internal/queue"
	"textgate/internal/store"
	"textgate/pkg/models"
)

// PushFunc delivers one event to the connected client. A returned error
// means the client is gone and the stream should end.
type PushFunc func(models.JobUpdateEvent) error

// Watcher builds job-update streams from the database, the queue's live
// progress hash, and the update bus.
type Watcher struct {
	store store.Store
	queue queue.Queue
	sub   bus.Subscriber
	// processingPoll applies while the job is processing, idlePoll in every
	// other active state.
	processingPoll time.Duration
	idlePoll       time.Duration
}

func NewWatcher(st store.Store, q queue.Queue, sub bus.Subscriber, processingPoll, idlePoll time.Duration) *Watcher {
	if processingPoll <= 0 {
		processingPoll = time.Second
	}
	if idlePoll <= 0 {
		idlePoll = 3 * time.Second
	}
	return &Watcher{
		store:          st,
		queue:          q,
		sub:            sub,
		processingPoll: processingPoll,
		idlePoll:       idlePoll,
	}
}

// Watch streams one job until it settles. The current state is pushed
// immediately; afterwards the row is polled and a new event is pushed only
// when the status or the completion percentage moved. The first terminal
// push ends the stream.
//
// An unknown job returns store.ErrNotFound before anything is pushed, so
// the caller can still answer 404.
func (w *Watcher) Watch(ctx context.Context, jobID uuid.UUID, push PushFunc) error {
	j, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	prev := w.snapshot(ctx, j)
	if err := push(prev); err != nil {
		return nil
	}
	if j.IsTerminal() {
		return nil
	}

	ticker := time.NewTicker(w.pollFor(j.Status))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		j, err = w.store.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("job vanished mid-stream: %w", err)
			}
			slog.Warn("job poll failed", "job_id", jobID, "error", err)
			continue
		}

		ev := w.snapshot(ctx, j)
		if ev.Status != prev.Status || ev.Progress.Percentage != prev.Progress.Percentage {
			if err := push(ev); err != nil {
				return nil
			}
			prev = ev
		}
		if j.IsTerminal() {
			return nil
		}
		ticker.Reset(w.pollFor(j.Status))
	}
}

// WatchAll streams every update for one tenant, or for all tenants when
// orgID is empty. Currently active jobs are replayed as a snapshot first,
// then live bus events follow. The bus subscription is attached before the
// snapshot is taken so no update can fall between the two.
func (w *Watcher) WatchAll(ctx context.Context, orgID string, push PushFunc) error {
	events, release, err := w.sub.Subscribe(ctx, orgID)
	if err != nil {
		return fmt.Errorf("attaching to update bus: %w", err)
	}
	defer release()

	active, err := w.store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing active jobs: %w", err)
	}
	for _, j := range active {
		if orgID != "" && j.OrgID != orgID {
			continue
		}
		if err := push(models.EventFromJob(j)); err != nil {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !ev.Valid() {
				slog.Warn("dropping incomplete job update", "job_id", ev.JobID)
				continue
			}
			// The tenant channel should only carry its own events; check
			// anyway so a cross-posted event cannot leak.
			if orgID != "" && ev.OrgID != orgID {
				continue
			}
			if err := push(ev); err != nil {
				return nil
			}
		}
	}
}

// snapshot builds the event for the row, overlaying the queue's live
// progress meta when it is fresher than the throttled database copy. Queue
// trouble degrades to the row state alone.
func (w *Watcher) snapshot(ctx context.Context, j *models.Job) models.JobUpdateEvent {
	ev := models.EventFromJob(j)
	if j.IsTerminal() {
		return ev
	}

	st, err := w.queue.Status(ctx, j.TaskHandle)
	if err != nil || st.State != queue.StateProgressing || len(st.Meta) == 0 {
		return ev
	}
	var p models.JobProgress
	if err := json.Unmarshal(st.Meta, &p); err != nil {
		return ev
	}
	if p.Percentage >= ev.Progress.Percentage {
		ev.Progress = models.EventProgress{
			Current:    p.Current,
			Total:      p.Total,
			Percentage: p.Percentage,
			Phase:      p.Phase,
		}
	}
	return ev
}

func (w *Watcher) pollFor(status string) time.Duration {
	if status == models.JobStatusProcessing {
		return w.processingPoll
	}
	return w.idlePoll
}
