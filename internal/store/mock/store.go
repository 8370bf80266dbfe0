// Package mock provides an in-memory store.Store for tests. It enforces
// the same transition guards as the Postgres implementation and exposes
// per-method Func overrides for error injection.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"textgate/internal/store"
	"textgate/pkg/models"
)

// Store satisfies store.Store with map-backed state. A nil Func field
// falls through to the in-memory behavior.
type Store struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job

	PingFunc            func(ctx context.Context) error
	CreateJobFunc       func(ctx context.Context, job *models.Job) error
	UpdateJobStatusFunc func(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *Store) Ping(ctx context.Context) error {
	if s.PingFunc != nil {
		return s.PingFunc(ctx)
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if s.CreateJobFunc != nil {
		return s.CreateJobFunc(ctx, job)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("duplicate job id %s", job.ID)
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(j), nil
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*models.Job
	for _, j := range s.jobs {
		if filter.OrgID != "" && j.OrgID != filter.OrgID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		all = append(all, clone(j))
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })

	total := len(all)
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (s *Store) ListActiveJobs(ctx context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*models.Job
	for _, j := range s.jobs {
		if !j.IsTerminal() {
			active = append(active, clone(j))
		}
	}
	sort.Slice(active, func(i, k int) bool { return active[i].CreatedAt.Before(active[k].CreatedAt) })
	return active, nil
}

func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !j.IsTerminal() {
		return store.ErrJobActive
	}
	delete(s.jobs, id)
	return nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	if s.UpdateJobStatusFunc != nil {
		return s.UpdateJobStatusFunc(ctx, id, status, opts...)
	}

	params := &store.JobUpdate{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.TransitionAllowed(j.Status, status) {
		if j.IsTerminal() {
			return store.ErrAlreadyTerminal
		}
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	now := time.Now().UTC()
	j.Status = status
	if status == models.JobStatusStarted && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if models.IsTerminalStatus(status) {
		j.CompletedAt = &now
	}
	if params.ErrorMessage != nil {
		j.Error = params.ErrorMessage
	}
	if params.Result != nil {
		j.Result = params.Result
	}
	if params.Progress != nil {
		j.Progress = *params.Progress
	}
	return nil
}

func (s *Store) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress models.JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	if j.IsTerminal() {
		return nil
	}
	j.Progress = progress
	return nil
}

func (s *Store) MarkStaleJobsFailed(ctx context.Context, olderThan time.Time, reason string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var changed []*models.Job
	for _, j := range s.jobs {
		if j.IsTerminal() {
			continue
		}
		ref := j.CreatedAt
		if j.StartedAt != nil {
			ref = *j.StartedAt
		}
		if !ref.Before(olderThan) {
			continue
		}
		j.Status = models.JobStatusFailed
		msg := reason
		j.Error = &msg
		j.CompletedAt = &now
		changed = append(changed, clone(j))
	}
	return changed, nil
}

func (s *Store) ReconcileJob(ctx context.Context, id uuid.UUID, fn store.ReconcileFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}

	mutation, err := fn(clone(j))
	if err != nil {
		return err
	}
	if mutation == nil {
		return nil
	}
	if !store.TransitionAllowed(j.Status, mutation.Status) {
		if j.IsTerminal() {
			return store.ErrAlreadyTerminal
		}
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, mutation.Status)
	}

	now := time.Now().UTC()
	j.Status = mutation.Status
	if models.IsTerminalStatus(mutation.Status) {
		j.CompletedAt = &now
	}
	if mutation.Error != nil {
		j.Error = mutation.Error
	}
	if mutation.Result != nil {
		j.Result = mutation.Result
	}
	return nil
}

func (s *Store) DeleteExpiredJobs(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, j := range s.jobs {
		if j.ExpiresAt != nil && j.ExpiresAt.Before(now) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func clone(j *models.Job) *models.Job {
	c := *j
	return &c
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)
