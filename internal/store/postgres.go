package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"textgate/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, task_handle, service_id, flavor_id, org_id, status, input_preview,
	result, error, progress,
	fallback_applied, original_flavor_id, original_flavor_name, fallback_reason, input_tokens, available_tokens,
	created_at, started_at, completed_at, expires_at, current_version, last_edited_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("encode job progress: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		job.ID, job.TaskHandle, job.ServiceID, job.FlavorID, job.OrgID, job.Status, job.InputPreview,
		job.Result, job.Error, progress,
		job.FallbackApplied, nullable(job.OriginalFlavorID), nullable(job.OriginalFlavorName),
		nullable(job.FallbackReason), job.InputTokens, job.AvailableTokens,
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.ExpiresAt, job.CurrentVersion, job.LastEditedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.OrgID != "" {
		conditions = append(conditions, fmt.Sprintf("org_id = $%d", argIdx))
		args = append(args, filter.OrgID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

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
	offset := (page - 1) * limit

	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ANY($1) ORDER BY created_at ASC`,
		models.ActiveStatuses)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a terminal job, refusing while the job is active.
func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE id = $1 AND status = ANY($2)`,
		id, []string{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled})
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return ErrJobActive
}

// UpdateJobStatus applies a guarded transition in a single statement: the
// row must still be in a status the target accepts, so two concurrent
// sweepers cannot double-process the same job.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &JobUpdate{}
	for _, opt := range opts {
		opt(params)
	}

	from, ok := transitionsInto[status]
	if !ok {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	set := []string{"status = $2"}
	args := []any{id, status}
	argIdx := 3

	if status == models.JobStatusStarted {
		set = append(set, fmt.Sprintf("started_at = COALESCE(started_at, $%d)", argIdx))
		args = append(args, now)
		argIdx++
	}
	if models.IsTerminalStatus(status) {
		set = append(set, fmt.Sprintf("completed_at = $%d", argIdx))
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		set = append(set, fmt.Sprintf("error = $%d", argIdx))
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.Result != nil {
		set = append(set, fmt.Sprintf("result = $%d", argIdx))
		args = append(args, params.Result)
		argIdx++
	}
	if params.Progress != nil {
		progress, err := json.Marshal(params.Progress)
		if err != nil {
			return fmt.Errorf("encode job progress: %w", err)
		}
		set = append(set, fmt.Sprintf("progress = $%d", argIdx))
		args = append(args, progress)
		argIdx++
	}

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $1 AND status = ANY($%d)`,
		strings.Join(set, ", "), argIdx)
	args = append(args, from)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// The guard rejected the write: distinguish why.
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if models.IsTerminalStatus(current) {
		return ErrAlreadyTerminal
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

// UpdateJobProgress overwrites the progress payload while the job is
// active. A write that lands after the job went terminal is dropped.
func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress models.JobProgress) error {
	payload, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode job progress: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE jobs SET progress = $2 WHERE id = $1 AND status = ANY($3)`,
		id, payload, models.ActiveStatuses)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// MarkStaleJobsFailed fails stale active jobs in one guarded statement.
func (s *PostgresStore) MarkStaleJobsFailed(ctx context.Context, olderThan time.Time, reason string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs
		 SET status = $1, error = $2, completed_at = $3
		 WHERE status = ANY($4) AND COALESCE(started_at, created_at) < $5
		 RETURNING `+jobColumns,
		models.JobStatusFailed, reason, time.Now().UTC(), models.ActiveStatuses, olderThan)
	if err != nil {
		return nil, fmt.Errorf("mark stale jobs failed: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ReconcileJob locks the row, lets fn decide the mutation from its current
// state, and applies it in the same transaction. fn must not perform IO.
func (s *PostgresStore) ReconcileJob(ctx context.Context, id uuid.UUID, fn ReconcileFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reconcile: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}

	mutation, err := fn(job)
	if err != nil {
		return err
	}
	if mutation == nil {
		return tx.Commit(ctx)
	}

	if !TransitionAllowed(job.Status, mutation.Status) {
		if job.IsTerminal() {
			return ErrAlreadyTerminal
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, mutation.Status)
	}

	set := []string{"status = $2"}
	args := []any{id, mutation.Status}
	argIdx := 3

	if models.IsTerminalStatus(mutation.Status) {
		set = append(set, fmt.Sprintf("completed_at = $%d", argIdx))
		args = append(args, time.Now().UTC())
		argIdx++
	}
	if mutation.Error != nil {
		set = append(set, fmt.Sprintf("error = $%d", argIdx))
		args = append(args, *mutation.Error)
		argIdx++
	}
	if mutation.Result != nil {
		set = append(set, fmt.Sprintf("result = $%d", argIdx))
		args = append(args, mutation.Result)
		argIdx++
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $1", strings.Join(set, ", "))
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("reconcile job: %w", err)
	}
	return tx.Commit(ctx)
}

// DeleteExpiredJobs purges rows whose TTL has passed.
func (s *PostgresStore) DeleteExpiredJobs(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanJob reads one job row in jobColumns order.
func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j                models.Job
		progress         []byte
		origID, origName *string
		fallbackReason   *string
		resultRaw        []byte
	)
	err := row.Scan(
		&j.ID, &j.TaskHandle, &j.ServiceID, &j.FlavorID, &j.OrgID, &j.Status, &j.InputPreview,
		&resultRaw, &j.Error, &progress,
		&j.FallbackApplied, &origID, &origName, &fallbackReason, &j.InputTokens, &j.AvailableTokens,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.ExpiresAt, &j.CurrentVersion, &j.LastEditedAt)
	if err != nil {
		return nil, err
	}

	if resultRaw != nil {
		j.Result = json.RawMessage(resultRaw)
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &j.Progress); err != nil {
			return nil, fmt.Errorf("decode job progress: %w", err)
		}
	}
	j.OriginalFlavorID = deref(origID)
	j.OriginalFlavorName = deref(origName)
	j.FallbackReason = deref(fallbackReason)
	return &j, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
