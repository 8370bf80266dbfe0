package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"textgate/internal/store"
	"textgate/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("textgate_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// newTestJob builds a queued job with sensible defaults.
func newTestJob(orgID string) *models.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Job{
		ID:           uuid.New(),
		TaskHandle:   uuid.NewString(),
		ServiceID:    "summarize-meeting",
		FlavorID:     "daily-standup",
		OrgID:        orgID,
		Status:       models.JobStatusQueued,
		InputPreview: "Alice: morning everyone",
		InputTokens:  1200,
		CreatedAt:    now,
	}
}

// --- Create / Get Tests ---

func TestJob_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("org-a")
	job.FallbackApplied = true
	job.OriginalFlavorID = "deep-dive"
	job.OriginalFlavorName = "Deep Dive"
	job.FallbackReason = "input of 1200 tokens exceeds \"Deep Dive\" capacity of 900 tokens"
	job.AvailableTokens = 6000
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, job.TaskHandle, got.TaskHandle)
	assert.Equal(t, "org-a", got.OrgID)
	assert.True(t, got.FallbackApplied)
	assert.Equal(t, "deep-dive", got.OriginalFlavorID)
	assert.Equal(t, 1200, got.InputTokens)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestJob_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- List Tests ---

func TestJob_ListPagination(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateJob(ctx, newTestJob("org-a")))
	}
	require.NoError(t, s.CreateJob(ctx, newTestJob("org-b")))

	jobs, total, err := s.ListJobs(ctx, store.JobFilter{OrgID: "org-a", Page: 1, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, jobs, 3)

	jobs, total, err = s.ListJobs(ctx, store.JobFilter{OrgID: "org-a", Page: 2, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, jobs, 2)
}

func TestJob_ListStatusFilter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	queued := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, queued))

	done := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, done))
	require.NoError(t, s.UpdateJobStatus(ctx, done.ID, models.JobStatusCompleted))

	jobs, total, err := s.ListJobs(ctx, store.JobFilter{Status: models.JobStatusQueued})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, queued.ID, jobs[0].ID)
}

func TestJob_ListActive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	first := newTestJob("org-a")
	first.CreatedAt = time.Now().UTC().Add(-2 * time.Minute).Truncate(time.Microsecond)
	require.NoError(t, s.CreateJob(ctx, first))

	second := newTestJob("org-b")
	require.NoError(t, s.CreateJob(ctx, second))

	finished := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, finished))
	require.NoError(t, s.UpdateJobStatus(ctx, finished.ID, models.JobStatusFailed))

	active, err := s.ListActiveJobs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	// Oldest first.
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, second.ID, active[1].ID)
}

// --- Status Transition Tests ---

func TestJob_UpdateStatusQueuedToStarted(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusStarted))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusStarted, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestJob_UpdateStatusToCompletedWithResult(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusStarted))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing))

	result := json.RawMessage(`{"document":"short summary"}`)
	err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, store.WithResult(result))
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"document":"short summary"}`, string(got.Result))
}

func TestJob_UpdateStatusToFailedWithError(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusStarted))

	err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage("model timed out"))
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "model timed out", *got.Error)
	assert.NotNil(t, got.CompletedAt)
}

func TestJob_UpdateStatusInvalidTransition(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusStarted))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing))

	// Processing cannot fall back to started.
	err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusStarted)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestJob_UpdateStatusAlreadyTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusCancelled))

	err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage("late failure"))
	assert.ErrorIs(t, err, store.ErrAlreadyTerminal)

	// The terminal row is untouched.
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Nil(t, got.Error)
}

func TestJob_UpdateStatusNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.UpdateJobStatus(context.Background(), uuid.New(), models.JobStatusStarted)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Progress Tests ---

func TestJob_UpdateProgress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusStarted))

	err := s.UpdateJobProgress(ctx, job.ID, models.JobProgress{
		Current:      2,
		Total:        5,
		Percentage:   40,
		Phase:        "processing",
		BatchesDone:  2,
		BatchesTotal: 5,
	})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Progress.Current)
	assert.Equal(t, 5, got.Progress.Total)
	assert.Equal(t, "processing", got.Progress.Phase)
}

func TestJob_UpdateProgressDroppedAfterTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted))

	// A progress write racing the terminal transition is silently dropped.
	err := s.UpdateJobProgress(ctx, job.ID, models.JobProgress{Current: 1, Total: 2, Percentage: 50})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Progress.Current)
}

// --- Stale Sweep Tests ---

func TestJob_MarkStaleJobsFailed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	stale := newTestJob("org-a")
	stale.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	require.NoError(t, s.CreateJob(ctx, stale))

	fresh := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, fresh))

	finished := newTestJob("org-a")
	finished.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	require.NoError(t, s.CreateJob(ctx, finished))
	require.NoError(t, s.UpdateJobStatus(ctx, finished.ID, models.JobStatusCompleted))

	cutoff := time.Now().UTC().Add(-30 * time.Minute)
	changed, err := s.MarkStaleJobsFailed(ctx, cutoff, "timed out after 30 minutes without completing")
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, stale.ID, changed[0].ID)
	assert.Equal(t, models.JobStatusFailed, changed[0].Status)
	require.NotNil(t, changed[0].Error)
	assert.Contains(t, *changed[0].Error, "30 minutes")

	// Untouched rows keep their status.
	got, err := s.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)

	got, err = s.GetJob(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestJob_MarkStaleUsesStartedAtWhenSet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	// Created long ago but started recently: not stale.
	job := newTestJob("org-a")
	job.CreatedAt = time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Microsecond)
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusStarted))

	cutoff := time.Now().UTC().Add(-30 * time.Minute)
	changed, err := s.MarkStaleJobsFailed(ctx, cutoff, "timed out after 30 minutes without completing")
	require.NoError(t, err)
	assert.Empty(t, changed)
}

// --- Reconcile Tests ---

func TestJob_ReconcileAppliesMutation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusStarted))

	err := s.ReconcileJob(ctx, job.ID, func(j *models.Job) (*store.JobMutation, error) {
		require.Equal(t, models.JobStatusStarted, j.Status)
		return &store.JobMutation{
			Status: models.JobStatusCompleted,
			Result: json.RawMessage(`{"document":"recovered"}`),
		}, nil
	})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.JSONEq(t, `{"document":"recovered"}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)
}

func TestJob_ReconcileNilMutationLeavesRow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, job))

	err := s.ReconcileJob(ctx, job.ID, func(j *models.Job) (*store.JobMutation, error) {
		return nil, nil
	})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
}

func TestJob_ReconcileTerminalRow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted))

	err := s.ReconcileJob(ctx, job.ID, func(j *models.Job) (*store.JobMutation, error) {
		return &store.JobMutation{Status: models.JobStatusFailed}, nil
	})
	assert.ErrorIs(t, err, store.ErrAlreadyTerminal)
}

func TestJob_ReconcileNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.ReconcileJob(context.Background(), uuid.New(), func(j *models.Job) (*store.JobMutation, error) {
		t.Fatal("reconcile func should not run for a missing job")
		return nil, nil
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Delete Tests ---

func TestJob_DeleteTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted))

	require.NoError(t, s.DeleteJob(ctx, job.ID))

	_, err := s.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_DeleteActiveRefused(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, job))

	err := s.DeleteJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrJobActive)

	// Still present.
	_, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
}

func TestJob_DeleteNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.DeleteJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Expiry Tests ---

func TestJob_DeleteExpired(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	future := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)

	expired := newTestJob("org-a")
	expired.ExpiresAt = &past
	require.NoError(t, s.CreateJob(ctx, expired))
	require.NoError(t, s.UpdateJobStatus(ctx, expired.ID, models.JobStatusCompleted))

	// Expiry applies regardless of status.
	expiredActive := newTestJob("org-a")
	expiredActive.ExpiresAt = &past
	require.NoError(t, s.CreateJob(ctx, expiredActive))

	keeper := newTestJob("org-a")
	keeper.ExpiresAt = &future
	require.NoError(t, s.CreateJob(ctx, keeper))

	noTTL := newTestJob("org-a")
	require.NoError(t, s.CreateJob(ctx, noTTL))

	n, err := s.DeleteExpiredJobs(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.GetJob(ctx, expired.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetJob(ctx, keeper.ID)
	require.NoError(t, err)
	_, err = s.GetJob(ctx, noTTL.ID)
	require.NoError(t, err)
}

// --- Ping Test ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.Ping(context.Background())
	assert.NoError(t, err)
}
