// Package models contains shared data models used across the textgate codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued     = "queued"
	JobStatusStarted    = "started"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// ActiveStatuses are the non-terminal job states, in transition order.
var ActiveStatuses = []string{JobStatusQueued, JobStatusStarted, JobStatusProcessing}

// IsTerminalStatus reports whether a job in this status will never change again.
func IsTerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled
}

// ValidJobStatus reports whether status names a known job state.
func ValidJobStatus(status string) bool {
	switch status {
	case JobStatusQueued, JobStatusStarted, JobStatusProcessing,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one execution attempt of a service against a flavor. The row is the
// authoritative record; the task queue's view of the same attempt is
// reconciled against it by the lifecycle sweeps.
type Job struct {
	ID         uuid.UUID `db:"id"          json:"id"`
	TaskHandle string    `db:"task_handle" json:"task_handle"`

	ServiceID string `db:"service_id" json:"service_id"`
	FlavorID  string `db:"flavor_id"  json:"flavor_id"`
	OrgID     string `db:"org_id"     json:"org_id,omitempty"`

	Status       string          `db:"status"        json:"status"`
	InputPreview string          `db:"input_preview" json:"input_preview"`
	Result       json.RawMessage `db:"result"        json:"result,omitempty"`
	Error        *string         `db:"error"         json:"error,omitempty"`
	Progress     JobProgress     `db:"progress"      json:"progress"`

	// Pre-flight fallback audit trail. Populated only when the dispatch
	// path swapped the requested flavor for its capacity fallback.
	FallbackApplied    bool   `db:"fallback_applied"     json:"fallback_applied"`
	OriginalFlavorID   string `db:"original_flavor_id"   json:"original_flavor_id,omitempty"`
	OriginalFlavorName string `db:"original_flavor_name" json:"original_flavor_name,omitempty"`
	FallbackReason     string `db:"fallback_reason"      json:"fallback_reason,omitempty"`
	InputTokens        int    `db:"input_tokens"         json:"input_tokens,omitempty"`
	AvailableTokens    int    `db:"available_tokens"     json:"available_tokens,omitempty"`

	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `db:"expires_at"   json:"expires_at,omitempty"`

	CurrentVersion int        `db:"current_version" json:"current_version"`
	LastEditedAt   *time.Time `db:"last_edited_at"  json:"last_edited_at,omitempty"`
}

// IsTerminal reports whether the job has reached a final state.
func (j *Job) IsTerminal() bool { return IsTerminalStatus(j.Status) }

// JobProgress is the structured progress payload persisted on the job row and
// published with every update event.
type JobProgress struct {
	Current            int          `json:"current"`
	Total              int          `json:"total"`
	Percentage         float64      `json:"percentage"`
	Phase              string       `json:"phase,omitempty"`
	BatchesDone        int          `json:"batches_done,omitempty"`
	BatchesTotal       int          `json:"batches_total,omitempty"`
	EstimatedRemaining float64      `json:"estimated_remaining_secs,omitempty"`
	RetryCount         int          `json:"retry_count,omitempty"`
	TokenMetrics       []PassMetric `json:"token_metrics,omitempty"`
}

// PassMetric records token usage for a single model pass. Append-only;
// consumed by the dashboard and export collaborators.
type PassMetric struct {
	Pass             int     `json:"pass"`
	Type             string  `json:"type"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	DurationMS       int64   `json:"duration_ms"`
	EstimatedCost    float64 `json:"estimated_cost,omitempty"`
}
