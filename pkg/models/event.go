package models

import (
	"encoding/json"
	"time"
)

// JobUpdateEvent is the wire schema workers publish to the job-update bus as
// they progress. job_id and status are the minimum required fields; consumers
// drop events missing either.
type JobUpdateEvent struct {
	JobID     string          `json:"job_id"`
	OrgID     string          `json:"org_id,omitempty"`
	Status    string          `json:"status"`
	Progress  EventProgress   `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventProgress is the compact progress view carried on update events.
type EventProgress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Phase      string  `json:"phase,omitempty"`
}

// Valid reports whether the event carries the minimum required fields.
func (e *JobUpdateEvent) Valid() bool {
	return e.JobID != "" && e.Status != ""
}

// EventFromJob builds an update event from the current job row state.
func EventFromJob(j *Job) JobUpdateEvent {
	ev := JobUpdateEvent{
		JobID:  j.ID.String(),
		OrgID:  j.OrgID,
		Status: j.Status,
		Progress: EventProgress{
			Current:    j.Progress.Current,
			Total:      j.Progress.Total,
			Percentage: j.Progress.Percentage,
			Phase:      j.Progress.Phase,
		},
		Result:    j.Result,
		Timestamp: time.Now().UTC(),
	}
	if j.Error != nil {
		ev.Error = *j.Error
	}
	return ev
}
