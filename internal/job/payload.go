package job

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// TaskPayload is the JSON body carried through the task queue. The input
// text rides in the payload so the worker never re-reads the job row to
// start processing.
type TaskPayload struct {
	JobID     uuid.UUID `json:"job_id"`
	ServiceID string    `json:"service_id"`
	FlavorID  string    `json:"flavor_id"`
	OrgID     string    `json:"org_id,omitempty"`
	Input     string    `json:"input"`
	Handle    string    `json:"handle"`
}

// Encode serializes the payload for the queue.
func (p TaskPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload parses a queue payload back into a TaskPayload.
func DecodePayload(b []byte) (TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return TaskPayload{}, fmt.Errorf("decoding task payload: %w", err)
	}
	if p.JobID == uuid.Nil {
		return TaskPayload{}, fmt.Errorf("task payload missing job_id")
	}
	if p.Handle == "" {
		return TaskPayload{}, fmt.Errorf("task payload missing handle")
	}
	return p, nil
}
