// Package queue is the task-queue boundary: Redis lists carry pending work
// per priority, and per-task state hashes answer status queries. Task
// hashes expire after a TTL, which is where "unknown" answers come from;
// the orphan sweep reconciles those against the job store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task states as reported by Status.
const (
	StateQueued      = "queued"
	StateStarted     = "started"
	StateProgressing = "progressing"
	StateSucceeded   = "succeeded"
	StateFailed      = "failed"
	StateRevoked     = "revoked"
	StateUnknown     = "unknown"
)

// MaxPriority is the queue's native top priority. The queue dequeues high
// to low, so flavor priorities (0 = most urgent) must be inverted at this
// boundary via FromFlavorPriority.
const MaxPriority = 9

// ErrNoTask is returned by Dequeue when no work arrived within the wait.
var ErrNoTask = errors.New("no task available")

// FromFlavorPriority maps a flavor priority (0 = most urgent) onto the
// queue's native scale (MaxPriority = most urgent).
func FromFlavorPriority(p int) int {
	if p < 0 {
		p = 0
	}
	if p > MaxPriority {
		p = MaxPriority
	}
	return MaxPriority - p
}

// TaskStatus is the queue's view of one task.
type TaskStatus struct {
	State  string
	Meta   json.RawMessage
	Result json.RawMessage
}

// Task is one dequeued unit of work.
type Task struct {
	Handle  string
	Payload []byte
}

// Queue is the task-queue contract. The dispatch path enqueues and revokes;
// workers dequeue and report state; sweeps and streams query status.
type Queue interface {
	Enqueue(ctx context.Context, handle string, payload []byte, priority int) error
	Status(ctx context.Context, handle string) (TaskStatus, error)
	Revoke(ctx context.Context, handle string) error
	Dequeue(ctx context.Context, wait time.Duration) (Task, error)
	MarkStarted(ctx context.Context, handle string) error
	ReportProgress(ctx context.Context, handle string, meta []byte) error
	MarkSucceeded(ctx context.Context, handle string, result []byte) error
	MarkFailed(ctx context.Context, handle string, result []byte) error
	Ping(ctx context.Context) error
}

// RedisQueue implements Queue on go-redis/v9.
type RedisQueue struct {
	client  *redis.Client
	taskTTL time.Duration
}

// NewRedisQueue wraps an existing Redis client. taskTTL bounds how long a
// task's state hash outlives its last update.
func NewRedisQueue(client *redis.Client, taskTTL time.Duration) *RedisQueue {
	return &RedisQueue{client: client, taskTTL: taskTTL}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue records the task hash and pushes the handle onto its priority
// list. priority is on the queue's native scale, already inverted.
func (q *RedisQueue) Enqueue(ctx context.Context, handle string, payload []byte, priority int) error {
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, taskKey(handle),
		"state", StateQueued,
		"payload", payload,
		"enqueued_at", time.Now().UTC().Format(time.RFC3339))
	pipe.Expire(ctx, taskKey(handle), q.taskTTL)
	pipe.LPush(ctx, pendingKey(priority), handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing task %s: %w", handle, err)
	}
	return nil
}

// Status reads the task hash. A missing hash (expired or never written)
// reports StateUnknown, not an error.
func (q *RedisQueue) Status(ctx context.Context, handle string) (TaskStatus, error) {
	vals, err := q.client.HGetAll(ctx, taskKey(handle)).Result()
	if err != nil {
		return TaskStatus{}, fmt.Errorf("querying task %s: %w", handle, err)
	}
	if len(vals) == 0 {
		return TaskStatus{State: StateUnknown}, nil
	}

	st := TaskStatus{State: vals["state"]}
	if st.State == "" {
		st.State = StateUnknown
	}
	if m := vals["meta"]; m != "" {
		st.Meta = json.RawMessage(m)
	}
	if r := vals["result"]; r != "" {
		st.Result = json.RawMessage(r)
	}
	return st, nil
}

// Revoke marks the task revoked and removes its handle from every pending
// list. A worker that still claims the handle drops it on sight.
func (q *RedisQueue) Revoke(ctx context.Context, handle string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, taskKey(handle), "state", StateRevoked)
	pipe.Expire(ctx, taskKey(handle), q.taskTTL)
	for p := 0; p <= MaxPriority; p++ {
		pipe.LRem(ctx, pendingKey(p), 0, handle)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoking task %s: %w", handle, err)
	}
	return nil
}

// Dequeue blocks up to wait for the next task, scanning priorities high to
// low. Revoked or expired tasks are skipped silently; ErrNoTask means the
// wait elapsed empty.
func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (Task, error) {
	keys := make([]string, 0, MaxPriority+1)
	for p := MaxPriority; p >= 0; p-- {
		keys = append(keys, pendingKey(p))
	}

	for {
		res, err := q.client.BRPop(ctx, wait, keys...).Result()
		if err == redis.Nil {
			return Task{}, ErrNoTask
		}
		if err != nil {
			return Task{}, fmt.Errorf("dequeuing: %w", err)
		}
		handle := res[1]

		vals, err := q.client.HMGet(ctx, taskKey(handle), "state", "payload").Result()
		if err != nil {
			return Task{}, fmt.Errorf("loading task %s: %w", handle, err)
		}
		state, _ := vals[0].(string)
		payload, _ := vals[1].(string)
		if state == "" || state == StateRevoked {
			// Hash expired while pending, or the task was revoked.
			continue
		}
		return Task{Handle: handle, Payload: []byte(payload)}, nil
	}
}

func (q *RedisQueue) MarkStarted(ctx context.Context, handle string) error {
	return q.setState(ctx, handle, StateStarted, "started_at", time.Now().UTC().Format(time.RFC3339))
}

// ReportProgress stores the worker's progress payload on the task hash.
func (q *RedisQueue) ReportProgress(ctx context.Context, handle string, meta []byte) error {
	return q.setState(ctx, handle, StateProgressing, "meta", meta)
}

func (q *RedisQueue) MarkSucceeded(ctx context.Context, handle string, result []byte) error {
	return q.setState(ctx, handle, StateSucceeded, "result", result)
}

func (q *RedisQueue) MarkFailed(ctx context.Context, handle string, result []byte) error {
	return q.setState(ctx, handle, StateFailed, "result", result)
}

func (q *RedisQueue) setState(ctx context.Context, handle, state string, extra ...any) error {
	fields := append([]any{"state", state}, extra...)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, taskKey(handle), fields...)
	pipe.Expire(ctx, taskKey(handle), q.taskTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating task %s to %s: %w", handle, state, err)
	}
	return nil
}

var _ Queue = (*RedisQueue)(nil)
