// Package mock provides an in-memory queue.Queue for tests with the same
// priority and revocation semantics as the Redis implementation.
package mock

import (
	"context"
	"sync"
	"time"

	"textgate/internal/queue"
)

type taskState struct {
	state   string
	payload []byte
	meta    []byte
	result  []byte
}

// Queue satisfies queue.Queue with slice-backed pending lists. Dequeue
// never blocks; an empty queue returns queue.ErrNoTask immediately. A nil
// Func field falls through to the in-memory behavior.
type Queue struct {
	mu      sync.Mutex
	pending [queue.MaxPriority + 1][]string
	tasks   map[string]*taskState

	EnqueueFunc func(ctx context.Context, handle string, payload []byte, priority int) error
	StatusFunc  func(ctx context.Context, handle string) (queue.TaskStatus, error)
	RevokeFunc  func(ctx context.Context, handle string) error
}

// NewQueue returns an empty in-memory queue.
func NewQueue() *Queue {
	return &Queue{tasks: make(map[string]*taskState)}
}

func (q *Queue) Ping(ctx context.Context) error { return nil }

func (q *Queue) Enqueue(ctx context.Context, handle string, payload []byte, priority int) error {
	if q.EnqueueFunc != nil {
		return q.EnqueueFunc(ctx, handle, payload, priority)
	}
	if priority < 0 {
		priority = 0
	}
	if priority > queue.MaxPriority {
		priority = queue.MaxPriority
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[handle] = &taskState{state: queue.StateQueued, payload: payload}
	q.pending[priority] = append(q.pending[priority], handle)
	return nil
}

func (q *Queue) Status(ctx context.Context, handle string) (queue.TaskStatus, error) {
	if q.StatusFunc != nil {
		return q.StatusFunc(ctx, handle)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[handle]
	if !ok {
		return queue.TaskStatus{State: queue.StateUnknown}, nil
	}
	return queue.TaskStatus{State: t.state, Meta: t.meta, Result: t.result}, nil
}

func (q *Queue) Revoke(ctx context.Context, handle string) error {
	if q.RevokeFunc != nil {
		return q.RevokeFunc(ctx, handle)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[handle]
	if !ok {
		t = &taskState{}
		q.tasks[handle] = t
	}
	t.state = queue.StateRevoked
	return nil
}

// Dequeue pops the most urgent pending task, skipping revoked handles.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (queue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for prio := queue.MaxPriority; prio >= 0; prio-- {
		for len(q.pending[prio]) > 0 {
			handle := q.pending[prio][0]
			q.pending[prio] = q.pending[prio][1:]
			t, ok := q.tasks[handle]
			if !ok || t.state == queue.StateRevoked {
				continue
			}
			return queue.Task{Handle: handle, Payload: t.payload}, nil
		}
	}
	return queue.Task{}, queue.ErrNoTask
}

func (q *Queue) MarkStarted(ctx context.Context, handle string) error {
	return q.setState(handle, queue.StateStarted, nil, nil)
}

func (q *Queue) ReportProgress(ctx context.Context, handle string, meta []byte) error {
	return q.setState(handle, queue.StateProgressing, meta, nil)
}

func (q *Queue) MarkSucceeded(ctx context.Context, handle string, result []byte) error {
	return q.setState(handle, queue.StateSucceeded, nil, result)
}

func (q *Queue) MarkFailed(ctx context.Context, handle string, result []byte) error {
	return q.setState(handle, queue.StateFailed, nil, result)
}

func (q *Queue) setState(handle, state string, meta, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[handle]
	if !ok {
		t = &taskState{}
		q.tasks[handle] = t
	}
	t.state = state
	if meta != nil {
		t.meta = meta
	}
	if result != nil {
		t.result = result
	}
	return nil
}

// SetState force-writes a task state, for tests that need to fabricate a
// queue-side view (expired hashes, foreign results).
func (q *Queue) SetState(handle, state string, result []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[handle] = &taskState{state: state, result: result}
}

// Drop removes a task hash entirely, simulating TTL expiry.
func (q *Queue) Drop(handle string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, handle)
}

// Compile-time check that Queue implements queue.Queue.
var _ queue.Queue = (*Queue)(nil)
