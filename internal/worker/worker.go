// Package worker runs the execution pool: goroutines that dequeue tasks,
// drive the processing pipeline, and settle job rows with failover on
// classified model errors.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"textgate/internal/bus"
	"textgate/internal/cancel"
	"textgate/internal/flavor"
	"textgate/internal/job"
	"textgate/internal/llm"
	"textgate/internal/pipeline"
	"textgate/internal/queue"
	"textgate/internal/store"
	"textgate/internal/token"
	"textgate/pkg/models"
)

const (
	// progressPersistEvery throttles progress writes to the database. The
	// queue hash and the bus still see every update.
	progressPersistEvery = 2 * time.Second
	// idlePause backs off the dequeue loop when the queue is empty or
	// unreachable.
	idlePause = 100 * time.Millisecond
)

// ClientSource resolves the client to call for a model's provider.
// *llm.Clients satisfies it.
type ClientSource interface {
	ForModel(store flavor.Store, m *flavor.Model) (models.LLMClient, error)
}

// Pool is a fixed-size set of worker goroutines sharing one queue.
type Pool struct {
	store       store.Store
	queue       queue.Queue
	registry    flavor.Store
	clients     ClientSource
	counter     token.Counter
	deny        cancel.DenyList
	bus         bus.Publisher
	concurrency int
	dequeueWait time.Duration
}

// NewPool creates a worker pool. concurrency below 1 is clamped to 1.
func NewPool(st store.Store, q queue.Queue, reg flavor.Store, clients ClientSource, counter token.Counter, deny cancel.DenyList, publisher bus.Publisher, concurrency int, dequeueWait time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if dequeueWait <= 0 {
		dequeueWait = 5 * time.Second
	}
	return &Pool{
		store:       st,
		queue:       q,
		registry:    reg,
		clients:     clients,
		counter:     counter,
		deny:        deny,
		bus:         publisher,
		concurrency: concurrency,
		dequeueWait: dequeueWait,
	}
}

// Run blocks until ctx is cancelled and every worker goroutine has
// drained. A task in flight at shutdown is left to the sweeps.
func (p *Pool) Run(ctx context.Context) {
	slog.Info("worker pool starting", "concurrency", p.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.queue.Dequeue(ctx, p.dequeueWait)
		if err != nil {
			if !errors.Is(err, queue.ErrNoTask) && ctx.Err() == nil {
				slog.Error("dequeue failed", "worker", id, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePause):
			}
			continue
		}
		p.process(ctx, task)
	}
}

// process settles exactly one task. It recovers from panics so a bad
// flavor or model response can never kill the worker goroutine.
func (p *Pool) process(ctx context.Context, task queue.Task) {
	payload, err := job.DecodePayload(task.Payload)
	if err != nil {
		slog.Error("bad task payload", "handle", task.Handle, "error", err)
		_ = p.queue.MarkFailed(ctx, task.Handle, []byte(fmt.Sprintf("bad payload: %v", err)))
		return
	}
	log := slog.With("job_id", payload.JobID, "flavor", payload.FlavorID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing job", "error", r)
			msg := fmt.Sprintf("panic: %v", r)
			_ = p.store.UpdateJobStatus(ctx, payload.JobID, models.JobStatusFailed,
				store.WithErrorMessage(msg))
			_ = p.queue.MarkFailed(ctx, payload.Handle, []byte(msg))
			p.publish(ctx, payload.JobID)
		}
	}()

	// A cancel can land between enqueue and dequeue.
	if p.deny.IsCancelled(ctx, payload.Handle) {
		log.Info("skipping cancelled task")
		return
	}

	err = p.store.UpdateJobStatus(ctx, payload.JobID, models.JobStatusStarted)
	if errors.Is(err, store.ErrAlreadyTerminal) || errors.Is(err, store.ErrNotFound) {
		log.Info("job settled before start", "error", err)
		return
	}
	if err != nil {
		log.Error("marking job started failed", "error", err)
		return
	}
	_ = p.queue.MarkStarted(ctx, payload.Handle)
	p.publish(ctx, payload.JobID)

	p.execute(ctx, payload, log)
}

// execute runs the pipeline, failing over to the configured flavor on
// classified errors until the chain is exhausted.
func (p *Pool) execute(ctx context.Context, payload job.TaskPayload, log *slog.Logger) {
	current, err := p.registry.GetFlavor(payload.FlavorID)
	if err != nil {
		p.fail(ctx, payload, fmt.Errorf("resolving flavor %q: %w", payload.FlavorID, err), nil)
		return
	}

	if err := p.store.UpdateJobStatus(ctx, payload.JobID, models.JobStatusProcessing); err != nil {
		log.Info("job settled before processing", "error", err)
		return
	}
	p.publish(ctx, payload.JobID)

	var (
		depth   int
		retries int
		lastErr error
		partial *pipeline.Result
	)
	for {
		m, err := p.registry.GetModel(current.ModelID)
		if err != nil {
			lastErr = fmt.Errorf("resolving model %q: %w", current.ModelID, err)
			break
		}
		client, err := p.clients.ForModel(p.registry, m)
		if err != nil {
			lastErr = fmt.Errorf("resolving client for model %q: %w", m.ID, err)
			break
		}

		res, runErr := p.runPipeline(ctx, payload, current, m, client, retries)
		if runErr == nil {
			p.complete(ctx, payload, res)
			return
		}
		if res != nil && (res.Document != "" || len(res.Summary) > 0) {
			partial = res
		}

		if errors.Is(runErr, pipeline.ErrCancelled) {
			p.cancelled(ctx, payload, log)
			return
		}

		class := llm.Classify(runErr)
		next := flavor.NextFailover(p.registry, current, class, depth)
		if next == nil {
			lastErr = fmt.Errorf("flavor %q: %w", current.ID, runErr)
			break
		}
		log.Warn("failing over",
			"from", current.ID, "to", next.ID, "class", class, "depth", depth, "error", runErr)
		depth++
		retries++
		current = next
	}
	p.fail(ctx, payload, lastErr, partial)
}

// runPipeline wires one attempt: token counting under the model's
// tokenizer, progress fan-out, and the cooperative cancel check.
func (p *Pool) runPipeline(ctx context.Context, payload job.TaskPayload, f *flavor.Flavor, m *flavor.Model, client models.LLMClient, retries int) (*pipeline.Result, error) {
	ref := token.ModelRef{Name: m.Name, Tokenizer: m.TokenizerName}
	count := func(s string) int { return p.counter.Count(ctx, ref, s) }

	var lastPersist time.Time
	var lastPhase string
	onProgress := func(prog models.JobProgress) {
		prog.RetryCount = retries
		if meta, err := json.Marshal(prog); err == nil {
			_ = p.queue.ReportProgress(ctx, payload.Handle, meta)
		}
		_ = p.bus.PublishJobUpdate(ctx, progressEvent(payload, prog))
		if prog.Phase != lastPhase || time.Since(lastPersist) >= progressPersistEvery {
			lastPhase = prog.Phase
			lastPersist = time.Now()
			_ = p.store.UpdateJobProgress(ctx, payload.JobID, prog)
		}
	}

	return pipeline.Run(ctx, pipeline.Params{
		Flavor:     f,
		Model:      m,
		Client:     client,
		Count:      count,
		Input:      payload.Input,
		OnProgress: onProgress,
		Cancelled: func(ctx context.Context) bool {
			return p.deny.IsCancelled(ctx, payload.Handle)
		},
	})
}

func (p *Pool) complete(ctx context.Context, payload job.TaskPayload, res *pipeline.Result) {
	body, err := json.Marshal(res)
	if err != nil {
		p.fail(ctx, payload, fmt.Errorf("encoding result: %w", err), nil)
		return
	}

	err = p.store.UpdateJobStatus(ctx, payload.JobID, models.JobStatusCompleted,
		store.WithResult(body))
	if err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
		slog.Error("marking job completed failed", "job_id", payload.JobID, "error", err)
	}
	_ = p.queue.MarkSucceeded(ctx, payload.Handle, body)
	p.publish(ctx, payload.JobID)
}

func (p *Pool) fail(ctx context.Context, payload job.TaskPayload, cause error, partial *pipeline.Result) {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}

	opts := []store.JobUpdateOption{store.WithErrorMessage(msg)}
	if partial != nil {
		if body, err := json.Marshal(partial); err == nil {
			// Progressive output survives the failure.
			opts = append(opts, store.WithResult(body))
		}
	}

	err := p.store.UpdateJobStatus(ctx, payload.JobID, models.JobStatusFailed, opts...)
	if err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
		slog.Error("marking job failed failed", "job_id", payload.JobID, "error", err)
	}
	_ = p.queue.MarkFailed(ctx, payload.Handle, []byte(msg))
	p.publish(ctx, payload.JobID)
}

// cancelled settles a run the deny-list stopped. Shutdown interruptions are
// left alone: the row stays active and the sweeps repair it.
func (p *Pool) cancelled(ctx context.Context, payload job.TaskPayload, log *slog.Logger) {
	if ctx.Err() != nil {
		log.Info("run interrupted by shutdown, leaving job to the sweeps")
		return
	}

	err := p.store.UpdateJobStatus(ctx, payload.JobID, models.JobStatusCancelled,
		store.WithErrorMessage("cancelled by user"))
	if errors.Is(err, store.ErrAlreadyTerminal) {
		// The cancel endpoint already settled the row and published.
		_ = p.queue.Revoke(ctx, payload.Handle)
		return
	}
	if err != nil {
		log.Error("marking job cancelled failed", "error", err)
	}
	_ = p.queue.Revoke(ctx, payload.Handle)
	p.publish(ctx, payload.JobID)
}

// publish sends the job's current row state to the update bus.
func (p *Pool) publish(ctx context.Context, id uuid.UUID) {
	j, err := p.store.GetJob(ctx, id)
	if err != nil {
		return
	}
	_ = p.bus.PublishJobUpdate(ctx, models.EventFromJob(j))
}

func progressEvent(payload job.TaskPayload, prog models.JobProgress) models.JobUpdateEvent {
	return models.JobUpdateEvent{
		JobID:  payload.JobID.String(),
		OrgID:  payload.OrgID,
		Status: models.JobStatusProcessing,
		Progress: models.EventProgress{
			Current:    prog.Current,
			Total:      prog.Total,
			Percentage: prog.Percentage,
			Phase:      prog.Phase,
		},
		Timestamp: time.Now().UTC(),
	}
}
