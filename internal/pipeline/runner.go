package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"textgate/internal/chunk"
	"textgate/internal/flavor"
	"textgate/pkg/models"
)

// ErrCancelled aborts a run between batches when the cancel check fires.
var ErrCancelled = errors.New("run cancelled")

// Pipeline phases, reported through the progress callback.
const (
	PhaseChunking    = "chunking"
	PhaseProcessing  = "processing"
	PhaseReduce      = "reduce"
	PhaseConsolidate = "consolidate"
	PhaseExtract     = "extract"
	PhaseCategorize  = "categorize"
	PhaseDone        = "done"
)

// ProgressFunc receives a progress snapshot after every batch and phase
// change. Implementations must be fast; they run on the batch loop.
type ProgressFunc func(p models.JobProgress)

// CancelFunc reports whether the run should stop. Checked between batches,
// never mid-call: an in-flight model call always completes.
type CancelFunc func(ctx context.Context) bool

// Params configures one pipeline run.
type Params struct {
	Flavor *flavor.Flavor
	Model  *flavor.Model
	Client models.LLMClient
	// Count estimates tokens under the model's tokenizer.
	Count chunk.CountFunc
	Input string

	OnProgress ProgressFunc
	Cancelled  CancelFunc
}

// Result is the structured output of a run. On failure the progressive
// output produced so far is returned alongside the error, undiscarded.
type Result struct {
	Document   string              `json:"document"`
	Summary    []string            `json:"summary,omitempty"`
	Extracted  json.RawMessage     `json:"extracted,omitempty"`
	Categories json.RawMessage     `json:"categories,omitempty"`
	Warnings   []string            `json:"warnings,omitempty"`
	Metrics    []models.PassMetric `json:"metrics,omitempty"`
}

// Run executes the full state machine for one job:
// chunk → {single_pass | iterative batches} → [reduce] → [consolidate] →
// [extract] → [categorize] → done.
// A model-call failure is not retried here; it aborts the run and
// propagates, leaving failover to the caller.
func Run(ctx context.Context, p Params) (*Result, error) {
	if p.Client == nil || p.Count == nil || p.Flavor == nil || p.Model == nil {
		return nil, errors.New("pipeline: incomplete params")
	}

	r := &run{p: p, res: &Result{}}
	if err := r.execute(ctx); err != nil {
		return r.res, err
	}
	return r.res, nil
}

type run struct {
	p   Params
	res *Result

	pass     int
	progress models.JobProgress

	// batchStats feeds the ETA estimate.
	batchDurations []time.Duration
}

func (r *run) execute(ctx context.Context) error {
	f := r.p.Flavor

	r.setPhase(PhaseChunking)
	splitter := chunk.NewSplitter(f.Chunking.TurnTokenThreshold, r.p.Count)
	turns := splitter.Split(r.p.Input)
	if len(turns) == 0 {
		return errors.New("input produced no turns")
	}
	r.progress.Total = totalTurns(turns)

	var err error
	if f.Mode == flavor.ModeSinglePass {
		err = r.runSinglePass(ctx)
	} else if f.Parallel {
		err = r.runParallel(ctx, turns)
	} else {
		err = r.runRolling(ctx, turns)
	}
	if err != nil {
		return err
	}

	if f.Prompts.Reduce != "" {
		if err := r.reduce(ctx); err != nil {
			return err
		}
	}
	if f.Consolidate {
		r.consolidate()
	}
	if f.Prompts.Extract != "" {
		if err := r.extract(ctx); err != nil {
			return err
		}
	}
	if f.Prompts.Categorize != "" {
		if err := r.categorize(ctx); err != nil {
			return err
		}
	}

	r.setPhase(PhaseDone)
	return nil
}

// runSinglePass sends the whole input in one call.
func (r *run) runSinglePass(ctx context.Context) error {
	r.progress.BatchesTotal = 1
	r.setPhase(PhaseProcessing)

	prompt, err := flavor.FillSlots(r.p.Flavor.Prompts.Prompt, r.p.Input)
	if err != nil {
		return fmt.Errorf("filling prompt: %w", err)
	}
	text, err := r.call(ctx, "single_pass", prompt)
	if err != nil {
		return err
	}

	r.res.Document = text
	r.progress.Current = r.progress.Total
	r.progress.BatchesDone = 1
	r.pushProgress()
	return nil
}

// runRolling processes batches strictly in order, re-injecting the last
// summaryTurns progressive-summary lines as the context slot of each
// batch's prompt. Batches are built one at a time because the carry cost
// depends on output that does not exist until the previous batch ran.
func (r *run) runRolling(ctx context.Context, turns []string) error {
	f := r.p.Flavor
	budget := r.budget()

	// Batch total is an estimate here: the rolling carry grows the real
	// count. Corrected as actual batches complete.
	r.progress.BatchesTotal = len(BuildBatches(turns, r.p.Count, budget))
	r.setPhase(PhaseProcessing)

	done := 0
	for start := 0; start < len(turns); {
		if err := r.checkCancelled(ctx); err != nil {
			r.res.Document = strings.Join(r.res.Summary, "\n")
			return err
		}

		carry := lastLines(r.res.Summary, f.Chunking.SummaryTurns)
		budget.CarryTokens = r.p.Count(carry)
		batch, next := NextBatch(turns, start, r.p.Count, budget)

		prompt, err := flavor.FillSlots(f.Prompts.Prompt, carry, strings.Join(batch.Turns, "\n"))
		if err != nil {
			return fmt.Errorf("filling prompt: %w", err)
		}

		began := time.Now()
		text, err := r.call(ctx, "batch", prompt)
		if err != nil {
			r.res.Document = strings.Join(r.res.Summary, "\n")
			return err
		}
		r.batchDurations = append(r.batchDurations, time.Since(began))

		r.res.Summary = append(r.res.Summary, splitLines(text)...)

		start = next
		done++
		r.progress.Current += totalTurns(batch.Turns)
		r.progress.BatchesDone = done
		if done >= r.progress.BatchesTotal && start < len(turns) {
			r.progress.BatchesTotal = done + 1
		}
		r.estimateRemaining(1)
		r.pushProgress()
	}

	r.res.Document = strings.Join(r.res.Summary, "\n")
	return nil
}

// runParallel builds all batches up-front (no rolling context), dispatches
// them concurrently bounded by MaxParallelBatches, and reassembles output
// in batch submission order, not completion order.
func (r *run) runParallel(ctx context.Context, turns []string) error {
	f := r.p.Flavor
	batches := BuildBatches(turns, r.p.Count, r.budget())
	r.progress.BatchesTotal = len(batches)
	r.setPhase(PhaseProcessing)

	type passOutcome struct {
		done   bool
		ok     bool
		text   string
		metric models.PassMetric
	}
	outcomes := make([]passOutcome, len(batches))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Chunking.MaxParallelBatches)

	var cancelErr error
	for _, batch := range batches {
		if cancelErr = r.checkCancelled(ctx); cancelErr != nil {
			// In-flight batches finish; nothing new is dispatched.
			break
		}

		g.Go(func() error {
			prompt, err := flavor.FillSlots(f.Prompts.Prompt, "", strings.Join(batch.Turns, "\n"))
			if err != nil {
				return fmt.Errorf("filling prompt: %w", err)
			}

			began := time.Now()
			resp, err := r.p.Client.Call(gctx, r.request(prompt))
			dur := time.Since(began)
			outcomes[batch.Index] = passOutcome{
				done:   true,
				ok:     err == nil,
				text:   resp.Text,
				metric: r.metricFor("batch", prompt, resp, dur),
			}
			if err != nil {
				return err
			}

			mu.Lock()
			r.batchDurations = append(r.batchDurations, dur)
			r.progress.Current += totalTurns(batch.Turns)
			r.progress.BatchesDone++
			r.estimateRemaining(f.Chunking.MaxParallelBatches)
			r.pushProgress()
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = cancelErr
	}

	// Metrics and output in submission order regardless of completion order.
	// Whatever completed before a failure or cancellation is kept.
	var lines []string
	for _, o := range outcomes {
		if !o.done {
			continue
		}
		r.pass++
		o.metric.Pass = r.pass
		r.res.Metrics = append(r.res.Metrics, o.metric)
		if o.ok {
			lines = append(lines, splitLines(o.text)...)
		}
	}
	r.res.Summary = lines
	r.res.Document = strings.Join(lines, "\n")
	return err
}

// reduce re-submits the full progressive summary as one extra call, only if
// it fits the context budget. An oversized summary is returned unreduced
// with a warning, not failed.
func (r *run) reduce(ctx context.Context) error {
	r.setPhase(PhaseReduce)

	prompt, err := flavor.FillSlots(r.p.Flavor.Prompts.Reduce, r.res.Document)
	if err != nil {
		return fmt.Errorf("filling reduce prompt: %w", err)
	}
	if !r.fitsBudget(prompt) {
		r.warnf("reduce skipped: summary of %d tokens exceeds context budget", r.p.Count(r.res.Document))
		return nil
	}

	text, err := r.call(ctx, "reduce", prompt)
	if err != nil {
		return err
	}
	r.res.Document = text
	r.pushProgress()
	return nil
}

// consolidate merges adjacent short same-speaker lines of the document.
// No model call involved.
func (r *run) consolidate() {
	r.setPhase(PhaseConsolidate)
	merged := chunk.Consolidate(splitLines(r.res.Document), r.p.Flavor.Chunking.TurnTokenThreshold, r.p.Count)
	r.res.Document = strings.Join(merged, "\n")
	r.pushProgress()
}

// extract runs the trailing structured-extraction call against the finished
// document. Skipped with a warning when over budget; malformed model output
// degrades to an error marker in the result, never a run failure.
func (r *run) extract(ctx context.Context) error {
	r.setPhase(PhaseExtract)
	f := r.p.Flavor

	prompt, err := flavor.FillSlots(f.Prompts.Extract, r.res.Document, strings.Join(f.ExtractFields, ", "))
	if err != nil {
		return fmt.Errorf("filling extract prompt: %w", err)
	}
	if !r.fitsBudget(prompt) {
		r.warnf("extract skipped: document exceeds context budget")
		r.pushProgress()
		return nil
	}

	text, err := r.call(ctx, "extract", prompt)
	if err != nil {
		return err
	}
	r.res.Extracted = parseStructured(text)
	r.pushProgress()
	return nil
}

// categorize runs the trailing categorization call, substituting the
// document and tag list into the named template slots.
func (r *run) categorize(ctx context.Context) error {
	r.setPhase(PhaseCategorize)
	f := r.p.Flavor

	prompt, err := flavor.FillNamed(f.Prompts.Categorize, map[string]string{
		"document": r.res.Document,
		"tags":     strings.Join(f.Categories, ", "),
	})
	if err != nil {
		return fmt.Errorf("filling categorize prompt: %w", err)
	}
	if !r.fitsBudget(prompt) {
		r.warnf("categorize skipped: document exceeds context budget")
		r.pushProgress()
		return nil
	}

	text, err := r.call(ctx, "categorize", prompt)
	if err != nil {
		return err
	}
	r.res.Categories = parseStructured(text)
	r.pushProgress()
	return nil
}

// call performs one model call and records its pass metric.
func (r *run) call(ctx context.Context, passType, prompt string) (string, error) {
	began := time.Now()
	resp, err := r.p.Client.Call(ctx, r.request(prompt))
	metric := r.metricFor(passType, prompt, resp, time.Since(began))
	r.pass++
	metric.Pass = r.pass
	r.res.Metrics = append(r.res.Metrics, metric)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (r *run) request(prompt string) models.CallRequest {
	f := r.p.Flavor
	return models.CallRequest{
		Model:       r.p.Model.Name,
		System:      f.Prompts.System,
		Prompt:      prompt,
		Temperature: f.Sampling.Temperature,
		TopP:        f.Sampling.TopP,
		MaxTokens:   f.Sampling.MaxTokens,
	}
}

func (r *run) metricFor(passType, prompt string, resp models.CallResult, dur time.Duration) models.PassMetric {
	usage := resp.Usage
	if usage.PromptTokens == 0 {
		usage.PromptTokens = r.p.Count(prompt)
	}
	if usage.CompletionTokens == 0 && resp.Text != "" {
		usage.CompletionTokens = r.p.Count(resp.Text)
	}
	m := r.p.Model
	cost := float64(usage.PromptTokens)/1000*m.PromptCostPer1K +
		float64(usage.CompletionTokens)/1000*m.CompletionCostPer1K
	return models.PassMetric{
		Type:             passType,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		DurationMS:       dur.Milliseconds(),
		EstimatedCost:    cost,
	}
}

// budget derives the batch budget from the flavor and model. PromptTokens
// covers the system prompt plus the template with empty slots.
func (r *run) budget() Budget {
	f, m := r.p.Flavor, r.p.Model
	scaffold, err := flavor.FillSlots(f.Prompts.Prompt, "", "")
	if err != nil {
		scaffold = f.Prompts.Prompt
	}
	return Budget{
		ContextLength: m.ContextLength,
		MaxGenLength:  m.MaxGenerationLength,
		PromptTokens:  r.p.Count(f.Prompts.System) + r.p.Count(scaffold),
		MaxNewTurns:   f.Chunking.MaxNewTurns,
	}
}

func (r *run) fitsBudget(prompt string) bool {
	b := r.budget()
	return float64(r.p.Count(prompt))*SafetyMargin <= float64(b.available())
}

func (r *run) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if r.p.Cancelled != nil && r.p.Cancelled(ctx) {
		return ErrCancelled
	}
	return nil
}

func (r *run) setPhase(phase string) {
	r.progress.Phase = phase
	r.pushProgress()
}

func (r *run) estimateRemaining(parallelism int) {
	if len(r.batchDurations) == 0 || parallelism < 1 {
		return
	}
	var sum time.Duration
	for _, d := range r.batchDurations {
		sum += d
	}
	avg := sum / time.Duration(len(r.batchDurations))
	remaining := r.progress.BatchesTotal - r.progress.BatchesDone
	if remaining < 0 {
		remaining = 0
	}
	eta := avg * time.Duration(remaining) / time.Duration(parallelism)
	r.progress.EstimatedRemaining = eta.Seconds()
}

func (r *run) pushProgress() {
	if r.progress.Total > 0 {
		r.progress.Percentage = float64(r.progress.Current) / float64(r.progress.Total) * 100
	}
	r.progress.TokenMetrics = r.res.Metrics
	if r.p.OnProgress != nil {
		r.p.OnProgress(r.progress)
	}
}

func (r *run) warnf(format string, args ...any) {
	r.res.Warnings = append(r.res.Warnings, fmt.Sprintf(format, args...))
}

func totalTurns(turns []string) int { return len(turns) }

// splitLines splits model output on newlines, trimming and dropping blanks.
func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func lastLines(lines []string, n int) string {
	if n <= 0 || len(lines) == 0 {
		return ""
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
