// Package pipeline drives the batch execution core: token-budgeted batch
// construction, the sequential rolling-context and bounded-parallel call
// loops, and the reduce/consolidate/extract/categorize post-steps.
package pipeline

import (
	"math"

	"textgate/internal/chunk"
)

// SafetyMargin inflates token estimates when checking a batch against the
// context budget, absorbing tokenizer drift between the estimate and the
// provider's own count.
const SafetyMargin = 1.15

// Budget bounds one batch.
type Budget struct {
	ContextLength int
	MaxGenLength  int
	// PromptTokens is the cost of the prompt scaffolding (system prompt plus
	// the template with empty slots); it seeds every batch's running count.
	PromptTokens int
	// CarryTokens is the rolling-context cost re-injected in synchronous
	// mode: the most recent summary lines at the time the batch is built.
	CarryTokens int
	// MaxNewTurns caps the turn count per batch regardless of tokens.
	MaxNewTurns int
}

func (b Budget) available() int { return b.ContextLength - b.MaxGenLength }

// Batch is an ordered slice of turns scheduled for one model call.
// Ephemeral, never persisted.
type Batch struct {
	Index  int
	Turns  []string
	Tokens int
}

// NextBatch builds one batch starting at turns[start], accumulating while
// (running+turn)×SafetyMargin stays within the context budget and the turn
// count stays under MaxNewTurns. A turn that busts the budget on its own is
// still emitted as a singleton batch, never dropped. Returns the batch and
// the index of the first unconsumed turn.
func NextBatch(turns []string, start int, count chunk.CountFunc, b Budget) (Batch, int) {
	maxTurns := b.MaxNewTurns
	if maxTurns <= 0 {
		maxTurns = math.MaxInt
	}
	limit := float64(b.available())

	batch := Batch{Tokens: b.PromptTokens + b.CarryTokens}
	i := start
	for ; i < len(turns); i++ {
		t := count(turns[i])
		fits := float64(batch.Tokens+t)*SafetyMargin <= limit && len(batch.Turns) < maxTurns
		if len(batch.Turns) > 0 && !fits {
			break
		}
		batch.Turns = append(batch.Turns, turns[i])
		batch.Tokens += t
	}
	return batch, i
}

// BuildBatches walks all turns up-front with a fixed budget. Used by
// parallel mode, where no rolling context shifts the seed between batches,
// and to estimate the batch count for progress reporting.
func BuildBatches(turns []string, count chunk.CountFunc, b Budget) []Batch {
	var batches []Batch
	for start := 0; start < len(turns); {
		batch, next := NextBatch(turns, start, count, b)
		if len(batch.Turns) == 0 {
			break
		}
		batch.Index = len(batches)
		batches = append(batches, batch)
		start = next
	}
	return batches
}
