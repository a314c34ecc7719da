package memory

import "errors"

var (
	// ErrNotFound indicates an unknown owner or entity id. Caller error,
	// surfaced as-is.
	ErrNotFound = errors.New("memory: not found")

	// ErrEmbedding indicates the embedding collaborator failed after
	// retries. Callers degrade to recency-only ranking.
	ErrEmbedding = errors.New("memory: embedding failed")

	// ErrGeneration indicates the text-generation collaborator failed or
	// timed out after retries.
	ErrGeneration = errors.New("memory: generation failed")

	// ErrBudgetExceeded indicates a context budget whose reservations
	// exceed its maximum. Configuration error, fatal.
	ErrBudgetExceeded = errors.New("memory: context budget exceeded")

	// ErrStaleWrite indicates a concurrent write conflicted with a
	// compaction pass. Retried internally, never surfaced.
	ErrStaleWrite = errors.New("memory: stale write")
)
