package models

import "errors"

var (
	// ErrInvalidConfiguration marks bad parameters. Never retried.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrDimensionMismatch marks a vector or model tag that disagrees with
	// the one already established for an index or embedding model.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrDuplicateChunk is returned when a chunk id is already indexed.
	ErrDuplicateChunk = errors.New("duplicate chunk")

	// ErrEmbeddingUnavailable is returned after embedding retries are exhausted.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrGenerationUnavailable is returned when answer generation fails.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrTimeout is returned when a caller deadline expires during an external call.
	ErrTimeout = errors.New("timeout")

	// ErrNotFound is returned when no persisted index exists.
	ErrNotFound = errors.New("not found")
)
