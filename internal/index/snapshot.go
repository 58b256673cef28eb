package index

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"ragcore/internal/models"
)

// Snapshot is a self-contained copy of an index's contents in insertion order.
type Snapshot struct {
	ModelTag  string
	Dimension int
	Entries   []models.IndexEntry
}

func (ix *Index) Snapshot() Snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	snap := Snapshot{
		ModelTag:  ix.modelTag,
		Dimension: ix.dimension,
		Entries:   make([]models.IndexEntry, len(ix.entries)),
	}
	for i, e := range ix.entries {
		snap.Entries[i] = models.IndexEntry{
			Chunk: e.chunk,
			Embedding: models.Embedding{
				ChunkID:  e.chunk.ID,
				Vector:   append([]float32(nil), e.vector...),
				ModelTag: ix.modelTag,
			},
		}
	}
	return snap
}

// Restore replaces the index contents with snap. A snapshot recorded under a
// different model tag is rejected with models.ErrInvalidConfiguration.
func (ix *Index) Restore(ctx context.Context, snap Snapshot) error {
	if snap.ModelTag != ix.modelTag {
		return fmt.Errorf("%w: persisted index uses model %q, active model is %q",
			models.ErrInvalidConfiguration, snap.ModelTag, ix.modelTag)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	// validate against an empty index so existing entries do not count as duplicates
	scratch := &Index{modelTag: ix.modelTag, ids: make(map[string]int)}
	dim := 0
	prepared := make([]entry, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		if err := scratch.validate(e, dim); err != nil {
			return err
		}
		if dim == 0 {
			dim = len(e.Embedding.Vector)
		}
		scratch.ids[e.Chunk.ID] = len(prepared)
		vec := append([]float32(nil), e.Embedding.Vector...)
		prepared = append(prepared, entry{chunk: e.Chunk, vector: vec, norm: norm(vec)})
	}
	if snap.Dimension != 0 && dim != 0 && snap.Dimension != dim {
		return fmt.Errorf("%w: snapshot declares %d dimensions, entries have %d",
			models.ErrDimensionMismatch, snap.Dimension, dim)
	}

	if err := ix.reset(); err != nil {
		return err
	}
	ix.commit(ctx, dim, prepared)
	log.Info().Int("entries", len(prepared)).Str("model", ix.modelTag).Msg("Index restored")
	return nil
}
