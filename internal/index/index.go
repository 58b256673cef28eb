package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"ragcore/internal/models"
)

// Item is what a CandidateSource is given for each indexed chunk.
type Item struct {
	ID     string
	Text   string
	Vector []float32
}

// CandidateSource narrows a search to a candidate set that the Index then
// rescores exactly. Implementations must be safe for concurrent Nearest calls.
type CandidateSource interface {
	Insert(ctx context.Context, items []Item) error
	Nearest(ctx context.Context, query []float32, n int) ([]string, error)
	Reset() error
}

type Option func(*Index)

// WithCandidates makes Search ask src for k*factor candidates before exact
// rescoring. Small indexes and zero queries are still scanned in full. A
// factor below 2 is raised to 2.
func WithCandidates(src CandidateSource, factor int) Option {
	return func(ix *Index) {
		if factor < 2 {
			factor = 2
		}
		ix.candidates = src
		ix.factor = factor
	}
}

type entry struct {
	chunk  models.Chunk
	vector []float32
	norm   float64
}

// Index is an append-only in-memory vector index for a single model tag.
// Add and Clear are serialized; Search calls run concurrently and never
// observe a partially applied Add.
type Index struct {
	modelTag string

	mu        sync.RWMutex
	dimension int
	entries   []entry
	ids       map[string]int
	zero      []int // entries with a zero vector, never handed to candidates

	candidates CandidateSource
	factor     int
	stale      bool
}

func New(modelTag string, opts ...Option) *Index {
	ix := &Index{modelTag: modelTag, ids: make(map[string]int)}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

func (ix *Index) ModelTag() string {
	return ix.modelTag
}

func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

func (ix *Index) Dimension() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dimension
}

func (ix *Index) Has(chunkID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.ids[chunkID]
	return ok
}

// Add appends entries. The whole call is validated before anything is
// stored, so a failed Add leaves the index unchanged.
func (ix *Index) Add(ctx context.Context, entries []models.IndexEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	dim := ix.dimension
	seen := make(map[string]struct{}, len(entries))
	prepared := make([]entry, 0, len(entries))
	for _, e := range entries {
		if err := ix.validate(e, dim); err != nil {
			return err
		}
		if dim == 0 {
			dim = len(e.Embedding.Vector)
		}
		if _, ok := seen[e.Chunk.ID]; ok {
			return fmt.Errorf("%w: %s appears twice in one add", models.ErrDuplicateChunk, e.Chunk.ID)
		}
		seen[e.Chunk.ID] = struct{}{}

		vec := append([]float32(nil), e.Embedding.Vector...)
		prepared = append(prepared, entry{chunk: e.Chunk, vector: vec, norm: norm(vec)})
	}

	ix.commit(ctx, dim, prepared)
	log.Debug().Int("added", len(prepared)).Int("size", len(ix.entries)).Str("model", ix.modelTag).Msg("Index entries added")
	return nil
}

func (ix *Index) validate(e models.IndexEntry, dim int) error {
	if e.Chunk.ID == "" {
		return fmt.Errorf("%w: chunk id is empty", models.ErrInvalidConfiguration)
	}
	if e.Embedding.ChunkID != e.Chunk.ID {
		return fmt.Errorf("%w: embedding for %q attached to chunk %q",
			models.ErrInvalidConfiguration, e.Embedding.ChunkID, e.Chunk.ID)
	}
	if e.Embedding.ModelTag != ix.modelTag {
		return fmt.Errorf("%w: chunk %s embedded with model %q, index uses %q",
			models.ErrDimensionMismatch, e.Chunk.ID, e.Embedding.ModelTag, ix.modelTag)
	}
	n := len(e.Embedding.Vector)
	if n == 0 || (dim != 0 && n != dim) {
		return fmt.Errorf("%w: chunk %s has %d dimensions, index has %d",
			models.ErrDimensionMismatch, e.Chunk.ID, n, dim)
	}
	if _, ok := ix.ids[e.Chunk.ID]; ok {
		return fmt.Errorf("%w: %s", models.ErrDuplicateChunk, e.Chunk.ID)
	}
	return nil
}

// commit must be called with mu held.
func (ix *Index) commit(ctx context.Context, dim int, prepared []entry) {
	ix.dimension = dim
	items := make([]Item, 0, len(prepared))
	for _, e := range prepared {
		pos := len(ix.entries)
		ix.entries = append(ix.entries, e)
		ix.ids[e.chunk.ID] = pos
		if e.norm == 0 {
			ix.zero = append(ix.zero, pos)
			continue
		}
		items = append(items, Item{ID: e.chunk.ID, Text: e.chunk.Text, Vector: e.vector})
	}

	if ix.candidates == nil || ix.stale || len(items) == 0 {
		return
	}
	if err := ix.candidates.Insert(ctx, items); err != nil {
		log.Warn().Err(err).Msg("Candidate index out of sync, falling back to exact search")
		ix.stale = true
	}
}

// Search returns up to k entries ranked by cosine similarity to query,
// highest first, ties broken by ascending sequence index.
func (ix *Index) Search(ctx context.Context, query []float32, k int) (models.QueryResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be > 0, got %d", models.ErrInvalidConfiguration, k)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) == 0 {
		return models.QueryResult{}, nil
	}
	if len(query) != ix.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
			models.ErrDimensionMismatch, len(query), ix.dimension)
	}

	qn := norm(query)
	scored, ok := ix.searchCandidates(ctx, query, qn, k)
	if !ok {
		scored = make(models.QueryResult, 0, len(ix.entries))
		for p := range ix.entries {
			scored = append(scored, ix.score(query, qn, p))
		}
	}

	rank(scored)
	if k < len(scored) {
		scored = scored[:k]
	}
	return scored, nil
}

// candidateTolerance absorbs the float32 rounding of the candidate source.
const candidateTolerance = 1e-5

// searchCandidates rescores the candidate set exactly. It reports false when
// the k-th score is not clearly above the lowest candidate, in which case
// entries outside the set may tie with it and every entry must be scanned.
func (ix *Index) searchCandidates(ctx context.Context, query []float32, qn float64, k int) (models.QueryResult, bool) {
	if ix.candidates == nil || ix.stale || qn == 0 {
		return nil, false
	}
	n := k * ix.factor
	if n >= len(ix.entries)-len(ix.zero) {
		return nil, false
	}

	ids, err := ix.candidates.Nearest(ctx, query, n)
	if err != nil {
		log.Warn().Err(err).Msg("Candidate search failed, falling back to exact search")
		return nil, false
	}
	if len(ids) < n {
		return nil, false
	}

	scored := make(models.QueryResult, 0, len(ids)+len(ix.zero))
	floor := math.Inf(1)
	for _, id := range ids {
		p, ok := ix.ids[id]
		if !ok {
			log.Warn().Str("id", id).Msg("Candidate search returned unknown id, falling back to exact search")
			return nil, false
		}
		sc := ix.score(query, qn, p)
		floor = math.Min(floor, sc.Score)
		scored = append(scored, sc)
	}
	for _, p := range ix.zero {
		scored = append(scored, ix.score(query, qn, p))
	}

	rank(scored)
	if len(scored) < k || scored[k-1].Score <= floor+candidateTolerance {
		log.Trace().Int("k", k).Float64("floor", floor).Msg("Candidate boundary is tied, scanning every entry")
		return nil, false
	}
	return scored, true
}

func (ix *Index) score(query []float32, qn float64, p int) models.ScoredChunk {
	e := ix.entries[p]
	s := 0.0
	if qn != 0 && e.norm != 0 {
		s = dot(query, e.vector) / (qn * e.norm)
	}
	return models.ScoredChunk{Chunk: e.chunk, Score: s}
}

func rank(r models.QueryResult) {
	sort.Slice(r, func(i, j int) bool {
		a, b := r[i], r[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.SequenceIndex != b.Chunk.SequenceIndex {
			return a.Chunk.SequenceIndex < b.Chunk.SequenceIndex
		}
		if a.Chunk.DocumentID != b.Chunk.DocumentID {
			return a.Chunk.DocumentID < b.Chunk.DocumentID
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}

// Clear drops every entry and the established dimension.
func (ix *Index) Clear(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.reset()
}

// reset must be called with mu held.
func (ix *Index) reset() error {
	ix.dimension = 0
	ix.entries = nil
	ix.zero = nil
	ix.ids = make(map[string]int)
	ix.stale = false
	if ix.candidates != nil {
		if err := ix.candidates.Reset(); err != nil {
			ix.stale = true
			return fmt.Errorf("failed to reset candidate index: %w", err)
		}
	}
	return nil
}
