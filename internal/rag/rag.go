package rag

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"ragcore/internal/chunker"
	"ragcore/internal/composer"
	"ragcore/internal/embedding"
	"ragcore/internal/index"
	"ragcore/internal/models"
	"ragcore/internal/retriever"
)

// IndexStore persists index snapshots between runs.
type IndexStore interface {
	Save(ctx context.Context, snap index.Snapshot) error
	Load(ctx context.Context) (index.Snapshot, error)
}

type Config struct {
	TopK            int
	MaxContextChars int
	MinScore        *float64

	// Reranker reorders the top k before composing. Nil keeps similarity order.
	Reranker   retriever.Reranker
	RerankTopK int
	Composer   composer.Config
}

// Engine wires chunking, embedding, indexing, retrieval and answer
// composition over a single index.
type Engine struct {
	chunker   *chunker.Chunker
	gateway   *embedding.Gateway
	index     *index.Index
	retriever *retriever.Retriever
	composer  *composer.Composer
	store     IndexStore
	cfg       Config
}

// IngestReport describes what an Ingest call committed.
type IngestReport struct {
	DocumentID string   `json:"document_id"`
	Chunks     int      `json:"chunks"`
	Indexed    int      `json:"indexed"`
	Missing    []string `json:"missing,omitempty"`
}

type Stats struct {
	ModelTag  string `json:"model_tag"`
	Dimension int    `json:"dimension"`
	Entries   int    `json:"entries"`
}

// New assembles an Engine. store may be nil, in which case Save and Load are no-ops.
func New(ch *chunker.Chunker, gw *embedding.Gateway, ix *index.Index, llm llms.Model, store IndexStore, cfg Config) (*Engine, error) {
	if ch == nil || gw == nil || ix == nil || llm == nil {
		return nil, fmt.Errorf("%w: chunker, gateway, index and model are required", models.ErrInvalidConfiguration)
	}
	if gw.ModelTag() != ix.ModelTag() {
		return nil, fmt.Errorf("%w: gateway model %q does not match index model %q",
			models.ErrInvalidConfiguration, gw.ModelTag(), ix.ModelTag())
	}
	if cfg.TopK <= 0 {
		return nil, fmt.Errorf("%w: top k must be > 0, got %d", models.ErrInvalidConfiguration, cfg.TopK)
	}
	if cfg.RerankTopK < 0 {
		return nil, fmt.Errorf("%w: rerank top k must be >= 0, got %d", models.ErrInvalidConfiguration, cfg.RerankTopK)
	}
	if cfg.MaxContextChars < 0 {
		return nil, fmt.Errorf("%w: max context chars must be >= 0, got %d", models.ErrInvalidConfiguration, cfg.MaxContextChars)
	}
	return &Engine{
		chunker:   ch,
		gateway:   gw,
		index:     ix,
		retriever: retriever.New(gw, ix, retriever.Config{
			MinScore:   cfg.MinScore,
			Reranker:   cfg.Reranker,
			RerankTopK: cfg.RerankTopK,
		}),
		composer:  composer.New(llm, cfg.Composer),
		store:     store,
		cfg:       cfg,
	}, nil
}

// Ingest chunks doc, embeds the chunks and adds them to the index.
//
// Batches that could not be embedded are left out; their chunk ids are listed
// in the report and the returned error wraps models.ErrEmbeddingUnavailable.
// A timeout or dimension mismatch commits nothing.
func (e *Engine) Ingest(ctx context.Context, doc models.Document) (IngestReport, error) {
	report := IngestReport{DocumentID: doc.ID}
	if doc.ID == "" {
		return report, fmt.Errorf("%w: document id is empty", models.ErrInvalidConfiguration)
	}

	chunks, err := e.chunker.Chunk(doc)
	if err != nil {
		return report, err
	}
	report.Chunks = len(chunks)
	if len(chunks) == 0 {
		log.Info().Str("document", doc.ID).Msg("No chunks generated from content")
		return report, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		if e.index.Has(c.ID) {
			return report, fmt.Errorf("%w: %s", models.ErrDuplicateChunk, c.ID)
		}
		texts[i] = c.Text
	}

	vecs, err := e.gateway.Embed(ctx, texts)
	var batchErr *embedding.BatchError
	if err != nil && !errors.As(err, &batchErr) {
		return report, err
	}

	entries := make([]models.IndexEntry, 0, len(chunks))
	for i, c := range chunks {
		if vecs[i] == nil {
			report.Missing = append(report.Missing, c.ID)
			continue
		}
		entries = append(entries, models.IndexEntry{
			Chunk:     c,
			Embedding: models.Embedding{ChunkID: c.ID, Vector: vecs[i], ModelTag: e.gateway.ModelTag()},
		})
	}

	if err := e.index.Add(ctx, entries); err != nil {
		return report, err
	}
	report.Indexed = len(entries)

	log.Info().Str("document", doc.ID).Int("chunks", report.Chunks).Int("indexed", report.Indexed).
		Int("missing", len(report.Missing)).Msg("Document ingested")
	if batchErr != nil {
		return report, batchErr
	}
	return report, nil
}

// Retrieve returns the k chunks most similar to query.
func (e *Engine) Retrieve(ctx context.Context, query string, k int) (models.QueryResult, error) {
	return e.retriever.Retrieve(ctx, query, k)
}

// Ask retrieves the configured top k chunks, reranks them and composes an
// answer. history holds the earlier turns of the conversation, if any.
func (e *Engine) Ask(ctx context.Context, query string, history ...llms.MessageContent) (models.Answer, error) {
	retrieved, err := e.retriever.Retrieve(ctx, query, e.cfg.TopK)
	if err != nil {
		return models.Answer{}, err
	}
	retrieved, err = e.retriever.Rerank(ctx, query, retrieved)
	if err != nil {
		return models.Answer{}, err
	}
	return e.composer.Compose(ctx, query, retrieved, e.cfg.MaxContextChars, history...)
}

func (e *Engine) Save(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return e.store.Save(ctx, e.index.Snapshot())
}

// Load replaces the index with the persisted snapshot. A snapshot written
// under another model tag is rejected with models.ErrInvalidConfiguration;
// a missing one yields models.ErrNotFound.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snap, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	if snap.ModelTag != e.gateway.ModelTag() {
		return fmt.Errorf("%w: persisted index uses model %q, active embedding model is %q",
			models.ErrInvalidConfiguration, snap.ModelTag, e.gateway.ModelTag())
	}
	if dim := e.gateway.Dimension(); dim != 0 && snap.Dimension != 0 && dim != snap.Dimension {
		return fmt.Errorf("%w: persisted index has %d dimensions, model %s produces %d",
			models.ErrDimensionMismatch, snap.Dimension, e.gateway.ModelTag(), dim)
	}
	if err := e.index.Restore(ctx, snap); err != nil {
		return err
	}
	if snap.Dimension > 0 {
		return e.gateway.ObserveDimension(snap.Dimension)
	}
	return nil
}

// Clear empties the index. Callers must not run Ingest or Retrieve concurrently.
func (e *Engine) Clear(ctx context.Context) error {
	return e.index.Clear(ctx)
}

func (e *Engine) Stats() Stats {
	return Stats{ModelTag: e.index.ModelTag(), Dimension: e.index.Dimension(), Entries: e.index.Size()}
}
