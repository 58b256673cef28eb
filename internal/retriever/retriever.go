package retriever

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"ragcore/internal/models"
)

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	Search(ctx context.Context, query []float32, k int) (models.QueryResult, error)
	Size() int
}

type Config struct {
	// MinScore drops results scoring below it. Nil keeps everything.
	MinScore *float64
	// Reranker and RerankTopK drive Rerank. Both are optional.
	Reranker   Reranker
	RerankTopK int
}

// Retriever embeds a query and searches the index with it. Errors from
// either side are returned unchanged.
type Retriever struct {
	embedder QueryEmbedder
	searcher Searcher
	cfg      Config
}

func New(embedder QueryEmbedder, searcher Searcher, cfg Config) *Retriever {
	return &Retriever{embedder: embedder, searcher: searcher, cfg: cfg}
}

func (r *Retriever) Retrieve(ctx context.Context, query string, k int) (models.QueryResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be > 0, got %d", models.ErrInvalidConfiguration, k)
	}
	if r.searcher.Size() == 0 {
		log.Debug().Str("query", query).Msg("Index is empty, nothing to retrieve")
		return models.QueryResult{}, nil
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	res, err := r.searcher.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}

	if r.cfg.MinScore != nil {
		kept := res[:0]
		for _, sc := range res {
			if sc.Score >= *r.cfg.MinScore {
				kept = append(kept, sc)
			}
		}
		res = kept
	}

	log.Debug().Str("query", query).Int("k", k).Int("results", len(res)).Msg("Retrieved chunks")
	return res, nil
}
