package retriever

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"ragcore/internal/models"
)

// Reranker reorders retrieved chunks by a second relevance signal. It may
// return fewer chunks than it was given but never new ones.
type Reranker interface {
	Rerank(ctx context.Context, query string, retrieved models.QueryResult) (models.QueryResult, error)
}

// Rerank narrows retrieved to Config.RerankTopK chunks, reordered by the
// configured Reranker. Without a reranker, or when it fails, the similarity
// order is kept. Cancellation is returned as an error.
func (r *Retriever) Rerank(ctx context.Context, query string, retrieved models.QueryResult) (models.QueryResult, error) {
	limit := r.cfg.RerankTopK
	if limit <= 0 || limit > len(retrieved) {
		limit = len(retrieved)
	}
	if r.cfg.Reranker == nil || len(retrieved) == 0 {
		return retrieved[:limit], nil
	}

	reranked, err := r.cfg.Reranker.Rerank(ctx, query, append(models.QueryResult(nil), retrieved...))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Msg("Rerank failed, keeping similarity order")
		return retrieved[:limit], nil
	}
	if len(reranked) > limit {
		reranked = reranked[:limit]
	}
	return reranked, nil
}

// KeywordReranker orders chunks by the share of distinct query terms their
// text contains. Equal shares keep their similarity order, and scores are
// left untouched.
type KeywordReranker struct{}

func (KeywordReranker) Rerank(ctx context.Context, query string, retrieved models.QueryResult) (models.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := termSet(query)
	if len(terms) == 0 {
		return retrieved, nil
	}

	overlap := make(map[string]float64, len(retrieved))
	for _, sc := range retrieved {
		text := termSet(sc.Chunk.Text)
		hits := 0
		for t := range terms {
			if _, ok := text[t]; ok {
				hits++
			}
		}
		overlap[sc.Chunk.ID] = float64(hits) / float64(len(terms))
	}

	sort.SliceStable(retrieved, func(i, j int) bool {
		return overlap[retrieved[i].Chunk.ID] > overlap[retrieved[j].Chunk.ID]
	})
	return retrieved, nil
}

func termSet(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
