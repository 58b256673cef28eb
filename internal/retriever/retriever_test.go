package retriever

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"ragcore/internal/index"
	"ragcore/internal/models"
)

type stubEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	return s.vec, s.err
}

func seeded(t *testing.T) *index.Index {
	t.Helper()
	ix := index.New("fake")
	entries := []models.IndexEntry{
		{Chunk: models.Chunk{ID: "d:0", DocumentID: "d", SequenceIndex: 0, Text: "north", CharEnd: 5},
			Embedding: models.Embedding{ChunkID: "d:0", Vector: []float32{0, 1}, ModelTag: "fake"}},
		{Chunk: models.Chunk{ID: "d:1", DocumentID: "d", SequenceIndex: 1, Text: "east", CharStart: 5, CharEnd: 9},
			Embedding: models.Embedding{ChunkID: "d:1", Vector: []float32{1, 0}, ModelTag: "fake"}},
	}
	if err := ix.Add(context.Background(), entries); err != nil {
		t.Fatalf("add: %v", err)
	}
	return ix
}

func TestRetrieve_EmptyIndex(t *testing.T) {
	emb := &stubEmbedder{vec: []float32{1, 0}}
	r := New(emb, index.New("fake"), Config{})
	res, err := r.Retrieve(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil || len(res) != 0 {
		t.Fatalf("expected empty result, got %v", res)
	}
	if emb.calls != 0 {
		t.Fatalf("expected no embedding call for an empty index, got %d", emb.calls)
	}
}

func TestRetrieve_Ranked(t *testing.T) {
	r := New(&stubEmbedder{vec: []float32{0.9, 0.1}}, seeded(t), Config{})
	res, err := r.Retrieve(context.Background(), "which way", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 2 || res[0].Chunk.ID != "d:1" {
		t.Fatalf("expected d:1 first, got %+v", res)
	}
}

func TestRetrieve_MinScore(t *testing.T) {
	threshold := 0.5
	r := New(&stubEmbedder{vec: []float32{1, 0}}, seeded(t), Config{MinScore: &threshold})
	res, err := r.Retrieve(context.Background(), "east", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || res[0].Chunk.ID != "d:1" {
		t.Fatalf("expected only d:1 above threshold, got %+v", res)
	}
}

func TestRetrieve_PropagatesErrors(t *testing.T) {
	wrapped := errors.Join(models.ErrEmbeddingUnavailable, errors.New("backend down"))
	r := New(&stubEmbedder{err: wrapped}, seeded(t), Config{})
	if _, err := r.Retrieve(context.Background(), "q", 1); err != wrapped {
		t.Fatalf("expected embedder error unchanged, got %v", err)
	}

	r = New(&stubEmbedder{vec: []float32{1, 0, 0}}, seeded(t), Config{})
	if _, err := r.Retrieve(context.Background(), "q", 1); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}

	if _, err := r.Retrieve(context.Background(), "q", 0); !errors.Is(err, models.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func scored(texts ...string) models.QueryResult {
	out := make(models.QueryResult, len(texts))
	for i, text := range texts {
		id := fmt.Sprintf("d:%d", i)
		out[i] = models.ScoredChunk{
			Chunk: models.Chunk{ID: id, DocumentID: "d", SequenceIndex: i, Text: text},
			Score: 1 - float64(i)/10,
		}
	}
	return out
}

func chunkIDs(r models.QueryResult) []string {
	out := make([]string, len(r))
	for i, sc := range r {
		out[i] = sc.Chunk.ID
	}
	return out
}

type failingReranker struct{}

func (failingReranker) Rerank(ctx context.Context, query string, retrieved models.QueryResult) (models.QueryResult, error) {
	return nil, errors.New("reranker model not loaded")
}

func TestRerank_PassThroughKeepsOrder(t *testing.T) {
	r := New(&stubEmbedder{}, index.New("fake"), Config{RerankTopK: 2})
	got, err := r.Rerank(context.Background(), "q", scored("a", "b", "c"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"d:0", "d:1"}; !reflect.DeepEqual(chunkIDs(got), want) {
		t.Fatalf("expected %v, got %v", want, chunkIDs(got))
	}

	r = New(&stubEmbedder{}, index.New("fake"), Config{})
	got, _ = r.Rerank(context.Background(), "q", scored("a", "b", "c"))
	if len(got) != 3 {
		t.Fatalf("expected every chunk without a rerank limit, got %d", len(got))
	}
}

func TestRerank_FailureFallsBack(t *testing.T) {
	r := New(&stubEmbedder{}, index.New("fake"), Config{Reranker: failingReranker{}, RerankTopK: 2})
	got, err := r.Rerank(context.Background(), "q", scored("a", "b", "c"))
	if err != nil {
		t.Fatalf("expected fallback instead of error, got %v", err)
	}
	if want := []string{"d:0", "d:1"}; !reflect.DeepEqual(chunkIDs(got), want) {
		t.Fatalf("expected %v, got %v", want, chunkIDs(got))
	}
}

func TestRerank_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(&stubEmbedder{}, index.New("fake"), Config{Reranker: KeywordReranker{}})
	if _, err := r.Rerank(ctx, "q", scored("a")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestKeywordReranker(t *testing.T) {
	in := scored(
		"The weather was mild all week.",
		"Quarterly revenue grew in Q3.",
		"Operating profit and revenue for Q3 rose sharply.",
		"Unrelated notes.",
	)
	r := New(&stubEmbedder{}, index.New("fake"), Config{Reranker: KeywordReranker{}, RerankTopK: 3})
	got, err := r.Rerank(context.Background(), "Q3 operating revenue?", in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"d:2", "d:1", "d:0"}; !reflect.DeepEqual(chunkIDs(got), want) {
		t.Fatalf("expected %v, got %v", want, chunkIDs(got))
	}
	if got[0].Score != in[2].Score {
		t.Fatalf("expected similarity score to be kept, got %v", got[0].Score)
	}
	if in[0].Chunk.ID != "d:0" {
		t.Fatalf("expected the input to be left unchanged, got %v", chunkIDs(in))
	}
}
