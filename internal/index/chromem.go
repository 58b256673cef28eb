package index

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
)

// ChromemSource keeps an in-memory chromem-go collection in step with the
// index and serves nearest-neighbour candidates from it.
type ChromemSource struct {
	db          *chromem.DB
	name        string
	collection  *chromem.Collection
	concurrency int
}

var errPrecomputed = errors.New("chromem collection only accepts precomputed embeddings")

func precomputed(ctx context.Context, text string) ([]float32, error) {
	return nil, errPrecomputed
}

func NewChromemSource(collectionName string) (*ChromemSource, error) {
	s := &ChromemSource{
		db:          chromem.NewDB(),
		name:        collectionName,
		concurrency: runtime.NumCPU(),
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChromemSource) open() error {
	c, err := s.db.GetOrCreateCollection(s.name, nil, precomputed)
	if err != nil {
		return fmt.Errorf("failed to create/get collection: %w", err)
	}
	s.collection = c
	return nil
}

func (s *ChromemSource) Insert(ctx context.Context, items []Item) error {
	docs := make([]chromem.Document, len(items))
	for i, it := range items {
		docs[i] = chromem.Document{
			ID:        it.ID,
			Content:   it.Text,
			Embedding: append([]float32(nil), it.Vector...),
		}
	}
	if err := s.collection.AddDocuments(ctx, docs, s.concurrency); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

func (s *ChromemSource) Nearest(ctx context.Context, query []float32, n int) ([]string, error) {
	if count := s.collection.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}
	results, err := s.collection.QueryEmbedding(ctx, append([]float32(nil), query...), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	log.Trace().Int("requested", n).Int("returned", len(ids)).Msg("Chromem candidates")
	return ids, nil
}

// Reset drops the collection and starts an empty one under the same name.
func (s *ChromemSource) Reset() error {
	if err := s.db.DeleteCollection(s.name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return s.open()
}
