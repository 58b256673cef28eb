package rag

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"ragcore/internal/chunker"
	"ragcore/internal/composer"
	"ragcore/internal/config"
	"ragcore/internal/db"
	"ragcore/internal/embedding"
	"ragcore/internal/index"
	"ragcore/internal/llmservice"
	"ragcore/internal/models"
	"ragcore/internal/retriever"
	"ragcore/internal/snapshot"
)

// Build creates an Engine and its backends from cfg. The returned close
// function releases the storage backend.
func Build(cfg *config.Config) (*Engine, func() error, error) {
	noop := func() error { return nil }

	ch, err := chunker.New(chunker.Config{MaxChars: cfg.RAG.ChunkSize, OverlapChars: cfg.RAG.ChunkOverlap})
	if err != nil {
		return nil, noop, err
	}
	gw, err := embedding.NewFromConfig(&cfg.EmbedLLM)
	if err != nil {
		return nil, noop, err
	}
	ix, err := NewIndex(cfg.EmbedLLM.ModelTag, cfg.Index)
	if err != nil {
		return nil, noop, err
	}
	llm, err := llmservice.NewModel(&cfg.LLM)
	if err != nil {
		return nil, noop, err
	}
	store, closeStore, err := NewStore(cfg.Storage)
	if err != nil {
		return nil, noop, err
	}

	engine, err := New(ch, gw, ix, llm, store, Config{
		TopK:            cfg.RAG.TopK,
		MaxContextChars: cfg.RAG.MaxContextChars,
		MinScore:        cfg.RAG.MinScore,
		Reranker:        NewReranker(cfg.RAG.Rerank),
		RerankTopK:      cfg.RAG.RerankTopK,
		Composer: composer.Config{
			Temperature:     cfg.LLM.Temperature,
			MaxTokens:       cfg.LLM.MaxTokens,
			Timeout:         cfg.LLM.Timeout,
			HistoryMessages: cfg.RAG.HistoryMessages,
		},
	})
	if err != nil {
		closeStore()
		return nil, noop, err
	}
	return engine, closeStore, nil
}

// NewReranker returns the reranker named by config, or nil for "none".
func NewReranker(name string) retriever.Reranker {
	switch name {
	case "keyword":
		return retriever.KeywordReranker{}
	default:
		return nil
	}
}

// NewIndex returns an exact index, optionally backed by a chromem-go
// candidate collection.
func NewIndex(modelTag string, cfg config.IndexConfig) (*index.Index, error) {
	switch cfg.Strategy {
	case "exact", "":
		return index.New(modelTag), nil
	case "chromem":
		src, err := index.NewChromemSource("chunks")
		if err != nil {
			return nil, err
		}
		return index.New(modelTag, index.WithCandidates(src, cfg.CandidateFactor)), nil
	default:
		return nil, fmt.Errorf("%w: unknown index strategy %q", models.ErrInvalidConfiguration, cfg.Strategy)
	}
}

// NewStore returns the configured IndexStore, or nil for the "none" backend.
func NewStore(cfg config.StorageConfig) (IndexStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "none", "":
		return nil, noop, nil
	case "file":
		log.Debug().Str("path", cfg.Path).Msg("Using file index store")
		return snapshot.NewFileStore(cfg.Path, cfg.Compress), noop, nil
	case "postgres":
		store, err := db.Open(cfg.Database)
		if err != nil {
			return nil, noop, err
		}
		log.Debug().Str("driver", cfg.Database.Driver).Msg("Using postgres index store")
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("%w: unknown storage backend %q", models.ErrInvalidConfiguration, cfg.Backend)
	}
}
