package embedding

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"ragcore/internal/config"
	"ragcore/internal/models"
)

// NewFromConfig builds the configured backend client and wraps it in a Gateway.
func NewFromConfig(cfg *config.EmbedConfig) (*Gateway, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewGateway(client, Config{
		ModelTag:       cfg.ModelTag,
		BatchSize:      cfg.BatchSize,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Concurrency:    cfg.Concurrency,
		CallTimeout:    cfg.Timeout,
	})
}

// NewClient returns the embedding backend named by cfg.Provider.
func NewClient(cfg *config.EmbedConfig) (embeddings.EmbedderClient, error) {
	log.Debug().Interface("config", map[string]string{
		"provider":  cfg.Provider,
		"base_url":  cfg.BaseURL,
		"model":     cfg.Model,
		"model_tag": cfg.ModelTag,
	}).Msg("Creating embedding client")

	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg)
	case "ollama":
		return NewOllamaClient(cfg)
	case "go-openai":
		return NewGoOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", models.ErrInvalidConfiguration, cfg.Provider)
	}
}

// openai compatible endpoints (OpenAI, OpenRouter, vLLM, ...) via langchaingo
func NewOpenAIClient(cfg *config.EmbedConfig) (embeddings.EmbedderClient, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(cfg.APIKey(), "Bearer ")),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing openai embedder: %w", err)
	}
	return llm, nil
}

func NewOllamaClient(cfg *config.EmbedConfig) (embeddings.EmbedderClient, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing ollama embedder: %w", err)
	}
	return llm, nil
}

// GoOpenAIClient calls the embeddings endpoint through go-openai, which
// surfaces HTTP status codes that IsTransient can classify.
type GoOpenAIClient struct {
	client *goopenai.Client
	model  string
}

func NewGoOpenAIClient(cfg *config.EmbedConfig) *GoOpenAIClient {
	c := goopenai.DefaultConfig(strings.TrimPrefix(cfg.APIKey(), "Bearer "))
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return &GoOpenAIClient{client: goopenai.NewClientWithConfig(c), model: cfg.Model}
}

func (c *GoOpenAIClient) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: texts,
		Model: goopenai.EmbeddingModel(c.model),
	})
	if err != nil {
		return nil, err
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		v := make([]float32, len(d.Embedding))
		for j := range d.Embedding {
			v[j] = float32(d.Embedding[j])
		}
		out[i] = v
	}
	return out, nil
}
