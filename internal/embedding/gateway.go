package embedding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"golang.org/x/sync/errgroup"

	"ragcore/internal/models"
)

type Config struct {
	ModelTag       string
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Concurrency    int
	// CallTimeout bounds a single attempt. Zero means no per-attempt limit.
	CallTimeout time.Duration
}

// Gateway batches texts into calls against an embedding backend, retrying
// transient failures and enforcing a single dimensionality per model tag.
type Gateway struct {
	client embeddings.EmbedderClient
	cfg    Config

	mu        sync.RWMutex
	dimension int
}

func NewGateway(client embeddings.EmbedderClient, cfg Config) (*Gateway, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: embedding client is nil", models.ErrInvalidConfiguration)
	}
	if strings.TrimSpace(cfg.ModelTag) == "" {
		return nil, fmt.Errorf("%w: model tag is required", models.ErrInvalidConfiguration)
	}
	if cfg.BatchSize <= 0 || cfg.MaxAttempts <= 0 || cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("%w: batch size, max attempts and concurrency must be > 0", models.ErrInvalidConfiguration)
	}
	if cfg.RetryBaseDelay < 0 || cfg.RetryMaxDelay < 0 || cfg.CallTimeout < 0 {
		return nil, fmt.Errorf("%w: negative retry delay or timeout", models.ErrInvalidConfiguration)
	}
	return &Gateway{client: client, cfg: cfg}, nil
}

func (g *Gateway) ModelTag() string {
	return g.cfg.ModelTag
}

// Dimension is the vector length observed so far, or 0 before the first call.
func (g *Gateway) Dimension() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dimension
}

// ObserveDimension records n as the model's dimensionality, e.g. after
// restoring a persisted index.
func (g *Gateway) ObserveDimension(n int) error {
	return g.checkDimension(n)
}

// Embed returns one vector per text, in input order.
//
// Batches run concurrently up to Config.Concurrency. A batch that still fails
// after its retries leaves nil vectors at its positions and is reported in a
// *BatchError; every other batch is returned intact. Dimension mismatches and
// caller deadlines abort the whole call.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	batches := embeddings.BatchTexts(texts, g.cfg.BatchSize)

	var (
		mu     sync.Mutex
		failed BatchError
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Concurrency)

	offset := 0
	for i, batch := range batches {
		i, batch, start := i, batch, offset
		offset += len(batch)

		eg.Go(func() error {
			vecs, err := g.embedBatch(egCtx, batch)
			if err != nil {
				if errors.Is(err, models.ErrEmbeddingUnavailable) {
					log.Warn().Err(err).Int("batch", i).Int("size", len(batch)).Msg("Embedding batch failed")
					mu.Lock()
					for j := range batch {
						failed.Missing = append(failed.Missing, start+j)
					}
					failed.Errs = append(failed.Errs, err)
					mu.Unlock()
					return nil
				}
				return err
			}
			copy(out[start:start+len(vecs)], vecs)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if len(failed.Missing) > 0 {
		sort.Ints(failed.Missing)
		return out, &failed
	}

	log.Debug().Int("texts", len(texts)).Int("batches", len(batches)).Str("model", g.cfg.ModelTag).Msg("Embedded texts")
	return out, nil
}

// EmbedQuery embeds a single text synchronously.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (g *Gateway) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, g.retryDelay(attempt-1)); err != nil {
				return nil, contextError(err)
			}
		}

		vecs, err := g.call(ctx, texts)
		if err == nil {
			if len(vecs) != len(texts) {
				return nil, fmt.Errorf("%w: backend returned %d vectors for %d texts",
					models.ErrEmbeddingUnavailable, len(vecs), len(texts))
			}
			for _, v := range vecs {
				if err := g.checkDimension(len(v)); err != nil {
					return nil, err
				}
			}
			return vecs, nil
		}

		if ctx.Err() != nil {
			return nil, contextError(ctx.Err())
		}
		if !IsTransient(err) {
			return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingUnavailable, err)
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt+1).Int("max_attempts", g.cfg.MaxAttempts).Msg("Retrying embedding call")
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", models.ErrEmbeddingUnavailable, g.cfg.MaxAttempts, lastErr)
}

func (g *Gateway) call(ctx context.Context, texts []string) ([][]float32, error) {
	if g.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
	}
	return g.client.CreateEmbedding(ctx, texts)
}

func (g *Gateway) checkDimension(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: empty vector for model %s", models.ErrDimensionMismatch, g.cfg.ModelTag)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dimension == 0 {
		g.dimension = n
		return nil
	}
	if g.dimension != n {
		return fmt.Errorf("%w: model %s produced %d dimensions, expected %d",
			models.ErrDimensionMismatch, g.cfg.ModelTag, n, g.dimension)
	}
	return nil
}

// exponential backoff capped at RetryMaxDelay
func (g *Gateway) retryDelay(attempt int) time.Duration {
	d := g.cfg.RetryBaseDelay << attempt
	if g.cfg.RetryMaxDelay > 0 && (d < 0 || d > g.cfg.RetryMaxDelay) {
		d = g.cfg.RetryMaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", models.ErrTimeout, err)
	}
	return err
}
