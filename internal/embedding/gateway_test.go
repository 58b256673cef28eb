package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"ragcore/internal/models"
)

// fakeClient returns vectors whose first component is len(text).
type fakeClient struct {
	mu       sync.Mutex
	calls    [][]string
	dim      int
	failFor  map[string]int // text -> remaining failures
	failErr  error
	delay    time.Duration
	inFlight int32
	maxSeen  int32
}

func (f *fakeClient) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		m := atomic.LoadInt32(&f.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxSeen, m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	for _, t := range texts {
		if f.failFor[t] > 0 {
			f.failFor[t]--
			f.mu.Unlock()
			return nil, f.failErr
		}
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}

	dim := f.dim
	if dim == 0 {
		dim = 3
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, dim)
		v[0] = float32(len(t))
		out[i] = v
	}
	return out, nil
}

func newTestGateway(t *testing.T, client *fakeClient, batch, attempts, concurrency int) *Gateway {
	t.Helper()
	g, err := NewGateway(client, Config{
		ModelTag:       "fake:test",
		BatchSize:      batch,
		MaxAttempts:    attempts,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		Concurrency:    concurrency,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%0*d", i+1, 0)
	}
	return out
}

func TestEmbed_BatchesPreserveOrder(t *testing.T) {
	client := &fakeClient{}
	g := newTestGateway(t, client, 4, 1, 3)

	in := texts(10)
	vecs, err := g.Embed(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != len(in) {
		t.Fatalf("expected %d vectors, got %d", len(in), len(vecs))
	}
	for i, v := range vecs {
		if int(v[0]) != len(in[i]) {
			t.Fatalf("vector %d out of order: got marker %v, want %d", i, v[0], len(in[i]))
		}
	}
	if len(client.calls) != 3 {
		t.Fatalf("expected 3 backend calls for 10 texts in batches of 4, got %d", len(client.calls))
	}
	if g.Dimension() != 3 {
		t.Fatalf("expected dimension 3, got %d", g.Dimension())
	}
}

func TestEmbed_Empty(t *testing.T) {
	client := &fakeClient{}
	g := newTestGateway(t, client, 4, 1, 1)
	vecs, err := g.Embed(context.Background(), nil)
	if err != nil || len(vecs) != 0 {
		t.Fatalf("expected empty result, got %v, %v", vecs, err)
	}
	if len(client.calls) != 0 {
		t.Fatalf("expected no backend calls, got %d", len(client.calls))
	}
}

func TestEmbed_BoundedConcurrency(t *testing.T) {
	client := &fakeClient{delay: 10 * time.Millisecond}
	g := newTestGateway(t, client, 1, 1, 2)
	if _, err := g.Embed(context.Background(), texts(8)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&client.maxSeen); got > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", got)
	}
}

func TestEmbed_RetriesTransient(t *testing.T) {
	in := texts(3)
	client := &fakeClient{
		failFor: map[string]int{in[1]: 2},
		failErr: &goopenai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"},
	}
	g := newTestGateway(t, client, 10, 3, 1)
	vecs, err := g.Embed(context.Background(), in)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if len(vecs) != 3 || vecs[1] == nil {
		t.Fatalf("expected all vectors, got %v", vecs)
	}
	if len(client.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(client.calls))
	}
}

func TestEmbed_ExhaustionReportsMissing(t *testing.T) {
	in := texts(6)
	client := &fakeClient{
		failFor: map[string]int{in[3]: 100},
		failErr: errors.New("connection reset"),
	}
	g := newTestGateway(t, client, 2, 2, 2)
	vecs, err := g.Embed(context.Background(), in)

	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected *BatchError, got %v", err)
	}
	if !errors.Is(err, models.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if len(batchErr.Missing) != 2 || batchErr.Missing[0] != 2 || batchErr.Missing[1] != 3 {
		t.Fatalf("expected positions [2 3] missing, got %v", batchErr.Missing)
	}
	for i, v := range vecs {
		missing := i == 2 || i == 3
		if missing && v != nil {
			t.Fatalf("expected no vector at %d", i)
		}
		if !missing && v == nil {
			t.Fatalf("expected vector at %d", i)
		}
	}
}

func TestEmbed_PermanentErrorNotRetried(t *testing.T) {
	in := texts(1)
	client := &fakeClient{
		failFor: map[string]int{in[0]: 100},
		failErr: &goopenai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "bad input"},
	}
	g := newTestGateway(t, client, 1, 5, 1)
	_, err := g.EmbedQuery(context.Background(), in[0])
	if !errors.Is(err, models.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected a single attempt for a 400, got %d", len(client.calls))
	}
}

func TestEmbed_LangchaingoStatusNotRetried(t *testing.T) {
	in := texts(1)
	client := &fakeClient{
		failFor: map[string]int{in[0]: 100},
		failErr: errors.New("API returned unexpected status code: 401: Incorrect API key provided"),
	}
	g := newTestGateway(t, client, 1, 5, 1)
	if _, err := g.EmbedQuery(context.Background(), in[0]); !errors.Is(err, models.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected a single attempt for a 401, got %d", len(client.calls))
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	client := &fakeClient{dim: 4}
	g := newTestGateway(t, client, 2, 1, 1)
	if err := g.ObserveDimension(3); err != nil {
		t.Fatalf("observe: %v", err)
	}
	_, err := g.Embed(context.Background(), texts(2))
	if !errors.Is(err, models.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if err := g.ObserveDimension(4); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Fatalf("expected observed dimension to stay 3, got %v", err)
	}
}

func TestEmbed_DeadlineIsTimeout(t *testing.T) {
	client := &fakeClient{delay: time.Second}
	g := newTestGateway(t, client, 1, 3, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := g.EmbedQuery(ctx, "slow")
	if !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("expected the call to honor the deadline")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{&goopenai.APIError{HTTPStatusCode: 429}, true},
		{&goopenai.APIError{HTTPStatusCode: 503}, true},
		{&goopenai.APIError{HTTPStatusCode: 401}, false},
		{&goopenai.RequestError{HTTPStatusCode: 502}, true},
		{&goopenai.RequestError{HTTPStatusCode: 404}, false},
		{fmt.Errorf("wrapped: %w", models.ErrInvalidConfiguration), false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("API returned unexpected status code: 401: Incorrect API key provided"), false},
		{errors.New("API returned unexpected status code: 429"), true},
		{fmt.Errorf("embed documents: %w", errors.New(`404 Not Found: model "nomic" not found`)), false},
		{errors.New("503 Service Unavailable"), true},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("IsTransient(%v): expected %v, got %v", tc.err, tc.want, got)
		}
	}
}

func TestNewGateway_Invalid(t *testing.T) {
	if _, err := NewGateway(&fakeClient{}, Config{ModelTag: "", BatchSize: 1, MaxAttempts: 1, Concurrency: 1}); !errors.Is(err, models.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration for empty tag, got %v", err)
	}
	if _, err := NewGateway(&fakeClient{}, Config{ModelTag: "x", BatchSize: 0, MaxAttempts: 1, Concurrency: 1}); !errors.Is(err, models.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration for zero batch, got %v", err)
	}
}
