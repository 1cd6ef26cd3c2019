// Package embedding turns text into fixed-length vectors. The provider is
// selected at process start and injected wherever embeddings are needed;
// nothing picks a provider at runtime from string config.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultModel is the embedding model used unless configured otherwise.
	DefaultModel = "text-embedding-3-small"

	// DefaultBatchSize balances requests-per-minute vs tokens-per-minute
	// rate limits; the API accepts up to 2048 texts per call.
	DefaultBatchSize = 100

	// chunkConcurrency bounds how many batch chunks are embedded in
	// parallel, to respect provider rate limits.
	chunkConcurrency = 3
)

// modelDimensions maps supported embedding models to their vector length.
// A provider must report a consistent length for a given configuration.
var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// Provider is the embedding contract consumed by the indexing worker and
// the retrieval engine.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// OpenAIProvider generates embeddings via the OpenAI embeddings API.
// It chunks batch requests and retries with exponential backoff on rate
// limit errors.
type OpenAIProvider struct {
	client    *Client
	model     string
	dimension int
	batchSize int
}

// NewOpenAIProvider creates a provider for the given model. batchSize <= 0
// uses DefaultBatchSize. Unknown models are rejected up front so a
// misconfiguration can never produce vectors of a surprise dimension.
func NewOpenAIProvider(client *Client, model string, batchSize int) (*OpenAIProvider, error) {
	if model == "" {
		model = DefaultModel
	}
	dim, ok := modelDimensions[model]
	if !ok {
		return nil, fmt.Errorf("unsupported embedding model %q", model)
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &OpenAIProvider{
		client:    client,
		model:     model,
		dimension: dim,
		batchSize: batchSize,
	}, nil
}

// Dimension returns the vector length this provider produces.
func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.embedChunkWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for all texts, chunked to the provider
// batch limit. Chunks run concurrently up to chunkConcurrency; results come
// back in input order.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	type chunk struct {
		start, end int
	}
	var chunks []chunk
	for i := 0; i < len(texts); i += p.batchSize {
		chunks = append(chunks, chunk{start: i, end: min(i+p.batchSize, len(texts))})
	}

	results := make([][][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(chunkConcurrency)

	for i, c := range chunks {
		g.Go(func() error {
			vectors, err := p.embedChunkWithRetry(gctx, texts[c.start:c.end])
			if err != nil {
				return fmt.Errorf("chunk %d-%d: %w", c.start, c.end, err)
			}
			results[i] = vectors
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := make([][]float32, 0, len(texts))
	for _, vectors := range results {
		all = append(all, vectors...)
	}
	return all, nil
}

// embedChunkWithRetry embeds one chunk, retrying with exponential backoff
// on rate limit errors (HTTP 429). Other errors fail immediately.
func (p *OpenAIProvider) embedChunkWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	operation := func() error {
		resp, err := p.client.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model: p.model,
		})
		if err != nil {
			if isRateLimitError(err) {
				return err // Will retry with backoff
			}
			return backoff.Permanent(err) // Don't retry
		}
		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
		}

		vectors = make([][]float32, len(resp.Data))
		for i, data := range resp.Data {
			vectors[i] = toFloat32(data.Embedding)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return vectors, err
}

// isRateLimitError checks if the error is a rate limit error (HTTP 429).
func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// toFloat32 converts []float64 to []float32. The API returns float64, but
// the vector store uses float32.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
