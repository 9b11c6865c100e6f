package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/insurancelens/policylens/internal/llm"
)

const (
	// embedBatchSize bounds the number of texts per embedding request.
	embedBatchSize = 64
	// embedConcurrency bounds simultaneous outbound embedding calls.
	embedConcurrency = 4
)

// Embedder wraps an llm.Client to generate text embeddings.
type Embedder struct {
	client llm.Client
}

// NewEmbedder creates an Embedder using the given client.
func NewEmbedder(client llm.Client) *Embedder {
	return &Embedder{client: client}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.client.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch returns embedding vectors for the texts, split into bounded
// sub-batches embedded concurrently. Results are written back by offset so
// the output order always matches the input order. Returns nil (not error)
// for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for start := 0; start < len(texts); start += embedBatchSize {
		start := start
		end := min(start+embedBatchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.client.EmbedBatch(gCtx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding batch [%d:%d]: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("batch [%d:%d] returned %d vectors", start, end, len(vecs))
			}
			copy(results[start:], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
