package internal

import (
	"context"
	"fmt"
)

const DefaultBatchSize = 64

// Embeddings is one pass of the encoder over a dataset.
type Embeddings struct {
	Features [][]float64
	Logits   [][]float64
	Labels   []int
}

func (e Embeddings) Len() int {
	return len(e.Features)
}

// EmbeddingStore runs the encoder over a dataset in batches.
type EmbeddingStore struct {
	encoder   Encoder
	batchSize int
}

func NewEmbeddingStore(encoder Encoder, batchSize int) *EmbeddingStore {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &EmbeddingStore{encoder: encoder, batchSize: batchSize}
}

func (s *EmbeddingStore) Embed(ctx context.Context, ds Dataset) (Embeddings, error) {
	n := ds.Len()
	out := Embeddings{
		Features: make([][]float64, 0, n),
		Logits:   make([][]float64, 0, n),
		Labels:   make([]int, 0, n),
	}

	for start := 0; start < n; start += s.batchSize {
		if err := ctx.Err(); err != nil {
			return Embeddings{}, err
		}

		end := min(start+s.batchSize, n)
		batch := make([]Example, 0, end-start)
		for i := start; i < end; i++ {
			ex, err := ds.Get(i)
			if err != nil {
				return Embeddings{}, fmt.Errorf("load example %d: %w", i, err)
			}
			batch = append(batch, ex)
			out.Labels = append(out.Labels, ex.Label)
		}

		res, err := s.encoder.Forward(ctx, batch)
		if err != nil {
			return Embeddings{}, fmt.Errorf("encode batch at %d: %w", start, err)
		}
		if len(res.Features) != len(batch) {
			return Embeddings{}, fmt.Errorf("%w: encoder returned %d features for %d examples", ErrDataInconsistency, len(res.Features), len(batch))
		}
		if res.Logits != nil && len(res.Logits) != len(batch) {
			return Embeddings{}, fmt.Errorf("%w: encoder returned %d logits for %d examples", ErrDataInconsistency, len(res.Logits), len(batch))
		}

		out.Features = append(out.Features, res.Features...)
		if res.Logits != nil {
			out.Logits = append(out.Logits, res.Logits...)
		}
	}

	if len(out.Logits) == 0 {
		out.Logits = nil
	}
	return out, nil
}
