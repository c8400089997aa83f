package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/mariotoffia/goannoy/builder"
	"github.com/mariotoffia/goannoy/interfaces"
)

const DefaultAnnoyTrees = 10

var _ NeighborIndex = (*AnnoyIndex)(nil)

// AnnoyIndex is an approximate index using angular distance. Item ids are
// the example indices.
type AnnoyIndex struct {
	mu        sync.RWMutex
	idx       interfaces.AnnoyIndex[float32, uint32]
	dimension int
	size      int
}

func NewAnnoyIndex(ctx context.Context, features [][]float64, trees int) (*AnnoyIndex, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("%w: no features to index", ErrDataInconsistency)
	}
	if trees <= 0 {
		trees = DefaultAnnoyTrees
	}

	dimension := len(features[0])
	idx := builder.Index[float32, uint32]().
		AngularDistance(dimension).
		UseMultiWorkerPolicy().
		MmapIndexAllocator().
		Build()

	for i, f := range features {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(f) != dimension {
			return nil, fmt.Errorf("%w: feature %d has dimension %d, expected %d", ErrDataInconsistency, i, len(f), dimension)
		}
		idx.AddItem(uint32(i), toFloat32(f))
	}

	idx.Build(trees, -1)

	return &AnnoyIndex{
		idx:       idx,
		dimension: dimension,
		size:      len(features),
	}, nil
}

func (a *AnnoyIndex) Len() int {
	return a.size
}

func (a *AnnoyIndex) Search(ctx context.Context, query []float64, k int) ([]Neighbor, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) != a.dimension {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", ErrDataInconsistency, len(query), a.dimension)
	}

	if k > a.size {
		k = a.size
	}
	if k <= 0 {
		return nil, nil
	}

	searchCtx := a.idx.CreateContext()
	ids, distances := a.idx.GetNnsByVector(toFloat32(query), k, -1, searchCtx)

	out := make([]Neighbor, 0, len(ids))
	for i, id := range ids {
		n := Neighbor{Index: int(id)}
		if i < len(distances) {
			n.Distance = float64(distances[i])
		}
		out = append(out, n)
	}
	return out, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
