package internal

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

const (
	IndexExact = "exact"
	IndexAnnoy = "annoy"
)

func ParseIndexBackend(s string) (string, error) {
	switch s {
	case IndexExact, IndexAnnoy:
		return s, nil
	case "":
		return IndexExact, nil
	default:
		return "", fmt.Errorf("%w: unsupported index backend %q", ErrConfiguration, s)
	}
}

type Neighbor struct {
	Index    int
	Distance float64
}

// NeighborIndex answers k-nearest-neighbor queries over a fixed set of
// feature vectors. Results are ordered by increasing distance.
type NeighborIndex interface {
	Search(ctx context.Context, query []float64, k int) ([]Neighbor, error)
	Len() int
}

// BuildIndex indexes features with the named backend.
func BuildIndex(ctx context.Context, backend string, features [][]float64, trees int) (NeighborIndex, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("%w: no features to index", ErrDataInconsistency)
	}
	dim := len(features[0])
	for i, f := range features {
		if len(f) != dim {
			return nil, fmt.Errorf("%w: feature %d has dimension %d, expected %d", ErrDataInconsistency, i, len(f), dim)
		}
	}

	switch backend {
	case IndexExact, "":
		return NewExactIndex(features), nil
	case IndexAnnoy:
		return NewAnnoyIndex(ctx, features, trees)
	default:
		return nil, fmt.Errorf("%w: unsupported index backend %q", ErrConfiguration, backend)
	}
}

var _ NeighborIndex = (*ExactIndex)(nil)

// ExactIndex scans every vector with Euclidean distance. Ties keep index
// order.
type ExactIndex struct {
	features [][]float64
}

func NewExactIndex(features [][]float64) *ExactIndex {
	return &ExactIndex{features: features}
}

func (e *ExactIndex) Len() int {
	return len(e.features)
}

func (e *ExactIndex) Search(ctx context.Context, query []float64, k int) ([]Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k > len(e.features) {
		k = len(e.features)
	}
	if k <= 0 {
		return nil, nil
	}

	dists := make([]float64, len(e.features))
	for i, f := range e.features {
		if len(f) != len(query) {
			return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", ErrDataInconsistency, len(query), len(f))
		}
		dists[i] = floats.Distance(query, f, 2)
	}

	inds := make([]int, len(dists))
	floats.ArgsortStable(dists, inds)

	out := make([]Neighbor, k)
	for i := range k {
		out[i] = Neighbor{Index: inds[i], Distance: dists[i]}
	}
	return out, nil
}
