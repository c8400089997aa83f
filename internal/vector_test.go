package internal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactIndexOrdersByDistance(t *testing.T) {
	idx := NewExactIndex([][]float64{{0, 0}, {3, 0}, {1, 0}, {1, 0}})

	got, err := idx.Search(context.Background(), []float64{0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, 2, got[1].Index, "ties keep index order")
	assert.Equal(t, 3, got[2].Index)
	assert.InDelta(t, 1.0, got[1].Distance, 1e-9)
}

func TestExactIndexClampsK(t *testing.T) {
	idx := NewExactIndex([][]float64{{0}, {1}})

	got, err := idx.Search(context.Background(), []float64{0}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = idx.Search(context.Background(), []float64{0}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBuildIndex(t *testing.T) {
	ctx := context.Background()

	_, err := BuildIndex(ctx, IndexExact, nil, 0)
	assert.ErrorIs(t, err, ErrDataInconsistency)

	_, err = BuildIndex(ctx, IndexExact, [][]float64{{1, 2}, {1}}, 0)
	assert.ErrorIs(t, err, ErrDataInconsistency)

	_, err = BuildIndex(ctx, "faiss", [][]float64{{1}}, 0)
	assert.ErrorIs(t, err, ErrConfiguration)

	idx, err := BuildIndex(ctx, "", [][]float64{{1}, {2}}, 0)
	require.NoError(t, err)
	assert.IsType(t, &ExactIndex{}, idx)
}
