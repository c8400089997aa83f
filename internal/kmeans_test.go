package internal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKMeansSeparatesClusters(t *testing.T) {
	features := [][]float64{{0, 0}, {0.1, 0}, {0, 0.1}, {50, 50}, {50.1, 50}, {50, 50.1}}

	got, err := KMeans{}.Fit(context.Background(), features, 2)
	require.NoError(t, err)
	require.NoError(t, got.Validate(len(features)))
	assert.Equal(t, 2, got.NumClusters())

	assert.Equal(t, got.Labels[0], got.Labels[1])
	assert.Equal(t, got.Labels[0], got.Labels[2])
	assert.Equal(t, got.Labels[3], got.Labels[4])
	assert.Equal(t, got.Labels[3], got.Labels[5])
	assert.NotEqual(t, got.Labels[0], got.Labels[3])
}

func TestKMeansErrors(t *testing.T) {
	_, err := KMeans{}.Fit(context.Background(), nil, 2)
	assert.ErrorIs(t, err, ErrDataInconsistency)

	_, err = KMeans{}.Fit(context.Background(), [][]float64{{1}}, 0)
	assert.ErrorIs(t, err, ErrConfiguration)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = KMeans{}.Fit(ctx, [][]float64{{1}}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKMeansSeedIsReproducible(t *testing.T) {
	features := make([][]float64, 60)
	for i := range features {
		features[i] = []float64{float64(i%7) * 3.5, float64((i*13)%11) - float64(i%4)}
	}

	first, err := KMeans{Seed: 42}.Fit(context.Background(), features, 4)
	require.NoError(t, err)
	for range 5 {
		again, err := KMeans{Seed: 42}.Fit(context.Background(), features, 4)
		require.NoError(t, err)
		assert.Equal(t, first.Labels, again.Labels)
		assert.Equal(t, first.Centers, again.Centers)
	}
}

func TestKMeansIdenticalPoints(t *testing.T) {
	features := [][]float64{{2, 2}, {2, 2}, {2, 2}, {2, 2}}

	got, err := KMeans{Seed: 1}.Fit(context.Background(), features, 3)
	require.NoError(t, err)
	require.NoError(t, got.Validate(len(features)))
	require.Len(t, got.Centers, 1)
	assert.Equal(t, []float64{2, 2}, got.Centers[0])
	assert.Equal(t, []int{0, 0, 0, 0}, got.Labels)
}
