package internal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lineAssignment = ClusterAssignment{
	Labels:  []int{0, 0, 0, 1, 1, 1},
	Centers: [][]float64{{1}, {9}},
}

func newTestCharacterizer(t *testing.T, transport OracleTransport, strategy RepresentativeStrategy) *Characterizer {
	t.Helper()
	c, err := NewCharacterizer(
		NewOracle(transport, OracleOptions{Task: "intent"}),
		nil,
		&fixedClusterer{assignment: lineAssignment},
		CharacterizeConfig{Strategy: string(strategy), Representatives: 2},
		5,
		nil,
	)
	require.NoError(t, err)
	return c
}

func TestRepresentativesNearestCenter(t *testing.T) {
	c := newTestCharacterizer(t, nil, RepresentativesNearestCenter)
	reps, err := c.Representatives(context.Background(), roundFeatures, lineAssignment)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 0}, {4, 3}}, reps)
}

func TestRepresentativesRandom(t *testing.T) {
	c := newTestCharacterizer(t, nil, RepresentativesRandom)
	ctx := context.Background()

	reps, err := c.Representatives(ctx, roundFeatures, lineAssignment)
	require.NoError(t, err)
	require.Len(t, reps, 2)
	for cluster, indices := range reps {
		assert.Len(t, indices, 2)
		for _, i := range indices {
			assert.Equal(t, cluster, lineAssignment.Labels[i])
		}
	}

	again, err := c.Representatives(ctx, roundFeatures, lineAssignment)
	require.NoError(t, err)
	assert.Equal(t, reps, again, "seeded")
}

func TestRepresentativesSubKMeans(t *testing.T) {
	c := newTestCharacterizer(t, nil, RepresentativesSubKMeans)
	reps, err := c.Representatives(context.Background(), roundFeatures, lineAssignment)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}}, reps)
}

func TestRepresentativesRejectsBadAssignment(t *testing.T) {
	c := newTestCharacterizer(t, nil, RepresentativesNearestCenter)
	_, err := c.Representatives(context.Background(), roundFeatures[:3], lineAssignment)
	assert.ErrorIs(t, err, ErrDataInconsistency)
}

func TestCharacterizeNamesEveryCluster(t *testing.T) {
	transport := newPromptTransport("Choice 1")
	c := newTestCharacterizer(t, transport, RepresentativesNearestCenter)

	got, err := c.Characterize(context.Background(), textDataset(0, 0, 0, 1, 1, 1), roundFeatures, lineAssignment)
	require.NoError(t, err)
	assert.Equal(t, []ClusterDescriptor{
		{Name: "cluster_1", Description: "generated"},
		{Name: "cluster_2", Description: "generated"},
	}, got)
	assert.Equal(t, 2, transport.Count(characterizePrefix))
}

func TestCharacterizeFallsBackPerCluster(t *testing.T) {
	transport := newScriptedTransport(reply{err: errors.New("connection reset")})
	c := newTestCharacterizer(t, transport, RepresentativesNearestCenter)

	got, err := c.Characterize(context.Background(), textDataset(0, 0, 0, 1, 1, 1), roundFeatures, lineAssignment)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Fallback Description: 1 | 0", got[0].Description)
	assert.Equal(t, "Fallback Description: 4 | 3", got[1].Description)
}

func TestParseRepresentativeStrategy(t *testing.T) {
	s, err := ParseRepresentativeStrategy("")
	require.NoError(t, err)
	assert.Equal(t, RepresentativesNearestCenter, s)

	_, err = ParseRepresentativeStrategy("medoids")
	assert.ErrorIs(t, err, ErrConfiguration)
}
