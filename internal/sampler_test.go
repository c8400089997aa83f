package internal

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	neighborPrefix = "Select the customer utterance"
	clusterPrefix  = "Select the category"
)

// ringInputs is ten examples where each row holds the next three indices,
// examples 0-4 are predicted in cluster 0 and 5-9 in cluster 1.
func ringInputs(queries ...int) RoundInputs {
	n := 10
	table := make(NeighborTable, n)
	predictions := make([]int, n)
	probs := make(ClusterProbabilities, n)
	for i := range n {
		table[i] = []int{i, (i + 1) % n, (i + 2) % n, (i + 3) % n}
		if i < 5 {
			predictions[i] = 0
			probs[i] = []float64{0.8, 0.2}
		} else {
			predictions[i] = 1
			probs[i] = []float64{0.3, 0.7}
		}
	}
	return RoundInputs{
		Dataset:       textDataset(0, 0, DiscoveryPending, 1, DiscoveryPending, DiscoveryPending, 1, DiscoveryPending, 0, DiscoveryPending),
		Table:         table,
		Queries:       NewQuerySet(queries...),
		Predictions:   predictions,
		Probabilities: probs,
		Descriptors: []ClusterDescriptor{
			{Name: "card", Description: "card issues"},
			{Name: "transfer", Description: "money transfers"},
		},
	}
}

func newTestSampler(t *testing.T, in RoundInputs, cache *FeedbackCache, transport OracleTransport, opts SamplerOptions) *NeighborSampler {
	t.Helper()
	if opts.Method == "" {
		opts.Method = MethodGCDLLMs
	}
	if opts.Ablation == "" {
		opts.Ablation = AblationFull
	}
	if opts.Options == 0 {
		opts.Options = 2
	}
	oracle := NewOracle(transport, OracleOptions{Task: "intent"})
	s, err := NewNeighborSampler(in, cache, oracle, nil, opts)
	require.NoError(t, err)
	return s
}

func TestSamplerQuerySetResolvedOnce(t *testing.T) {
	ctx := context.Background()
	in := ringInputs(2, 5)
	cache := NewFeedbackCache()
	transport := newPromptTransport("Choice 2")
	s := newTestSampler(t, in, cache, transport, SamplerOptions{Seed: 1})

	require.NoError(t, s.Prepare(ctx, 4))
	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, 2, transport.Count(neighborPrefix))

	entry, ok := cache.Peek(2)
	require.True(t, ok)
	assert.Equal(t, 1, in.Predictions[entry.Neighbor], "second choice comes from the second most probable cluster")

	entry, ok = cache.Peek(5)
	require.True(t, ok)
	assert.Equal(t, 0, in.Predictions[entry.Neighbor])

	for epoch := range 3 {
		rec, err := s.Get(ctx, 2, epoch)
		require.NoError(t, err)
		assert.Equal(t, StateResolved, rec.State)
		assert.Equal(t, entry2(t, cache), rec.NeighborIndex)
	}
	assert.Equal(t, 2, transport.Count(""), "no further oracle calls once resolved")
}

func entry2(t *testing.T, cache *FeedbackCache) int {
	t.Helper()
	e, ok := cache.Peek(2)
	require.True(t, ok)
	return e.Neighbor
}

func TestSamplerColdExamplesAreNotCached(t *testing.T) {
	ctx := context.Background()
	in := ringInputs(2)
	cache := NewFeedbackCache()
	s := newTestSampler(t, in, cache, newPromptTransport("Choice 1"), SamplerOptions{Seed: 3})

	rec, err := s.Get(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateCold, rec.State)
	assert.Contains(t, in.Table[0], rec.NeighborIndex)
	assert.Equal(t, []int{0, 1, 2, 3}, rec.Neighbors)
	assert.Equal(t, 0, rec.Label)
	assert.Equal(t, 0, cache.Len())

	again, _, err := s.Resolve(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, rec.NeighborIndex, again.NeighborIndex, "same index and epoch resolve the same way")
}

func TestSamplerResolveIsPure(t *testing.T) {
	ctx := context.Background()
	cache := NewFeedbackCache()
	s := newTestSampler(t, ringInputs(2), cache, newPromptTransport("Choice 1"), SamplerOptions{})

	rec, delta, err := s.Resolve(ctx, 2, 0)
	require.NoError(t, err)
	require.NotNil(t, delta)
	assert.Equal(t, StatePending, rec.State)
	assert.True(t, delta.Persist)
	assert.Equal(t, 0, cache.Len(), "Resolve leaves the cache alone")
	assert.Equal(t, 0, s.Resolved())

	stored := s.Apply(delta)
	assert.Equal(t, delta.Entry, stored)
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 1, s.Resolved())
}

func TestSamplerApplyFirstWriteWins(t *testing.T) {
	cache := NewFeedbackCache()
	s := newTestSampler(t, ringInputs(2), cache, nil, SamplerOptions{})

	var wg sync.WaitGroup
	results := make([]FeedbackEntry, 20)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.Apply(&Delta{Index: 2, Entry: FeedbackEntry{Neighbor: i % 10}, Persist: true})
		}()
	}
	wg.Wait()

	stored, ok := cache.Peek(2)
	require.True(t, ok)
	for _, r := range results {
		assert.Equal(t, stored, r)
	}
}

func TestSamplerClusterAlignment(t *testing.T) {
	ctx := context.Background()
	cache := NewFeedbackCache()
	transport := newPromptTransport("Choice 2")
	s := newTestSampler(t, ringInputs(2), cache, transport, SamplerOptions{ClusterAlignment: true, ClusterRatio: 1})

	rec, err := s.Get(ctx, 2, 0)
	require.NoError(t, err)
	require.NotNil(t, rec.PositiveCluster)
	assert.Equal(t, 1, *rec.PositiveCluster)
	assert.Equal(t, []int{0}, rec.NegativeClusters)
	assert.Equal(t, 1, transport.Count(neighborPrefix))
	assert.Equal(t, 1, transport.Count(clusterPrefix))

	entry, _ := cache.Peek(2)
	assert.True(t, entry.HasClusters())
}

func TestSamplerClusterAlignmentNeedsDescriptors(t *testing.T) {
	in := ringInputs(2)
	in.Descriptors = nil
	transport := newPromptTransport("Choice 1")
	s := newTestSampler(t, in, nil, transport, SamplerOptions{ClusterAlignment: true, ClusterRatio: 1})

	rec, err := s.Get(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Nil(t, rec.PositiveCluster)
	assert.Zero(t, transport.Count(clusterPrefix))
}

func TestSamplerWithoutInstanceFeedback(t *testing.T) {
	ctx := context.Background()
	in := ringInputs(2)
	transport := newPromptTransport("Choice 1")
	s := newTestSampler(t, in, nil, transport, SamplerOptions{
		Ablation:         AblationWithoutInstance,
		ClusterAlignment: true,
		ClusterRatio:     1,
	})

	rec, err := s.Get(ctx, 2, 0)
	require.NoError(t, err)
	assert.Contains(t, in.Table[2], rec.NeighborIndex)
	assert.Zero(t, transport.Count(neighborPrefix))
	assert.Equal(t, 1, transport.Count(clusterPrefix))
	require.NotNil(t, rec.PositiveCluster)
	assert.Equal(t, 0, *rec.PositiveCluster)
}

func TestSamplerClusterAlignmentOnlyMethod(t *testing.T) {
	in := ringInputs(2)
	transport := newPromptTransport("Choice 2")
	s := newTestSampler(t, in, nil, transport, SamplerOptions{Method: MethodClusterAlignmentOnly})

	rec, err := s.Get(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, in.Predictions[rec.NeighborIndex], "first candidate comes from the top cluster")
	assert.Zero(t, transport.Count(""))
}

func TestSamplerNoLLMRefinementNeverCallsOracle(t *testing.T) {
	ctx := context.Background()
	in := ringInputs(2, 5)
	cache := NewFeedbackCache()
	transport := newPromptTransport("Choice 2")
	s := newTestSampler(t, in, cache, transport, SamplerOptions{Method: MethodNoLLMNeighborRefinement})

	require.NoError(t, s.Prepare(ctx, 2))
	assert.Zero(t, transport.Count(""))
	assert.Equal(t, 2, cache.Len())

	entry, _ := cache.Peek(2)
	assert.Equal(t, 0, in.Predictions[entry.Neighbor], "fallback keeps the first candidate")
}

func TestSamplerBaselineMajority(t *testing.T) {
	ctx := context.Background()
	in := ringInputs(2)
	cache := NewFeedbackCache()
	transport := newPromptTransport("Choice 2")

	for _, method := range []RunningMethod{MethodGCD, MethodSimGCD} {
		s := newTestSampler(t, in, cache, transport, SamplerOptions{Method: method})
		for _, i := range []int{0, 2, 3} {
			rec, err := s.Get(ctx, i, 0)
			require.NoError(t, err)
			assert.Equal(t, StateBaseline, rec.State)
			assert.Contains(t, in.Table[i], rec.NeighborIndex)
			assert.Equal(t, 0, in.Predictions[rec.NeighborIndex], "%s example %d", method, i)
		}
	}
	assert.Zero(t, cache.Len())
	assert.Zero(t, transport.Count(""))
}

func TestSamplerLoopBaselineMemoOnly(t *testing.T) {
	for _, method := range []RunningMethod{MethodLoop, MethodBacon} {
		t.Run(string(method), func(t *testing.T) {
			ctx := context.Background()
			in := ringInputs(2)
			cache := NewFeedbackCache()
			transport := newPromptTransport("Choice 2")
			s := newTestSampler(t, in, cache, transport, SamplerOptions{Method: method})

			rec, err := s.Get(ctx, 2, 0)
			require.NoError(t, err)
			assert.Equal(t, 5, rec.NeighborIndex, "row 2 is clusters [0 0 0 1], second choice is 5")
			assert.Equal(t, StatePending, rec.State)

			rec, err = s.Get(ctx, 2, 1)
			require.NoError(t, err)
			assert.Equal(t, StateResolved, rec.State)
			assert.Equal(t, 5, rec.NeighborIndex)

			rec, err = s.Get(ctx, 0, 0)
			require.NoError(t, err)
			assert.Equal(t, StateBaseline, rec.State, "non-query examples keep the majority policy")

			assert.Equal(t, 1, transport.Count(neighborPrefix))
			assert.Zero(t, cache.Len(), "answers stay in the round memo")
		})
	}
}

func TestSamplerRejectsInconsistentInputs(t *testing.T) {
	tests := map[string]func(*RoundInputs){
		"short table":           func(in *RoundInputs) { in.Table = in.Table[:9] },
		"neighbor out of range": func(in *RoundInputs) { in.Table[3] = []int{3, 42} },
		"empty row":             func(in *RoundInputs) { in.Table[3] = nil },
		"short predictions":     func(in *RoundInputs) { in.Predictions = in.Predictions[:3] },
		"short probabilities":   func(in *RoundInputs) { in.Probabilities = in.Probabilities[:3] },
		"unknown cluster":       func(in *RoundInputs) { in.Predictions[0] = 7 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			in := ringInputs(2)
			mutate(&in)
			_, err := NewNeighborSampler(in, nil, nil, nil, SamplerOptions{Method: MethodGCDLLMs})
			assert.ErrorIs(t, err, ErrDataInconsistency)
		})
	}
}

func TestSamplerIndexOutOfRange(t *testing.T) {
	s := newTestSampler(t, ringInputs(), nil, nil, SamplerOptions{})

	_, err := s.Get(context.Background(), 10, 0)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = s.Get(context.Background(), -1, 0)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestWarmCacheSkipsKnownQueries(t *testing.T) {
	ctx := context.Background()
	store, err := NewBoltSnapshotStore(filepath.Join(t.TempDir(), SnapshotDBFilename))
	require.NoError(t, err)
	defer store.Close()

	first := newPromptTransport("Choice 2")
	cache := NewFeedbackCache()
	s := newTestSampler(t, ringInputs(2, 5), cache, first, SamplerOptions{Round: 1})
	require.NoError(t, s.Prepare(ctx, 1))

	snap := cache.Snapshot()
	snap.Experiment = "warm"
	snap.Round = 1
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	loaded, err := store.LoadSnapshot(ctx, "warm")
	require.NoError(t, err)
	warm := NewFeedbackCache()
	assert.Equal(t, 2, warm.Load(loaded))

	second := newPromptTransport("Choice 1")
	s = newTestSampler(t, ringInputs(2, 5, 7), warm, second, SamplerOptions{Round: 2})
	require.NoError(t, s.Prepare(ctx, 1))

	assert.Equal(t, 1, second.Count(""), "only the new query set member reaches the oracle")
	assert.Equal(t, 3, warm.Len())
	for _, i := range []int{2, 5} {
		before, _ := cache.Peek(i)
		after, _ := warm.Peek(i)
		assert.Equal(t, before.Neighbor, after.Neighbor)
	}
}

func TestSamplerMetrics(t *testing.T) {
	metrics := NewMetrics(nil)
	in := ringInputs(2)
	oracle := NewOracle(newPromptTransport("Choice 1"), OracleOptions{})
	s, err := NewNeighborSampler(in, nil, oracle, nil, SamplerOptions{Method: MethodGCDLLMs, Options: 2}, WithSamplerMetrics(metrics))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Get(ctx, 2, 0)
	require.NoError(t, err)
	_, err = s.Get(ctx, 2, 0)
	require.NoError(t, err)
	_, err = s.Get(ctx, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.samplerStates.WithLabelValues(string(StatePending))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.samplerStates.WithLabelValues(string(StateResolved))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.samplerStates.WithLabelValues(string(StateCold))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cacheEntries))
}
