package internal

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type SamplerState string

const (
	StateResolved SamplerState = "resolved"
	StateCold     SamplerState = "cold"
	StatePending  SamplerState = "pending"
	StateBaseline SamplerState = "baseline"
)

type SamplerOptions struct {
	Method           RunningMethod
	Ablation         Ablation
	Options          int
	ClusterRatio     float64
	ClusterAlignment bool
	Seed             uint64
	Round            int
}

// RoundInputs is everything mined for one round.
type RoundInputs struct {
	Dataset       Dataset
	Table         NeighborTable
	Queries       QuerySet
	Predictions   []int
	Probabilities ClusterProbabilities
	Descriptors   []ClusterDescriptor
}

// Record is one training example paired with its positive neighbor.
type Record struct {
	Index            int
	Anchor           Fields
	Neighbor         Fields
	NeighborIndex    int
	Neighbors        []int
	Label            int
	PositiveCluster  *int
	NegativeClusters []int
	State            SamplerState
}

// Delta is the state change a resolution wants to make. Persist entries go
// to the FeedbackCache; the rest only live in the round memo.
type Delta struct {
	Index   int
	Entry   FeedbackEntry
	Persist bool
}

// NeighborSampler picks the positive neighbor for each example. QuerySet
// members are resolved by the oracle once and the answer is reused from
// then on; everything else falls back to a random mined neighbor.
type NeighborSampler struct {
	opts      SamplerOptions
	in        RoundInputs
	cache     *FeedbackCache
	oracle    *Oracle
	tokenizer Tokenizer
	logger    *zap.Logger
	metrics   *Metrics

	numClusters int
	members     [][]int

	mu   sync.Mutex
	memo map[int]FeedbackEntry
}

type SamplerOption func(*NeighborSampler)

func WithSamplerLogger(logger *zap.Logger) SamplerOption {
	return func(s *NeighborSampler) {
		s.logger = orNop(logger)
	}
}

func WithSamplerMetrics(m *Metrics) SamplerOption {
	return func(s *NeighborSampler) {
		s.metrics = m
	}
}

func NewNeighborSampler(in RoundInputs, cache *FeedbackCache, oracle *Oracle, tokenizer Tokenizer, opts SamplerOptions, options ...SamplerOption) (*NeighborSampler, error) {
	n := in.Dataset.Len()
	if in.Table.Len() != n {
		return nil, fmt.Errorf("%w: neighbor table has %d rows for %d examples", ErrDataInconsistency, in.Table.Len(), n)
	}
	if len(in.Predictions) != n {
		return nil, fmt.Errorf("%w: %d predictions for %d examples", ErrDataInconsistency, len(in.Predictions), n)
	}
	if len(in.Probabilities) != n {
		return nil, fmt.Errorf("%w: %d probability rows for %d examples", ErrDataInconsistency, len(in.Probabilities), n)
	}
	for i, row := range in.Table {
		if len(row) == 0 {
			return nil, fmt.Errorf("%w: example %d has no neighbors", ErrDataInconsistency, i)
		}
		for _, j := range row {
			if j < 0 || j >= n {
				return nil, fmt.Errorf("%w: example %d has neighbor %d outside [0,%d)", ErrDataInconsistency, i, j, n)
			}
		}
	}

	if opts.Options < 1 {
		opts.Options = 1
	}
	if cache == nil {
		cache = NewFeedbackCache()
	}
	if oracle == nil {
		oracle = NewOracle(nil, OracleOptions{})
	}
	if opts.Method == MethodNoLLMNeighborRefinement {
		oracle = oracle.Disabled()
	}
	if tokenizer == nil {
		tokenizer = idTokenizer{}
	}

	s := &NeighborSampler{
		opts:      opts,
		in:        in,
		cache:     cache,
		oracle:    oracle,
		tokenizer: tokenizer,
		logger:    zap.NewNop(),
		memo:      make(map[int]FeedbackEntry),
	}
	for _, opt := range options {
		opt(s)
	}

	if n > 0 {
		s.numClusters = len(in.Probabilities[0])
	}
	s.members = make([][]int, s.numClusters)
	for i, c := range in.Predictions {
		if c < 0 || c >= s.numClusters {
			return nil, fmt.Errorf("%w: example %d predicted in cluster %d of %d", ErrDataInconsistency, i, c, s.numClusters)
		}
		s.members[c] = append(s.members[c], i)
	}

	if opts.ClusterAlignment && len(in.Descriptors) != s.numClusters {
		s.logger.Warn("cluster alignment enabled without a descriptor per cluster, skipping cluster feedback",
			zap.Int("descriptors", len(in.Descriptors)),
			zap.Int("clusters", s.numClusters),
		)
		s.opts.ClusterAlignment = false
	}

	return s, nil
}

func (s *NeighborSampler) Len() int {
	return s.in.Dataset.Len()
}

// Resolved is the number of examples answered in this round.
func (s *NeighborSampler) Resolved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.memo)
}

func (s *NeighborSampler) Cache() *FeedbackCache {
	return s.cache
}

// Get resolves index for epoch and applies the resulting delta.
func (s *NeighborSampler) Get(ctx context.Context, index, epoch int) (Record, error) {
	rec, delta, err := s.Resolve(ctx, index, epoch)
	if err != nil {
		return Record{}, err
	}
	if delta == nil {
		return rec, nil
	}

	stored := s.Apply(delta)
	if stored.Neighbor != delta.Entry.Neighbor || !sameClusters(stored, delta.Entry) {
		return s.record(index, stored, StateResolved)
	}
	return rec, nil
}

// Resolve computes the record for index without changing sampler state.
// A non-nil Delta carries a freshly obtained oracle answer.
func (s *NeighborSampler) Resolve(ctx context.Context, index, epoch int) (Record, *Delta, error) {
	if index < 0 || index >= s.Len() {
		return Record{}, nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}

	rng := s.rng(index, epoch)

	if s.opts.Method.Baseline() {
		return s.resolveBaseline(ctx, index, rng)
	}

	if entry, ok := s.cache.Get(index); ok {
		s.metrics.samplerState(StateResolved)
		rec, err := s.record(index, entry, StateResolved)
		return rec, nil, err
	}

	if !s.in.Queries.Has(index) {
		s.metrics.samplerState(StateCold)
		row := s.in.Table[index]
		rec, err := s.record(index, FeedbackEntry{Neighbor: row[rng.IntN(len(row))]}, StateCold)
		return rec, nil, err
	}

	s.metrics.samplerState(StatePending)
	entry, err := s.query(ctx, index, rng)
	if err != nil {
		return Record{}, nil, err
	}
	rec, err := s.record(index, entry, StatePending)
	if err != nil {
		return Record{}, nil, err
	}
	return rec, &Delta{Index: index, Entry: entry, Persist: true}, nil
}

// Apply records delta and returns the entry that is now authoritative for
// the index, which differs from delta.Entry when another writer won.
func (s *NeighborSampler) Apply(delta *Delta) FeedbackEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := delta.Entry
	if delta.Persist {
		if !s.cache.PutIfAbsent(delta.Index, entry) {
			if stored, ok := s.cache.Peek(delta.Index); ok {
				entry = stored
			}
		}
		s.metrics.cacheSize(s.cache.Len())
	}

	if stored, ok := s.memo[delta.Index]; ok {
		return cloneEntry(stored)
	}
	s.memo[delta.Index] = cloneEntry(entry)
	return entry
}

// Prepare resolves every QuerySet member so training never waits on the
// oracle. At most concurrency oracle calls run at once.
func (s *NeighborSampler) Prepare(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, index := range s.in.Queries.Sorted() {
		if index < 0 || index >= s.Len() {
			continue
		}
		g.Go(func() error {
			_, err := s.Get(gctx, index, 0)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("prepare query set: %w", err)
	}

	s.logger.Info("query set resolved",
		zap.Int("round", s.opts.Round),
		zap.Int("queries", len(s.in.Queries)),
		zap.Int("cached", s.cache.Len()),
		zap.Int64("oracle_calls", s.oracle.Calls()),
	)
	return nil
}

func (s *NeighborSampler) query(ctx context.Context, index int, rng *rand.Rand) (FeedbackEntry, error) {
	anchor, err := s.in.Dataset.Get(index)
	if err != nil {
		return FeedbackEntry{}, fmt.Errorf("load example %d: %w", index, err)
	}
	anchorText := s.tokenizer.Decode(anchor.TokenIDs)
	probs := s.in.Probabilities[index]

	var entry FeedbackEntry
	switch {
	case !s.opts.Ablation.InstanceFeedback():
		row := s.in.Table[index]
		entry.Neighbor = row[rng.IntN(len(row))]

	default:
		candidates := s.candidates(probs, rng)
		if len(candidates) == 0 {
			row := s.in.Table[index]
			entry.Neighbor = row[rng.IntN(len(row))]
			break
		}
		if s.opts.Method == MethodClusterAlignmentOnly {
			entry.Neighbor = candidates[0]
			break
		}
		texts, err := s.texts(candidates)
		if err != nil {
			return FeedbackEntry{}, err
		}
		res := s.oracle.ChooseNeighbor(ctx, anchorText, texts)
		entry.Neighbor = candidates[res.Index]
	}

	if s.opts.ClusterAlignment {
		top := topClusters(probs, s.alignmentWidth())
		descriptors := make([]ClusterDescriptor, len(top))
		for i, c := range top {
			descriptors[i] = s.in.Descriptors[c]
		}
		res := s.oracle.ChooseCluster(ctx, anchorText, descriptors)
		entry.PositiveCluster = intPtr(top[res.Index])
		entry.NegativeClusters = make([]int, 0, len(top)-1)
		for _, c := range top {
			if c != top[res.Index] {
				entry.NegativeClusters = append(entry.NegativeClusters, c)
			}
		}
	}

	return entry, nil
}

// candidates draws one random member from each of the Options most
// probable clusters.
func (s *NeighborSampler) candidates(probs []float64, rng *rand.Rand) []int {
	var out []int
	for _, c := range topClusters(probs, s.opts.Options) {
		members := s.members[c]
		if len(members) == 0 {
			continue
		}
		out = append(out, members[rng.IntN(len(members))])
	}
	return out
}

func (s *NeighborSampler) alignmentWidth() int {
	k := int(math.Floor(s.opts.ClusterRatio * float64(s.numClusters)))
	return max(1, min(k, s.numClusters))
}

func (s *NeighborSampler) resolveBaseline(ctx context.Context, index int, rng *rand.Rand) (Record, *Delta, error) {
	s.metrics.samplerState(StateBaseline)
	row := s.in.Table[index]

	if s.opts.Method.AsksOracle() && s.in.Queries.Has(index) {
		s.mu.Lock()
		entry, ok := s.memo[index]
		s.mu.Unlock()
		if ok {
			rec, err := s.record(index, entry, StateResolved)
			return rec, nil, err
		}

		clusters := s.distinctClusters(row)
		if len(clusters) >= 2 {
			candidates := make([]int, 0, len(clusters))
			for _, c := range clusters[:min(len(clusters), s.opts.Options)] {
				var same []int
				for _, j := range row {
					if s.in.Predictions[j] == c {
						same = append(same, j)
					}
				}
				candidates = append(candidates, same[rng.IntN(len(same))])
			}

			anchor, err := s.in.Dataset.Get(index)
			if err != nil {
				return Record{}, nil, fmt.Errorf("load example %d: %w", index, err)
			}
			texts, err := s.texts(candidates)
			if err != nil {
				return Record{}, nil, err
			}
			res := s.oracle.ChooseNeighbor(ctx, s.tokenizer.Decode(anchor.TokenIDs), texts)
			entry := FeedbackEntry{Neighbor: candidates[res.Index]}
			rec, err := s.record(index, entry, StatePending)
			if err != nil {
				return Record{}, nil, err
			}
			return rec, &Delta{Index: index, Entry: entry}, nil
		}
	}

	majority := s.majorityCluster(row)
	var same []int
	for _, j := range row {
		if s.in.Predictions[j] == majority {
			same = append(same, j)
		}
	}
	rec, err := s.record(index, FeedbackEntry{Neighbor: same[rng.IntN(len(same))]}, StateBaseline)
	return rec, nil, err
}

// distinctClusters lists the predicted clusters of row in first-seen order.
func (s *NeighborSampler) distinctClusters(row []int) []int {
	var out []int
	seen := make(map[int]bool)
	for _, j := range row {
		c := s.in.Predictions[j]
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// majorityCluster is the most common predicted cluster in row. Ties go to
// the cluster seen first.
func (s *NeighborSampler) majorityCluster(row []int) int {
	counts := make(map[int]int)
	for _, j := range row {
		counts[s.in.Predictions[j]]++
	}
	best, bestCount := -1, 0
	for _, c := range s.distinctClusters(row) {
		if counts[c] > bestCount {
			best, bestCount = c, counts[c]
		}
	}
	return best
}

func (s *NeighborSampler) texts(indices []int) ([]string, error) {
	out := make([]string, len(indices))
	for i, j := range indices {
		ex, err := s.in.Dataset.Get(j)
		if err != nil {
			return nil, fmt.Errorf("load example %d: %w", j, err)
		}
		out[i] = s.tokenizer.Decode(ex.TokenIDs)
	}
	return out, nil
}

func (s *NeighborSampler) record(index int, entry FeedbackEntry, state SamplerState) (Record, error) {
	anchor, err := s.in.Dataset.Get(index)
	if err != nil {
		return Record{}, fmt.Errorf("load example %d: %w", index, err)
	}
	neighbor, err := s.in.Dataset.Get(entry.Neighbor)
	if err != nil {
		return Record{}, fmt.Errorf("load neighbor %d of %d: %w", entry.Neighbor, index, err)
	}

	rec := Record{
		Index:         index,
		Anchor:        anchor.Fields,
		Neighbor:      neighbor.Fields,
		NeighborIndex: entry.Neighbor,
		Neighbors:     append([]int(nil), s.in.Table[index]...),
		Label:         anchor.Label,
		State:         state,
	}
	if s.opts.ClusterAlignment && entry.PositiveCluster != nil {
		rec.PositiveCluster = intPtr(*entry.PositiveCluster)
		rec.NegativeClusters = append([]int{}, entry.NegativeClusters...)
	}
	return rec, nil
}

// rng is keyed by seed, round, index and epoch so resolution does not
// depend on access order.
func (s *NeighborSampler) rng(index, epoch int) *rand.Rand {
	return rand.New(rand.NewPCG(s.opts.Seed^(uint64(s.opts.Round)*0x9e3779b97f4a7c15), uint64(index)<<32|uint64(uint32(epoch))))
}

// topClusters returns the k most probable cluster ids, ties by id.
func topClusters(probs []float64, k int) []int {
	ids := make([]int, len(probs))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool {
		return probs[ids[a]] > probs[ids[b]]
	})
	return ids[:min(k, len(ids))]
}

func sameClusters(a, b FeedbackEntry) bool {
	if (a.PositiveCluster == nil) != (b.PositiveCluster == nil) {
		return false
	}
	return a.PositiveCluster == nil || *a.PositiveCluster == *b.PositiveCluster
}

// idTokenizer renders token ids as decimal text when no tokenizer is set.
type idTokenizer struct{}

func (idTokenizer) Decode(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " ")
}
