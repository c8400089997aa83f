package internal

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

type QueryStrategy string

const (
	StrategyRandom          QueryStrategy = "random"
	StrategyEntropy         QueryStrategy = "entropy"
	StrategyMargin          QueryStrategy = "margin"
	StrategyLeastConfidence QueryStrategy = "least_confidence"
)

func ParseQueryStrategy(s string) (QueryStrategy, error) {
	switch QueryStrategy(s) {
	case StrategyRandom, StrategyEntropy, StrategyMargin, StrategyLeastConfidence:
		return QueryStrategy(s), nil
	default:
		return "", fmt.Errorf("%w: unknown query sampling strategy %q", ErrConfiguration, s)
	}
}

// Miner finds nearest neighbors in the current embedding space and picks
// the examples the oracle may be asked about.
type Miner struct {
	cfg      MiningConfig
	strategy QueryStrategy
	seed     uint64
	round    int
	logger   *zap.Logger
}

func NewMiner(cfg MiningConfig, seed uint64, logger *zap.Logger) (*Miner, error) {
	strategy, err := ParseQueryStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	backend, err := ParseIndexBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	cfg.Backend = backend
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	return &Miner{
		cfg:      cfg,
		strategy: strategy,
		seed:     seed,
		logger:   orNop(logger),
	}, nil
}

// ForRound returns a copy whose random query selection is keyed to round.
func (m *Miner) ForRound(round int) *Miner {
	c := *m
	c.round = round
	return &c
}

// Mine returns the neighbor table (k+1 entries per example, self first),
// the query set and the cluster probabilities for the given features.
func (m *Miner) Mine(ctx context.Context, features [][]float64, assignment ClusterAssignment, k int) (NeighborTable, QuerySet, ClusterProbabilities, error) {
	n := len(features)
	if n == 0 {
		return nil, nil, nil, fmt.Errorf("%w: no features to mine", ErrDataInconsistency)
	}
	if err := assignment.Validate(n); err != nil {
		return nil, nil, nil, err
	}
	if assignment.NumClusters() == 0 {
		return nil, nil, nil, fmt.Errorf("%w: assignment has no clusters", ErrDataInconsistency)
	}
	if k < 1 {
		return nil, nil, nil, fmt.Errorf("%w: top_k must be positive", ErrConfiguration)
	}
	if k > n-1 {
		m.logger.Warn("top_k exceeds dataset size, clamping",
			zap.Int("top_k", k),
			zap.Int("clamped", n-1),
		)
		k = n - 1
	}

	table, err := m.neighbors(ctx, features, k)
	if err != nil {
		return nil, nil, nil, err
	}

	probs, err := ClusterProbabilitiesFor(features, assignment.Centers, m.cfg.Temperature)
	if err != nil {
		return nil, nil, nil, err
	}

	queries := m.selectQueries(probs, assignment)

	m.logger.Debug("mined neighbors",
		zap.Int("examples", n),
		zap.Int("top_k", k),
		zap.Int("queries", len(queries)),
		zap.String("backend", m.cfg.Backend),
	)

	return table, queries, probs, nil
}

func (m *Miner) neighbors(ctx context.Context, features [][]float64, k int) (NeighborTable, error) {
	index, err := BuildIndex(ctx, m.cfg.Backend, features, m.cfg.AnnoyTrees)
	if err != nil {
		return nil, err
	}

	table := make(NeighborTable, len(features))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range features {
		g.Go(func() error {
			found, err := index.Search(gctx, features[i], k+1)
			if err != nil {
				return fmt.Errorf("search neighbors of %d: %w", i, err)
			}
			row := make([]int, 0, k+1)
			row = append(row, i)
			for _, nb := range found {
				if nb.Index == i {
					continue
				}
				if len(row) == k+1 {
					break
				}
				row = append(row, nb.Index)
			}
			table[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return table, nil
}

// ClusterProbabilitiesFor is a softmax over negative distances to each
// center divided by temperature.
func ClusterProbabilitiesFor(features, centers [][]float64, temperature float64) (ClusterProbabilities, error) {
	if temperature <= 0 {
		temperature = 1
	}
	probs := make(ClusterProbabilities, len(features))
	for i, x := range features {
		logits := make([]float64, len(centers))
		for c, center := range centers {
			if len(center) != len(x) {
				return nil, fmt.Errorf("%w: center %d has dimension %d, feature has %d", ErrDataInconsistency, c, len(center), len(x))
			}
			logits[c] = -floats.Distance(x, center, 2) / temperature
		}
		norm := floats.LogSumExp(logits)
		for c := range logits {
			logits[c] = math.Exp(logits[c] - norm)
		}
		probs[i] = logits
	}
	return probs, nil
}

// QueryBudget resolves query_samples to a count: a fraction of n when
// below one, an absolute count otherwise.
func QueryBudget(samples float64, n int) int {
	var budget int
	switch {
	case samples <= 0:
		budget = 0
	case samples < 1:
		budget = int(math.Round(samples * float64(n)))
	default:
		budget = int(samples)
	}
	return min(budget, n)
}

func (m *Miner) selectQueries(probs ClusterProbabilities, assignment ClusterAssignment) QuerySet {
	n := len(probs)
	budget := QueryBudget(m.cfg.QuerySamples, n)
	queries := make(QuerySet, budget)
	if budget == 0 {
		return queries
	}

	scores := m.scores(probs)
	byScore := func(indices []int) {
		sort.Slice(indices, func(a, b int) bool {
			ia, ib := indices[a], indices[b]
			if scores[ia] != scores[ib] {
				return scores[ia] > scores[ib]
			}
			return ia < ib
		})
	}

	numClusters := assignment.NumClusters()
	perCluster := int(math.Floor(m.cfg.AllocationDegree * float64(budget) / float64(numClusters)))
	if perCluster > 0 {
		for c := range numClusters {
			members := assignment.Members(c)
			byScore(members)
			for _, i := range members[:min(perCluster, len(members))] {
				queries[i] = struct{}{}
			}
		}
	}

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	byScore(all)
	for _, i := range all {
		if len(queries) >= budget {
			break
		}
		queries[i] = struct{}{}
	}

	return queries
}

// scores ranks examples for querying; higher means query first.
func (m *Miner) scores(probs ClusterProbabilities) []float64 {
	scores := make([]float64, len(probs))
	switch m.strategy {
	case StrategyRandom:
		rng := rand.New(rand.NewPCG(m.seed, uint64(m.round)))
		for i := range scores {
			scores[i] = rng.Float64()
		}
	case StrategyEntropy:
		for i, p := range probs {
			var h float64
			for _, v := range p {
				if v > 0 {
					h -= v * math.Log(v)
				}
			}
			scores[i] = h
		}
	case StrategyMargin:
		for i, p := range probs {
			first, second := topTwo(p)
			scores[i] = -(first - second)
		}
	case StrategyLeastConfidence:
		for i, p := range probs {
			first, _ := topTwo(p)
			scores[i] = 1 - first
		}
	}
	return scores
}

func topTwo(p []float64) (float64, float64) {
	var first, second float64
	for _, v := range p {
		switch {
		case v > first:
			first, second = v, first
		case v > second:
			second = v
		}
	}
	return first, second
}
