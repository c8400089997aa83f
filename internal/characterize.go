package internal

import (
	"context"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

type RepresentativeStrategy string

const (
	RepresentativesNearestCenter RepresentativeStrategy = "nearest_center"
	RepresentativesRandom        RepresentativeStrategy = "random"
	RepresentativesSubKMeans     RepresentativeStrategy = "nearest_sub_kmeans_centroids"
)

func ParseRepresentativeStrategy(s string) (RepresentativeStrategy, error) {
	switch RepresentativeStrategy(s) {
	case RepresentativesNearestCenter, RepresentativesRandom, RepresentativesSubKMeans:
		return RepresentativeStrategy(s), nil
	case "":
		return RepresentativesNearestCenter, nil
	default:
		return "", fmt.Errorf("%w: unknown representative sampling strategy %q", ErrConfiguration, s)
	}
}

// Characterizer names every cluster by showing the oracle a few
// representative examples.
type Characterizer struct {
	oracle    *Oracle
	tokenizer Tokenizer
	clusterer Clusterer
	strategy  RepresentativeStrategy
	count     int
	seed      uint64
	logger    *zap.Logger
}

func NewCharacterizer(oracle *Oracle, tokenizer Tokenizer, clusterer Clusterer, cfg CharacterizeConfig, seed uint64, logger *zap.Logger) (*Characterizer, error) {
	strategy, err := ParseRepresentativeStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	count := cfg.Representatives
	if count <= 0 {
		count = 5
	}
	if tokenizer == nil {
		tokenizer = idTokenizer{}
	}
	if clusterer == nil {
		clusterer = KMeans{Seed: seed}
	}
	return &Characterizer{
		oracle:    oracle,
		tokenizer: tokenizer,
		clusterer: clusterer,
		strategy:  strategy,
		count:     count,
		seed:      seed,
		logger:    orNop(logger),
	}, nil
}

// Characterize returns one descriptor per cluster, in cluster id order.
// Oracle failures degrade to fallback descriptors and never fail the call.
func (c *Characterizer) Characterize(ctx context.Context, ds Dataset, features [][]float64, assignment ClusterAssignment) ([]ClusterDescriptor, error) {
	reps, err := c.Representatives(ctx, features, assignment)
	if err != nil {
		return nil, err
	}

	descriptors := make([]ClusterDescriptor, len(reps))
	fallbacks := 0
	for cluster, indices := range reps {
		texts := make([]string, 0, len(indices))
		for _, i := range indices {
			ex, err := ds.Get(i)
			if err != nil {
				return nil, fmt.Errorf("load representative %d: %w", i, err)
			}
			texts = append(texts, c.tokenizer.Decode(ex.TokenIDs))
		}

		res := c.oracle.Characterize(ctx, texts)
		if res.Outcome != OutcomeAnswered {
			fallbacks++
		}
		descriptors[cluster] = res.Descriptor
	}

	c.logger.Info("clusters characterized",
		zap.Int("clusters", len(descriptors)),
		zap.Int("fallbacks", fallbacks),
		zap.String("strategy", string(c.strategy)),
	)
	return descriptors, nil
}

// Representatives picks up to count example indices per cluster.
func (c *Characterizer) Representatives(ctx context.Context, features [][]float64, assignment ClusterAssignment) ([][]int, error) {
	if err := assignment.Validate(len(features)); err != nil {
		return nil, err
	}

	out := make([][]int, assignment.NumClusters())
	switch c.strategy {
	case RepresentativesNearestCenter:
		for cluster, center := range assignment.Centers {
			out[cluster] = nearest(features, nil, center, c.count)
		}

	case RepresentativesRandom:
		rng := rand.New(rand.NewPCG(c.seed, 0))
		for cluster := range out {
			members := assignment.Members(cluster)
			rng.Shuffle(len(members), func(i, j int) {
				members[i], members[j] = members[j], members[i]
			})
			out[cluster] = members[:min(c.count, len(members))]
		}

	case RepresentativesSubKMeans:
		for cluster := range out {
			members := assignment.Members(cluster)
			if len(members) == 0 {
				continue
			}
			sub := make([][]float64, len(members))
			for i, m := range members {
				sub[i] = features[m]
			}
			fit, err := c.clusterer.Fit(ctx, sub, min(c.count, len(members)))
			if err != nil {
				return nil, fmt.Errorf("sub-cluster %d: %w", cluster, err)
			}
			for _, center := range fit.Centers {
				closest := nearest(features, members, center, 1)
				out[cluster] = append(out[cluster], closest...)
			}
		}
	}

	return out, nil
}

// nearest returns the k indices closest to center, drawn from candidates
// or from every feature when candidates is nil.
func nearest(features [][]float64, candidates []int, center []float64, k int) []int {
	if candidates == nil {
		candidates = make([]int, len(features))
		for i := range candidates {
			candidates[i] = i
		}
	}
	dists := make([]float64, len(candidates))
	for i, idx := range candidates {
		dists[i] = floats.Distance(features[idx], center, 2)
	}
	order := make([]int, len(dists))
	floats.ArgsortStable(dists, order)

	out := make([]int, 0, min(k, len(order)))
	for _, o := range order[:min(k, len(order))] {
		out = append(out, candidates[o])
	}
	return out
}
