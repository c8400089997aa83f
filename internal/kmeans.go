package internal

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/biogo/cluster/cluster"
	"github.com/biogo/cluster/kmeans"
	"gonum.org/v1/gonum/floats"
)

type points [][]float64

func (p points) Len() int               { return len(p) }
func (p points) Values(i int) []float64 { return p[i] }

type initialCenter []float64

func (c initialCenter) V() []float64             { return c }
func (c initialCenter) Members() cluster.Indices { return nil }

var _ Clusterer = KMeans{}

// KMeans is the default Clusterer: k-means++ initial centers drawn from a
// PCG source keyed by Seed, then Lloyd iterations. Equal seeds give equal
// assignments.
type KMeans struct {
	Seed uint64
}

func (km KMeans) Fit(ctx context.Context, features [][]float64, k int) (ClusterAssignment, error) {
	if err := ctx.Err(); err != nil {
		return ClusterAssignment{}, err
	}
	if len(features) == 0 {
		return ClusterAssignment{}, fmt.Errorf("%w: no features to cluster", ErrDataInconsistency)
	}
	if k < 1 {
		return ClusterAssignment{}, fmt.Errorf("%w: cluster count must be positive", ErrConfiguration)
	}
	k = min(k, len(features))

	trainer, err := kmeans.New(points(features))
	if err != nil {
		return ClusterAssignment{}, fmt.Errorf("create kmeans: %w", err)
	}
	trainer.SetCenters(km.initialCenters(features, k))
	if err := trainer.Cluster(); err != nil {
		return ClusterAssignment{}, fmt.Errorf("run kmeans: %w", err)
	}

	centers := trainer.Centers()
	assignment := ClusterAssignment{
		Labels:  make([]int, len(features)),
		Centers: make([][]float64, len(centers)),
	}
	for c, center := range centers {
		assignment.Centers[c] = append([]float64(nil), center.V()...)
		for _, m := range center.Members() {
			assignment.Labels[m] = c
		}
	}

	return assignment, nil
}

// initialCenters is k-means++ seeding. It stops early when every point
// already coincides with a chosen center, so no center starts empty.
func (km KMeans) initialCenters(features [][]float64, k int) []cluster.Center {
	rng := rand.New(rand.NewPCG(km.Seed, uint64(k)))

	centers := []cluster.Center{initialCenter(features[rng.IntN(len(features))])}
	dist := make([]float64, len(features))
	for len(centers) < k {
		sum := 0.0
		for i, f := range features {
			best := -1.0
			for _, c := range centers {
				d := floats.Distance(f, c.V(), 2)
				if best < 0 || d < best {
					best = d
				}
			}
			dist[i] = best * best
			sum += dist[i]
		}
		if sum == 0 {
			break
		}

		target := rng.Float64() * sum
		next := -1
		for i, d := range dist {
			if d == 0 {
				continue
			}
			next = i
			if target -= d; target < 0 {
				break
			}
		}
		centers = append(centers, initialCenter(features[next]))
	}
	return centers
}
