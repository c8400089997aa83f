package internal

import (
	"fmt"
)

// BuildAdjacency is the positive-pair mask for a batch: (i,j) is set when
// indices[j] is among neighborLists[i] or both examples carry the same
// known label. The diagonal is always set.
func BuildAdjacency(indices []int, neighborLists [][]int, labels []int) ([][]bool, error) {
	n := len(indices)
	if len(neighborLists) != n || len(labels) != n {
		return nil, fmt.Errorf("%w: adjacency over %d indices, %d neighbor lists, %d labels", ErrDataInconsistency, n, len(neighborLists), len(labels))
	}

	adj := make([][]bool, n)
	for i := range adj {
		adj[i] = make([]bool, n)
		adj[i][i] = true

		neighbors := make(map[int]struct{}, len(neighborLists[i]))
		for _, nb := range neighborLists[i] {
			neighbors[nb] = struct{}{}
		}

		for j, idx := range indices {
			if _, ok := neighbors[idx]; ok {
				adj[i][j] = true
			}
			if labels[i] >= 0 && labels[i] == labels[j] {
				adj[i][j] = true
			}
		}
	}
	return adj, nil
}

// BatchAdjacency builds the mask for a batch of sampler records.
func BatchAdjacency(batch []Record) [][]bool {
	indices := make([]int, len(batch))
	neighbors := make([][]int, len(batch))
	labels := make([]int, len(batch))
	for i, r := range batch {
		indices[i] = r.Index
		neighbors[i] = r.Neighbors
		labels[i] = r.Label
	}
	adj, _ := BuildAdjacency(indices, neighbors, labels)
	return adj
}
