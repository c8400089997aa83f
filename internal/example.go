package internal

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrDataInconsistency = errors.New("data inconsistency")
	ErrThrottled         = errors.New("oracle throttled")
	ErrTransport         = errors.New("oracle transport failure")
	ErrNoSnapshot        = errors.New("no feedback snapshot")
	ErrIndexOutOfRange   = errors.New("example index out of range")
)

// DiscoveryPending marks an example whose category is unknown to the system.
const DiscoveryPending = -1

// Fields are the three decoded inputs the encoder consumes for one example.
type Fields struct {
	TokenIDs      []int
	AttentionMask []int
	SegmentIDs    []int
}

type Example struct {
	Index int
	Fields
	Label int
}

func (e Example) Known() bool {
	return e.Label != DiscoveryPending
}

// NeighborTable holds, per example, up to k+1 indices ordered by increasing
// distance with the example itself first.
type NeighborTable [][]int

func (t NeighborTable) Len() int {
	return len(t)
}

func (t NeighborTable) Contains(i, j int) bool {
	if i < 0 || i >= len(t) {
		return false
	}
	for _, n := range t[i] {
		if n == j {
			return true
		}
	}
	return false
}

type QuerySet map[int]struct{}

func NewQuerySet(indices ...int) QuerySet {
	qs := make(QuerySet, len(indices))
	for _, i := range indices {
		qs[i] = struct{}{}
	}
	return qs
}

func (q QuerySet) Has(i int) bool {
	_, ok := q[i]
	return ok
}

// Sorted returns the members in ascending order.
func (q QuerySet) Sorted() []int {
	out := make([]int, 0, len(q))
	for i := range q {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

type ClusterAssignment struct {
	Labels  []int
	Centers [][]float64
}

func (a ClusterAssignment) NumClusters() int {
	return len(a.Centers)
}

// Members returns the example indices assigned to cluster c, ascending.
func (a ClusterAssignment) Members(c int) []int {
	var out []int
	for i, l := range a.Labels {
		if l == c {
			out = append(out, i)
		}
	}
	return out
}

func (a ClusterAssignment) Validate(n int) error {
	if len(a.Labels) != n {
		return fmt.Errorf("%w: %d cluster labels for %d examples", ErrDataInconsistency, len(a.Labels), n)
	}
	for i, l := range a.Labels {
		if l < 0 || l >= len(a.Centers) {
			return fmt.Errorf("%w: example %d assigned to cluster %d of %d", ErrDataInconsistency, i, l, len(a.Centers))
		}
	}
	return nil
}

// ClusterProbabilities[i][c] is the probability that example i belongs to cluster c.
type ClusterProbabilities [][]float64

type ClusterDescriptor struct {
	Name        string `msgpack:"name" json:"name"`
	Description string `msgpack:"description" json:"description"`
}

func (d ClusterDescriptor) String() string {
	switch {
	case d.Name == "":
		return d.Description
	case d.Description == "":
		return fmt.Sprintf("(Category Name: %s)", d.Name)
	default:
		return fmt.Sprintf("(Category Name: %s, Description: %s)", d.Name, d.Description)
	}
}

type FeedbackEntry struct {
	Neighbor         int   `msgpack:"neighbor"`
	PositiveCluster  *int  `msgpack:"positive_cluster,omitempty"`
	NegativeClusters []int `msgpack:"negative_clusters,omitempty"`
}

func (e FeedbackEntry) HasClusters() bool {
	return e.PositiveCluster != nil
}

type Dataset interface {
	Get(index int) (Example, error)
	Len() int
}

type Tokenizer interface {
	Decode(ids []int) string
}

type EncoderOutput struct {
	Features [][]float64
	Logits   [][]float64
}

type Encoder interface {
	Forward(ctx context.Context, batch []Example) (EncoderOutput, error)
}

type Clusterer interface {
	Fit(ctx context.Context, features [][]float64, k int) (ClusterAssignment, error)
}

// SliceDataset is an in-memory Dataset.
type SliceDataset []Example

func (s SliceDataset) Get(index int) (Example, error) {
	if index < 0 || index >= len(s) {
		return Example{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	ex := s[index]
	ex.Index = index
	return ex, nil
}

func (s SliceDataset) Len() int {
	return len(s)
}

func intPtr(v int) *int {
	return &v
}
