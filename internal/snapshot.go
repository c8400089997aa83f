package internal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// CacheSnapshot is the exported state of a FeedbackCache.
type CacheSnapshot struct {
	Experiment string                `msgpack:"experiment"`
	Round      int                   `msgpack:"round"`
	CreatedAt  time.Time             `msgpack:"created_at"`
	Entries    map[int]FeedbackEntry `msgpack:"entries"`
}

func (s *CacheSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Entries)
}

// Validate checks that every entry refers to one of n examples and one
// of k clusters.
func (s *CacheSnapshot) Validate(n, k int) error {
	if s == nil {
		return nil
	}
	for _, index := range s.Indices() {
		e := s.Entries[index]
		switch {
		case index < 0 || index >= n:
			return fmt.Errorf("%w: cached example %d of %d", ErrDataInconsistency, index, n)
		case e.Neighbor < 0 || e.Neighbor >= n:
			return fmt.Errorf("%w: example %d has neighbor %d of %d", ErrDataInconsistency, index, e.Neighbor, n)
		case e.PositiveCluster != nil && (*e.PositiveCluster < 0 || *e.PositiveCluster >= k):
			return fmt.Errorf("%w: example %d has positive cluster %d of %d", ErrDataInconsistency, index, *e.PositiveCluster, k)
		}
		for _, c := range e.NegativeClusters {
			if c < 0 || c >= k {
				return fmt.Errorf("%w: example %d has negative cluster %d of %d", ErrDataInconsistency, index, c, k)
			}
		}
	}
	return nil
}

// Indices returns the cached example indices in ascending order.
func (s *CacheSnapshot) Indices() []int {
	out := make([]int, 0, len(s.Entries))
	for i := range s.Entries {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (s *CacheSnapshot) Neighbors() map[int]int {
	out := make(map[int]int, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Neighbor
	}
	return out
}

func (s *CacheSnapshot) PositiveClusters() map[int]int {
	out := make(map[int]int)
	for i, e := range s.Entries {
		if e.PositiveCluster != nil {
			out[i] = *e.PositiveCluster
		}
	}
	return out
}

func (s *CacheSnapshot) NegativeClusters() map[int][]int {
	out := make(map[int][]int)
	for i, e := range s.Entries {
		if e.PositiveCluster != nil {
			out[i] = append([]int(nil), e.NegativeClusters...)
		}
	}
	return out
}

func EncodeSnapshot(s *CacheSnapshot) ([]byte, error) {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func DecodeSnapshot(data []byte) (*CacheSnapshot, error) {
	var s CacheSnapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Entries == nil {
		s.Entries = make(map[int]FeedbackEntry)
	}
	return &s, nil
}

type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *CacheSnapshot) error
	// LoadSnapshot returns the latest snapshot for experiment or ErrNoSnapshot.
	LoadSnapshot(ctx context.Context, experiment string) (*CacheSnapshot, error)
	Close() error
}
