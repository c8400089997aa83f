package internal

import (
	"strconv"
	"sync/atomic"

	"github.com/patrickmn/go-cache"
)

// FeedbackCache maps example index to the oracle feedback recorded for it.
// Entries are write-once: the first PutIfAbsent for an index wins and later
// writes are no-ops until Reset.
type FeedbackCache struct {
	items  *cache.Cache
	hits   atomic.Int64
	misses atomic.Int64
}

func NewFeedbackCache() *FeedbackCache {
	return &FeedbackCache{
		items: cache.New(cache.NoExpiration, 0),
	}
}

func cacheKey(index int) string {
	return strconv.Itoa(index)
}

func (c *FeedbackCache) Get(index int) (FeedbackEntry, bool) {
	v, ok := c.items.Get(cacheKey(index))
	if !ok {
		c.misses.Add(1)
		return FeedbackEntry{}, false
	}
	c.hits.Add(1)
	return cloneEntry(v.(FeedbackEntry)), true
}

// Peek looks an entry up without touching the hit/miss counters.
func (c *FeedbackCache) Peek(index int) (FeedbackEntry, bool) {
	v, ok := c.items.Get(cacheKey(index))
	if !ok {
		return FeedbackEntry{}, false
	}
	return cloneEntry(v.(FeedbackEntry)), true
}

// PutIfAbsent stores entry for index unless one is already present and
// reports whether it was inserted.
func (c *FeedbackCache) PutIfAbsent(index int, entry FeedbackEntry) bool {
	return c.items.Add(cacheKey(index), cloneEntry(entry), cache.NoExpiration) == nil
}

func (c *FeedbackCache) Len() int {
	return c.items.ItemCount()
}

func (c *FeedbackCache) Hits() int64 {
	return c.hits.Load()
}

func (c *FeedbackCache) Misses() int64 {
	return c.misses.Load()
}

// Reset drops every entry. Used for cold starts.
func (c *FeedbackCache) Reset() {
	c.items.Flush()
}

func (c *FeedbackCache) Snapshot() *CacheSnapshot {
	items := c.items.Items()
	snap := &CacheSnapshot{Entries: make(map[int]FeedbackEntry, len(items))}
	for k, item := range items {
		index, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		snap.Entries[index] = cloneEntry(item.Object.(FeedbackEntry))
	}
	return snap
}

// Load merges snap into the cache with put-if-absent semantics and returns
// the number of entries inserted.
func (c *FeedbackCache) Load(snap *CacheSnapshot) int {
	if snap == nil {
		return 0
	}
	loaded := 0
	for index, entry := range snap.Entries {
		if c.PutIfAbsent(index, entry) {
			loaded++
		}
	}
	return loaded
}

func cloneEntry(e FeedbackEntry) FeedbackEntry {
	out := FeedbackEntry{Neighbor: e.Neighbor}
	if e.PositiveCluster != nil {
		out.PositiveCluster = intPtr(*e.PositiveCluster)
	}
	if e.NegativeClusters != nil {
		out.NegativeClusters = append([]int(nil), e.NegativeClusters...)
	}
	return out
}
