package search

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/unisearch/internal/query"
	"github.com/Aman-CERP/unisearch/internal/store"
)

// cacheEntry is never modified after Put; an expired or stale entry is
// replaced, not updated.
type cacheEntry struct {
	resp     *query.Response
	commit   store.CommitID
	cachedAt time.Time
}

// CacheStats describes the result cache.
type CacheStats struct {
	Entries int           `json:"entries"`
	Hits    int64         `json:"hits"`
	Misses  int64         `json:"misses"`
	HitRate float64       `json:"hit_rate"`
	TTL     time.Duration `json:"ttl"`
}

// ResultCache maps query fingerprints to responses.
//
// An entry is served only while it is younger than the TTL and was built
// against the commit that is still current, so any index mutation
// invalidates every cached response.
type ResultCache struct {
	entries *lru.Cache[string, cacheEntry]
	ttl     atomic.Int64
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResultCache creates a cache holding at most size responses.
func NewResultCache(size int, ttl time.Duration, now func() time.Time) (*ResultCache, error) {
	if size <= 0 {
		size = 1000
	}
	if now == nil {
		now = time.Now
	}
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	c := &ResultCache{entries: entries, now: now}
	c.ttl.Store(int64(ttl))
	return c, nil
}

// Get returns the response cached for fingerprint if it is fresh and was
// computed at commit.
func (c *ResultCache) Get(fingerprint string, commit store.CommitID) (*query.Response, bool) {
	e, ok := c.entries.Get(fingerprint)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if e.commit != commit || c.now().Sub(e.cachedAt) >= c.TTL() {
		c.entries.Remove(fingerprint)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.resp, true
}

// Put stores resp. A zero TTL disables caching.
func (c *ResultCache) Put(fingerprint string, commit store.CommitID, resp *query.Response) {
	if c.TTL() <= 0 || resp == nil {
		return
	}
	c.entries.Add(fingerprint, cacheEntry{resp: resp, commit: commit, cachedAt: c.now()})
}

// Clear drops every entry.
func (c *ResultCache) Clear() {
	c.entries.Purge()
}

// TTL returns the current time-to-live.
func (c *ResultCache) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// SetTTL changes the time-to-live for lookups from now on.
func (c *ResultCache) SetTTL(ttl time.Duration) {
	c.ttl.Store(int64(ttl))
}

// Stats reports size and hit counters.
func (c *ResultCache) Stats() CacheStats {
	s := CacheStats{
		Entries: c.entries.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		TTL:     c.TTL(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
