package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/unisearch/internal/query"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func TestResultCache_ExpiresAfterTTL(t *testing.T) {
	// Given: a cached response with a one-minute TTL
	clock := newClock()
	c, err := NewResultCache(10, time.Minute, clock.now)
	require.NoError(t, err)
	c.Put("fp", 3, &query.Response{TotalMatched: 7})

	// When: looking it up within the TTL
	got, ok := c.Get("fp", 3)
	require.True(t, ok)
	assert.Equal(t, uint64(7), got.TotalMatched)

	// When: the TTL has passed
	clock.advance(time.Minute)
	_, ok = c.Get("fp", 3)

	// Then: it is gone
	assert.False(t, ok)
	assert.Zero(t, c.Stats().Entries)
}

func TestResultCache_StaleCommitMisses(t *testing.T) {
	c, err := NewResultCache(10, time.Minute, nil)
	require.NoError(t, err)
	c.Put("fp", 3, &query.Response{})

	_, ok := c.Get("fp", 4)

	assert.False(t, ok)
	st := c.Stats()
	assert.Equal(t, int64(1), st.Misses)
	assert.Zero(t, st.Entries)
}

func TestResultCache_ZeroTTLDisables(t *testing.T) {
	c, err := NewResultCache(10, 0, nil)
	require.NoError(t, err)

	c.Put("fp", 1, &query.Response{})
	_, ok := c.Get("fp", 1)

	assert.False(t, ok)
}

func TestResultCache_SetTTLAndStats(t *testing.T) {
	clock := newClock()
	c, err := NewResultCache(10, time.Minute, clock.now)
	require.NoError(t, err)
	c.Put("a", 1, &query.Response{})

	c.SetTTL(10 * time.Minute)
	clock.advance(5 * time.Minute)
	_, ok := c.Get("a", 1)
	_, miss := c.Get("b", 1)

	assert.True(t, ok)
	assert.False(t, miss)
	st := c.Stats()
	assert.Equal(t, 10*time.Minute, st.TTL)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
}

func TestResultCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewResultCache(2, time.Minute, nil)
	require.NoError(t, err)
	c.Put("a", 1, &query.Response{})
	c.Put("b", 1, &query.Response{})
	_, _ = c.Get("a", 1)

	c.Put("c", 1, &query.Response{})

	_, okA := c.Get("a", 1)
	_, okB := c.Get("b", 1)
	assert.True(t, okA)
	assert.False(t, okB)
}
