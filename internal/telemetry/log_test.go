package telemetry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore records appended events.
type memStore struct {
	mu      sync.Mutex
	queries []QueryEvent
	clicks  []ClickEvent
}

func (m *memStore) AppendQueries(_ context.Context, events []QueryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, events...)
	return nil
}

func (m *memStore) AppendClicks(_ context.Context, clicks []ClickEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clicks = append(m.clicks, clicks...)
	return nil
}

func (m *memStore) RecentQueries(_ context.Context, since time.Time, limit int) ([]QueryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []QueryEvent
	for _, e := range m.queries {
		if !e.At.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) RecentClicks(_ context.Context, since time.Time, limit int) ([]ClickEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ClickEvent(nil), m.clicks...), nil
}

func (m *memStore) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries), len(m.clicks)
}

func fixedClock() func() time.Time {
	return func() time.Time { return base }
}

func TestLog_SnapshotAggregates(t *testing.T) {
	// Given: a mix of successful, empty, cached and failed queries
	l := New(nil, DefaultConfig(), WithClock(fixedClock()))
	l.Record(QueryEvent{Query: "quarterly report", ResultCount: 3, Latency: 10 * time.Millisecond, Sources: []string{"mail"}})
	l.Record(QueryEvent{Query: "Quarterly  Report", ResultCount: 3, Latency: 30 * time.Millisecond, CacheHit: true, Sources: []string{"mail", "docs"}})
	l.Record(QueryEvent{Query: "nothing here", ResultCount: 0, Latency: 20 * time.Millisecond})
	l.Record(QueryEvent{Query: "bad:(", ErrorCode: "ERR_406_MALFORMED_BOOLEAN"})
	l.RecordClick(ClickEvent{Query: "quarterly report", DocumentKey: "mail/1"})

	// When
	s := l.Snapshot(5)

	// Then
	assert.Equal(t, int64(4), s.TotalQueries)
	assert.Equal(t, int64(1), s.TotalClicks)
	assert.InDelta(t, 0.25, s.CacheHitRate, 0.001)
	assert.InDelta(t, 0.25, s.ErrorRate, 0.001)
	assert.InDelta(t, 0.75, s.SuccessRate, 0.001)
	assert.InDelta(t, 0.25, s.ZeroResultRate, 0.001)
	assert.Equal(t, 15*time.Millisecond, s.AvgLatency)
	assert.Equal(t, []string{"nothing here"}, s.ZeroResultQueries)
	assert.Equal(t, map[string]int64{"mail": 2, "docs": 1}, s.SourceUsage)
	assert.Equal(t, base.Local().Hour(), s.PeakHour)

	require.NotEmpty(t, s.PopularQueries)
	top := s.PopularQueries[0]
	assert.Equal(t, int64(2), top.Count)
	assert.Equal(t, int64(1), top.Clicks)
	assert.InDelta(t, 0.5, top.ClickThroughRate, 0.001)

	require.NotEmpty(t, s.TopTerms)
	assert.Equal(t, int64(2), s.TopTerms[0].Count)
}

func TestLog_EmptySnapshot(t *testing.T) {
	l := New(nil, DefaultConfig())

	s := l.Snapshot(10)

	assert.Zero(t, s.TotalQueries)
	assert.Equal(t, -1, s.PeakHour)
	assert.Empty(t, s.PopularQueries)
}

func TestLog_TermsByPrefix(t *testing.T) {
	// Given: terms used with different frequency
	l := New(nil, DefaultConfig(), WithClock(fixedClock()))
	for i := 0; i < 3; i++ {
		l.Record(QueryEvent{Query: "revenue", ResultCount: 1})
	}
	l.Record(QueryEvent{Query: "review", ResultCount: 1})
	l.Record(QueryEvent{Query: "report", ResultCount: 1})

	// When
	terms := l.Terms("RE", 2)

	// Then: most used first, capped
	require.Len(t, terms, 2)
	assert.Equal(t, "revenue", terms[0].Term)
	assert.Equal(t, int64(3), terms[0].Count)
	assert.Equal(t, "report", terms[1].Term)
}

func TestLog_QueriesByPrefix(t *testing.T) {
	l := New(nil, DefaultConfig())
	l.Record(QueryEvent{Query: "team offsite", ResultCount: 1})
	l.Record(QueryEvent{Query: "team offsite", ResultCount: 1})
	l.Record(QueryEvent{Query: "team lunch", ResultCount: 1})
	l.Record(QueryEvent{Query: "budget", ResultCount: 1})

	got := l.Queries("Team ", 10)

	require.Len(t, got, 2)
	assert.Equal(t, "team offsite", got[0].Query)
}

func TestLog_WritesToStoreOnClose(t *testing.T) {
	// Given: a log with a large flush interval
	store := &memStore{}
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	l := New(store, cfg)

	// When: recording and closing
	l.Record(QueryEvent{Query: "one", ResultCount: 1})
	l.RecordClick(ClickEvent{Query: "one", DocumentKey: "a/1"})
	require.NoError(t, l.Close())

	// Then: buffered events were written
	q, c := store.counts()
	assert.Equal(t, 1, q)
	assert.Equal(t, 1, c)

	// And: later events are ignored
	l.Record(QueryEvent{Query: "two"})
	assert.Equal(t, int64(1), l.Snapshot(1).TotalQueries)
	require.NoError(t, l.Close())
}

func TestLog_FlushesByBatchSize(t *testing.T) {
	store := &memStore{}
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	cfg.FlushBatch = 2
	l := New(store, cfg)
	defer func() { _ = l.Close() }()

	l.Record(QueryEvent{Query: "a"})
	l.Record(QueryEvent{Query: "b"})

	assert.Eventually(t, func() bool {
		q, _ := store.counts()
		return q == 2
	}, time.Second, 5*time.Millisecond)
}

// blockingStore never returns from AppendQueries until released.
type blockingStore struct {
	memStore
	release chan struct{}
}

func (b *blockingStore) AppendQueries(ctx context.Context, events []QueryEvent) error {
	<-b.release
	return b.memStore.AppendQueries(ctx, events)
}

func TestLog_RecordNeverBlocks(t *testing.T) {
	// Given: a stuck store and a tiny buffer
	store := &blockingStore{release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.BufferSize = 1
	cfg.FlushBatch = 1
	l := New(store, cfg)

	// When: recording far more than fits
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			l.Record(QueryEvent{Query: fmt.Sprintf("q%d", i), ResultCount: 1})
		}
		close(done)
	}()

	// Then: the caller is not held up and overflow is counted
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a slow store")
	}
	s := l.Snapshot(1)
	assert.Equal(t, int64(100), s.TotalQueries)
	assert.Positive(t, s.Dropped)

	close(store.release)
	require.NoError(t, l.Close())
}

func TestLog_Warm(t *testing.T) {
	// Given: persisted history from an earlier process
	store := &memStore{}
	require.NoError(t, store.AppendQueries(context.Background(), []QueryEvent{
		{Query: "standup notes", ResultCount: 2, At: base.Add(-time.Hour)},
		{Query: "standup notes", ResultCount: 2, At: base.Add(-time.Minute)},
	}))
	l := New(store, DefaultConfig(), WithClock(fixedClock()))
	defer func() { _ = l.Close() }()

	// When: warming
	require.NoError(t, l.Warm(context.Background(), base.Add(-24*time.Hour), 100))

	// Then: aggregates include history without re-persisting it
	s := l.Snapshot(5)
	assert.Equal(t, int64(2), s.TotalQueries)
	assert.Equal(t, base.Add(-time.Hour), s.Since)
	q, _ := store.counts()
	assert.Equal(t, 2, q)
}

func TestExtractTerms(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"quarterly report", []string{"quarterly", "report"}},
		{"source:mail AND budget", []string{"mail", "budget"}},
		{`"team offsite" -draft`, []string{"team", "offsite", "draft"}},
		{"a of to", nil},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTerms(tt.query))
		})
	}
}

func TestCircularBuffer_NewestFirst(t *testing.T) {
	b := NewCircularBuffer[int](3)
	for i := 1; i <= 5; i++ {
		b.Add(i)
	}

	assert.Equal(t, []int{5, 4, 3}, b.Items())
	assert.Equal(t, 3, b.Size())
}
