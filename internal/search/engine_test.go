package search

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/unisearch/internal/config"
	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/query"
)

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Index.Path = ""
	cfg.Indexing.RefreshInterval = config.Duration(20 * time.Millisecond)
	cfg.Indexing.RetryInitialDelay = config.Duration(time.Millisecond)
	cfg.Indexing.RetryMaxDelay = config.Duration(5 * time.Millisecond)
	cfg.Performance.EvaluationInterval = config.Duration(time.Hour)
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, mutate func(*config.Config), opts ...Option) *Engine {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	opts = append([]Option{WithLogger(quietLogger()), WithoutConfiguredAdapters()}, opts...)
	e, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func doc(source, id, title, body string) document.Document {
	return document.Document{
		Source:    source,
		ID:        id,
		Title:     title,
		Body:      body,
		UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEngine_RoundTrip(t *testing.T) {
	// Given: an engine with one indexed document
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.IndexDocument(ctx, doc("test", "1", "Quarterly Report", "revenue grew 10%")))

	// When: searching for it
	resp, err := e.SearchText(ctx, `source:test AND "quarterly"`, 10)

	// Then: exactly that document matches with a positive score
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "1", resp.Hits[0].DocumentID)
	assert.Greater(t, resp.Hits[0].Score, 0.0)

	// When: deleting it and repeating the query
	deleted, err := e.DeleteDocument(ctx, "test", "1")
	require.NoError(t, err)
	assert.True(t, deleted)
	resp, err = e.SearchText(ctx, `source:test AND "quarterly"`, 10)

	// Then: nothing matches, and the stale cached response was not served
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)
	assert.False(t, resp.CacheHit)
}

func TestEngine_DeleteUnknownReturnsFalse(t *testing.T) {
	e := newTestEngine(t, nil)

	deleted, err := e.DeleteDocument(context.Background(), "test", "missing")

	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestEngine_InvalidFieldNeverReadsIndex(t *testing.T) {
	// Given: an engine with content
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.IndexDocument(ctx, doc("test", "1", "Quarterly Report", "revenue")))
	before := e.index.Reads()

	// When: querying an undeclared field
	_, err := e.SearchText(ctx, `nonexistentField:"x"`, 10)

	// Then: a validation error, and the index was not read
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.ErrorIs(t, err, errors.ErrUnknownField)
	assert.Equal(t, before, e.index.Reads())
}

func TestEngine_CacheServesUntilCommit(t *testing.T) {
	// Given: a query that has run once
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.IndexDocument(ctx, doc("test", "1", "Budget plan", "draft")))
	first, err := e.SearchText(ctx, "budget", 10)
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	// When: running it again
	second, err := e.SearchText(ctx, "budget", 10)

	// Then: it is served from the cache
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.TotalMatched, second.TotalMatched)

	// When: a new document commits
	require.NoError(t, e.IndexDocument(ctx, doc("test", "2", "Budget review", "final")))
	third, err := e.SearchText(ctx, "budget", 10)

	// Then: the cache is bypassed and the new document is visible
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Equal(t, uint64(2), third.TotalMatched)
}

func TestEngine_CachedResponseIsNotShared(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.IndexDocument(ctx, doc("test", "1", "Budget plan", "draft")))
	first, err := e.SearchText(ctx, "budget", 10)
	require.NoError(t, err)

	first.Hits[0].Title = "mutated"
	second, err := e.SearchText(ctx, "budget", 10)

	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, "Budget plan", second.Hits[0].Title)
}

func TestEngine_CachedFacetsAndExpansionsAreNotShared(t *testing.T) {
	// Given: a cached response carrying facets and fuzzy expansions
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.IndexDocument(ctx, doc("test", "1", "Budget plan", "budget draft")))
	q := query.Query{Text: "budgt~1", Facets: []string{"source"}, Limit: 10}
	first, err := e.Search(ctx, q, "")
	require.NoError(t, err)
	require.NotEmpty(t, first.Facets["source"])
	require.NotEmpty(t, first.Expansions)

	// When: the caller mutates its copy
	first.Facets["source"][0].Count = 99
	delete(first.Facets, "source")
	for k := range first.Expansions {
		first.Expansions[k][0] = "mutated"
	}

	// Then: the cached entry is untouched
	second, err := e.Search(ctx, q, "")
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	require.NotEmpty(t, second.Facets["source"])
	assert.Equal(t, 1, second.Facets["source"][0].Count)
	for _, terms := range second.Expansions {
		assert.NotContains(t, terms, "mutated")
	}
}

func TestEngine_ClearCache(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.IndexDocument(ctx, doc("test", "1", "Budget plan", "draft")))
	_, err := e.SearchText(ctx, "budget", 10)
	require.NoError(t, err)

	require.NoError(t, e.ClearCache())
	resp, err := e.SearchText(ctx, "budget", 10)

	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
}

func TestEngine_IdempotentUpsert(t *testing.T) {
	// Given: a committed document
	e := newTestEngine(t, nil)
	ctx := context.Background()
	d := doc("test", "1", "Quarterly Report", "revenue grew 10%")
	require.NoError(t, e.IndexDocument(ctx, d))
	commits := e.IndexingStatus().Commits

	// When: indexing identical content again
	require.NoError(t, e.IndexDocument(ctx, d))
	n, err := e.IndexBatch(ctx, []document.Document{d})

	// Then: no further commit happened and nothing was counted as written
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, commits, e.IndexingStatus().Commits)
	count, err := e.index.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestEngine_IndexBatch(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	docs := make([]document.Document, 0, 25)
	for i := 0; i < 25; i++ {
		docs = append(docs, doc("notes", fmt.Sprint(i), fmt.Sprintf("Note %d", i), "meeting notes"))
	}

	n, err := e.IndexBatch(ctx, docs)

	require.NoError(t, err)
	assert.Equal(t, 25, n)
	resp, err := e.Search(ctx, query.Query{Text: "meeting", Limit: 5}, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(25), resp.TotalMatched)
	assert.Len(t, resp.Hits, 5)
	assert.Equal(t, "s1", resp.SessionID)
}

func TestEngine_IndexBatchRejectsInvalidDocument(t *testing.T) {
	e := newTestEngine(t, nil)
	docs := []document.Document{
		doc("notes", "1", "ok", "fine"),
		doc("notes", "", "no id", "broken"),
	}

	n, err := e.IndexBatch(context.Background(), docs)

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidDocument)
	assert.Zero(t, n)
	assert.Zero(t, e.IndexingStatus().Committed)
}

func TestEngine_RequiresStartForMutations(t *testing.T) {
	e, err := New(context.Background(), testConfig(), WithLogger(quietLogger()), WithoutConfiguredAdapters())
	require.NoError(t, err)
	defer e.Close()

	err = e.IndexDocument(context.Background(), doc("test", "1", "t", "b"))

	require.Error(t, err)
	// Searching an empty index works without Start.
	resp, err := e.SearchText(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)
}

func TestEngine_ClosedRejectsCalls(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.SearchText(context.Background(), "x", 5)
	assert.ErrorIs(t, err, errors.ErrEngineClosed)
	err = e.IndexDocument(context.Background(), doc("test", "1", "t", "b"))
	assert.ErrorIs(t, err, errors.ErrEngineClosed)
	assert.ErrorIs(t, e.ClearCache(), errors.ErrEngineClosed)
}

func TestEngine_PersistsAcrossReopen(t *testing.T) {
	// Given: a document committed to an on-disk index
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Index.Path = dir
	ctx := context.Background()

	e, err := New(ctx, cfg, WithLogger(quietLogger()), WithoutConfiguredAdapters())
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.IndexDocument(ctx, doc("test", "1", "Quarterly Report", "revenue")))
	_, err = e.SearchText(ctx, "quarterly", 5)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// When: reopening the directory
	e2, err := New(ctx, cfg, WithLogger(quietLogger()), WithoutConfiguredAdapters())
	require.NoError(t, err)
	defer e2.Close()
	resp, err := e2.SearchText(ctx, "quarterly", 5)

	// Then: the document and the recorded query survive
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	a, err := e2.GetAnalytics(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, a.Usage.TotalQueries, int64(2))
}

func TestEngine_SecondOpenIsLocked(t *testing.T) {
	cfg := testConfig()
	cfg.Index.Path = t.TempDir()
	ctx := context.Background()
	e, err := New(ctx, cfg, WithLogger(quietLogger()), WithoutConfiguredAdapters())
	require.NoError(t, err)
	defer e.Close()

	_, err = New(ctx, cfg, WithLogger(quietLogger()), WithoutConfiguredAdapters())

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIndexLocked)
}

func TestEngine_PauseHoldsCommits(t *testing.T) {
	// Given: paused indexing
	e := newTestEngine(t, nil)
	ctx := context.Background()
	e.PauseIndexing()

	// When: indexing a document with a short deadline
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err := e.IndexDocument(short, doc("test", "1", "Held", "back"))

	// Then: it is not committed until indexing resumes
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, e.IndexingStatus().QueueDepth)
	e.ResumeIndexing()
	require.NoError(t, e.Flush(ctx))
	resp, err := e.SearchText(ctx, "held", 5)
	require.NoError(t, err)
	assert.Len(t, resp.Hits, 1)
}

func TestEngine_QueryTimeout(t *testing.T) {
	// Given: a query budget too small for any search to finish
	e := newTestEngine(t, func(c *config.Config) {
		c.Search.QueryTimeout = config.Duration(time.Nanosecond)
	})
	ctx := context.Background()
	require.NoError(t, e.IndexDocument(ctx, doc("test", "1", "Quarterly Report", "revenue grew")))

	// When: searching
	resp, err := e.SearchText(ctx, "quarterly", 10)

	// Then: the search fails with the timeout error rather than the raw deadline
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, errors.ErrQueryTimeout)
	assert.Equal(t, errors.ErrCodeQueryTimeout, errors.GetCode(err))
}
