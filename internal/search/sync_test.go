package search

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/unisearch/internal/config"
	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/provider"
)

// stubAdapter serves fixed titles, or fails or hangs on demand.
type stubAdapter struct {
	source string
	titles map[string]string
	gone   []string
	err    error
	hang   bool

	mu    sync.Mutex
	watch chan provider.RawRecord
}

func (a *stubAdapter) Source() string { return a.source }

func (a *stubAdapter) Fetch(ctx context.Context, cursor string) (<-chan provider.RawRecord, <-chan error) {
	out := make(chan provider.RawRecord)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		if a.hang {
			<-ctx.Done()
			errc <- ctx.Err()
			return
		}
		if a.err != nil {
			errc <- a.err
			return
		}
		for id, title := range a.titles {
			select {
			case out <- provider.RawRecord{ID: id, Payload: title}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		for _, id := range a.gone {
			out <- provider.RawRecord{ID: id, Deleted: true}
		}
		errc <- &provider.SyncComplete{NextCursor: "next"}
	}()
	return out, errc
}

func (a *stubAdapter) Normalize(rec provider.RawRecord) (document.Document, error) {
	title, _ := rec.Payload.(string)
	return document.Document{
		ID:        rec.ID,
		Title:     title,
		Body:      "synced from " + a.source,
		UpdatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (a *stubAdapter) HealthCheck(ctx context.Context) error { return a.err }

func (a *stubAdapter) Watch(ctx context.Context) (<-chan provider.RawRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.watch == nil {
		return nil, stderrors.New("not watchable")
	}
	return a.watch, nil
}

func TestSyncProviders_IsolatesFailingSource(t *testing.T) {
	// Given: two healthy sources and one that hangs past the fetch timeout
	e := newTestEngine(t, func(c *config.Config) {
		c.Providers.FetchTimeout = config.Duration(50 * time.Millisecond)
		c.Providers.FailureThreshold = 1
	})
	ctx := context.Background()
	require.NoError(t, e.RegisterAdapter(ctx, &stubAdapter{source: "mail", titles: map[string]string{"m1": "Invoice due", "m2": "Lunch"}}))
	require.NoError(t, e.RegisterAdapter(ctx, &stubAdapter{source: "wiki", titles: map[string]string{"w1": "Invoice process"}}))
	require.NoError(t, e.RegisterAdapter(ctx, &stubAdapter{source: "slow", hang: true}))

	// When: syncing and waiting for the commits
	rep, err := e.SyncProviders(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	// Then: the healthy sources are searchable, the slow one is reported
	assert.Equal(t, 3, rep.Enqueued)
	assert.Equal(t, []string{"slow"}, rep.Failed())
	resp, err := e.SearchText(ctx, "invoice", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resp.TotalMatched)
	assert.True(t, resp.Partial)

	status := e.HealthStatus(ctx)
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, int64(2), status.Documents["mail"])
	require.NotNil(t, status.LastSync)
	var unhealthy []string
	for _, h := range status.Providers {
		if !h.Healthy {
			unhealthy = append(unhealthy, h.Source)
		}
	}
	assert.Equal(t, []string{"slow"}, unhealthy)
}

func TestSyncProviders_AppliesDeletions(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.IndexDocument(ctx, doc("mail", "old", "Old newsletter", "unsubscribe")))
	require.NoError(t, e.RegisterAdapter(ctx, &stubAdapter{source: "mail", gone: []string{"old"}}))

	_, err := e.SyncProviders(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	resp, err := e.SearchText(ctx, "newsletter", 5)
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)
}

func TestSyncProviders_LargeCycleWaitsForCapacity(t *testing.T) {
	// Given: a sync larger than twice the high-water mark
	e := newTestEngine(t, func(c *config.Config) {
		c.Indexing.HighWaterMark = 5
		c.Indexing.BatchSize = 4
	})
	ctx := context.Background()
	titles := make(map[string]string, 40)
	for i := 0; i < 40; i++ {
		titles[fmt.Sprint(i)] = fmt.Sprintf("Ticket %d", i)
	}
	require.NoError(t, e.RegisterAdapter(ctx, &stubAdapter{source: "tracker", titles: titles}))

	// When: syncing
	rep, err := e.SyncProviders(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	// Then: nothing was dropped
	assert.Equal(t, 40, rep.Enqueued)
	assert.Zero(t, rep.Rejected)
	count, err := e.index.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(40), count)
}

func TestSyncProviders_CursorFollowsCommits(t *testing.T) {
	// Given: a source with one change
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.RegisterAdapter(ctx, &stubAdapter{source: "mail", titles: map[string]string{"m1": "Invoice due"}}))

	// When: syncing
	rep, err := e.SyncProviders(ctx)
	require.NoError(t, err)

	// Then: the change is committed by the time the cursor is saved
	assert.Equal(t, "next", rep.Sources[0].NextCursor)
	st, ok, err := e.meta.LoadProviderState(ctx, "mail")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "next", st.Cursor)
	count, err := e.index.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestSyncProviders_PausedIndexingHoldsCursor(t *testing.T) {
	// Given: indexing paused so nothing can commit
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.RegisterAdapter(ctx, &stubAdapter{source: "mail", titles: map[string]string{"m1": "Invoice due"}}))
	e.indexer.Pause()

	// When: syncing
	rep, err := e.SyncProviders(ctx)
	require.NoError(t, err)

	// Then: the change is queued but the cursor stays where it was
	assert.Equal(t, 1, rep.Enqueued)
	st, _, err := e.meta.LoadProviderState(ctx, "mail")
	require.NoError(t, err)
	assert.Empty(t, st.Cursor)

	// And: once indexing resumes the next sync advances it
	e.indexer.Resume()
	_, err = e.SyncProviders(ctx)
	require.NoError(t, err)
	st, _, err = e.meta.LoadProviderState(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, "next", st.Cursor)
}

func TestEngine_LiveWatchIndexesChanges(t *testing.T) {
	// Given: a watching adapter registered before Start
	cfg := testConfig()
	ctx := context.Background()
	e, err := New(ctx, cfg, WithLogger(quietLogger()), WithoutConfiguredAdapters())
	require.NoError(t, err)
	defer e.Close()
	watch := make(chan provider.RawRecord, 1)
	require.NoError(t, e.RegisterAdapter(ctx, &stubAdapter{source: "chat", watch: watch}))
	require.NoError(t, e.Start(ctx))

	// When: the source pushes a change
	watch <- provider.RawRecord{ID: "c1", Payload: "Standup moved"}

	// Then: it becomes searchable
	assert.Eventually(t, func() bool {
		resp, err := e.SearchText(ctx, "standup", 5)
		return err == nil && resp.TotalMatched == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRegisterConfigured_Filesystem(t *testing.T) {
	cfg := testConfig()
	cfg.Providers.Filesystem = []config.FilesystemSource{{Name: "notes", Root: t.TempDir()}}

	e, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, []string{"notes"}, e.Providers().Sources())
	h, ok := e.Providers().Health("notes")
	require.True(t, ok)
	assert.True(t, h.Healthy)
	assert.False(t, h.Watching)
}
