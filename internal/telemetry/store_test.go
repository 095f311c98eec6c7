package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteLogStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteLogStore(context.Background(), db)
	require.NoError(t, err)
	return store
}

var base = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

func TestSQLiteLogStore_QueriesRoundTrip(t *testing.T) {
	// Given: a query log with two events
	store := setupTestStore(t)
	ctx := context.Background()
	events := []QueryEvent{
		{SessionID: "s1", Query: "quarterly report", Fingerprint: "f1", ResultCount: 3,
			Latency: 12 * time.Millisecond, Sources: []string{"mail", "docs"}, At: base},
		{Query: "bad:(", ErrorCode: "ERR_406_MALFORMED_BOOLEAN", At: base.Add(time.Minute)},
	}

	// When: appending and reading back
	require.NoError(t, store.AppendQueries(ctx, events))
	got, err := store.RecentQueries(ctx, base.Add(-time.Hour), 10)
	require.NoError(t, err)

	// Then: fields survive, oldest first
	require.Len(t, got, 2)
	assert.Equal(t, events[0].Query, got[0].Query)
	assert.Equal(t, []string{"mail", "docs"}, got[0].Sources)
	assert.Equal(t, 12*time.Millisecond, got[0].Latency)
	assert.Equal(t, base, got[0].At)
	assert.True(t, got[1].Failed())
	assert.Nil(t, got[1].Sources)
}

func TestSQLiteLogStore_RecentQueriesKeepsNewest(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	var events []QueryEvent
	for i := 0; i < 5; i++ {
		events = append(events, QueryEvent{Query: string(rune('a' + i)), At: base.Add(time.Duration(i) * time.Second)})
	}
	require.NoError(t, store.AppendQueries(ctx, events))

	got, err := store.RecentQueries(ctx, base, 2)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d", got[0].Query)
	assert.Equal(t, "e", got[1].Query)
}

func TestSQLiteLogStore_Clicks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendClicks(ctx, []ClickEvent{
		{Query: "report", DocumentKey: "mail/1", Position: 2, At: base},
	}))

	got, err := store.RecentClicks(ctx, base, 10)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mail/1", got[0].DocumentKey)
	assert.Equal(t, 2, got[0].Position)
}

func TestSQLiteLogStore_Prune(t *testing.T) {
	// Given: old and new rows
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendQueries(ctx, []QueryEvent{
		{Query: "old", At: base.Add(-48 * time.Hour)},
		{Query: "new", At: base},
	}))
	require.NoError(t, store.AppendClicks(ctx, []ClickEvent{
		{Query: "old", DocumentKey: "a/1", At: base.Add(-48 * time.Hour)},
	}))

	// When: pruning older than a day
	n, err := store.Prune(ctx, base.Add(-24*time.Hour))

	// Then: only the new query remains
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	got, err := store.RecentQueries(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Query)
}

func TestSQLiteLogStore_EmptyAppendIsNoop(t *testing.T) {
	store := setupTestStore(t)

	assert.NoError(t, store.AppendQueries(context.Background(), nil))
	assert.NoError(t, store.AppendClicks(context.Background(), nil))
}

func TestNewSQLiteLogStore_RequiresDB(t *testing.T) {
	_, err := NewSQLiteLogStore(context.Background(), nil)

	assert.Error(t, err)
}
