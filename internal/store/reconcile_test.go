package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileLedger_InSyncIsNoop(t *testing.T) {
	// Given: a commit recorded in both stores
	s, err := OpenIndex("")
	require.NoError(t, err)
	defer s.Close()
	m := newMeta(t)
	ctx := context.Background()
	doc := newDoc(t, "mail", "1", "Invoice", "due friday")
	id, err := s.Commit(ctx, []Op{upsert(doc)})
	require.NoError(t, err)
	require.NoError(t, m.ApplyCommit(ctx, id, []HashChange{{Key: doc.Key(), Source: "mail", Hash: doc.ContentHash}}))

	// When: reconciling
	rebuilt, err := ReconcileLedger(ctx, s, m, nil)

	// Then: nothing is rebuilt
	require.NoError(t, err)
	assert.False(t, rebuilt)
}

func TestReconcileLedger_RebuildsFromIndex(t *testing.T) {
	// Given: a ledger that missed the last commit, a delete
	s, err := OpenIndex("")
	require.NoError(t, err)
	defer s.Close()
	m := newMeta(t)
	ctx := context.Background()
	kept := newDoc(t, "mail", "1", "Invoice", "due friday")
	gone := newDoc(t, "mail", "2", "Lunch", "tacos")
	id, err := s.Commit(ctx, []Op{upsert(kept), upsert(gone)})
	require.NoError(t, err)
	require.NoError(t, m.ApplyCommit(ctx, id, []HashChange{
		{Key: kept.Key(), Source: "mail", Hash: kept.ContentHash},
		{Key: gone.Key(), Source: "mail", Hash: gone.ContentHash},
	}))
	_, err = s.Commit(ctx, []Op{{Kind: OpDelete, Key: gone.Key()}})
	require.NoError(t, err)

	// When: reconciling
	rebuilt, err := ReconcileLedger(ctx, s, m, nil)

	// Then: the ledger holds exactly what the index holds
	require.NoError(t, err)
	assert.True(t, rebuilt)
	got, err := m.Hashes(ctx, []string{kept.Key(), gone.Key()})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{kept.Key(): kept.ContentHash}, got)
	applied, err := m.AppliedCommits(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.CommitID(), applied)
	counts, err := m.DocumentsBySource(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["mail"])

	// And: a second pass finds nothing to do
	rebuilt, err = ReconcileLedger(ctx, s, m, nil)
	require.NoError(t, err)
	assert.False(t, rebuilt)
}

func TestEachContentHash_PagesThroughEveryDocument(t *testing.T) {
	s, err := OpenIndex("")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	n := hashScanPage + 5
	ops := make([]Op, 0, n)
	for i := 0; i < n; i++ {
		ops = append(ops, upsert(newDoc(t, "wiki", fmt.Sprintf("p%04d", i), "page", "body")))
	}
	_, err = s.Commit(ctx, ops)
	require.NoError(t, err)

	seen := make(map[string]bool)
	require.NoError(t, s.EachContentHash(ctx, func(key, hash string) error {
		assert.NotEmpty(t, hash)
		seen[key] = true
		return nil
	}))
	assert.Len(t, seen, n)
}
