package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
)

func newDoc(t *testing.T, source, id, title, body string) *document.Document {
	t.Helper()
	doc, err := document.Normalize(document.Document{
		Source:    source,
		ID:        id,
		Title:     title,
		Body:      body,
		Tags:      []string{"batch"},
		UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}, document.DefaultLimits())
	require.NoError(t, err)
	return &doc
}

func upsert(doc *document.Document) Op {
	return Op{Kind: OpUpsert, Key: doc.Key(), Doc: doc}
}

func countMatching(t *testing.T, s *IndexStore, q string) uint64 {
	t.Helper()
	tq := bleve.NewMatchQuery(q)
	tq.SetField(document.FieldBody)
	res, err := s.Search(context.Background(), bleve.NewSearchRequestOptions(tq, 0, 0, false))
	require.NoError(t, err)
	return res.Total
}

func TestIndexStore_CommitAndGet(t *testing.T) {
	// Given: an in-memory index
	s, err := OpenIndex("")
	require.NoError(t, err)
	defer s.Close()

	// When: committing one document
	doc := newDoc(t, "test", "1", "Quarterly Report", "revenue grew 10%")
	doc.Metadata = map[string]string{"folder": "inbox"}
	id, err := s.Commit(context.Background(), []Op{upsert(doc)})

	// Then: it is visible with all stored fields
	require.NoError(t, err)
	assert.Equal(t, CommitID(1), id)

	got, ok, err := s.Get(context.Background(), "test/1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Quarterly Report", got.Title)
	assert.Equal(t, "revenue grew 10%", got.Body)
	assert.Equal(t, []string{"batch"}, got.Tags)
	assert.True(t, doc.UpdatedAt.Equal(got.UpdatedAt))
	assert.Equal(t, doc.ContentHash, got.ContentHash)
	assert.Equal(t, "inbox", got.Metadata["folder"])
}

func TestIndexStore_UpsertReplacesInPlace(t *testing.T) {
	// Given: a committed document
	s, err := OpenIndex("")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	_, err = s.Commit(ctx, []Op{upsert(newDoc(t, "test", "1", "v1", "alpha"))})
	require.NoError(t, err)

	// When: committing a new version of the same key
	op := upsert(newDoc(t, "test", "1", "v2", "beta"))
	op.Replace = true
	_, err = s.Commit(ctx, []Op{op})
	require.NoError(t, err)

	// Then: exactly one copy exists, with the new content
	n, err := s.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	assert.Equal(t, uint64(0), countMatching(t, s, "alpha"))
	assert.Equal(t, uint64(1), countMatching(t, s, "beta"))
	assert.Equal(t, int64(1), s.Stats().Tombstones)
}

func TestIndexStore_DeleteIsTombstone(t *testing.T) {
	s, err := OpenIndex("")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Commit(ctx, []Op{
		upsert(newDoc(t, "a", "1", "one", "x")),
		upsert(newDoc(t, "a", "2", "two", "x")),
	})
	require.NoError(t, err)

	_, err = s.Commit(ctx, []Op{{Kind: OpDelete, Key: "a/1"}})
	require.NoError(t, err)

	_, ok, err := s.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.Stats().Tombstones)
	assert.InDelta(t, 0.5, s.Fragmentation(), 0.001)
}

func TestIndexStore_FailedCommitLeavesStateUnchanged(t *testing.T) {
	// Given: an index whose second commit fails at publish time
	var calls atomic.Int32
	s, err := OpenIndex("", WithFaultInjector(func(id CommitID, ops []Op) error {
		if calls.Add(1) == 2 {
			return fmt.Errorf("injected I/O error")
		}
		return nil
	}))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Commit(ctx, []Op{upsert(newDoc(t, "a", "1", "one", "stable"))})
	require.NoError(t, err)

	// When: the failing commit runs
	_, err = s.Commit(ctx, []Op{
		upsert(newDoc(t, "a", "2", "two", "partial")),
		{Kind: OpDelete, Key: "a/1"},
	})

	// Then: the error is transient and nothing of the batch is visible
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, CommitID(1), s.CommitID())
	assert.Equal(t, uint64(1), countMatching(t, s, "stable"))
	assert.Equal(t, uint64(0), countMatching(t, s, "partial"))
}

func TestIndexStore_ReadersNeverSeePartialBatch(t *testing.T) {
	// Given: readers polling while a large batch commits
	s, err := OpenIndex("")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	const batchSize = 300
	ops := make([]Op, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		ops = append(ops, upsert(newDoc(t, "bulk", fmt.Sprintf("%d", i), "t", "atomicity")))
	}

	var (
		stop     atomic.Bool
		wg       sync.WaitGroup
		mu       sync.Mutex
		observed = map[uint64]bool{}
	)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tq := bleve.NewMatchQuery("atomicity")
			tq.SetField(document.FieldBody)
			for !stop.Load() {
				res, err := s.Search(ctx, bleve.NewSearchRequestOptions(tq, 0, 0, false))
				if err != nil {
					continue
				}
				n := res.Total
				mu.Lock()
				observed[n] = true
				mu.Unlock()
			}
		}()
	}

	// When: the batch commits
	_, err = s.Commit(ctx, ops)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	stop.Store(true)
	wg.Wait()

	// Then: every observation is all-or-nothing
	for n := range observed {
		assert.Contains(t, []uint64{0, batchSize}, n)
	}
	assert.True(t, observed[batchSize])
}

func TestIndexStore_TermsPrefix(t *testing.T) {
	s, err := OpenIndex("")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Commit(context.Background(), []Op{
		upsert(newDoc(t, "a", "1", "quarterly quartz", "query")),
		upsert(newDoc(t, "a", "2", "quarterly", "other")),
	})
	require.NoError(t, err)

	got := map[string]uint64{}
	require.NoError(t, s.Terms(document.FieldTitle, "quar", func(term Term) bool {
		got[term.Term] = term.Count
		return true
	}))

	assert.Equal(t, map[string]uint64{"quarterly": 2, "quartz": 1}, got)
	assert.Greater(t, s.Reads(), int64(0))
}

func TestIndexStore_PersistsAcrossReopen(t *testing.T) {
	// Given: an on-disk index with one commit
	path := filepath.Join(t.TempDir(), "index.bleve")
	s, err := OpenIndex(path)
	require.NoError(t, err)
	_, err = s.Commit(context.Background(), []Op{
		upsert(newDoc(t, "a", "1", "one", "durable")),
		{Kind: OpDelete, Key: "a/missing"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// When: reopening
	s, err = OpenIndex(path)
	require.NoError(t, err)
	defer s.Close()

	// Then: documents, commit id and tombstone count survive
	assert.Equal(t, CommitID(1), s.CommitID())
	assert.Equal(t, uint64(1), countMatching(t, s, "durable"))
	assert.Equal(t, int64(1), s.Stats().Tombstones)
}

func TestIndexStore_OptimizeResetsTombstones(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bleve")
	s, err := OpenIndex(path)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		op := upsert(newDoc(t, "a", "1", "one", fmt.Sprintf("rev%d", i)))
		op.Replace = i > 0
		_, err := s.Commit(ctx, []Op{op})
		require.NoError(t, err)
	}
	require.Equal(t, int64(4), s.Stats().Tombstones)

	require.NoError(t, s.Optimize(ctx))

	st := s.Stats()
	assert.Equal(t, int64(0), st.Tombstones)
	assert.False(t, st.LastOptimize.IsZero())
	assert.Equal(t, uint64(1), countMatching(t, s, "rev4"))
}

func TestOpenIndex_CorruptMetaIsReported(t *testing.T) {
	// Given: an index directory with a broken index_meta.json
	path := filepath.Join(t.TempDir(), "index.bleve")
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "index_meta.json"), []byte("{"), 0o644))

	// When: opening
	_, err := OpenIndex(path)

	// Then: corruption is fatal and the directory is left alone
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCorruptIndex, errors.GetCode(err))
	assert.True(t, errors.IsFatal(err))
	_, statErr := os.Stat(filepath.Join(path, "index_meta.json"))
	assert.NoError(t, statErr)
}

func TestIndexStore_ClosedRejectsCalls(t *testing.T) {
	s, err := OpenIndex("")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Commit(context.Background(), []Op{upsert(newDoc(t, "a", "1", "x", "y"))})
	assert.ErrorIs(t, err, errors.ErrEngineClosed)
	assert.NoError(t, s.Close())
}
