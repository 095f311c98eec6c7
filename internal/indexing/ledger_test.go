package indexing

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/store"
)

// flakyLedger fails the first n ApplyCommit calls (n < 0 fails forever).
type flakyLedger struct {
	*store.MetaStore

	mu       sync.Mutex
	failures int
}

func (f *flakyLedger) ApplyCommit(ctx context.Context, id store.CommitID, changes []store.HashChange) error {
	f.mu.Lock()
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		f.mu.Unlock()
		return errors.New(errors.ErrCodeMetaStore, "database is locked", nil)
	}
	f.mu.Unlock()
	return f.MetaStore.ApplyCommit(ctx, id, changes)
}

func (f *flakyLedger) setFailures(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

type ledgerHarness struct {
	index  *store.IndexStore
	meta   *store.MetaStore
	ledger *flakyLedger
}

func newLedgerHarness(t *testing.T) *ledgerHarness {
	t.Helper()
	dir := t.TempDir()
	idx, err := store.OpenIndex(filepath.Join(dir, "index"))
	require.NoError(t, err)
	meta, err := store.OpenMeta(filepath.Join(dir, "meta.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = meta.Close()
		_ = idx.Close()
	})
	return &ledgerHarness{index: idx, meta: meta, ledger: &flakyLedger{MetaStore: meta}}
}

func (h *ledgerHarness) start(t *testing.T, ledger Ledger) *Manager {
	t.Helper()
	mgr, err := NewManager(h.index, ledger, testConfig())
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx)
	})
	return mgr
}

func commit(t *testing.T, mgr *Manager, task Task) Result {
	t.Helper()
	ctx := waitCtx(t)
	tk, err := mgr.Enqueue(ctx, task)
	require.NoError(t, err)
	res, err := tk.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestManager_LedgerWriteIsRetried(t *testing.T) {
	// Given: a ledger that fails its next write once
	h := newLedgerHarness(t)
	mgr := h.start(t, h.ledger)
	h.ledger.setFailures(1)
	doc := testDoc(t, "test", "1", "alpha")

	// When: a document is committed
	commit(t, mgr, Upsert(doc, PriorityUser))

	// Then: the retry records its hash and nothing is left unrecorded
	ctx := waitCtx(t)
	hash, ok, err := h.meta.Hash(ctx, doc.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, doc.ContentHash, hash)
	applied, err := h.meta.AppliedCommits(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.index.CommitID(), applied)
	st := mgr.Status()
	assert.Zero(t, st.LedgerErrors)
	assert.Zero(t, st.Unrecorded)
}

func TestManager_UnrecordedDeleteIsNotMistakenForUnchanged(t *testing.T) {
	// Given: a committed document and a ledger that then stops accepting writes
	h := newLedgerHarness(t)
	mgr := h.start(t, h.ledger)
	commit(t, mgr, Upsert(testDoc(t, "test", "1", "alpha"), PriorityUser))
	h.ledger.setFailures(-1)

	// When: the document is deleted
	commit(t, mgr, Delete("test/1", PriorityUser))

	// Then: the failure is surfaced in status
	st := mgr.Status()
	assert.Equal(t, int64(1), st.LedgerErrors)
	assert.Equal(t, 1, st.Unrecorded)
	assert.NotEmpty(t, st.LastError)

	// And: re-adding the same content reaches the index even after the
	// hash cache forgets the key
	mgr.hashes.Purge()
	res := commit(t, mgr, Upsert(testDoc(t, "test", "1", "alpha"), PriorityUser))
	assert.False(t, res.Unchanged)
	_, ok, err := h.index.Get(waitCtx(t), "test/1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_LedgerRebuiltAfterRestart(t *testing.T) {
	// Given: a delete committed to the index but never to the ledger
	h := newLedgerHarness(t)
	ctx := waitCtx(t)
	first := h.start(t, h.ledger)
	commit(t, first, Upsert(testDoc(t, "test", "1", "alpha"), PriorityUser))
	commit(t, first, Upsert(testDoc(t, "test", "2", "beta"), PriorityUser))
	h.ledger.setFailures(-1)
	commit(t, first, Delete("test/1", PriorityUser))
	require.NoError(t, first.Stop(ctx))

	// When: the next process reconciles the ledger before indexing
	rebuilt, err := store.ReconcileLedger(ctx, h.index, h.meta, nil)

	// Then: the ledger matches the index again
	require.NoError(t, err)
	assert.True(t, rebuilt)
	_, ok, err := h.meta.Hash(ctx, "test/1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = h.meta.Hash(ctx, "test/2")
	require.NoError(t, err)
	assert.True(t, ok)

	// And: the same content indexes again
	second := h.start(t, h.meta)
	res := commit(t, second, Upsert(testDoc(t, "test", "1", "alpha"), PriorityUser))
	assert.False(t, res.Unchanged)
	_, ok, err = h.index.Get(ctx, "test/1")
	require.NoError(t, err)
	assert.True(t, ok)
}

// gatedCommitter holds the first commit until released, then fails it.
type gatedCommitter struct {
	inner   Committer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedCommitter) Commit(ctx context.Context, ops []store.Op) (store.CommitID, error) {
	gated := false
	g.once.Do(func() { gated = true })
	if !gated {
		return g.inner.Commit(ctx, ops)
	}
	close(g.entered)
	<-g.release
	return 0, errors.ErrIndexUnwritable
}

func TestManager_DuplicateOfInflightShareItsOutcome(t *testing.T) {
	// Given: a commit in flight that is about to fail
	h := newLedgerHarness(t)
	gc := &gatedCommitter{inner: h.index, entered: make(chan struct{}), release: make(chan struct{})}
	mgr, err := NewManager(gc, h.meta, testConfig())
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx)
	})
	ctx := waitCtx(t)

	first, err := mgr.Enqueue(ctx, Upsert(testDoc(t, "test", "1", "alpha"), PriorityUser))
	require.NoError(t, err)
	<-gc.entered

	// When: identical content arrives while it is in flight
	second, err := mgr.Enqueue(ctx, Upsert(testDoc(t, "test", "1", "alpha"), PriorityUser))
	require.NoError(t, err)

	// Then: it is not reported unchanged before the commit settles
	select {
	case <-second.Done():
		t.Fatal("duplicate resolved before the in-flight commit settled")
	default:
	}

	// And: both see the commit failure
	close(gc.release)
	_, err = first.Wait(ctx)
	assert.True(t, errors.IsFatal(err))
	res, err := second.Wait(ctx)
	assert.True(t, errors.IsFatal(err))
	assert.False(t, res.Unchanged)
	_, ok, err := h.index.Get(ctx, "test/1")
	require.NoError(t, err)
	assert.False(t, ok)
}
