package provider

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/store"
)

// fakeAdapter emits fixed records and can fail, hang or track concurrency.
type fakeAdapter struct {
	source  string
	records []RawRecord
	next    string
	err     error
	hang    bool
	delay   time.Duration

	calls    atomic.Int32
	inflight *atomic.Int32
	peak     *atomic.Int32

	mu      sync.Mutex
	cursors []string
	watch   chan RawRecord
}

func (f *fakeAdapter) Source() string { return f.source }

func (f *fakeAdapter) Fetch(ctx context.Context, cursor string) (<-chan RawRecord, <-chan error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.cursors = append(f.cursors, cursor)
	f.mu.Unlock()

	out := make(chan RawRecord)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		if f.inflight != nil {
			n := f.inflight.Add(1)
			defer f.inflight.Add(-1)
			for {
				p := f.peak.Load()
				if n <= p || f.peak.CompareAndSwap(p, n) {
					break
				}
			}
		}
		if f.hang {
			<-ctx.Done()
			return
		}
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		for _, r := range f.records {
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
		if f.err != nil {
			errs <- f.err
			return
		}
		errs <- &SyncComplete{NextCursor: f.next}
	}()
	return out, errs
}

func (f *fakeAdapter) Normalize(rec RawRecord) (document.Document, error) {
	title, _ := rec.Payload.(string)
	if title == "" {
		return document.Document{}, fmt.Errorf("record %s has no title", rec.ID)
	}
	return document.Document{ID: rec.ID, Title: title, Body: "body of " + rec.ID}, nil
}

func (f *fakeAdapter) HealthCheck(context.Context) error { return f.err }

func (f *fakeAdapter) Watch(ctx context.Context) (<-chan RawRecord, error) {
	if f.watch == nil {
		return nil, fmt.Errorf("watch unsupported")
	}
	return f.watch, nil
}

func rec(id, title string) RawRecord { return RawRecord{ID: id, Payload: title} }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openMeta(t *testing.T) *store.MetaStore {
	t.Helper()
	meta, err := store.OpenMeta(filepath.Join(t.TempDir(), "meta.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	return meta
}

// runCycle drains one FetchAll and returns the items by key.
func runCycle(t *testing.T, m *Manager, sources ...string) (map[string]Item, CycleReport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cycle, err := m.FetchAll(ctx, sources...)
	require.NoError(t, err)
	items := make(map[string]Item)
	for it := range cycle.Items() {
		items[it.Key] = it
	}
	return items, cycle.Report()
}

func reportFor(r CycleReport, source string) SourceReport {
	for _, s := range r.Sources {
		if s.Source == source {
			return s
		}
	}
	return SourceReport{}
}

func keys(items map[string]Item) []string {
	out := make([]string, 0, len(items))
	for k := range items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestFetchAll_IsolatesTimedOutProvider(t *testing.T) {
	// Given: three providers where one never finishes
	cfg := DefaultConfig()
	cfg.FetchTimeout = 50 * time.Millisecond
	cfg.FailureThreshold = 1
	m := NewManager(cfg, nil)
	ctx := context.Background()
	require.NoError(t, m.Register(ctx, &fakeAdapter{source: "mail", records: []RawRecord{rec("1", "hello")}}))
	require.NoError(t, m.Register(ctx, &fakeAdapter{source: "chat", records: []RawRecord{rec("2", "hi")}}))
	require.NoError(t, m.Register(ctx, &fakeAdapter{source: "docs", hang: true}))

	// When: fetching from all of them
	items, report := runCycle(t, m)

	// Then: the healthy providers' documents arrive
	assert.Equal(t, []string{"chat/2", "mail/1"}, keys(items))
	assert.Equal(t, "hello", items["mail/1"].Doc.Title)

	// And: the slow provider is reported and marked unhealthy
	assert.Equal(t, []string{"docs"}, report.Failed())
	slow := reportFor(report, "docs")
	assert.Contains(t, slow.Error, "timed out")
	h, ok := m.Health("docs")
	require.True(t, ok)
	assert.False(t, h.Healthy)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	healthy, _ := m.Health("mail")
	assert.True(t, healthy.Healthy)
	assert.InDelta(t, 2.0/3.0, m.HealthyRatio(), 0.001)
}

func TestFetchAll_CircuitBreakerHalfOpen(t *testing.T) {
	// Given: a failing provider with a threshold of two
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.Cooldown = time.Minute
	m := NewManager(cfg, nil, WithClock(clock.Now))
	flaky := &fakeAdapter{source: "mail", err: errors.ProviderError("connection refused", nil)}
	require.NoError(t, m.Register(context.Background(), flaky))

	// When: it fails twice
	runCycle(t, m)
	h, _ := m.Health("mail")
	assert.True(t, h.Healthy, "one failure stays below the threshold")
	runCycle(t, m)

	// Then: the circuit opens and the next cycle skips it
	h, _ = m.Health("mail")
	assert.False(t, h.Healthy)
	assert.Equal(t, "open", h.Circuit)
	_, report := runCycle(t, m)
	assert.True(t, reportFor(report, "mail").Skipped)
	assert.Equal(t, int32(2), flaky.calls.Load())

	// When: the cooldown passes and the source recovers
	clock.Advance(time.Minute)
	h, _ = m.Health("mail")
	assert.Equal(t, "half-open", h.Circuit)
	flaky.err = nil
	flaky.records = []RawRecord{rec("9", "back")}
	items, _ := runCycle(t, m)

	// Then: one probe runs and closes the circuit
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Contains(t, items, "mail/9")
	h, _ = m.Health("mail")
	assert.True(t, h.Healthy)
	assert.Zero(t, h.ConsecutiveFailures)
}

func TestFetchAll_ConcurrencyCap(t *testing.T) {
	// Given: five slow providers and a cap of two
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	m := NewManager(cfg, nil)
	var inflight, peak atomic.Int32
	for i := 0; i < 5; i++ {
		a := &fakeAdapter{
			source:   fmt.Sprintf("src%d", i),
			records:  []RawRecord{rec("1", "doc")},
			delay:    20 * time.Millisecond,
			inflight: &inflight,
			peak:     &peak,
		}
		require.NoError(t, m.Register(context.Background(), a))
	}

	// When: fetching all
	items, report := runCycle(t, m)

	// Then: every provider ran, never more than two at once
	assert.Len(t, items, 5)
	assert.Empty(t, report.Failed())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFetchAll_DropsMalformedRecords(t *testing.T) {
	// Given: a provider returning one good, one malformed and one deleted record
	m := NewManager(DefaultConfig(), nil)
	a := &fakeAdapter{source: "notes", records: []RawRecord{
		rec("1", "good"),
		rec("2", ""),
		{ID: "3", Deleted: true},
		{Deleted: true},
	}}
	require.NoError(t, m.Register(context.Background(), a))

	// When: fetching
	items, report := runCycle(t, m)

	// Then: bad records are dropped without failing the batch
	assert.Equal(t, []string{"notes/1", "notes/3"}, keys(items))
	assert.True(t, items["notes/3"].Deleted())
	assert.NotEmpty(t, items["notes/1"].Doc.ContentHash)
	r := reportFor(report, "notes")
	assert.Equal(t, 1, r.Fetched)
	assert.Equal(t, 1, r.Deleted)
	assert.Equal(t, 2, r.Dropped)
	assert.Empty(t, r.Error)
	h, _ := m.Health("notes")
	assert.Equal(t, int64(2), h.RecordsDropped)
	assert.Equal(t, int64(2), h.DocsSynced)
}

func TestFetchAll_PersistsCursorAndHealth(t *testing.T) {
	// Given: a provider backed by the metadata store
	meta := openMeta(t)
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	m := NewManager(cfg, meta)
	a := &fakeAdapter{source: "mail", records: []RawRecord{rec("1", "x")}, next: "c1"}
	require.NoError(t, m.Register(ctx, a))

	// When: a cycle runs and its cursor is committed, then another runs
	_, report := runCycle(t, m)
	assert.Equal(t, "c1", reportFor(report, "mail").NextCursor)
	require.NoError(t, m.CommitCursor(ctx, "mail", reportFor(report, "mail").NextCursor))
	runCycle(t, m)

	// Then: the second fetch resumed from the first cursor
	a.mu.Lock()
	assert.Equal(t, []string{"", "c1"}, a.cursors)
	a.mu.Unlock()
	st, ok, err := meta.LoadProviderState(ctx, "mail")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c1", st.Cursor)
	assert.True(t, st.Healthy)

	// When: the provider fails and the process restarts
	a.err = errors.ProviderError("down", nil)
	runCycle(t, m)
	restarted := NewManager(cfg, meta)
	b := &fakeAdapter{source: "mail", next: "c2"}
	require.NoError(t, restarted.Register(ctx, b))

	// Then: the failure and the cursor survive the restart
	h, _ := restarted.Health("mail")
	assert.False(t, h.Healthy)
	assert.Contains(t, h.LastError, "down")
	_, report = runCycle(t, restarted)
	assert.True(t, reportFor(report, "mail").Skipped)

	// When: the cursor is reset
	require.NoError(t, restarted.ResetCursor(ctx, "mail"))
	st, _, err = meta.LoadProviderState(ctx, "mail")
	require.NoError(t, err)
	assert.Empty(t, st.Cursor)
}

func TestFetchAll_CursorIsNotSavedUntilCommitted(t *testing.T) {
	// Given: a provider backed by the metadata store
	meta := openMeta(t)
	ctx := context.Background()
	m := NewManager(DefaultConfig(), meta)
	a := &fakeAdapter{source: "mail", records: []RawRecord{rec("1", "x")}, next: "c1"}
	require.NoError(t, m.Register(ctx, a))

	// When: a cycle completes but its items are never applied
	_, report := runCycle(t, m)

	// Then: the next cursor is reported and nothing was persisted
	assert.Equal(t, "c1", reportFor(report, "mail").NextCursor)
	st, ok, err := meta.LoadProviderState(ctx, "mail")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, st.Cursor)

	// And: a restarted manager fetches the same changes again
	restarted := NewManager(DefaultConfig(), meta)
	b := &fakeAdapter{source: "mail", records: []RawRecord{rec("1", "x")}, next: "c1"}
	require.NoError(t, restarted.Register(ctx, b))
	items, _ := runCycle(t, restarted)
	assert.Contains(t, items, "mail/1")
	b.mu.Lock()
	assert.Equal(t, []string{""}, b.cursors)
	b.mu.Unlock()
}

func TestNewManager_FillsUnsetLimits(t *testing.T) {
	// Given: limits with only the body cap set
	m := NewManager(Config{Limits: document.Limits{MaxBodyBytes: 10}}, nil)

	// Then: the cap is kept and the clock defaults
	assert.Equal(t, 10, m.cfg.Limits.MaxBodyBytes)
	assert.NotNil(t, m.cfg.Limits.Now)

	// When: no limits are given at all
	m = NewManager(Config{}, nil)

	// Then: the defaults apply
	assert.Equal(t, document.DefaultLimits().MaxBodyBytes, m.cfg.Limits.MaxBodyBytes)
	assert.NotNil(t, m.cfg.Limits.Now)
}

func TestFetchAll_RejectsUnknownSource(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)

	_, err := m.FetchAll(context.Background(), "nope")

	assert.Equal(t, errors.ErrCodeUnknownProvider, errors.GetCode(err))
}

func TestFetchAll_CallerCancelDoesNotCountAsFailure(t *testing.T) {
	// Given: a provider that never finishes
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	m := NewManager(cfg, nil)
	require.NoError(t, m.Register(context.Background(), &fakeAdapter{source: "docs", hang: true}))

	// When: the caller cancels the cycle
	ctx, cancel := context.WithCancel(context.Background())
	cycle, err := m.FetchAll(ctx)
	require.NoError(t, err)
	cancel()
	for range cycle.Items() {
	}
	cycle.Report()

	// Then: the provider is still healthy
	h, _ := m.Health("docs")
	assert.True(t, h.Healthy)
	assert.Zero(t, h.ConsecutiveFailures)
}

func TestRegister_Validation(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, &fakeAdapter{source: "mail"}))
	err := m.Register(ctx, &fakeAdapter{source: "mail"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
	err = m.Register(ctx, &fakeAdapter{})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
	assert.Equal(t, []string{"mail"}, m.Sources())
}

func TestCheckHealth(t *testing.T) {
	// Given: one healthy and one failing provider
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	m := NewManager(cfg, nil)
	ctx := context.Background()
	require.NoError(t, m.Register(ctx, &fakeAdapter{source: "ok"}))
	require.NoError(t, m.Register(ctx, &fakeAdapter{source: "bad", err: errors.ProviderError("unreachable", nil)}))

	// When: probing
	results := m.CheckHealth(ctx)

	// Then: the outcome is recorded per source
	assert.NoError(t, results["ok"])
	assert.Error(t, results["bad"])
	h, _ := m.Health("bad")
	assert.False(t, h.Healthy)

	// And: an open circuit is not probed again
	results = m.CheckHealth(ctx)
	assert.ErrorIs(t, results["bad"], errors.ErrCircuitOpen)
}

func TestSubscribe(t *testing.T) {
	// Given: one watching provider and one without watch support
	m := NewManager(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	live := &fakeAdapter{source: "notes", watch: make(chan RawRecord)}
	require.NoError(t, m.Register(ctx, live))
	require.NoError(t, m.Register(ctx, &fakeAdapter{source: "mail"}))

	got := make(chan Item, 4)
	n, err := m.Subscribe(ctx, func(it Item) { got <- it })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// When: changes arrive
	live.watch <- rec("a", "")
	live.watch <- rec("b", "live change")
	live.watch <- RawRecord{ID: "c", Deleted: true}

	// Then: normalized items reach the sink, malformed ones are dropped
	first := <-got
	assert.Equal(t, "notes/b", first.Key)
	second := <-got
	assert.Equal(t, "notes/c", second.Key)
	assert.True(t, second.Deleted())
	h, _ := m.Health("notes")
	assert.True(t, h.Watching)
	assert.Equal(t, int64(1), h.RecordsDropped)
}
