package provider

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/store"
)

// StateStore persists per-source cursors and health.
type StateStore interface {
	LoadProviderState(ctx context.Context, source string) (store.ProviderState, bool, error)
	SaveProviderState(ctx context.Context, st store.ProviderState) error
}

var _ StateStore = (*store.MetaStore)(nil)

// Config tunes fan-out and failure isolation.
type Config struct {
	// MaxConcurrent caps adapter calls in flight; excess calls wait.
	MaxConcurrent int
	// FetchTimeout bounds one adapter's whole fetch.
	FetchTimeout time.Duration
	// FailureThreshold is the number of consecutive failures that opens
	// a source's circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit skips its source.
	Cooldown time.Duration
	// Limits are applied when normalizing documents.
	Limits document.Limits
}

// DefaultConfig returns the fan-out defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    4,
		FetchTimeout:     30 * time.Second,
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		Limits:           document.DefaultLimits(),
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time.Now for breakers and timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// entry is one registered adapter with its breaker and persisted state.
type entry struct {
	adapter Adapter
	breaker *errors.CircuitBreaker

	mu       sync.Mutex
	state    store.ProviderState
	fetching bool
	watching bool
}

// Manager is the typed registry and fan-out coordinator.
type Manager struct {
	cfg    Config
	states StateStore
	logger *slog.Logger
	now    func() time.Time
	sem    *semaphore.Weighted

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewManager creates an empty registry. states may be nil, in which case
// cursors and health live only in memory.
func NewManager(cfg Config, states StateStore, opts ...Option) *Manager {
	d := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = d.MaxConcurrent
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = d.FetchTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	if cfg.Limits.MaxBodyBytes <= 0 {
		cfg.Limits.MaxBodyBytes = d.Limits.MaxBodyBytes
	}
	if cfg.Limits.Now == nil {
		cfg.Limits.Now = d.Limits.Now
	}
	m := &Manager{
		cfg:     cfg,
		states:  states,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	return m
}

// Register adds an adapter and restores its persisted state. A source whose
// last recorded failures reached the threshold starts with an open circuit.
func (m *Manager) Register(ctx context.Context, a Adapter) error {
	source := a.Source()
	if source == "" {
		return errors.New(errors.ErrCodeInvalidInput, "adapter source name is required", nil)
	}

	st := store.ProviderState{Source: source, Healthy: true}
	if m.states != nil {
		loaded, _, err := m.states.LoadProviderState(ctx, source)
		if err != nil {
			return fmt.Errorf("load state for %s: %w", source, err)
		}
		st = loaded
	}

	e := &entry{adapter: a, state: st}
	e.breaker = errors.NewCircuitBreaker(source,
		errors.WithMaxFailures(m.cfg.FailureThreshold),
		errors.WithResetTimeout(m.cfg.Cooldown),
		errors.WithClock(m.now),
		errors.WithStateChange(func(name string, from, to errors.State) {
			m.logger.Warn("provider_circuit_changed",
				slog.String("source", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}))
	for i := 0; i < st.ConsecutiveFailures && i < m.cfg.FailureThreshold; i++ {
		e.breaker.RecordFailure()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.entries[source]; dup {
		return errors.Newf(errors.ErrCodeInvalidInput, "provider %q already registered", source)
	}
	m.entries[source] = e
	m.logger.Info("provider_registered", slog.String("source", source))
	return nil
}

// Sources lists registered source names in order.
func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for s := range m.entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) lookup(sources []string) ([]*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(sources) == 0 {
		out := make([]*entry, 0, len(m.entries))
		for _, e := range m.entries {
			out = append(out, e)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].adapter.Source() < out[j].adapter.Source() })
		return out, nil
	}
	out := make([]*entry, 0, len(sources))
	for _, s := range sources {
		e, ok := m.entries[s]
		if !ok {
			return nil, errors.Newf(errors.ErrCodeUnknownProvider, "unknown provider %q", s).
				WithSuggestion("Run 'unisearch status' to list configured sources")
		}
		out = append(out, e)
	}
	return out, nil
}

// Cycle is one fan-out fetch in progress. Callers must drain Items; Report
// blocks until every adapter has finished or timed out.
type Cycle struct {
	items chan Item
	done  chan struct{}

	report CycleReport
}

// Items streams normalized changes from all sources. It is closed when the
// cycle ends.
func (c *Cycle) Items() <-chan Item { return c.items }

// Report waits for the cycle to end and returns its summary.
func (c *Cycle) Report() CycleReport {
	<-c.done
	return c.report
}

// FetchAll fetches from every registered source (or the named ones)
// concurrently. One source failing or timing out never affects the others;
// its failure is recorded in its health and in the report.
func (m *Manager) FetchAll(ctx context.Context, sources ...string) (*Cycle, error) {
	entries, err := m.lookup(sources)
	if err != nil {
		return nil, err
	}

	c := &Cycle{
		items:  make(chan Item),
		done:   make(chan struct{}),
		report: CycleReport{Started: m.now()},
	}
	reports := make([]SourceReport, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			reports[i] = m.fetchOne(ctx, e, c.items)
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(c.items)
		c.report.Sources = reports
		c.report.Duration = m.now().Sub(c.report.Started)
		m.logger.Info("provider_cycle_completed",
			slog.Int("sources", len(reports)),
			slog.Int("items", c.report.Total()),
			slog.Int("failed", len(c.report.Failed())),
			slog.Duration("duration", c.report.Duration))
		close(c.done)
	}()
	return c, nil
}

func (m *Manager) fetchOne(ctx context.Context, e *entry, out chan<- Item) SourceReport {
	source := e.adapter.Source()
	rep := SourceReport{Source: source}

	e.mu.Lock()
	if e.fetching {
		e.mu.Unlock()
		rep.Skipped = true
		return rep
	}
	e.fetching = true
	cursor := e.state.Cursor
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.fetching = false
		e.mu.Unlock()
	}()

	if !e.breaker.Allow() {
		rep.Skipped = true
		m.logger.Debug("provider_skipped", slog.String("source", source), slog.String("circuit", e.breaker.State().String()))
		return rep
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.settle(ctx, e, &rep, "", err, true)
		return rep
	}
	defer m.sem.Release(1)

	start := m.now()
	fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	next, err := m.consume(fctx, e, cursor, out, &rep)
	rep.Duration = m.now().Sub(start)
	if err != nil && fctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = errors.New(errors.ErrCodeProviderTimeout, "provider fetch timed out", err).
			WithDetail("source", source).
			WithDetail("timeout", m.cfg.FetchTimeout.String())
	}
	m.settle(ctx, e, &rep, next, err, false)
	return rep
}

// consume reads one adapter's channels until it completes, fails or ctx ends.
func (m *Manager) consume(ctx context.Context, e *entry, cursor string, out chan<- Item, rep *SourceReport) (string, error) {
	records, errs := e.adapter.Fetch(ctx, cursor)
	var next string
	completed := false

	for records != nil || errs != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if sc, done := IsSyncComplete(err); done {
				next, completed = sc.NextCursor, true
				continue
			}
			if err != nil {
				return "", err
			}
		case rec, ok := <-records:
			if !ok {
				records = nil
				continue
			}
			item, err := m.normalize(e.adapter, rec)
			if err != nil {
				rep.Dropped++
				m.logger.Warn("provider_record_dropped",
					slog.String("source", e.adapter.Source()),
					slog.String("record", rec.ID),
					slog.String("reason", err.Error()))
				continue
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			if item.Deleted() {
				rep.Deleted++
			} else {
				rep.Fetched++
			}
		}
	}
	if !completed {
		// Channels closed without a cursor: keep the previous one.
		next = cursor
	}
	return next, nil
}

// normalize applies the adapter mapping and the canonical document rules.
func (m *Manager) normalize(a Adapter, rec RawRecord) (Item, error) {
	source := a.Source()
	if rec.Deleted {
		if rec.ID == "" {
			return Item{}, stderrors.New("deletion without record id")
		}
		return Item{Source: source, Key: document.Key(source, rec.ID)}, nil
	}

	doc, err := a.Normalize(rec)
	if err != nil {
		return Item{}, err
	}
	if doc.Source == "" {
		doc.Source = source
	}
	if doc.Source != source {
		return Item{}, fmt.Errorf("record claims source %q", doc.Source)
	}
	doc, err = document.Normalize(doc, m.cfg.Limits)
	if err != nil {
		return Item{}, err
	}
	return Item{Source: source, Key: doc.Key(), Doc: &doc}, nil
}

// settle records a fetch outcome on the breaker and persists state.
// Must be called without e.mu held.
func (m *Manager) settle(ctx context.Context, e *entry, rep *SourceReport, next string, err error, aborted bool) {
	source := e.adapter.Source()
	now := m.now()

	e.mu.Lock()
	st := e.state
	st.LastSyncAt = now.UnixMilli()
	st.RecordsDropped += int64(rep.Dropped)
	switch {
	case err == nil:
		e.breaker.RecordSuccess()
		rep.NextCursor = next
		st.ConsecutiveFailures = 0
		st.LastError = ""
		st.LastSuccessAt = now.UnixMilli()
		st.DocsSynced += int64(rep.Fetched + rep.Deleted)
	case aborted || ctx.Err() != nil:
		// Caller cancellation says nothing about the source.
		e.breaker.Abandon()
		rep.Error = err.Error()
	default:
		e.breaker.RecordFailure()
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		rep.Error = err.Error()
	}
	st.Healthy = e.breaker.State() == errors.StateClosed
	e.state = st
	e.mu.Unlock()

	if err != nil && !aborted && ctx.Err() == nil {
		m.logger.Warn("provider_fetch_failed",
			slog.String("source", source),
			slog.Int("consecutive_failures", st.ConsecutiveFailures),
			errors.Attr(err))
	} else if err == nil {
		m.logger.Info("provider_fetch_completed",
			slog.String("source", source),
			slog.Int("fetched", rep.Fetched),
			slog.Int("deleted", rep.Deleted),
			slog.Int("dropped", rep.Dropped),
			slog.Duration("duration", rep.Duration))
	}

	if m.states == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := m.states.SaveProviderState(sctx, st); serr != nil {
		m.logger.Warn("provider_state_save_failed", slog.String("source", source), slog.String("error", serr.Error()))
	}
}

// Health returns the state of one source.
func (m *Manager) Health(source string) (Health, bool) {
	m.mu.RLock()
	e, ok := m.entries[source]
	m.mu.RUnlock()
	if !ok {
		return Health{}, false
	}
	return e.health(), true
}

// HealthAll returns every source's state, by name.
func (m *Manager) HealthAll() []Health {
	entries, _ := m.lookup(nil)
	out := make([]Health, len(entries))
	for i, e := range entries {
		out[i] = e.health()
	}
	return out
}

// HealthyRatio is the fraction of sources with a closed circuit. With no
// sources registered it is 1.
func (m *Manager) HealthyRatio() float64 {
	all := m.HealthAll()
	if len(all) == 0 {
		return 1
	}
	healthy := 0
	for _, h := range all {
		if h.Healthy {
			healthy++
		}
	}
	return float64(healthy) / float64(len(all))
}

func (e *entry) health() Health {
	circuit := e.breaker.State()
	e.mu.Lock()
	defer e.mu.Unlock()
	h := Health{
		Source:              e.adapter.Source(),
		Healthy:             circuit == errors.StateClosed,
		Circuit:             circuit.String(),
		LastError:           e.state.LastError,
		ConsecutiveFailures: e.state.ConsecutiveFailures,
		DocsSynced:          e.state.DocsSynced,
		RecordsDropped:      e.state.RecordsDropped,
		Watching:            e.watching,
	}
	if e.state.LastSuccessAt > 0 {
		h.LastSuccessAt = time.UnixMilli(e.state.LastSuccessAt).UTC()
	}
	if e.state.LastSyncAt > 0 {
		h.LastSyncAt = time.UnixMilli(e.state.LastSyncAt).UTC()
	}
	return h
}

// CheckHealth probes every source whose circuit admits a call and records
// the outcome as it would a fetch. It returns the probe errors by source.
func (m *Manager) CheckHealth(ctx context.Context) map[string]error {
	entries, _ := m.lookup(nil)
	results := make(map[string]error, len(entries))
	var mu sync.Mutex

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			source := e.adapter.Source()
			if !e.breaker.Allow() {
				mu.Lock()
				results[source] = errors.ErrCircuitOpen
				mu.Unlock()
				return nil
			}
			if err := m.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer m.sem.Release(1)

			hctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
			err := e.adapter.HealthCheck(hctx)
			cancel()

			rep := SourceReport{Source: source}
			m.settleProbe(ctx, e, &rep, err)
			mu.Lock()
			results[source] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// settleProbe records a health-check outcome without touching the cursor.
func (m *Manager) settleProbe(ctx context.Context, e *entry, rep *SourceReport, err error) {
	e.mu.Lock()
	cursor := e.state.Cursor
	e.mu.Unlock()
	m.settle(ctx, e, rep, cursor, err, false)
}

// CommitCursor records where source resumes. Call it with a cycle's
// NextCursor once that cycle's items are durable; until then a restart
// fetches them again.
func (m *Manager) CommitCursor(ctx context.Context, source, cursor string) error {
	return m.setCursor(ctx, source, cursor)
}

// ResetCursor clears a source's cursor so the next fetch is a full resync.
func (m *Manager) ResetCursor(ctx context.Context, source string) error {
	return m.setCursor(ctx, source, "")
}

func (m *Manager) setCursor(ctx context.Context, source, cursor string) error {
	entries, err := m.lookup([]string{source})
	if err != nil {
		return err
	}
	e := entries[0]
	e.mu.Lock()
	e.state.Cursor = cursor
	st := e.state
	e.mu.Unlock()
	if m.states == nil {
		return nil
	}
	return m.states.SaveProviderState(ctx, st)
}

// Subscribe starts live watches on every adapter that implements Watcher
// and delivers normalized items to sink until ctx ends. It returns the
// number of watches started. sink is called from watch goroutines.
func (m *Manager) Subscribe(ctx context.Context, sink func(Item)) (int, error) {
	entries, _ := m.lookup(nil)
	started := 0
	for _, e := range entries {
		w, ok := e.adapter.(Watcher)
		if !ok {
			continue
		}
		ch, err := w.Watch(ctx)
		if err != nil {
			m.logger.Warn("provider_watch_failed", slog.String("source", e.adapter.Source()), slog.String("error", err.Error()))
			continue
		}
		started++
		e.mu.Lock()
		e.watching = true
		e.mu.Unlock()
		go m.forward(ctx, e, ch, sink)
	}
	return started, nil
}

func (m *Manager) forward(ctx context.Context, e *entry, ch <-chan RawRecord, sink func(Item)) {
	defer func() {
		e.mu.Lock()
		e.watching = false
		e.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			item, err := m.normalize(e.adapter, rec)
			if err != nil {
				e.mu.Lock()
				e.state.RecordsDropped++
				e.mu.Unlock()
				m.logger.Warn("provider_record_dropped",
					slog.String("source", e.adapter.Source()),
					slog.String("record", rec.ID),
					slog.String("reason", err.Error()))
				continue
			}
			sink(item)
		}
	}
}
