package indexing

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/store"
)

// Committer publishes batches to the index.
type Committer interface {
	Commit(ctx context.Context, ops []store.Op) (store.CommitID, error)
}

// Ledger is the metadata side-store: committed hashes and dead letters.
type Ledger interface {
	Hash(ctx context.Context, key string) (string, bool, error)
	Hashes(ctx context.Context, keys []string) (map[string]string, error)
	ApplyCommit(ctx context.Context, id store.CommitID, changes []store.HashChange) error
	AddDeadLetters(ctx context.Context, letters []store.DeadLetter) error
	CountDeadLetters(ctx context.Context) (int64, error)
	TakeDeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error)
}

// Compile-time interface checks.
var (
	_ Committer = (*store.IndexStore)(nil)
	_ Ledger    = (*store.MetaStore)(nil)
)

// Config tunes the pipeline.
type Config struct {
	Workers         int
	BatchSize       int
	RefreshInterval time.Duration
	// HighWaterMark is the depth at which bulk tasks are rejected. Sync
	// tasks are rejected at twice this depth; user tasks never are.
	HighWaterMark int
	Retry         errors.RetryConfig
	// HashCacheSize bounds the in-memory cache of committed hashes.
	HashCacheSize int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         2,
		BatchSize:       100,
		RefreshInterval: 60 * time.Second,
		HighWaterMark:   10000,
		Retry:           errors.DefaultRetryConfig(),
		HashCacheSize:   50000,
	}
}

// CommitEvent describes one published batch.
type CommitEvent struct {
	ID       store.CommitID
	Upserts  int
	Deletes  int
	Sources  []string
	Attempts int
	Duration time.Duration
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	QueueDepth  int            `json:"queue_depth"`
	ByPriority  map[string]int `json:"by_priority"`
	ActiveJobs  int            `json:"active_jobs"`
	Running     bool           `json:"running"`
	Paused      bool           `json:"paused"`
	LastError   string         `json:"last_error,omitempty"`
	LastErrorAt time.Time      `json:"last_error_at,omitempty"`
	Committed   int64          `json:"committed"`
	Commits     int64          `json:"commits"`
	Unchanged   int64          `json:"unchanged"`
	Coalesced   int64          `json:"coalesced"`
	Rejected    int64          `json:"rejected"`
	DeadLetters int64          `json:"dead_letters"`

	// LedgerErrors counts commits whose hashes could not be recorded.
	LedgerErrors int64 `json:"ledger_errors"`
	// Unrecorded is the number of keys whose committed hash lives only in
	// memory until the ledger is rebuilt.
	Unrecorded int `json:"unrecorded"`
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

// WithOnCommit registers a hook called after every published batch.
// The hook runs on the worker goroutine and must not block.
func WithOnCommit(fn func(CommitEvent)) Option {
	return func(m *Manager) { m.onCommit = fn }
}

// Manager owns the queues and workers.
type Manager struct {
	cfg      Config
	index    Committer
	ledger   Ledger
	logger   *slog.Logger
	hashes   *lru.Cache[string, string]
	onCommit func(CommitEvent)

	workers []*worker
	seq     atomic.Uint64
	depth   atomic.Int64
	active  atomic.Int64

	running  atomic.Bool
	closed   atomic.Bool
	paused   atomic.Bool
	draining atomic.Int32

	committed   atomic.Int64
	commits     atomic.Int64
	unchanged   atomic.Int64
	coalesced   atomic.Int64
	rejected    atomic.Int64
	deadLetters atomic.Int64

	ledgerErrors atomic.Int64
	pinMu        sync.Mutex
	// pinned holds hashes committed to the index but not to the ledger.
	pinned map[string]string

	errMu     sync.Mutex
	lastErr   string
	lastErrAt time.Time

	changeMu sync.Mutex
	changed  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a stopped manager. Call Start to run workers.
func NewManager(index Committer, ledger Ledger, cfg Config, opts ...Option) (*Manager, error) {
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = d.RefreshInterval
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = d.HighWaterMark
	}
	if cfg.HashCacheSize <= 0 {
		cfg.HashCacheSize = d.HashCacheSize
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry = d.Retry
	}

	cache, err := lru.New[string, string](cfg.HashCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create hash cache: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		index:   index,
		ledger:  ledger,
		logger:  slog.Default(),
		hashes:  cache,
		pinned:  make(map[string]string),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.workers = make([]*worker, cfg.Workers)
	for i := range m.workers {
		m.workers[i] = newWorker(i, m)
	}
	return m, nil
}

// Start launches the workers. It is a no-op if already running.
func (m *Manager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return errors.ErrEngineClosed
	}
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}
	if n, err := m.ledger.CountDeadLetters(ctx); err == nil {
		m.deadLetters.Store(n)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	for _, w := range m.workers {
		m.wg.Add(1)
		go func(w *worker) {
			defer m.wg.Done()
			w.run(ctx)
		}(w)
	}
	m.logger.Info("indexing_started",
		slog.Int("workers", m.cfg.Workers),
		slog.Int("batch_size", m.cfg.BatchSize),
		slog.Duration("refresh_interval", m.cfg.RefreshInterval))
	return nil
}

// Stop rejects new tasks, flushes what is queued within ctx, then stops
// the workers. Tasks still queued afterwards fail with ErrEngineClosed.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var drainErr error
	if m.running.Load() && !m.paused.Load() {
		drainErr = m.Drain(ctx)
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.running.Store(false)
	m.logger.Info("indexing_stopped", slog.Int64("committed", m.committed.Load()))
	return drainErr
}

// Enqueue submits one task. The returned ticket resolves once the task is
// committed, found unchanged, or fails.
func (m *Manager) Enqueue(ctx context.Context, t Task) (*Ticket, error) {
	if err := m.check(&t); err != nil {
		return nil, err
	}
	return m.route(t.key()).enqueue(ctx, t, nil)
}

// EnqueueBatch submits tasks, looking up committed hashes in one query.
// Rejected tasks have a nil ticket; the error is then ErrQueueSaturated.
func (m *Manager) EnqueueBatch(ctx context.Context, tasks []Task) ([]*Ticket, error) {
	for i := range tasks {
		if err := m.check(&tasks[i]); err != nil {
			return nil, err
		}
	}

	var lookup []string
	for _, t := range tasks {
		if _, ok := m.hashes.Peek(t.key()); !ok {
			lookup = append(lookup, t.key())
		}
	}
	var prefetched map[string]string
	if len(lookup) > 0 {
		var err error
		prefetched, err = m.ledger.Hashes(ctx, lookup)
		if err != nil {
			m.logger.Warn("hash_prefetch_failed", slog.String("error", err.Error()))
			prefetched = nil
		} else {
			// Keys absent from the ledger are known to be new.
			for _, k := range lookup {
				if _, ok := prefetched[k]; !ok {
					prefetched[k] = ""
				}
			}
		}
	}

	tickets := make([]*Ticket, len(tasks))
	var saturated error
	for i, t := range tasks {
		tk, err := m.route(t.key()).enqueue(ctx, t, prefetched)
		if err != nil {
			if errors.IsResourceExhausted(err) {
				saturated = err
				continue
			}
			return tickets, err
		}
		tickets[i] = tk
	}
	return tickets, saturated
}

func (m *Manager) check(t *Task) error {
	if m.closed.Load() {
		return errors.ErrEngineClosed
	}
	switch t.Kind {
	case store.OpUpsert:
		if t.Doc == nil {
			return errors.New(errors.ErrCodeInvalidDocument, "upsert without document", nil)
		}
		if t.Doc.ContentHash == "" {
			t.Doc.ContentHash = document.ComputeHash(t.Doc.Title, t.Doc.Body, t.Doc.UpdatedAt)
		}
		t.Key = t.Doc.Key()
	case store.OpDelete:
	default:
		return errors.Newf(errors.ErrCodeInvalidInput, "unknown task kind %d", t.Kind)
	}
	if _, _, ok := document.SplitKey(t.key()); !ok {
		return errors.Newf(errors.ErrCodeInvalidDocument, "invalid document key %q", t.key())
	}
	if t.Priority < PriorityBulk || t.Priority > PriorityUser {
		t.Priority = PriorityBulk
	}
	return nil
}

func (m *Manager) route(key string) *worker {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.workers[h.Sum32()%uint32(len(m.workers))]
}

// known returns the committed hash of key. A cached "" records a deleted key.
func (m *Manager) known(ctx context.Context, key string, prefetched map[string]string) (string, bool) {
	if h, ok := m.hashes.Get(key); ok {
		return h, h != ""
	}
	if h, ok := m.pinnedHash(key); ok {
		return h, h != ""
	}
	if prefetched != nil {
		if h, ok := prefetched[key]; ok {
			return h, h != ""
		}
	}
	h, ok, err := m.ledger.Hash(ctx, key)
	if err != nil {
		// Treat as new; the cost is one redundant reindex.
		m.logger.Warn("hash_lookup_failed", slog.String("key", key), slog.String("error", err.Error()))
		return "", false
	}
	return h, ok
}

// pin keeps committed hashes the ledger failed to record. A delete pins "".
func (m *Manager) pin(changes []store.HashChange) {
	m.pinMu.Lock()
	defer m.pinMu.Unlock()
	for _, c := range changes {
		m.pinned[c.Key] = c.Hash
	}
}

// unpin drops pins superseded by a recorded commit.
func (m *Manager) unpin(changes []store.HashChange) {
	m.pinMu.Lock()
	defer m.pinMu.Unlock()
	if len(m.pinned) == 0 {
		return
	}
	for _, c := range changes {
		delete(m.pinned, c.Key)
	}
}

func (m *Manager) pinnedHash(key string) (string, bool) {
	m.pinMu.Lock()
	defer m.pinMu.Unlock()
	h, ok := m.pinned[key]
	return h, ok
}

// hasCapacity applies the per-priority high-water marks.
func (m *Manager) hasCapacity(p Priority) bool {
	depth := m.depth.Load()
	hw := int64(m.cfg.HighWaterMark)
	switch p {
	case PriorityUser:
		return true
	case PrioritySync:
		return depth < 2*hw
	default:
		return depth < hw
	}
}

// WaitForCapacity blocks until a task of priority p would be admitted.
func (m *Manager) WaitForCapacity(ctx context.Context, p Priority) error {
	for {
		ch := m.changedCh()
		if m.hasCapacity(p) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drain forces queued tasks to commit now and waits until the queue is empty
// and no batch is in flight. A paused manager drains only after Resume.
func (m *Manager) Drain(ctx context.Context) error {
	if !m.running.Load() {
		if m.depth.Load() == 0 {
			return nil
		}
		return errors.Newf(errors.ErrCodeInternal, "indexing manager not running")
	}
	m.draining.Add(1)
	defer m.draining.Add(-1)
	m.wakeAll()

	for {
		ch := m.changedCh()
		if m.depth.Load() == 0 && m.active.Load() == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Await forces queued tasks to commit now and waits for tickets. Unlike
// Drain it does not wait for work queued by others. A paused manager
// returns at once with an error.
func (m *Manager) Await(ctx context.Context, tickets []*Ticket) ([]Result, error) {
	if m.paused.Load() {
		return nil, errors.Newf(errors.ErrCodeInternal, "indexing manager paused")
	}
	m.draining.Add(1)
	defer m.draining.Add(-1)
	m.wakeAll()
	return WaitAll(ctx, tickets)
}

// Pause stops workers from taking new batches. Enqueue keeps working.
func (m *Manager) Pause() {
	if m.paused.CompareAndSwap(false, true) {
		m.logger.Info("indexing_paused", slog.Int64("queue_depth", m.depth.Load()))
	}
}

// Resume restarts batch processing.
func (m *Manager) Resume() {
	if m.paused.CompareAndSwap(true, false) {
		m.logger.Info("indexing_resumed", slog.Int64("queue_depth", m.depth.Load()))
		m.wakeAll()
	}
}

// Status reports queue depth, activity and counters.
func (m *Manager) Status() Status {
	s := Status{
		QueueDepth:  int(m.depth.Load()),
		ActiveJobs:  int(m.active.Load()),
		Running:     m.running.Load(),
		Paused:      m.paused.Load(),
		Committed:   m.committed.Load(),
		Commits:     m.commits.Load(),
		Unchanged:   m.unchanged.Load(),
		Coalesced:   m.coalesced.Load(),
		Rejected:    m.rejected.Load(),
		DeadLetters: m.deadLetters.Load(),
		ByPriority:  make(map[string]int, 3),

		LedgerErrors: m.ledgerErrors.Load(),
	}
	m.pinMu.Lock()
	s.Unrecorded = len(m.pinned)
	m.pinMu.Unlock()
	for _, w := range m.workers {
		w.mu.Lock()
		for p := PriorityBulk; p <= PriorityUser; p++ {
			s.ByPriority[p.String()] += w.q.byPrio[p]
		}
		w.mu.Unlock()
	}
	m.errMu.Lock()
	s.LastError, s.LastErrorAt = m.lastErr, m.lastErrAt
	m.errMu.Unlock()
	return s
}

// RetryDeadLetters re-enqueues up to limit dead letters at sync priority.
func (m *Manager) RetryDeadLetters(ctx context.Context, limit int) (int, error) {
	letters, err := m.ledger.TakeDeadLetters(ctx, limit)
	if err != nil {
		return 0, err
	}
	m.deadLetters.Add(-int64(len(letters)))

	tasks := make([]Task, 0, len(letters))
	origin := make([]store.DeadLetter, 0, len(letters))
	for _, l := range letters {
		switch l.Operation {
		case store.OpDelete.String():
			tasks = append(tasks, Delete(l.DocKey, PrioritySync))
		default:
			var doc document.Document
			if err := json.Unmarshal([]byte(l.Payload), &doc); err != nil {
				m.logger.Warn("dead_letter_undecodable", slog.String("id", l.ID), slog.String("error", err.Error()))
				continue
			}
			tasks = append(tasks, Upsert(&doc, PrioritySync))
		}
		origin = append(origin, l)
	}

	tickets, err := m.EnqueueBatch(ctx, tasks)
	var requeue []store.DeadLetter
	for i := range tasks {
		if i >= len(tickets) || tickets[i] == nil {
			requeue = append(requeue, origin[i])
		}
	}
	if len(requeue) > 0 {
		if addErr := m.ledger.AddDeadLetters(ctx, requeue); addErr == nil {
			m.deadLetters.Add(int64(len(requeue)))
		}
	}
	enqueued := len(tasks) - len(requeue)
	m.logger.Info("dead_letters_retried", slog.Int("enqueued", enqueued), slog.Int("requeued", len(requeue)))
	return enqueued, err
}

func (m *Manager) setLastError(err error) {
	m.errMu.Lock()
	m.lastErr = err.Error()
	m.lastErrAt = time.Now()
	m.errMu.Unlock()
}

func (m *Manager) wakeAll() {
	for _, w := range m.workers {
		w.signal()
	}
}

// changedCh returns a channel closed on the next queue change.
func (m *Manager) changedCh() <-chan struct{} {
	m.changeMu.Lock()
	defer m.changeMu.Unlock()
	return m.changed
}

func (m *Manager) notifyChanged() {
	m.changeMu.Lock()
	close(m.changed)
	m.changed = make(chan struct{})
	m.changeMu.Unlock()
}

func newTaskID() string { return uuid.NewString() }
