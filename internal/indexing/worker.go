package indexing

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/store"
)

// worker owns every key that hashes to it, so one key never has two
// batches in flight.
type worker struct {
	id int
	m  *Manager

	mu sync.Mutex
	q  *queue
	// inflight holds items of the batch being committed.
	inflight map[string]*item
	// gen increases after every batch settles.
	gen uint64

	wake chan struct{}
}

func newWorker(id int, m *Manager) *worker {
	return &worker{
		id:       id,
		m:        m,
		q:        newQueue(),
		inflight: make(map[string]*item),
		wake:     make(chan struct{}, 1),
	}
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// enqueue applies change detection, coalescing and backpressure.
func (w *worker) enqueue(ctx context.Context, t Task, prefetched map[string]string) (*Ticket, error) {
	m := w.m
	key := t.key()

	for attempt := 0; ; attempt++ {
		w.mu.Lock()
		gen := w.gen
		w.mu.Unlock()

		knownHash, exists := m.known(ctx, key, prefetched)

		w.mu.Lock()
		if w.gen != gen && attempt < 2 {
			// A batch settled meanwhile; the looked-up hash may be stale.
			w.mu.Unlock()
			prefetched = nil
			continue
		}
		tk, admitted, err := w.admitLocked(t, key, knownHash, exists)
		w.mu.Unlock()

		if admitted {
			w.signal()
			m.notifyChanged()
		}
		return tk, err
	}
}

// Must be called with w.mu held.
func (w *worker) admitLocked(t Task, key, knownHash string, exists bool) (*Ticket, bool, error) {
	m := w.m
	tk := newTicket(newTaskID())

	if p, ok := w.q.get(key); ok {
		if t.Kind == p.task.Kind && (t.Kind == store.OpDelete || t.hash() == p.task.hash()) {
			same := p.task
			same.Priority = t.Priority
			w.q.merge(p, same, tk)
		} else {
			w.q.merge(p, t, tk)
		}
		m.coalesced.Add(1)
		return tk, true, nil
	}

	// A task matching the batch in flight shares that batch's outcome, which
	// is not known until its commit settles.
	if in, ok := w.inflight[key]; ok {
		sameUpsert := t.Kind == store.OpUpsert && in.task.Kind == store.OpUpsert && t.hash() == in.task.hash()
		sameDelete := t.Kind == store.OpDelete && in.task.Kind == store.OpDelete
		if sameUpsert || sameDelete {
			in.waiters = append(in.waiters, tk)
			m.coalesced.Add(1)
			return tk, false, nil
		}
		exists = in.task.Kind == store.OpUpsert
		knownHash = in.task.hash()
	}
	switch {
	case t.Kind == store.OpUpsert && exists && knownHash == t.hash():
		m.unchanged.Add(1)
		tk.resolve(Result{Unchanged: true}, nil)
		return tk, false, nil
	case t.Kind == store.OpDelete && !exists:
		tk.resolve(Result{Missing: true}, nil)
		return tk, false, nil
	}

	if !m.hasCapacity(t.Priority) {
		m.rejected.Add(1)
		err := errors.New(errors.ErrCodeQueueSaturated, "indexing queue saturated", nil).
			WithDetail("priority", t.Priority.String()).
			WithSuggestion("Retry after the queue drains")
		return nil, false, err
	}

	w.q.push(&item{
		id:         tk.ID,
		task:       t,
		seq:        m.seq.Add(1),
		enqueuedAt: time.Now(),
		existed:    exists,
		waiters:    []*Ticket{tk},
	})
	m.depth.Add(1)
	return tk, true, nil
}

func (w *worker) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		w.mu.Lock()
		batch, wait := w.nextBatchLocked()
		w.mu.Unlock()

		if len(batch) > 0 {
			w.m.notifyChanged()
			w.process(ctx, batch)
			continue
		}

		var timeout <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			w.abandon()
			return
		case <-w.wake:
		case <-timeout:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// nextBatchLocked takes a batch when one is due, otherwise reports how long
// until the oldest item's refresh deadline. Zero wait means sleep until woken.
// Must be called with w.mu held.
func (w *worker) nextBatchLocked() ([]*item, time.Duration) {
	m := w.m
	n := w.q.len()
	if n == 0 || m.paused.Load() {
		return nil, 0
	}

	due := w.q.oldestAt.Add(m.cfg.RefreshInterval)
	now := time.Now()
	ready := n >= m.cfg.BatchSize ||
		w.q.hasUser() ||
		m.draining.Load() > 0 ||
		!now.Before(due)
	if !ready {
		return nil, due.Sub(now)
	}

	items := w.q.take(m.cfg.BatchSize)
	for _, it := range items {
		w.inflight[it.task.key()] = it
	}
	m.depth.Add(-int64(len(items)))
	m.active.Add(1)
	return items, 0
}

func (w *worker) process(ctx context.Context, items []*item) {
	m := w.m
	start := time.Now()

	ops := make([]store.Op, len(items))
	var upserts, deletes int
	sources := make(map[string]struct{})
	for i, it := range items {
		ops[i] = store.Op{
			Kind:    it.task.Kind,
			Key:     it.task.key(),
			Doc:     it.task.Doc,
			Replace: it.existed && it.task.Kind == store.OpUpsert,
		}
		if it.task.Kind == store.OpDelete {
			deletes++
		} else {
			upserts++
		}
		if src, _, ok := document.SplitKey(it.task.key()); ok {
			sources[src] = struct{}{}
		}
	}

	retry := m.cfg.Retry
	retry.ShouldRetry = func(err error) bool {
		return !errors.IsFatal(err) && ctx.Err() == nil
	}
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		m.logger.Warn("index_commit_retry",
			slog.Int("worker", w.id),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			errors.Attr(err))
	}

	attempts := 0
	id, err := errors.RetryWithResult(ctx, retry, func() (store.CommitID, error) {
		attempts++
		return m.index.Commit(ctx, ops)
	})

	if err == nil {
		changes := make([]store.HashChange, len(items))
		for i, it := range items {
			src, _, _ := document.SplitKey(it.task.key())
			changes[i] = store.HashChange{
				Key:     it.task.key(),
				Source:  src,
				Hash:    it.task.hash(),
				Deleted: it.task.Kind == store.OpDelete,
			}
			m.hashes.Add(it.task.key(), changes[i].Hash)
		}
		w.recordHashes(ctx, id, changes)
		m.committed.Add(int64(len(items)))
		m.commits.Add(1)
	} else {
		w.fail(ctx, items, err, attempts)
	}

	// Once out of inflight no waiter can join, so the lists below are final.
	w.mu.Lock()
	for _, it := range items {
		if w.inflight[it.task.key()] == it {
			delete(w.inflight, it.task.key())
		}
	}
	w.gen++
	w.mu.Unlock()
	m.active.Add(-1)

	for _, it := range items {
		for _, tk := range it.waiters {
			if err != nil {
				tk.resolve(Result{}, err)
			} else {
				tk.resolve(Result{CommitID: id}, nil)
			}
		}
	}

	if err == nil {
		ev := CommitEvent{
			ID:       id,
			Upserts:  upserts,
			Deletes:  deletes,
			Attempts: attempts,
			Duration: time.Since(start),
		}
		for src := range sources {
			ev.Sources = append(ev.Sources, src)
		}
		sort.Strings(ev.Sources)
		m.logger.Debug("index_batch_committed",
			slog.Int("worker", w.id),
			slog.Uint64("commit_id", uint64(id)),
			slog.Int("upserts", upserts),
			slog.Int("deletes", deletes),
			slog.Duration("duration", ev.Duration))
		if m.onCommit != nil {
			m.onCommit(ev)
		}
	}
	m.notifyChanged()
}

// recordHashes writes a published commit to the hash ledger, retrying with
// the commit backoff. When the ledger stays unwritable the hashes are pinned
// in memory so change detection stays correct in this process; the ledger is
// rebuilt from the index on the next start.
func (w *worker) recordHashes(ctx context.Context, id store.CommitID, changes []store.HashChange) {
	m := w.m
	retry := m.cfg.Retry
	retry.ShouldRetry = func(err error) bool { return !errors.IsFatal(err) }
	lctx := context.WithoutCancel(ctx)

	err := errors.Retry(lctx, retry, func() error {
		return m.ledger.ApplyCommit(lctx, id, changes)
	})
	if err == nil {
		m.unpin(changes)
		return
	}

	m.pin(changes)
	m.ledgerErrors.Add(1)
	m.setLastError(err)
	m.logger.Error("hash_ledger_update_failed",
		slog.Int("worker", w.id),
		slog.Uint64("commit_id", uint64(id)),
		slog.Int("changes", len(changes)),
		errors.Attr(err))
}

// fail records a batch that could not be committed. Batches cut short by
// shutdown are dropped, everything else goes to the dead-letter table.
func (w *worker) fail(ctx context.Context, items []*item, err error, attempts int) {
	m := w.m
	m.setLastError(err)

	if ctx.Err() != nil && (stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)) {
		m.logger.Warn("index_batch_abandoned", slog.Int("worker", w.id), slog.Int("tasks", len(items)))
		return
	}

	now := time.Now().UnixMilli()
	letters := make([]store.DeadLetter, 0, len(items))
	for _, it := range items {
		var payload []byte
		if it.task.Doc != nil {
			payload, _ = json.Marshal(it.task.Doc)
		}
		letters = append(letters, store.DeadLetter{
			ID:         it.id,
			DocKey:     it.task.key(),
			Operation:  it.task.Kind.String(),
			Priority:   int(it.task.Priority),
			Reason:     err.Error(),
			Attempts:   attempts,
			Payload:    string(payload),
			EnqueuedAt: it.enqueuedAt.UnixMilli(),
			FailedAt:   now,
		})
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if derr := m.ledger.AddDeadLetters(dctx, letters); derr != nil {
		m.logger.Error("dead_letter_write_failed",
			slog.Int("tasks", len(letters)),
			slog.String("error", derr.Error()))
		return
	}
	m.deadLetters.Add(int64(len(letters)))
	m.logger.Error("index_batch_dead_lettered",
		slog.Int("worker", w.id),
		slog.Int("tasks", len(letters)),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()))
}

// abandon fails everything still queued at shutdown.
func (w *worker) abandon() {
	w.mu.Lock()
	items := w.q.take(w.q.len())
	w.mu.Unlock()
	if len(items) == 0 {
		return
	}
	w.m.depth.Add(-int64(len(items)))
	for _, it := range items {
		for _, tk := range it.waiters {
			tk.resolve(Result{}, errors.ErrEngineClosed)
		}
	}
	w.m.logger.Warn("indexing_pending_dropped", slog.Int("worker", w.id), slog.Int("tasks", len(items)))
	w.m.notifyChanged()
}
