package search

import (
	"context"
	"log/slog"
	"os"

	"github.com/Aman-CERP/unisearch/internal/config"
	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/indexing"
	"github.com/Aman-CERP/unisearch/internal/perf"
	"github.com/Aman-CERP/unisearch/internal/provider"
	"github.com/Aman-CERP/unisearch/internal/provider/filesystem"
	"github.com/Aman-CERP/unisearch/internal/provider/github"
)

// SyncReport summarizes one SyncProviders call.
type SyncReport struct {
	provider.CycleReport
	Enqueued int `json:"enqueued"`
	Rejected int `json:"rejected"`
}

// RegisterAdapter adds a source. Its persisted cursor and health are restored.
func (e *Engine) RegisterAdapter(ctx context.Context, a provider.Adapter) error {
	if e.closed.Load() {
		return errors.ErrEngineClosed
	}
	return e.providers.Register(ctx, a)
}

// SyncProviders fetches changes from every registered source (or the named
// ones), queues them at sync priority and waits for them to commit. A
// source's cursor advances only once all of its changes are in the index,
// so a crash mid-sync fetches them again. A failing source is isolated and
// reported; the others still sync.
func (e *Engine) SyncProviders(ctx context.Context, sources ...string) (SyncReport, error) {
	if err := e.requireStarted(); err != nil {
		return SyncReport{}, err
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	cycle, err := e.providers.FetchAll(ctx, sources...)
	if err != nil {
		return SyncReport{}, err
	}

	var rep SyncReport
	pending := newPendingSync()
	batchSize := e.cfg.Indexing.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	batch := make([]indexing.Task, 0, batchSize)
	owners := make([]string, 0, batchSize)
	flush := func() {
		if len(batch) > 0 {
			e.enqueueSync(ctx, batch, owners, &rep, pending)
			batch, owners = batch[:0], owners[:0]
		}
	}
	// Items must be drained even after ctx ends so the cycle can finish.
	for it := range cycle.Items() {
		if ctx.Err() != nil {
			rep.Rejected++
			pending.rejected[it.Source] = true
			continue
		}
		batch = append(batch, taskFor(it))
		owners = append(owners, it.Source)
		if len(batch) >= batchSize {
			flush()
		}
	}
	flush()

	rep.CycleReport = cycle.Report()
	for _, s := range rep.Sources {
		if !s.Skipped {
			e.monitor.RecordLatency(perf.StageFetch, s.Duration)
		}
	}
	e.commitCursors(ctx, rep.Sources, pending)

	failed := rep.Failed()
	e.degraded.Store(len(failed) > 0)
	cycleRep := rep.CycleReport
	e.lastCycle.Store(&cycleRep)

	e.logger.Info("providers_synced",
		slog.Int("sources", len(rep.Sources)),
		slog.Int("enqueued", rep.Enqueued),
		slog.Int("rejected", rep.Rejected),
		slog.Int("failed", len(failed)))
	return rep, ctx.Err()
}

// pendingSync tracks one cycle's tickets by source.
type pendingSync struct {
	tickets  map[string][]*indexing.Ticket
	rejected map[string]bool
}

func newPendingSync() *pendingSync {
	return &pendingSync{
		tickets:  make(map[string][]*indexing.Ticket),
		rejected: make(map[string]bool),
	}
}

// commitCursors advances each cleanly fetched source once its tickets have
// committed. A source with a rejected or failed task keeps its old cursor.
func (e *Engine) commitCursors(ctx context.Context, sources []provider.SourceReport, pending *pendingSync) {
	for _, s := range sources {
		if s.Skipped || s.Error != "" {
			continue
		}
		if pending.rejected[s.Source] {
			e.logger.Warn("sync_cursor_held",
				slog.String("source", s.Source),
				slog.String("reason", "changes not queued"))
			continue
		}
		if tickets := pending.tickets[s.Source]; len(tickets) > 0 {
			if _, err := e.indexer.Await(ctx, tickets); err != nil {
				e.logger.Warn("sync_cursor_held",
					slog.String("source", s.Source),
					errors.Attr(err))
				continue
			}
		}
		if err := e.providers.CommitCursor(ctx, s.Source, s.NextCursor); err != nil {
			e.logger.Warn("sync_cursor_save_failed",
				slog.String("source", s.Source),
				errors.Attr(err))
		}
	}
}

func taskFor(it provider.Item) indexing.Task {
	if it.Deleted() {
		return indexing.Delete(it.Key, indexing.PrioritySync)
	}
	return indexing.Upsert(it.Doc, indexing.PrioritySync)
}

// enqueueSync queues tasks, waiting for queue capacity when the sync
// high-water mark is reached instead of dropping changes. owners[i] is the
// source of tasks[i].
func (e *Engine) enqueueSync(ctx context.Context, tasks []indexing.Task, owners []string, rep *SyncReport, pending *pendingSync) {
	idx := make([]int, len(tasks))
	for i := range idx {
		idx[i] = i
	}
	reject := func(left []int) {
		rep.Rejected += len(left)
		for _, i := range left {
			pending.rejected[owners[i]] = true
		}
	}
	for len(idx) > 0 {
		batch := make([]indexing.Task, len(idx))
		for j, i := range idx {
			batch[j] = tasks[i]
		}
		tickets, err := e.indexer.EnqueueBatch(ctx, batch)
		var retry []int
		for j, i := range idx {
			if j < len(tickets) && tickets[j] != nil {
				rep.Enqueued++
				pending.tickets[owners[i]] = append(pending.tickets[owners[i]], tickets[j])
				continue
			}
			retry = append(retry, i)
		}
		if err == nil || !errors.IsResourceExhausted(err) {
			if err != nil {
				e.logger.Warn("sync_enqueue_failed", errors.Attr(err))
				reject(retry)
			}
			return
		}
		if werr := e.indexer.WaitForCapacity(ctx, indexing.PrioritySync); werr != nil {
			reject(retry)
			return
		}
		idx = retry
	}
}

// applyLive queues one change pushed by a watching adapter.
func (e *Engine) applyLive(ctx context.Context, it provider.Item) {
	if _, err := e.indexer.Enqueue(ctx, taskFor(it)); err != nil {
		e.logger.Warn("live_change_dropped",
			slog.String("key", it.Key),
			slog.String("error", err.Error()))
	}
}

// LastSync returns the report of the most recent sync, if any.
func (e *Engine) LastSync() (provider.CycleReport, bool) {
	r := e.lastCycle.Load()
	if r == nil {
		return provider.CycleReport{}, false
	}
	return *r, true
}

// unwatched hides the Watcher side of an adapter configured with watch off.
type unwatched struct {
	provider.Adapter
}

// registerConfigured builds and registers the adapters named in the config.
func (e *Engine) registerConfigured(ctx context.Context) error {
	for _, src := range e.cfg.Providers.Filesystem {
		a, err := filesystem.New(filesystem.Config{
			Name:       src.Name,
			Root:       config.ExpandPath(src.Root),
			Extensions: src.Extensions,
			Logger:     e.logger,
		})
		if err != nil {
			return err
		}
		var adapter provider.Adapter = a
		if !src.Watch {
			adapter = unwatched{a}
		}
		if err := e.providers.Register(ctx, adapter); err != nil {
			return err
		}
	}
	for _, src := range e.cfg.Providers.GitHub {
		var token string
		if src.TokenEnv != "" {
			token = os.Getenv(src.TokenEnv)
		}
		a, err := github.New(ctx, github.Config{
			Name:    src.Name,
			Owner:   src.Owner,
			Repo:    src.Repo,
			Token:   token,
			BaseURL: src.BaseURL,
			Logger:  e.logger,
		})
		if err != nil {
			return err
		}
		if err := e.providers.Register(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
