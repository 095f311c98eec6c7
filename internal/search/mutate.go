package search

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/indexing"
)

// queryLogRetention bounds how long the query log keeps rows; older rows are
// pruned when the index is optimized.
const queryLogRetention = 90 * 24 * time.Hour

// IndexDocument normalizes doc and waits until it is committed. Indexing a
// document whose content is unchanged is a no-op.
func (e *Engine) IndexDocument(ctx context.Context, doc document.Document) error {
	if err := e.requireStarted(); err != nil {
		return err
	}
	norm, err := document.Normalize(doc, e.limits)
	if err != nil {
		return err
	}
	ticket, err := e.indexer.Enqueue(ctx, indexing.Upsert(&norm, indexing.PriorityUser))
	if err != nil {
		return err
	}
	_, err = ticket.Wait(ctx)
	return err
}

// IndexBatch normalizes and commits docs, returning how many were written.
// Unchanged documents are not counted. Any invalid document rejects the
// whole batch before anything is queued.
func (e *Engine) IndexBatch(ctx context.Context, docs []document.Document) (int, error) {
	if err := e.requireStarted(); err != nil {
		return 0, err
	}
	tasks := make([]indexing.Task, 0, len(docs))
	for i, doc := range docs {
		norm, err := document.Normalize(doc, e.limits)
		if err != nil {
			if se, ok := errors.As(err); ok {
				return 0, se.WithDetail("index", strconv.Itoa(i))
			}
			return 0, err
		}
		tasks = append(tasks, indexing.Upsert(&norm, indexing.PriorityUser))
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	tickets, err := e.indexer.EnqueueBatch(ctx, tasks)
	if err != nil {
		return 0, err
	}
	results, err := indexing.WaitAll(ctx, tickets)
	written := 0
	for _, r := range results {
		if r.CommitID != 0 && !r.Unchanged {
			written++
		}
	}
	if err != nil {
		return written, err
	}
	e.logger.Info("batch_indexed", slog.Int("documents", len(docs)), slog.Int("written", written))
	return written, nil
}

// DeleteDocument removes (source, id). It reports false when the key was not
// indexed.
func (e *Engine) DeleteDocument(ctx context.Context, source, id string) (bool, error) {
	if err := e.requireStarted(); err != nil {
		return false, err
	}
	if source == "" || id == "" {
		return false, errors.ValidationError("source and id are required", nil)
	}
	ticket, err := e.indexer.Enqueue(ctx, indexing.Delete(document.Key(source, id), indexing.PriorityUser))
	if err != nil {
		return false, err
	}
	res, err := ticket.Wait(ctx)
	if err != nil {
		return false, err
	}
	return !res.Missing, nil
}

// OptimizeIndices merges segments, drops tombstones and prunes the query log.
func (e *Engine) OptimizeIndices(ctx context.Context) error {
	if e.closed.Load() {
		return errors.ErrEngineClosed
	}
	if !e.optimizing.CompareAndSwap(false, true) {
		e.logger.Debug("optimize_already_running")
		return nil
	}
	defer e.optimizing.Store(false)

	if err := e.index.Optimize(ctx); err != nil {
		return err
	}
	pruned, err := e.logStore.Prune(ctx, e.now().Add(-queryLogRetention))
	if err != nil {
		e.logger.Warn("query_log_prune_failed", slog.String("error", err.Error()))
	} else if pruned > 0 {
		e.logger.Info("query_log_pruned", slog.Int64("rows", pruned))
	}
	return nil
}

// ClearCache drops every cached response.
func (e *Engine) ClearCache() error {
	if e.closed.Load() {
		return errors.ErrEngineClosed
	}
	e.cache.Clear()
	e.logger.Info("cache_cleared")
	return nil
}

// PauseIndexing stops committing; queued and new tasks wait for ResumeIndexing.
func (e *Engine) PauseIndexing() { e.indexer.Pause() }

// ResumeIndexing restarts committing.
func (e *Engine) ResumeIndexing() { e.indexer.Resume() }

// RetryDeadLetters requeues up to limit failed tasks.
func (e *Engine) RetryDeadLetters(ctx context.Context, limit int) (int, error) {
	if err := e.requireStarted(); err != nil {
		return 0, err
	}
	return e.indexer.RetryDeadLetters(ctx, limit)
}

// IndexingStatus reports the ingestion pipeline.
func (e *Engine) IndexingStatus() indexing.Status { return e.indexer.Status() }
