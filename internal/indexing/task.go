// Package indexing implements the ingestion pipeline between producers
// (users, provider syncs, bulk backfills) and the index store.
//
// Tasks are queued by priority, routed to a worker by key so that updates to
// one document commit in order, deduplicated by content hash, and committed
// in batches. Failed batches are retried with backoff and then moved to the
// dead-letter table.
package indexing

import (
	"context"
	"sync"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/store"
)

// Priority orders tasks. Higher values are served first.
type Priority int

const (
	// PriorityBulk is backfill work; first to be rejected under pressure.
	PriorityBulk Priority = iota
	// PrioritySync is incremental provider sync.
	PrioritySync
	// PriorityUser is an explicit user request; never rejected.
	PriorityUser
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityBulk:
		return "bulk"
	case PrioritySync:
		return "sync"
	case PriorityUser:
		return "user"
	default:
		return "unknown"
	}
}

// ParsePriority maps a name back to a Priority. Unknown names are bulk.
func ParsePriority(s string) Priority {
	switch s {
	case "user":
		return PriorityUser
	case "sync":
		return PrioritySync
	default:
		return PriorityBulk
	}
}

// Task is one unit of ingestion work.
type Task struct {
	Kind store.OpKind
	// Doc must be normalized for upserts.
	Doc *document.Document
	// Key is required for deletes; upserts derive it from Doc.
	Key      string
	Priority Priority
}

// Upsert builds an upsert task.
func Upsert(doc *document.Document, p Priority) Task {
	return Task{Kind: store.OpUpsert, Doc: doc, Key: doc.Key(), Priority: p}
}

// Delete builds a delete task.
func Delete(key string, p Priority) Task {
	return Task{Kind: store.OpDelete, Key: key, Priority: p}
}

func (t Task) key() string {
	if t.Key == "" && t.Doc != nil {
		return t.Doc.Key()
	}
	return t.Key
}

func (t Task) hash() string {
	if t.Doc == nil {
		return ""
	}
	return t.Doc.ContentHash
}

// Result reports how a task ended.
type Result struct {
	// CommitID is the commit that published the task, zero if none.
	CommitID store.CommitID
	// Unchanged is set when an upsert matched the last committed content.
	Unchanged bool
	// Missing is set when a delete targeted an unknown key.
	Missing bool
}

// Ticket tracks one enqueued task until it is committed or fails.
type Ticket struct {
	ID string

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func newTicket(id string) *Ticket {
	return &Ticket{ID: id, done: make(chan struct{})}
}

func (t *Ticket) resolve(r Result, err error) {
	t.once.Do(func() {
		t.result = r
		t.err = err
		close(t.done)
	})
}

// Done is closed once the task's outcome is known.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the task is committed, fails, or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// WaitAll waits for every ticket and returns the first error.
func WaitAll(ctx context.Context, tickets []*Ticket) ([]Result, error) {
	results := make([]Result, len(tickets))
	var firstErr error
	for i, t := range tickets {
		if t == nil {
			continue
		}
		r, err := t.Wait(ctx)
		results[i] = r
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}
