// Package provider connects external sources to the indexing pipeline.
//
// An Adapter streams raw records from one source and knows how to turn them
// into documents. The Manager fans fetches out over every registered adapter
// with a per-adapter timeout, a shared concurrency cap and a circuit breaker
// per source, normalizes what comes back and persists each source's cursor
// and health.
package provider

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/Aman-CERP/unisearch/internal/document"
)

// RawRecord is one source-native record before normalization.
type RawRecord struct {
	// ID identifies the record within its source.
	ID string
	// Deleted marks a record removed at the source. Payload is unused.
	Deleted bool
	// Payload is adapter specific and only read by the same adapter's Normalize.
	Payload any
}

// Adapter is the contract every source implements.
type Adapter interface {
	// Source is the stable source name used in document keys.
	Source() string

	// Fetch streams records changed since cursor. An empty cursor means
	// everything. The error channel carries at most one value: either a
	// *SyncComplete holding the next cursor or the error that ended the
	// fetch. Both channels are closed when the fetch ends.
	Fetch(ctx context.Context, cursor string) (<-chan RawRecord, <-chan error)

	// Normalize maps a record to a document. Source may be left empty.
	Normalize(rec RawRecord) (document.Document, error)

	// HealthCheck reports whether the source is reachable.
	HealthCheck(ctx context.Context) error
}

// Watcher is implemented by adapters that can push live changes.
type Watcher interface {
	// Watch streams changes until ctx ends.
	Watch(ctx context.Context) (<-chan RawRecord, error)
}

// SyncComplete ends a successful fetch. It travels on the error channel.
type SyncComplete struct {
	NextCursor string
}

func (*SyncComplete) Error() string { return "sync complete" }

// IsSyncComplete unwraps a SyncComplete from a fetch error channel value.
func IsSyncComplete(err error) (*SyncComplete, bool) {
	var sc *SyncComplete
	if stderrors.As(err, &sc) {
		return sc, true
	}
	return nil, false
}

// Item is one normalized change ready for indexing.
type Item struct {
	Source string
	Key    string
	// Doc is nil for deletions.
	Doc *document.Document
}

// Deleted reports whether the item removes its key.
func (i Item) Deleted() bool { return i.Doc == nil }

// Health is the externally visible state of one source.
type Health struct {
	Source              string    `json:"source"`
	Healthy             bool      `json:"healthy"`
	Circuit             string    `json:"circuit"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastSyncAt          time.Time `json:"last_sync_at,omitempty"`
	DocsSynced          int64     `json:"docs_synced"`
	RecordsDropped      int64     `json:"records_dropped"`
	Watching            bool      `json:"watching"`
}

// SourceReport summarizes one source in a fetch cycle.
type SourceReport struct {
	Source   string        `json:"source"`
	Fetched  int           `json:"fetched"`
	Deleted  int           `json:"deleted"`
	Dropped  int           `json:"dropped"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	// NextCursor resumes the source after this cycle. It is not persisted
	// until the caller has applied the items and calls CommitCursor.
	NextCursor string `json:"next_cursor,omitempty"`
}

// CycleReport summarizes a whole fetch cycle.
type CycleReport struct {
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
	Sources  []SourceReport `json:"sources"`
}

// Failed lists sources whose fetch ended in error.
func (r CycleReport) Failed() []string {
	var out []string
	for _, s := range r.Sources {
		if s.Error != "" {
			out = append(out, s.Source)
		}
	}
	return out
}

// Total counts items delivered across every source.
func (r CycleReport) Total() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Fetched + s.Deleted
	}
	return n
}
