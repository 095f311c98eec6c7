// Package store owns the on-disk state of a unisearch index directory:
// the segment index (bleve/scorch), the metadata side-store (sqlite) and
// the directory lock.
//
// Layout:
//
//	<dir>/.lock        cross-process lock
//	<dir>/index.bleve/ committed segments
//	<dir>/meta.db      content hashes, provider cursors and health, dead letters, query log
package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/index/scorch"
	index "github.com/blevesearch/bleve_index_api"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
)

// Internal keys written inside every commit batch.
var (
	internalCommitID     = []byte("unisearch:commit_id")
	internalTombstones   = []byte("unisearch:tombstones")
	internalLastOptimize = []byte("unisearch:last_optimize")
)

// OpKind is the mutation type of an Op.
type OpKind int

const (
	// OpUpsert inserts or replaces a document.
	OpUpsert OpKind = iota
	// OpDelete removes a document.
	OpDelete
)

// String returns the operation name.
func (k OpKind) String() string {
	if k == OpDelete {
		return "delete"
	}
	return "upsert"
}

// Op is one document mutation inside a commit.
type Op struct {
	Kind OpKind
	Key  string
	// Doc is required for upserts.
	Doc *document.Document
	// Replace marks an upsert overwriting a committed document; the old
	// version becomes a tombstone until optimize.
	Replace bool
}

// CommitID identifies a published index state. It increases by one per commit.
type CommitID uint64

// Stats describes the index.
type Stats struct {
	Documents     uint64    `json:"documents"`
	CommitID      CommitID  `json:"commit_id"`
	Commits       int64     `json:"commits"`
	Tombstones    int64     `json:"tombstones"`
	Fragmentation float64   `json:"fragmentation"`
	LastOptimize  time.Time `json:"last_optimize,omitempty"`
	LastCommit    time.Time `json:"last_commit,omitempty"`
	Path          string    `json:"path"`
	DiskBytes     int64     `json:"disk_bytes"`
}

// IndexStore is the durable inverted index.
//
// Commits are serialized by writeMu; a commit becomes visible through a
// single bleve batch, so readers in flight keep the prior snapshot. mu only
// guards the closed flag and the index handle, so reads never wait on a
// commit's build phase.
type IndexStore struct {
	path   string
	schema *document.Schema
	logger *slog.Logger
	fault  func(CommitID, []Op) error

	writeMu sync.Mutex

	mu     sync.RWMutex
	idx    bleve.Index
	closed bool

	commitID     atomic.Uint64
	commits      atomic.Int64
	tombstones   atomic.Int64
	lastOptimize atomic.Int64
	lastCommit   atomic.Int64
	reads        atomic.Int64
}

// IndexOption configures an IndexStore.
type IndexOption func(*IndexStore)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) IndexOption {
	return func(s *IndexStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchema overrides the default document schema.
func WithSchema(schema *document.Schema) IndexOption {
	return func(s *IndexStore) {
		if schema != nil {
			s.schema = schema
		}
	}
}

// WithFaultInjector installs a hook called before each publish. A non-nil
// error aborts the commit as if the write failed. Used to exercise retry paths.
func WithFaultInjector(fn func(CommitID, []Op) error) IndexOption {
	return func(s *IndexStore) {
		s.fault = fn
	}
}

// OpenIndex opens the index at path, creating it if missing. An empty path
// gives an in-memory index. A corrupted index is reported, never cleared:
// that decision belongs to the operator (unisearch index --rebuild).
func OpenIndex(path string, opts ...IndexOption) (*IndexStore, error) {
	s := &IndexStore{
		path:   path,
		schema: document.DefaultSchema(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	im, err := buildIndexMapping(s.schema)
	if err != nil {
		return nil, errors.InternalError("failed to build index mapping", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(im)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, errors.New(errors.ErrCodeIndexUnwritable, "cannot create index directory", mkErr).
				WithDetail("path", path)
		}
		if vErr := validateIndexIntegrity(path); vErr != nil {
			s.logger.Error("index_corrupted", slog.String("path", path), slog.String("error", vErr.Error()))
			return nil, errors.New(errors.ErrCodeCorruptIndex, vErr.Error(), vErr).
				WithDetail("path", path).
				WithSuggestion("rebuild the index with 'unisearch index --rebuild'")
		}

		idx, err = bleve.Open(path)
		if stderrors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, im)
		}
	}
	if err != nil {
		if isCorruptionError(err) {
			return nil, errors.New(errors.ErrCodeCorruptIndex, "failed to open index", err).WithDetail("path", path)
		}
		return nil, errors.New(errors.ErrCodeIndexUnwritable, "failed to create/open index", err).WithDetail("path", path)
	}
	s.idx = idx

	s.commitID.Store(readUint(idx, internalCommitID))
	s.tombstones.Store(int64(readUint(idx, internalTombstones)))
	s.lastOptimize.Store(int64(readUint(idx, internalLastOptimize)))

	count, _ := idx.DocCount()
	s.logger.Info("index_opened",
		slog.String("path", displayPath(path)),
		slog.Uint64("commit_id", s.commitID.Load()),
		slog.Uint64("documents", count))
	return s, nil
}

// validateIndexIntegrity checks index_meta.json before bleve touches the directory.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return stderrors.Is(err, bleve.ErrorIndexMetaCorrupt) ||
		strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment")
}

func readUint(idx bleve.Index, key []byte) uint64 {
	raw, err := idx.GetInternal(key)
	if err != nil || len(raw) == 0 {
		return 0
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func displayPath(p string) string {
	if p == "" {
		return ":memory:"
	}
	return p
}

// handle returns the open index or ErrEngineClosed.
func (s *IndexStore) handle() (bleve.Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.ErrEngineClosed
	}
	return s.idx, nil
}

// Schema returns the schema the index was built with.
func (s *IndexStore) Schema() *document.Schema {
	return s.schema
}

// Commit publishes ops atomically: all of them become visible or none do.
// Within one commit the last op for a key wins. A failed commit leaves the
// published state and CommitID unchanged.
func (s *IndexStore) Commit(ctx context.Context, ops []Op) (CommitID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	idx, err := s.handle()
	if err != nil {
		return 0, err
	}

	next := CommitID(s.commitID.Load() + 1)
	if len(ops) == 0 {
		return CommitID(s.commitID.Load()), nil
	}

	batch := idx.NewBatch()
	var tombstones int64
	for _, op := range ops {
		switch op.Kind {
		case OpUpsert:
			if op.Doc == nil {
				return 0, errors.InternalError("upsert without document", nil).WithDetail("key", op.Key)
			}
			fields, err := toIndexable(op.Doc)
			if err != nil {
				return 0, errors.InternalError("failed to encode document", err).WithDetail("key", op.Key)
			}
			if err := batch.Index(op.Key, fields); err != nil {
				return 0, errors.IOError("failed to stage document", err).WithDetail("key", op.Key)
			}
			if op.Replace {
				tombstones++
			}
		case OpDelete:
			batch.Delete(op.Key)
			tombstones++
		}
	}

	total := s.tombstones.Load() + tombstones
	batch.SetInternal(internalCommitID, []byte(strconv.FormatUint(uint64(next), 10)))
	batch.SetInternal(internalTombstones, []byte(strconv.FormatInt(total, 10)))

	if s.fault != nil {
		if err := s.fault(next, ops); err != nil {
			return 0, errors.IOError("commit aborted", err).WithDetail("commit_id", strconv.FormatUint(uint64(next), 10))
		}
	}

	start := time.Now()
	if err := idx.Batch(batch); err != nil {
		s.logger.Error("index_commit_failed",
			slog.Uint64("commit_id", uint64(next)),
			slog.Int("ops", len(ops)),
			slog.String("error", err.Error()))
		return 0, errors.IOError("failed to publish batch", err)
	}

	s.commitID.Store(uint64(next))
	s.tombstones.Store(total)
	s.commits.Add(1)
	s.lastCommit.Store(time.Now().UnixNano())

	s.logger.Debug("index_commit",
		slog.Uint64("commit_id", uint64(next)),
		slog.Int("ops", len(ops)),
		slog.Duration("duration", time.Since(start)))
	return next, nil
}

// Search runs a read-only request against the current snapshot.
func (s *IndexStore) Search(ctx context.Context, req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	idx, err := s.handle()
	if err != nil {
		return nil, err
	}
	s.reads.Add(1)
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.New(errors.ErrCodeSearchFailed, "search failed", err)
	}
	return res, nil
}

// Get returns the committed document for key.
func (s *IndexStore) Get(ctx context.Context, key string) (document.Document, bool, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewDocIDQuery([]string{key}), 1, 0, false)
	req.Fields = []string{"*"}

	res, err := s.Search(ctx, req)
	if err != nil {
		return document.Document{}, false, err
	}
	if len(res.Hits) == 0 {
		return document.Document{}, false, nil
	}
	return FromStored(res.Hits[0].Fields), true, nil
}

// DocCount returns the number of live documents.
func (s *IndexStore) DocCount() (uint64, error) {
	idx, err := s.handle()
	if err != nil {
		return 0, err
	}
	return idx.DocCount()
}

// Term is a vocabulary entry.
type Term struct {
	Term  string
	Count uint64
}

// Terms walks the vocabulary of field. A non-empty prefix restricts the walk.
// fn returning false stops iteration.
func (s *IndexStore) Terms(field, prefix string, fn func(Term) bool) error {
	idx, err := s.handle()
	if err != nil {
		return err
	}
	s.reads.Add(1)

	var dict index.FieldDict
	if prefix != "" {
		dict, err = idx.FieldDictPrefix(field, []byte(prefix))
	} else {
		dict, err = idx.FieldDict(field)
	}
	if err != nil {
		return fmt.Errorf("open field dictionary %s: %w", field, err)
	}
	defer func() { _ = dict.Close() }()

	for {
		entry, err := dict.Next()
		if err != nil {
			return fmt.Errorf("read field dictionary %s: %w", field, err)
		}
		if entry == nil {
			return nil
		}
		if !fn(Term{Term: entry.Term, Count: entry.Count}) {
			return nil
		}
	}
}

// Reads reports how many read operations reached the index.
func (s *IndexStore) Reads() int64 {
	return s.reads.Load()
}

// CommitID returns the last published commit.
func (s *IndexStore) CommitID() CommitID {
	return CommitID(s.commitID.Load())
}

// Fragmentation is tombstones / (live + tombstones).
func (s *IndexStore) Fragmentation() float64 {
	live, err := s.DocCount()
	if err != nil {
		return 0
	}
	dead := s.tombstones.Load()
	if dead <= 0 {
		return 0
	}
	return float64(dead) / float64(int64(live)+dead)
}

// Stats returns index statistics.
func (s *IndexStore) Stats() Stats {
	st := Stats{
		CommitID:      s.CommitID(),
		Commits:       s.commits.Load(),
		Tombstones:    s.tombstones.Load(),
		Fragmentation: s.Fragmentation(),
		Path:          displayPath(s.path),
	}
	st.Documents, _ = s.DocCount()
	if ts := s.lastOptimize.Load(); ts > 0 {
		st.LastOptimize = time.Unix(0, ts).UTC()
	}
	if ts := s.lastCommit.Load(); ts > 0 {
		st.LastCommit = time.Unix(0, ts).UTC()
	}
	if s.path != "" {
		st.DiskBytes = dirSize(s.path)
	}
	return st
}

// Optimize merges segments and drops tombstones. It holds the writer lock,
// so it never interleaves with a commit; reads continue on the old segments
// until the merged one is introduced.
func (s *IndexStore) Optimize(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	idx, err := s.handle()
	if err != nil {
		return err
	}

	start := time.Now()
	before := s.tombstones.Load()

	adv, err := idx.Advanced()
	if err != nil {
		return errors.InternalError("failed to access index internals", err)
	}
	if sc, ok := adv.(*scorch.Scorch); ok {
		if err := sc.ForceMerge(ctx, nil); err != nil {
			return errors.IOError("force merge failed", err)
		}
	}

	now := time.Now()
	batch := idx.NewBatch()
	batch.SetInternal(internalTombstones, []byte("0"))
	batch.SetInternal(internalLastOptimize, []byte(strconv.FormatInt(now.UnixNano(), 10)))
	if err := idx.Batch(batch); err != nil {
		return errors.IOError("failed to record optimize", err)
	}
	s.tombstones.Store(0)
	s.lastOptimize.Store(now.UnixNano())

	s.logger.Info("index_optimized",
		slog.Int64("tombstones_removed", before),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Close closes the index. Further calls return ErrEngineClosed.
func (s *IndexStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.idx.Close()
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
