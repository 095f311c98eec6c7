package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Aman-CERP/unisearch/internal/errors"
)

// hashLookupChunk stays below SQLite's bound-parameter limit.
const hashLookupChunk = 500

const metaSchema = `
CREATE TABLE IF NOT EXISTS doc_hashes (
	doc_key      TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	commit_id    INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_doc_hashes_source ON doc_hashes(source);

CREATE TABLE IF NOT EXISTS provider_state (
	source               TEXT PRIMARY KEY,
	cursor               TEXT NOT NULL DEFAULT '',
	healthy              INTEGER NOT NULL DEFAULT 1,
	last_error           TEXT NOT NULL DEFAULT '',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_success_at      INTEGER NOT NULL DEFAULT 0,
	last_sync_at         INTEGER NOT NULL DEFAULT 0,
	docs_synced          INTEGER NOT NULL DEFAULT 0,
	records_dropped      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id          TEXT PRIMARY KEY,
	doc_key     TEXT NOT NULL,
	operation   TEXT NOT NULL,
	priority    INTEGER NOT NULL,
	reason      TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	payload     TEXT NOT NULL DEFAULT '',
	enqueued_at INTEGER NOT NULL,
	failed_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_failed ON dead_letters(failed_at);

CREATE TABLE IF NOT EXISTS meta_state (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// appliedCommitsKey counts the index commits whose hashes the ledger holds.
// It equals the index CommitID while the two agree.
const appliedCommitsKey = "applied_commits"

// MetaStore is the small metadata side-store next to the segment index.
// It survives restarts together with the index it describes.
type MetaStore struct {
	db     *sqlx.DB
	path   string
	logger *slog.Logger
}

// OpenMeta opens (or creates) the side-store at path. ":memory:" is accepted
// for tests.
func OpenMeta(path string, logger *slog.Logger) (*MetaStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.New(errors.ErrCodeIndexUnwritable, "cannot create metadata directory", err).
				WithDetail("path", path)
		}
	}

	// modernc.org/sqlite, pure Go
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.New(errors.ErrCodeMetaStore, "failed to open metadata store", err)
	}

	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16384",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.New(errors.ErrCodeMetaStore, "failed to set pragma", err).WithDetail("pragma", pragma)
		}
	}

	if _, err := db.Exec(metaSchema); err != nil {
		_ = db.Close()
		return nil, errors.New(errors.ErrCodeMetaStore, "failed to create metadata schema", err)
	}

	return &MetaStore{db: db, path: path, logger: logger}, nil
}

// DB exposes the connection for components that keep their own tables
// (the query log).
func (m *MetaStore) DB() *sqlx.DB {
	return m.db
}

// Close checkpoints the WAL and closes the database.
func (m *MetaStore) Close() error {
	_, _ = m.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return m.db.Close()
}

// ============================================================================
// Content hashes
// ============================================================================

// HashChange records the committed hash of one key, or its removal.
type HashChange struct {
	Key     string
	Source  string
	Hash    string
	Deleted bool
}

// Hashes returns the committed content hash for each known key.
func (m *MetaStore) Hashes(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for start := 0; start < len(keys); start += hashLookupChunk {
		chunk := keys[start:min(start+hashLookupChunk, len(keys))]

		query, args, err := sqlx.In(`SELECT doc_key, content_hash FROM doc_hashes WHERE doc_key IN (?)`, chunk)
		if err != nil {
			return nil, fmt.Errorf("build hash lookup: %w", err)
		}

		var rows []struct {
			Key  string `db:"doc_key"`
			Hash string `db:"content_hash"`
		}
		if err := m.db.SelectContext(ctx, &rows, m.db.Rebind(query), args...); err != nil {
			return nil, errors.New(errors.ErrCodeMetaStore, "hash lookup failed", err)
		}
		for _, r := range rows {
			out[r.Key] = r.Hash
		}
	}
	return out, nil
}

// Hash returns the committed hash of a single key.
func (m *MetaStore) Hash(ctx context.Context, key string) (string, bool, error) {
	var hash string
	err := m.db.GetContext(ctx, &hash, `SELECT content_hash FROM doc_hashes WHERE doc_key = ?`, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.New(errors.ErrCodeMetaStore, "hash lookup failed", err)
	}
	return hash, true, nil
}

// ApplyCommit records the hashes of a published commit in one transaction
// and counts the commit as applied.
func (m *MetaStore) ApplyCommit(ctx context.Context, id CommitID, changes []HashChange) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.New(errors.ErrCodeMetaStore, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert, err := tx.PreparexContext(ctx, `
		INSERT INTO doc_hashes (doc_key, source, content_hash, commit_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(doc_key) DO UPDATE SET
			content_hash = excluded.content_hash,
			commit_id = excluded.commit_id,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return errors.New(errors.ErrCodeMetaStore, "prepare upsert", err)
	}
	defer upsert.Close()

	del, err := tx.PreparexContext(ctx, `DELETE FROM doc_hashes WHERE doc_key = ?`)
	if err != nil {
		return errors.New(errors.ErrCodeMetaStore, "prepare delete", err)
	}
	defer del.Close()

	now := time.Now().UnixMilli()
	for _, c := range changes {
		if c.Deleted {
			_, err = del.ExecContext(ctx, c.Key)
		} else {
			_, err = upsert.ExecContext(ctx, c.Key, c.Source, c.Hash, int64(id), now)
		}
		if err != nil {
			return errors.New(errors.ErrCodeMetaStore, "record hash", err).WithDetail("key", c.Key)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta_state (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
	`, appliedCommitsKey); err != nil {
		return errors.New(errors.ErrCodeMetaStore, "count applied commit", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.New(errors.ErrCodeMetaStore, "commit transaction", err)
	}
	return nil
}

// AppliedCommits returns how many index commits the hash ledger reflects.
func (m *MetaStore) AppliedCommits(ctx context.Context) (CommitID, error) {
	var n int64
	err := m.db.GetContext(ctx, &n, `SELECT value FROM meta_state WHERE name = ?`, appliedCommitsKey)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.New(errors.ErrCodeMetaStore, "read applied commits", err)
	}
	return CommitID(n), nil
}

// RebuildHashes replaces the whole hash ledger with what each emits and sets
// the applied count to applied. Nothing changes if each fails.
func (m *MetaStore) RebuildHashes(ctx context.Context, applied CommitID, each func(add func(HashChange) error) error) (int, error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.New(errors.ErrCodeMetaStore, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_hashes`); err != nil {
		return 0, errors.New(errors.ErrCodeMetaStore, "clear hashes", err)
	}
	insert, err := tx.PreparexContext(ctx, `
		INSERT INTO doc_hashes (doc_key, source, content_hash, commit_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, errors.New(errors.ErrCodeMetaStore, "prepare insert", err)
	}
	defer insert.Close()

	now := time.Now().UnixMilli()
	n := 0
	err = each(func(c HashChange) error {
		if _, err := insert.ExecContext(ctx, c.Key, c.Source, c.Hash, int64(applied), now); err != nil {
			return errors.New(errors.ErrCodeMetaStore, "record hash", err).WithDetail("key", c.Key)
		}
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta_state (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, appliedCommitsKey, int64(applied)); err != nil {
		return 0, errors.New(errors.ErrCodeMetaStore, "set applied commits", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.New(errors.ErrCodeMetaStore, "commit transaction", err)
	}
	return n, nil
}

// DocumentsBySource counts known documents per source.
func (m *MetaStore) DocumentsBySource(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Source string `db:"source"`
		N      int64  `db:"n"`
	}
	if err := m.db.SelectContext(ctx, &rows, `SELECT source, COUNT(*) AS n FROM doc_hashes GROUP BY source`); err != nil {
		return nil, errors.New(errors.ErrCodeMetaStore, "count documents", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Source] = r.N
	}
	return out, nil
}

// ============================================================================
// Provider state
// ============================================================================

// ProviderState is the persisted cursor and health of one source.
type ProviderState struct {
	Source              string `db:"source"`
	Cursor              string `db:"cursor"`
	Healthy             bool   `db:"healthy"`
	LastError           string `db:"last_error"`
	ConsecutiveFailures int    `db:"consecutive_failures"`
	LastSuccessAt       int64  `db:"last_success_at"`
	LastSyncAt          int64  `db:"last_sync_at"`
	DocsSynced          int64  `db:"docs_synced"`
	RecordsDropped      int64  `db:"records_dropped"`
}

// LoadProviderState returns the stored state for source.
func (m *MetaStore) LoadProviderState(ctx context.Context, source string) (ProviderState, bool, error) {
	var st ProviderState
	err := m.db.GetContext(ctx, &st, `SELECT * FROM provider_state WHERE source = ?`, source)
	if err == sql.ErrNoRows {
		return ProviderState{Source: source, Healthy: true}, false, nil
	}
	if err != nil {
		return ProviderState{}, false, errors.New(errors.ErrCodeMetaStore, "load provider state", err)
	}
	return st, true, nil
}

// SaveProviderState upserts the state row.
func (m *MetaStore) SaveProviderState(ctx context.Context, st ProviderState) error {
	_, err := m.db.NamedExecContext(ctx, `
		INSERT INTO provider_state (source, cursor, healthy, last_error, consecutive_failures,
			last_success_at, last_sync_at, docs_synced, records_dropped)
		VALUES (:source, :cursor, :healthy, :last_error, :consecutive_failures,
			:last_success_at, :last_sync_at, :docs_synced, :records_dropped)
		ON CONFLICT(source) DO UPDATE SET
			cursor = excluded.cursor,
			healthy = excluded.healthy,
			last_error = excluded.last_error,
			consecutive_failures = excluded.consecutive_failures,
			last_success_at = excluded.last_success_at,
			last_sync_at = excluded.last_sync_at,
			docs_synced = excluded.docs_synced,
			records_dropped = excluded.records_dropped
	`, st)
	if err != nil {
		return errors.New(errors.ErrCodeMetaStore, "save provider state", err).WithDetail("source", st.Source)
	}
	return nil
}

// ListProviderStates returns every stored provider state, by source.
func (m *MetaStore) ListProviderStates(ctx context.Context) ([]ProviderState, error) {
	var out []ProviderState
	if err := m.db.SelectContext(ctx, &out, `SELECT * FROM provider_state ORDER BY source`); err != nil {
		return nil, errors.New(errors.ErrCodeMetaStore, "list provider states", err)
	}
	return out, nil
}

// ============================================================================
// Dead letters
// ============================================================================

// DeadLetter is a task that exhausted its retries.
type DeadLetter struct {
	ID         string `db:"id" json:"id"`
	DocKey     string `db:"doc_key" json:"doc_key"`
	Operation  string `db:"operation" json:"operation"`
	Priority   int    `db:"priority" json:"priority"`
	Reason     string `db:"reason" json:"reason"`
	Attempts   int    `db:"attempts" json:"attempts"`
	Payload    string `db:"payload" json:"-"`
	EnqueuedAt int64  `db:"enqueued_at" json:"enqueued_at"`
	FailedAt   int64  `db:"failed_at" json:"failed_at"`
}

// AddDeadLetters stores failed tasks.
func (m *MetaStore) AddDeadLetters(ctx context.Context, letters []DeadLetter) error {
	if len(letters) == 0 {
		return nil
	}
	_, err := m.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO dead_letters
			(id, doc_key, operation, priority, reason, attempts, payload, enqueued_at, failed_at)
		VALUES (:id, :doc_key, :operation, :priority, :reason, :attempts, :payload, :enqueued_at, :failed_at)
	`, letters)
	if err != nil {
		return errors.New(errors.ErrCodeMetaStore, "store dead letters", err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters.
func (m *MetaStore) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []DeadLetter
	err := m.db.SelectContext(ctx, &out, `SELECT * FROM dead_letters ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.New(errors.ErrCodeMetaStore, "list dead letters", err)
	}
	return out, nil
}

// CountDeadLetters returns the number of stored dead letters.
func (m *MetaStore) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	if err := m.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM dead_letters`); err != nil {
		return 0, errors.New(errors.ErrCodeMetaStore, "count dead letters", err)
	}
	return n, nil
}

// TakeDeadLetters removes and returns up to limit of the oldest letters, for replay.
func (m *MetaStore) TakeDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.New(errors.ErrCodeMetaStore, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var out []DeadLetter
	if err := tx.SelectContext(ctx, &out, `SELECT * FROM dead_letters ORDER BY failed_at ASC LIMIT ?`, limit); err != nil {
		return nil, errors.New(errors.ErrCodeMetaStore, "read dead letters", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	ids := make([]string, len(out))
	for i, l := range out {
		ids[i] = l.ID
	}
	query, args, err := sqlx.In(`DELETE FROM dead_letters WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build dead letter delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, errors.New(errors.ErrCodeMetaStore, "delete dead letters", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.New(errors.ErrCodeMetaStore, "commit transaction", err)
	}
	return out, nil
}
