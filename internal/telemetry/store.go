package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const logSchema = `
CREATE TABLE IF NOT EXISTS query_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL DEFAULT '',
	query        TEXT NOT NULL,
	fingerprint  TEXT NOT NULL DEFAULT '',
	result_count INTEGER NOT NULL,
	latency_us   INTEGER NOT NULL,
	cache_hit    INTEGER NOT NULL DEFAULT 0,
	error_code   TEXT NOT NULL DEFAULT '',
	sources      TEXT NOT NULL DEFAULT '',
	at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_log_at ON query_log(at);

CREATE TABLE IF NOT EXISTS click_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL DEFAULT '',
	query        TEXT NOT NULL,
	document_key TEXT NOT NULL,
	position     INTEGER NOT NULL,
	at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_click_log_at ON click_log(at);
`

// InitSchema creates the query and click log tables if they don't exist.
func InitSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, logSchema); err != nil {
		return fmt.Errorf("create query log schema: %w", err)
	}
	return nil
}

type queryRow struct {
	SessionID   string `db:"session_id"`
	Query       string `db:"query"`
	Fingerprint string `db:"fingerprint"`
	ResultCount int    `db:"result_count"`
	LatencyUS   int64  `db:"latency_us"`
	CacheHit    bool   `db:"cache_hit"`
	ErrorCode   string `db:"error_code"`
	Sources     string `db:"sources"`
	At          int64  `db:"at"`
}

type clickRow struct {
	SessionID   string `db:"session_id"`
	Query       string `db:"query"`
	DocumentKey string `db:"document_key"`
	Position    int    `db:"position"`
	At          int64  `db:"at"`
}

// SQLiteLogStore is the append-only query and click log.
type SQLiteLogStore struct {
	db *sqlx.DB
}

// NewSQLiteLogStore creates the log tables on db and returns the store.
func NewSQLiteLogStore(ctx context.Context, db *sqlx.DB) (*SQLiteLogStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := InitSchema(ctx, db); err != nil {
		return nil, err
	}
	return &SQLiteLogStore{db: db}, nil
}

// AppendQueries inserts query events in one transaction.
func (s *SQLiteLogStore) AppendQueries(ctx context.Context, events []QueryEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]queryRow, len(events))
	for i, e := range events {
		rows[i] = queryRow{
			SessionID:   e.SessionID,
			Query:       e.Query,
			Fingerprint: e.Fingerprint,
			ResultCount: e.ResultCount,
			LatencyUS:   e.Latency.Microseconds(),
			CacheHit:    e.CacheHit,
			ErrorCode:   e.ErrorCode,
			Sources:     strings.Join(e.Sources, ","),
			At:          e.At.UnixMilli(),
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO query_log (session_id, query, fingerprint, result_count, latency_us,
			cache_hit, error_code, sources, at)
		VALUES (:session_id, :query, :fingerprint, :result_count, :latency_us,
			:cache_hit, :error_code, :sources, :at)
	`, rows)
	if err != nil {
		return fmt.Errorf("insert query log: %w", err)
	}
	return tx.Commit()
}

// AppendClicks inserts click events in one transaction.
func (s *SQLiteLogStore) AppendClicks(ctx context.Context, clicks []ClickEvent) error {
	if len(clicks) == 0 {
		return nil
	}
	rows := make([]clickRow, len(clicks))
	for i, c := range clicks {
		rows[i] = clickRow{
			SessionID:   c.SessionID,
			Query:       c.Query,
			DocumentKey: c.DocumentKey,
			Position:    c.Position,
			At:          c.At.UnixMilli(),
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO click_log (session_id, query, document_key, position, at)
		VALUES (:session_id, :query, :document_key, :position, :at)
	`, rows)
	if err != nil {
		return fmt.Errorf("insert click log: %w", err)
	}
	return tx.Commit()
}

// RecentQueries returns up to limit events at or after since, oldest first.
func (s *SQLiteLogStore) RecentQueries(ctx context.Context, since time.Time, limit int) ([]QueryEvent, error) {
	var rows []queryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT session_id, query, fingerprint, result_count, latency_us, cache_hit, error_code, sources, at
		FROM (SELECT * FROM query_log WHERE at >= ? ORDER BY at DESC, id DESC LIMIT ?)
		ORDER BY at ASC, id ASC
	`, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("read query log: %w", err)
	}
	out := make([]QueryEvent, len(rows))
	for i, r := range rows {
		out[i] = QueryEvent{
			SessionID:   r.SessionID,
			Query:       r.Query,
			Fingerprint: r.Fingerprint,
			ResultCount: r.ResultCount,
			Latency:     time.Duration(r.LatencyUS) * time.Microsecond,
			CacheHit:    r.CacheHit,
			ErrorCode:   r.ErrorCode,
			At:          time.UnixMilli(r.At).UTC(),
		}
		if r.Sources != "" {
			out[i].Sources = strings.Split(r.Sources, ",")
		}
	}
	return out, nil
}

// RecentClicks returns up to limit clicks at or after since, oldest first.
func (s *SQLiteLogStore) RecentClicks(ctx context.Context, since time.Time, limit int) ([]ClickEvent, error) {
	var rows []clickRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT session_id, query, document_key, position, at
		FROM (SELECT * FROM click_log WHERE at >= ? ORDER BY at DESC, id DESC LIMIT ?)
		ORDER BY at ASC, id ASC
	`, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("read click log: %w", err)
	}
	out := make([]ClickEvent, len(rows))
	for i, r := range rows {
		out[i] = ClickEvent{
			SessionID:   r.SessionID,
			Query:       r.Query,
			DocumentKey: r.DocumentKey,
			Position:    r.Position,
			At:          time.UnixMilli(r.At).UTC(),
		}
	}
	return out, nil
}

// Prune deletes log rows older than before and returns how many went.
func (s *SQLiteLogStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"query_log", "click_log"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE at < ?`, before.UnixMilli())
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
