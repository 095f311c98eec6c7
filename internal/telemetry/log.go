// Package telemetry is the best-effort analytics hook: an append-only query
// and click log with in-memory aggregates. All data stays local.
package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// QueryEvent is one executed search.
type QueryEvent struct {
	SessionID   string        `json:"session_id,omitempty"`
	Query       string        `json:"query"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	ResultCount int           `json:"result_count"`
	Latency     time.Duration `json:"latency"`
	CacheHit    bool          `json:"cache_hit"`
	// ErrorCode is empty for successful queries.
	ErrorCode string    `json:"error_code,omitempty"`
	Sources   []string  `json:"sources,omitempty"`
	At        time.Time `json:"at"`
}

// Failed reports whether the query returned an error.
func (e QueryEvent) Failed() bool { return e.ErrorCode != "" }

// ClickEvent records which result of a query was opened.
type ClickEvent struct {
	SessionID   string    `json:"session_id,omitempty"`
	Query       string    `json:"query"`
	DocumentKey string    `json:"document_key"`
	Position    int       `json:"position"`
	At          time.Time `json:"at"`
}

// Store persists the log.
type Store interface {
	AppendQueries(ctx context.Context, events []QueryEvent) error
	AppendClicks(ctx context.Context, clicks []ClickEvent) error
	RecentQueries(ctx context.Context, since time.Time, limit int) ([]QueryEvent, error)
	RecentClicks(ctx context.Context, since time.Time, limit int) ([]ClickEvent, error)
}

var _ Store = (*SQLiteLogStore)(nil)

// Config sizes the in-memory aggregates and the write buffer.
type Config struct {
	TopTermsCapacity    int
	PopularCapacity     int
	ZeroResultsCapacity int
	// BufferSize bounds events waiting to be written; overflow is dropped.
	BufferSize    int
	FlushInterval time.Duration
	FlushBatch    int
}

// DefaultConfig returns the log defaults.
func DefaultConfig() Config {
	return Config{
		TopTermsCapacity:    1000,
		PopularCapacity:     500,
		ZeroResultsCapacity: 100,
		BufferSize:          1024,
		FlushInterval:       5 * time.Second,
		FlushBatch:          200,
	}
}

// TermCount is a query term with its usage.
type TermCount struct {
	Term     string    `json:"term"`
	Count    int64     `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// PopularQuery is a repeated query with its click-through.
type PopularQuery struct {
	Query            string    `json:"query"`
	Count            int64     `json:"count"`
	Clicks           int64     `json:"clicks"`
	ClickThroughRate float64   `json:"click_through_rate"`
	LastSeen         time.Time `json:"last_seen"`
}

type queryStat struct {
	display  string
	count    int64
	clicks   int64
	lastSeen time.Time
}

type termStat struct {
	count    int64
	lastSeen time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Log) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Log) { q.now = now }
}

type entry struct {
	query *QueryEvent
	click *ClickEvent
}

// Log aggregates events in memory and writes them to the store in the
// background. Record and RecordClick never block.
type Log struct {
	cfg    Config
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	total       int64
	cacheHits   int64
	failures    int64
	zeroResults int64
	clicks      int64
	queryLenSum int64
	latencySum  time.Duration
	terms       *lru.Cache[string, termStat]
	queries     *lru.Cache[string, queryStat]
	zero        *CircularBuffer[string]
	sources     map[string]int64
	hours       [24]int64
	since       time.Time
	closed      bool

	pending chan entry
	dropped atomic.Int64
	done    chan struct{}
}

// New creates a log. store may be nil for a memory-only log.
func New(store Store, cfg Config, opts ...Option) *Log {
	d := DefaultConfig()
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = d.TopTermsCapacity
	}
	if cfg.PopularCapacity <= 0 {
		cfg.PopularCapacity = d.PopularCapacity
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = d.ZeroResultsCapacity
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = d.FlushBatch
	}

	terms, _ := lru.New[string, termStat](cfg.TopTermsCapacity)
	queries, _ := lru.New[string, queryStat](cfg.PopularCapacity)
	l := &Log{
		cfg:     cfg,
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		terms:   terms,
		queries: queries,
		zero:    NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		sources: make(map[string]int64),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.since = l.now()

	if store != nil {
		l.pending = make(chan entry, cfg.BufferSize)
		go l.writeLoop()
	} else {
		close(l.done)
	}
	return l
}

// Warm replays persisted events since the given time into the aggregates
// without writing them again.
func (l *Log) Warm(ctx context.Context, since time.Time, limit int) error {
	if l.store == nil {
		return nil
	}
	events, err := l.store.RecentQueries(ctx, since, limit)
	if err != nil {
		return err
	}
	clicks, err := l.store.RecentClicks(ctx, since, limit)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range events {
		l.applyLocked(e)
		if e.At.Before(l.since) {
			l.since = e.At
		}
	}
	for _, c := range clicks {
		l.applyClickLocked(c)
	}
	l.logger.Debug("telemetry_warmed", slog.Int("queries", len(events)), slog.Int("clicks", len(clicks)))
	return nil
}

// Record logs one query. It never blocks the caller.
func (l *Log) Record(e QueryEvent) {
	if e.At.IsZero() {
		e.At = l.now()
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.applyLocked(e)
	l.mu.Unlock()
	l.enqueue(entry{query: &e})
}

// RecordClick logs that a result was opened.
func (l *Log) RecordClick(c ClickEvent) {
	if c.At.IsZero() {
		c.At = l.now()
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.applyClickLocked(c)
	l.mu.Unlock()
	l.enqueue(entry{click: &c})
}

func (l *Log) enqueue(e entry) {
	if l.pending == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.pending <- e:
	default:
		l.dropped.Add(1)
	}
}

func (l *Log) applyLocked(e QueryEvent) {
	l.total++
	l.latencySum += e.Latency
	l.queryLenSum += int64(len([]rune(strings.TrimSpace(e.Query))))
	l.hours[e.At.Local().Hour()]++
	if e.CacheHit {
		l.cacheHits++
	}
	if e.Failed() {
		l.failures++
		return
	}
	if e.ResultCount == 0 {
		l.zeroResults++
		l.zero.Add(e.Query)
	}
	for _, s := range e.Sources {
		l.sources[s]++
	}
	for _, term := range ExtractTerms(e.Query) {
		st, _ := l.terms.Get(term)
		st.count++
		if e.At.After(st.lastSeen) {
			st.lastSeen = e.At
		}
		l.terms.Add(term, st)
	}

	key := normalizeQuery(e.Query)
	if key == "" {
		return
	}
	qs, _ := l.queries.Get(key)
	qs.display = strings.TrimSpace(e.Query)
	qs.count++
	if e.At.After(qs.lastSeen) {
		qs.lastSeen = e.At
	}
	l.queries.Add(key, qs)
}

func (l *Log) applyClickLocked(c ClickEvent) {
	l.clicks++
	key := normalizeQuery(c.Query)
	if qs, ok := l.queries.Peek(key); ok {
		qs.clicks++
		l.queries.Add(key, qs)
	}
}

// writeLoop batches pending entries into the store.
func (l *Log) writeLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	var queries []QueryEvent
	var clicks []ClickEvent
	flush := func() {
		if len(queries) == 0 && len(clicks) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.store.AppendQueries(ctx, queries); err != nil {
			l.logger.Warn("telemetry_write_failed", slog.Int("queries", len(queries)), slog.String("error", err.Error()))
		}
		if err := l.store.AppendClicks(ctx, clicks); err != nil {
			l.logger.Warn("telemetry_write_failed", slog.Int("clicks", len(clicks)), slog.String("error", err.Error()))
		}
		queries, clicks = queries[:0], clicks[:0]
	}

	for {
		select {
		case e, ok := <-l.pending:
			if !ok {
				flush()
				return
			}
			if e.query != nil {
				queries = append(queries, *e.query)
			}
			if e.click != nil {
				clicks = append(clicks, *e.click)
			}
			if len(queries)+len(clicks) >= l.cfg.FlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close stops accepting events and writes what is buffered.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.pending != nil {
		close(l.pending)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

// Snapshot is the analytics report.
type Snapshot struct {
	Since             time.Time        `json:"since"`
	TotalQueries      int64            `json:"total_queries"`
	TotalClicks       int64            `json:"total_clicks"`
	CacheHits         int64            `json:"cache_hits"`
	CacheHitRate      float64          `json:"cache_hit_rate"`
	SuccessRate       float64          `json:"success_rate"`
	ErrorRate         float64          `json:"error_rate"`
	ZeroResultRate    float64          `json:"zero_result_rate"`
	AvgQueryLength    float64          `json:"avg_query_length"`
	AvgLatency        time.Duration    `json:"avg_latency"`
	PopularQueries    []PopularQuery   `json:"popular_queries"`
	TopTerms          []TermCount      `json:"top_terms"`
	ZeroResultQueries []string         `json:"zero_result_queries"`
	SourceUsage       map[string]int64 `json:"source_usage"`
	// PeakHour is the local hour with most queries, or -1 with none.
	PeakHour int   `json:"peak_hour"`
	Dropped  int64 `json:"dropped"`
}

// Snapshot returns the current aggregates with at most topN popular
// queries and terms.
func (l *Log) Snapshot(topN int) Snapshot {
	if topN <= 0 {
		topN = 10
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Snapshot{
		Since:             l.since,
		TotalQueries:      l.total,
		TotalClicks:       l.clicks,
		CacheHits:         l.cacheHits,
		ZeroResultQueries: l.zero.Items(),
		SourceUsage:       make(map[string]int64, len(l.sources)),
		PeakHour:          -1,
		Dropped:           l.dropped.Load(),
	}
	for k, v := range l.sources {
		s.SourceUsage[k] = v
	}
	if l.total > 0 {
		n := float64(l.total)
		s.CacheHitRate = float64(l.cacheHits) / n
		s.ErrorRate = float64(l.failures) / n
		s.SuccessRate = 1 - s.ErrorRate
		s.ZeroResultRate = float64(l.zeroResults) / n
		s.AvgQueryLength = float64(l.queryLenSum) / n
		s.AvgLatency = l.latencySum / time.Duration(l.total)
	}
	var peak int64
	for h, n := range l.hours {
		if n > peak {
			peak, s.PeakHour = n, h
		}
	}

	s.TopTerms = l.topTermsLocked("", topN)
	for _, key := range l.queries.Keys() {
		qs, ok := l.queries.Peek(key)
		if !ok {
			continue
		}
		pq := PopularQuery{Query: qs.display, Count: qs.count, Clicks: qs.clicks, LastSeen: qs.lastSeen}
		if qs.count > 0 {
			pq.ClickThroughRate = float64(qs.clicks) / float64(qs.count)
		}
		s.PopularQueries = append(s.PopularQueries, pq)
	}
	sort.Slice(s.PopularQueries, func(i, j int) bool {
		a, b := s.PopularQueries[i], s.PopularQueries[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Query < b.Query
	})
	if len(s.PopularQueries) > topN {
		s.PopularQueries = s.PopularQueries[:topN]
	}
	return s
}

// Terms returns logged query terms starting with prefix, most used first.
func (l *Log) Terms(prefix string, limit int) []TermCount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.topTermsLocked(strings.ToLower(prefix), limit)
}

func (l *Log) topTermsLocked(prefix string, limit int) []TermCount {
	var out []TermCount
	for _, term := range l.terms.Keys() {
		if !strings.HasPrefix(term, prefix) {
			continue
		}
		if st, ok := l.terms.Peek(term); ok {
			out = append(out, TermCount{Term: term, Count: st.count, LastSeen: st.lastSeen})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Term < out[j].Term
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Queries returns earlier successful queries starting with prefix, most
// used first.
func (l *Log) Queries(prefix string, limit int) []PopularQuery {
	prefix = normalizeQuery(prefix)
	l.mu.RLock()
	var out []PopularQuery
	for _, key := range l.queries.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if qs, ok := l.queries.Peek(key); ok {
			out = append(out, PopularQuery{Query: qs.display, Count: qs.count, Clicks: qs.clicks, LastSeen: qs.lastSeen})
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ExtractTerms splits a query into lowercase words of at least three
// letters, dropping DSL operators and field prefixes.
func ExtractTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if w == "and" || w == "or" || w == "not" {
			continue
		}
		if i := strings.IndexByte(w, ':'); i >= 0 {
			w = w[i+1:]
		}
		w = strings.Trim(w, "\"'()[]{}*~-+^!?.,;")
		if len([]rune(w)) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

// normalizeQuery folds case and whitespace.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
