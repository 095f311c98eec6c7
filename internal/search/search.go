package search

import (
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/perf"
	"github.com/Aman-CERP/unisearch/internal/query"
	"github.com/Aman-CERP/unisearch/internal/telemetry"
)

// Response is a search result as returned to callers.
type Response struct {
	query.Response
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	CacheHit  bool   `json:"cache_hit"`
}

// Search runs q. sessionID is optional and only used for analytics.
//
// Validation errors are returned before the index is touched. A query that
// cannot get an admission slot within the configured wait fails with
// ErrTooManyConcurrentQueries; one that outlives the query timeout fails
// with ErrQueryTimeout.
func (e *Engine) Search(ctx context.Context, q query.Query, sessionID string) (*Response, error) {
	if e.closed.Load() {
		return nil, errors.ErrEngineClosed
	}
	start := e.now()

	prepared, err := e.compiler.Prepare(q)
	if err != nil {
		e.observe(q, sessionID, "", nil, false, start, err)
		return nil, err
	}

	commit := e.index.CommitID()
	if cached, ok := e.cache.Get(prepared.Fingerprint, commit); ok {
		resp := e.respond(q, sessionID, cached, true)
		e.monitor.RecordLatency(perf.StageTotal, e.now().Sub(start))
		e.observe(q, sessionID, prepared.Fingerprint, resp, true, start, nil)
		return resp, nil
	}

	release, err := e.admission.acquire(ctx)
	if err != nil {
		e.observe(q, sessionID, prepared.Fingerprint, nil, false, start, err)
		return nil, err
	}
	defer release()

	qctx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	out, err := e.execute(qctx, prepared)
	if err != nil {
		err = e.classify(ctx, qctx, err)
		e.observe(q, sessionID, prepared.Fingerprint, nil, false, start, err)
		return nil, err
	}

	e.cache.Put(prepared.Fingerprint, commit, out)
	e.record(out.Timings)
	resp := e.respond(q, sessionID, out, false)
	e.observe(q, sessionID, prepared.Fingerprint, resp, false, start, nil)
	return resp, nil
}

// SearchText runs a plain DSL query with default options.
func (e *Engine) SearchText(ctx context.Context, text string, limit int) (*Response, error) {
	return e.Search(ctx, query.Query{Text: text, Limit: limit}, "")
}

func (e *Engine) execute(ctx context.Context, prepared *query.Prepared) (*query.Response, error) {
	plan, err := e.compiler.Plan(ctx, prepared)
	if err != nil {
		return nil, err
	}
	return e.compiler.Execute(ctx, plan)
}

// classify maps a deadline hit inside the query budget to ErrQueryTimeout.
// A caller's own cancellation is returned as is.
func (e *Engine) classify(ctx, qctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if qctx.Err() != nil || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.New(errors.ErrCodeQueryTimeout, "query timed out", err).
			WithDetail("timeout", e.timeout.String()).
			WithSuggestion("narrow the query or raise search.query_timeout")
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.New(errors.ErrCodeSearchFailed, "search failed", err)
}

// respond copies the cached response so callers cannot mutate the entry.
func (e *Engine) respond(q query.Query, sessionID string, r *query.Response, hit bool) *Response {
	out := &Response{Response: *r, Query: q.Text, SessionID: sessionID, CacheHit: hit}
	out.Hits = slices.Clone(r.Hits)
	for i := range out.Hits {
		out.Hits[i].Tags = slices.Clone(out.Hits[i].Tags)
		out.Hits[i].Highlights = cloneLists(out.Hits[i].Highlights)
	}
	out.Facets = cloneLists(r.Facets)
	out.Expansions = cloneLists(r.Expansions)
	out.Partial = e.degraded.Load()
	return out
}

func cloneLists[V any](m map[string][]V) map[string][]V {
	if m == nil {
		return nil
	}
	out := make(map[string][]V, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

func (e *Engine) record(t query.Timings) {
	e.monitor.RecordLatency(perf.StageParse, t.Parse)
	e.monitor.RecordLatency(perf.StageLookup, t.Lookup)
	if t.Facets > 0 {
		e.monitor.RecordLatency(perf.StageFacets, t.Facets)
	}
	e.monitor.RecordLatency(perf.StageTotal, t.Total)
}

// observe feeds the analytics log and the error-rate window. Both are
// non-blocking; validation errors count as user mistakes, not failures.
func (e *Engine) observe(q query.Query, sessionID, fingerprint string, resp *Response, hit bool, start time.Time, err error) {
	latency := e.now().Sub(start)
	ev := telemetry.QueryEvent{
		SessionID:   sessionID,
		Query:       q.Text,
		Fingerprint: fingerprint,
		Latency:     latency,
		CacheHit:    hit,
		Sources:     q.Sources,
		At:          start,
	}
	if resp != nil {
		ev.ResultCount = int(resp.TotalMatched)
		ev.Sources = hitSources(q.Sources, resp.Hits)
	}
	if err != nil {
		ev.ErrorCode = errors.GetCode(err)
		if ev.ErrorCode == "" {
			ev.ErrorCode = errors.ErrCodeInternal
		}
	}
	e.analytics.Record(ev)

	if err == nil || !errors.IsValidation(err) {
		e.monitor.RecordOutcome(err != nil && !stderrors.Is(err, context.Canceled))
	}
	if err != nil && !errors.IsValidation(err) {
		e.logger.Warn("search_failed",
			slog.String("query", truncate(q.Text, 80)),
			errors.Attr(err),
			slog.Duration("latency", latency))
	}
}

// hitSources is the requested scope, or the sources that produced hits.
func hitSources(requested []string, hits []query.Hit) []string {
	if len(requested) > 0 {
		return requested
	}
	var out []string
	for _, h := range hits {
		if !slices.Contains(out, h.Source) {
			out = append(out, h.Source)
		}
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// RecordClick notes that a result was opened. It never blocks.
func (e *Engine) RecordClick(sessionID, queryText, key string, position int) {
	e.analytics.RecordClick(telemetry.ClickEvent{
		SessionID:   sessionID,
		Query:       queryText,
		DocumentKey: key,
		Position:    position,
		At:          e.now(),
	})
}
