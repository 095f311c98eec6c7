package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Aman-CERP/unisearch/internal/perf"
	"github.com/Aman-CERP/unisearch/internal/search"
)

// StatusRenderer prints engine reports for the CLI.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
	now    func() time.Time
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{out: out, styles: GetStyles(noColor), now: time.Now}
}

// Render prints a health report.
func (r *StatusRenderer) Render(st search.ServiceStatus) error {
	w := &lineWriter{out: r.out}
	w.printf("%s %s (health %.0f/100)\n\n",
		r.styles.Header.Render("unisearch:"),
		r.styles.StatusStyle(st.Status).Render(st.Status), st.HealthScore)

	w.printf("  Index:\n")
	w.printf("    Documents:    %s\n", humanize.Comma(int64(st.Index.Documents)))
	w.printf("    Commits:      %s (id %d)\n", humanize.Comma(st.Index.Commits), st.Index.CommitID)
	w.printf("    Tombstones:   %s (%.1f%% fragmented)\n", humanize.Comma(st.Index.Tombstones), st.Index.Fragmentation*100)
	if st.Index.Path != "" {
		w.printf("    Path:         %s (%s)\n", st.Index.Path, humanize.IBytes(uint64(max(st.Index.DiskBytes, 0))))
	} else {
		w.printf("    Path:         in-memory\n")
	}
	w.printf("    Last commit:  %s\n", r.ago(st.Index.LastCommit))
	w.printf("    Last optimize: %s\n", r.ago(st.Index.LastOptimize))
	for _, src := range sortedKeys(st.Documents) {
		w.printf("    %-13s %s\n", src+":", humanize.Comma(st.Documents[src]))
	}
	w.printf("\n")

	state := "running"
	switch {
	case st.Indexing.Paused:
		state = "paused"
	case !st.Indexing.Running:
		state = "stopped"
	}
	w.printf("  Indexing: %s, queue %d, dead letters %d\n", state, st.Indexing.QueueDepth, st.Indexing.DeadLetters)
	if st.Indexing.LastError != "" {
		w.printf("    Last error: %s (%s)\n", r.styles.Error.Render(st.Indexing.LastError), r.ago(st.Indexing.LastErrorAt))
	}

	if len(st.Providers) > 0 {
		w.printf("\n  Providers:\n")
		for _, p := range st.Providers {
			status := r.styles.Success.Render("healthy")
			if !p.Healthy {
				status = r.styles.Error.Render(p.Circuit)
			}
			w.printf("    %-12s %s, %s docs, last sync %s\n", p.Source, status,
				humanize.Comma(p.DocsSynced), r.ago(p.LastSyncAt))
		}
	}

	w.printf("\n  Queries: %s\n", r.percentiles(st.Performance.Stages[perf.StageTotal], st.Performance.Target))
	w.printf("  Cache:   %d entries, %.0f%% hit rate\n", st.Cache.Entries, st.Cache.HitRate*100)
	w.printf("  Admission: %d/%d in flight (capacity %d, %d rejected)\n",
		st.Admission.InFlight, st.Admission.Limit, st.Admission.Capacity, st.Admission.Rejected)

	if len(st.Problems) > 0 {
		w.printf("\n  %s\n", r.styles.Warning.Render("Problems:"))
		for _, p := range st.Problems {
			w.printf("    - %s\n", p)
		}
	}
	if len(st.Recommendations.Items) > 0 {
		w.printf("\n  Recommendations:\n")
		for _, item := range st.Recommendations.Items {
			w.printf("    - %s\n", item)
		}
	}
	return w.err
}

// RenderAnalytics prints usage analytics.
func (r *StatusRenderer) RenderAnalytics(a search.Analytics) error {
	w := &lineWriter{out: r.out}
	u := a.Usage
	w.printf("%s\n\n", r.styles.Header.Render("Search analytics"))
	if !u.Since.IsZero() {
		w.printf("  Since:          %s\n", r.ago(u.Since))
	}
	w.printf("  Queries:        %s (%s clicks)\n", humanize.Comma(u.TotalQueries), humanize.Comma(u.TotalClicks))
	w.printf("  Success rate:   %.1f%%\n", u.SuccessRate*100)
	w.printf("  Zero results:   %.1f%%\n", u.ZeroResultRate*100)
	w.printf("  Cache hit rate: %.1f%%\n", u.CacheHitRate*100)
	w.printf("  Avg latency:    %s\n", u.AvgLatency.Round(time.Microsecond))
	if u.PeakHour >= 0 {
		w.printf("  Peak hour:      %02d:00\n", u.PeakHour)
	}

	if len(u.PopularQueries) > 0 {
		w.printf("\n  Popular queries:\n")
		for i, q := range u.PopularQueries {
			w.printf("    %2d. %-30s %5d  ctr %.0f%%\n", i+1, q.Query, q.Count, q.ClickThroughRate*100)
		}
	}
	if len(u.ZeroResultQueries) > 0 {
		w.printf("\n  Queries with no results:\n")
		for _, q := range u.ZeroResultQueries {
			w.printf("    - %s\n", q)
		}
	}
	if len(a.Sources) > 0 {
		w.printf("\n  Sources:\n")
		for _, s := range a.Sources {
			w.printf("    %-12s %8s docs %6s queries\n", s.Source, humanize.Comma(s.Documents), humanize.Comma(s.Queries))
		}
	}

	stages := make([]string, 0, len(a.Performance.Stages))
	for stage := range a.Performance.Stages {
		stages = append(stages, string(stage))
	}
	sort.Strings(stages)
	if len(stages) > 0 {
		w.printf("\n  Latency:\n")
		for _, s := range stages {
			w.printf("    %-15s %s\n", s, r.percentiles(a.Performance.Stages[perf.Stage(s)], 0))
		}
	}
	return w.err
}

// RenderResults prints a search response with highlighted snippets.
func (r *StatusRenderer) RenderResults(text string, resp *search.Response) error {
	w := &lineWriter{out: r.out}
	if resp == nil || len(resp.Hits) == 0 {
		w.printf("No results for %q\n", text)
		return w.err
	}
	cached := ""
	if resp.CacheHit {
		cached = ", cached"
	}
	w.printf("%s %s of %s matches (%.1fms%s)\n\n", r.styles.Header.Render("Results:"),
		humanize.Comma(int64(len(resp.Hits))), humanize.Comma(int64(resp.TotalMatched)), resp.TookMs, cached)

	for i, h := range resp.Hits {
		title := h.Title
		if title == "" {
			title = h.Key
		}
		w.printf("%2d. %s %s\n", i+1, r.styles.Value.Render(title), r.styles.Dim.Render(fmt.Sprintf("[%s] %.2f", h.Key, h.Score)))
		meta := []string{string(h.ContentType)}
		if h.Author != "" {
			meta = append(meta, h.Author)
		}
		if !h.UpdatedAt.IsZero() {
			meta = append(meta, r.ago(h.UpdatedAt))
		}
		w.printf("    %s\n", r.styles.Label.Render(strings.Join(meta, " · ")))
		if h.Snippet != "" {
			w.printf("    %s\n", r.highlight(strings.Join(strings.Fields(h.Snippet), " ")))
		}
		if h.URL != "" {
			w.printf("    %s\n", r.styles.Dim.Render(h.URL))
		}
	}

	fields := sortedKeys(resp.Facets)
	if len(fields) > 0 {
		w.printf("\n")
	}
	for _, field := range fields {
		terms := make([]string, 0, len(resp.Facets[field]))
		for _, t := range resp.Facets[field] {
			terms = append(terms, fmt.Sprintf("%s (%d)", t.Term, t.Count))
		}
		w.printf("  %s %s\n", r.styles.Label.Render(field+":"), strings.Join(terms, ", "))
	}
	for _, term := range sortedKeys(resp.Expansions) {
		w.printf("  %s %s → %s\n", r.styles.Label.Render("expanded:"), term, strings.Join(resp.Expansions[term], ", "))
	}
	if resp.Partial {
		w.printf("\n  %s\n", r.styles.Warning.Render("results are partial"))
	}
	return w.err
}

// RenderJSON writes v as indented JSON.
func (r *StatusRenderer) RenderJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// highlight swaps the <mark> tags of a fragment for the highlight style.
func (r *StatusRenderer) highlight(fragment string) string {
	var sb strings.Builder
	for {
		start := strings.Index(fragment, "<mark>")
		if start < 0 {
			break
		}
		end := strings.Index(fragment[start:], "</mark>")
		if end < 0 {
			break
		}
		sb.WriteString(fragment[:start])
		sb.WriteString(r.styles.Highlight.Render(fragment[start+len("<mark>") : start+end]))
		fragment = fragment[start+end+len("</mark>"):]
	}
	sb.WriteString(fragment)
	return sb.String()
}

func (r *StatusRenderer) percentiles(p perf.Percentiles, target time.Duration) string {
	if p.Count == 0 {
		return "no samples"
	}
	s := fmt.Sprintf("p50 %s, p95 %s, p99 %s over %s",
		p.P50.Round(time.Microsecond), p.P95.Round(time.Microsecond), p.P99.Round(time.Microsecond),
		humanize.Comma(int64(p.Count)))
	if target > 0 && p.P95 > target {
		s += " " + r.styles.Warning.Render(fmt.Sprintf("(over %s target)", target))
	}
	return s
}

func (r *StatusRenderer) ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, r.now(), "ago", "from now")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lineWriter keeps the first write error so callers check once.
type lineWriter struct {
	out io.Writer
	err error
}

func (w *lineWriter) printf(format string, args ...any) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(w.out, format, args...)
}
