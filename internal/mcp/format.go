package mcp

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Aman-CERP/unisearch/internal/query"
	"github.com/Aman-CERP/unisearch/internal/search"
)

// FormatSearchResults renders a response as markdown for the host.
func FormatSearchResults(text string, resp *search.Response) string {
	if resp == nil || len(resp.Hits) == 0 {
		return fmt.Sprintf("No results found for \"%s\"", text)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Search Results for \"%s\"\n\n", text)
	fmt.Fprintf(&sb, "Showing %d of %d match", len(resp.Hits), resp.TotalMatched)
	if resp.TotalMatched != 1 {
		sb.WriteString("es")
	}
	if resp.Partial {
		sb.WriteString(" (partial: some sources failed to sync)")
	}
	sb.WriteString("\n\n")

	for i, h := range resp.Hits {
		formatHit(&sb, i+1, h)
	}
	formatFacets(&sb, resp.Facets)
	return sb.String()
}

func formatHit(sb *strings.Builder, num int, h query.Hit) {
	title := h.Title
	if title == "" {
		title = h.Key
	}
	fmt.Fprintf(sb, "### %d. %s (score: %.2f)\n", num, title, h.Score)
	fmt.Fprintf(sb, "`%s` · %s", h.Key, h.ContentType)
	if !h.UpdatedAt.IsZero() {
		fmt.Fprintf(sb, " · %s", h.UpdatedAt.Format(time.DateOnly))
	}
	if h.Author != "" {
		fmt.Fprintf(sb, " · %s", h.Author)
	}
	sb.WriteString("\n")
	if h.URL != "" {
		fmt.Fprintf(sb, "<%s>\n", h.URL)
	}
	if h.Snippet != "" {
		fmt.Fprintf(sb, "\n> %s\n", strings.ReplaceAll(h.Snippet, "\n", "\n> "))
	}
	sb.WriteString("\n")
}

func formatFacets(sb *strings.Builder, facets map[string][]query.FacetTerm) {
	if len(facets) == 0 {
		return
	}
	fields := make([]string, 0, len(facets))
	for f := range facets {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	sb.WriteString("#### Facets\n\n")
	for _, f := range fields {
		parts := make([]string, 0, len(facets[f]))
		for _, t := range facets[f] {
			parts = append(parts, fmt.Sprintf("%s (%d)", t.Term, t.Count))
		}
		fmt.Fprintf(sb, "- **%s**: %s\n", f, strings.Join(parts, ", "))
	}
}

// FormatSuggestions renders suggestions as a bullet list.
func FormatSuggestions(partial string, suggestions []string) string {
	if len(suggestions) == 0 {
		return fmt.Sprintf("No suggestions for \"%s\"", partial)
	}
	var sb strings.Builder
	for _, s := range suggestions {
		sb.WriteString("- ")
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatStatus renders a one-screen health summary.
func FormatStatus(st search.ServiceStatus) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Status: %s (health %.0f/100)\n\n", st.Status, st.HealthScore)
	fmt.Fprintf(&sb, "- Documents: %d (commit %d)\n", st.Index.Documents, st.Index.CommitID)
	fmt.Fprintf(&sb, "- Queue depth: %d, dead letters: %d\n", st.Indexing.QueueDepth, st.Indexing.DeadLetters)
	if total, ok := st.Performance.Stages["total"]; ok {
		fmt.Fprintf(&sb, "- Query p95: %s (target %s)\n", total.P95.Round(time.Millisecond), st.Performance.Target)
	}
	fmt.Fprintf(&sb, "- Cache hit rate: %.1f%%\n", st.Cache.HitRate*100)
	for _, h := range st.Providers {
		state := "healthy"
		if !h.Healthy {
			state = h.Circuit
		}
		fmt.Fprintf(&sb, "- Provider %s: %s\n", h.Source, state)
	}
	if len(st.Problems) > 0 {
		sb.WriteString("\n### Problems\n\n")
		for _, p := range st.Problems {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
	}
	return sb.String()
}

// ToSearchOutput converts an engine response to the tool output.
func ToSearchOutput(text string, resp *search.Response) SearchOutput {
	out := SearchOutput{
		Query:        text,
		TotalMatched: resp.TotalMatched,
		TookMs:       resp.TookMs,
		CacheHit:     resp.CacheHit,
		Partial:      resp.Partial,
		Results:      make([]SearchResultOutput, 0, len(resp.Hits)),
	}
	for _, h := range resp.Hits {
		r := SearchResultOutput{
			Key:         h.Key,
			Source:      h.Source,
			Title:       h.Title,
			Snippet:     h.Snippet,
			Score:       h.Score,
			ContentType: string(h.ContentType),
			MIMEType:    MimeTypeForHit(h.ContentType, h.URL),
			Author:      h.Author,
			Tags:        h.Tags,
			URL:         h.URL,
		}
		if !h.UpdatedAt.IsZero() {
			r.UpdatedAt = h.UpdatedAt.UTC().Format(time.RFC3339)
		}
		out.Results = append(out.Results, r)
	}
	if len(resp.Facets) > 0 {
		out.Facets = make(map[string][]FacetItem, len(resp.Facets))
		for f, terms := range resp.Facets {
			items := make([]FacetItem, len(terms))
			for i, t := range terms {
				items[i] = FacetItem{Term: t.Term, Count: t.Count}
			}
			out.Facets[f] = items
		}
	}
	return out
}

// clampLimit bounds limit to [1, ceiling], mapping non-positive to def.
func clampLimit(limit, def, ceiling int) int {
	switch {
	case limit <= 0:
		return def
	case limit > ceiling:
		return ceiling
	default:
		return limit
	}
}
