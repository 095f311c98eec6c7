package query

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/store"
)

// snippetRunes bounds snippets built from the body.
const snippetRunes = 200

// Hit is one search result.
type Hit struct {
	// DocumentID is the provider-native id.
	DocumentID  string               `json:"document_id"`
	Key         string               `json:"key"`
	Source      string               `json:"source"`
	Score       float64              `json:"score"`
	Title       string               `json:"title"`
	Snippet     string               `json:"snippet"`
	Author      string               `json:"author,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
	URL         string               `json:"url,omitempty"`
	ContentType document.ContentType `json:"content_type"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Highlights  map[string][]string  `json:"highlights,omitempty"`
}

// FacetTerm is one facet bucket.
type FacetTerm struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// Timings are per-stage durations of one query.
type Timings struct {
	Parse  time.Duration `json:"parse"`
	Lower  time.Duration `json:"lower"`
	Lookup time.Duration `json:"lookup"`
	Facets time.Duration `json:"facets"`
	Total  time.Duration `json:"total"`
}

// Response is the result of executing a plan.
type Response struct {
	Hits         []Hit                  `json:"hits"`
	Facets       map[string][]FacetTerm `json:"facets,omitempty"`
	TotalMatched uint64                 `json:"total_matched"`
	TookMs       float64                `json:"took_ms"`
	Expansions   map[string][]string    `json:"expansions,omitempty"`
	Timings      Timings                `json:"timings"`
	// Partial is set when some providers failed during the cycle that fed this
	// result. The compiler never sets it.
	Partial bool `json:"partial,omitempty"`
}

// Execute runs plan against the index snapshot current at call time.
func (c *Compiler) Execute(ctx context.Context, plan *Plan) (*Response, error) {
	lookupStart := time.Now()
	res, err := c.index.Search(ctx, plan.Request)
	if err != nil {
		return nil, err
	}
	lookup := time.Since(lookupStart)

	resp := &Response{
		Hits:         make([]Hit, 0, len(res.Hits)),
		TotalMatched: res.Total,
	}
	for _, h := range res.Hits {
		resp.Hits = append(resp.Hits, toHit(h.ID, h.Score, h.Fields, h.Fragments))
	}
	if len(plan.Expansions) > 0 {
		resp.Expansions = plan.Expansions
	}

	var facets time.Duration
	if len(plan.Prepared.Query.Facets) > 0 {
		facetStart := time.Now()
		resp.Facets = convertFacets(res)
		facets = time.Since(facetStart)
	}

	resp.Timings = Timings{
		Parse:  plan.Prepared.ParseTime,
		Lower:  plan.LowerTime,
		Lookup: lookup,
		Facets: facets,
	}
	resp.Timings.Total = resp.Timings.Parse + resp.Timings.Lower + lookup + facets
	resp.TookMs = float64(resp.Timings.Total.Microseconds()) / 1000

	c.logger.Debug("query_executed",
		slog.String("fingerprint", plan.Prepared.Fingerprint[:12]),
		slog.Uint64("total", res.Total),
		slog.Int("hits", len(resp.Hits)),
		slog.Duration("lookup", lookup))
	return resp, nil
}

// Search prepares, plans and executes q.
func (c *Compiler) Search(ctx context.Context, q Query) (*Response, error) {
	plan, err := c.Compile(ctx, q)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, plan)
}

func toHit(key string, score float64, fields map[string]interface{}, fragments map[string][]string) Hit {
	doc := store.FromStored(fields)
	if doc.ID == "" {
		_, doc.ID, _ = document.SplitKey(key)
	}
	h := Hit{
		DocumentID:  doc.ID,
		Key:         key,
		Source:      doc.Source,
		Score:       score,
		Title:       doc.Title,
		Author:      doc.Author,
		Tags:        doc.Tags,
		URL:         doc.URL,
		ContentType: doc.ContentType,
		UpdatedAt:   doc.UpdatedAt,
	}
	if len(fragments) > 0 {
		h.Highlights = fragments
		if frag := fragments[document.FieldBody]; len(frag) > 0 {
			h.Snippet = frag[0]
		} else if frag := fragments[document.FieldTitle]; len(frag) > 0 {
			h.Snippet = frag[0]
		}
	}
	if h.Snippet == "" {
		h.Snippet = snippet(doc.Body)
	}
	return h
}

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(body) <= snippetRunes {
		return body
	}
	runes := []rune(body)
	cut := string(runes[:snippetRunes])
	if i := strings.LastIndexByte(cut, ' '); i > snippetRunes/2 {
		cut = cut[:i]
	}
	return cut + "…"
}

func convertFacets(res *bleve.SearchResult) map[string][]FacetTerm {
	out := make(map[string][]FacetTerm, len(res.Facets))
	for name, fr := range res.Facets {
		terms := []FacetTerm{}
		if fr.Terms != nil {
			for _, t := range fr.Terms.Terms() {
				terms = append(terms, FacetTerm{Term: t.Term, Count: t.Count})
			}
		}
		out[name] = terms
	}
	return out
}
