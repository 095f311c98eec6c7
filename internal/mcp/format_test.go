package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/provider"
	"github.com/Aman-CERP/unisearch/internal/query"
	"github.com/Aman-CERP/unisearch/internal/search"
)

func sampleResponse() *search.Response {
	return &search.Response{
		Response: query.Response{
			TotalMatched: 3,
			TookMs:       4.2,
			Hits: []query.Hit{
				{
					Key:         "mail/42",
					Source:      "mail",
					Title:       "Invoice overdue",
					Snippet:     "the <mark>invoice</mark> is\nlate",
					Score:       1.5,
					ContentType: document.ContentEmail,
					Author:      "ana@example.com",
					UpdatedAt:   time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
				},
				{Key: "wiki/7", Source: "wiki", ContentType: document.ContentPage, URL: "https://wiki/x.html"},
			},
			Facets: map[string][]query.FacetTerm{
				"source": {{Term: "mail", Count: 2}, {Term: "wiki", Count: 1}},
			},
		},
		CacheHit: true,
	}
}

func TestFormatSearchResults(t *testing.T) {
	out := FormatSearchResults("invoice", sampleResponse())

	assert.Contains(t, out, `## Search Results for "invoice"`)
	assert.Contains(t, out, "Showing 2 of 3 matches")
	assert.Contains(t, out, "### 1. Invoice overdue (score: 1.50)")
	assert.Contains(t, out, "2024-05-02")
	assert.Contains(t, out, "> late")
	// Untitled hits fall back to the key.
	assert.Contains(t, out, "### 2. wiki/7")
	assert.Contains(t, out, "- **source**: mail (2), wiki (1)")
}

func TestFormatSearchResults_Empty(t *testing.T) {
	assert.Equal(t, `No results found for "zzz"`, FormatSearchResults("zzz", &search.Response{}))
	assert.Equal(t, `No results found for "zzz"`, FormatSearchResults("zzz", nil))
}

func TestFormatSearchResults_Partial(t *testing.T) {
	resp := sampleResponse()
	resp.Partial = true

	assert.Contains(t, FormatSearchResults("invoice", resp), "partial")
}

func TestToSearchOutput(t *testing.T) {
	out := ToSearchOutput("invoice", sampleResponse())

	assert.Equal(t, uint64(3), out.TotalMatched)
	assert.True(t, out.CacheHit)
	assert.Len(t, out.Results, 2)
	assert.Equal(t, "message/rfc822", out.Results[0].MIMEType)
	assert.Equal(t, "2024-05-02T10:00:00Z", out.Results[0].UpdatedAt)
	assert.Equal(t, "text/html", out.Results[1].MIMEType)
	assert.Empty(t, out.Results[1].UpdatedAt)
	assert.Equal(t, []FacetItem{{Term: "mail", Count: 2}, {Term: "wiki", Count: 1}}, out.Facets["source"])
}

func TestFormatStatus(t *testing.T) {
	st := search.ServiceStatus{
		Status:      search.StatusDegraded,
		HealthScore: 70,
		Providers: []provider.Health{
			{Source: "mail", Healthy: true},
			{Source: "chat", Circuit: "open"},
		},
		Problems: []string{"provider chat is open"},
	}

	out := FormatStatus(st)

	assert.Contains(t, out, "## Status: degraded (health 70/100)")
	assert.Contains(t, out, "- Provider mail: healthy")
	assert.Contains(t, out, "- Provider chat: open")
	assert.Contains(t, out, "### Problems")
}

func TestFormatSuggestions(t *testing.T) {
	assert.Equal(t, "- revenue\n- review\n", FormatSuggestions("rev", []string{"revenue", "review"}))
	assert.Contains(t, FormatSuggestions("q", nil), "No suggestions")
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 10, clampLimit(0, 10, 50))
	assert.Equal(t, 10, clampLimit(-3, 10, 50))
	assert.Equal(t, 7, clampLimit(7, 10, 50))
	assert.Equal(t, 50, clampLimit(500, 10, 50))
}
