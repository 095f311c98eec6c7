package query

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
)

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func testConfig() parseConfig {
	return parseConfig{schema: document.DefaultSchema(), now: fixedNow, maxFuzzy: 2, maxDepth: 32}
}

func TestParse_Canonical(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"single term", "hello", `"hello"`},
		{"lowercased", "HeLLo", `"hello"`},
		{"implicit and", "a b", `(AND "a" "b")`},
		{"explicit or", "a OR b", `(OR "a" "b")`},
		{"and binds tighter", "a b OR c", `(OR "c" (AND "a" "b"))`},
		{"not", "a AND NOT b", `(AND "a" (NOT "b"))`},
		{"minus", "-b a", `(AND "a" (NOT "b"))`},
		{"phrase", `"quarterly report"`, `phrase("quarterly report")`},
		{"field phrase", `title:"quarterly report"`, `title:phrase("quarterly report")`},
		{"field group", "tags:(a OR b)", `(OR tags:"a" tags:"b")`},
		{"fuzzy default", "quartrly~", `"quartrly"~2`},
		{"fuzzy explicit", "quartrly~1", `"quartrly"~1`},
		{"prefix", "rep*", `"rep"*`},
		{"keyword lowercased", "Source:TEST", `source:"test"`},
		{"verbatim id", "id:ABC-1", `id:"ABC-1"`},
		{"alias", "from:alice", `author:"alice"`},
		{"match all", "*", `*`},
		{"exists", "author:*", `exists(author)`},
		{"hyphen inside word", "e-mail", `"e-mail"`},
		{"nested groups", "(a OR (b c))", `(OR "a" (AND "b" "c"))`},
		{"date gte", "updated_at:>=2024-01-01", `updated_at:[2024-01-01T00:00:00Z TO *}`},
		{"date equals day", "created_at:2024-03-05", `created_at:[2024-03-05T00:00:00Z TO 2024-03-06T00:00:00Z}`},
		{"date relative", "updated_at:>now-7d", `updated_at:{2024-06-08T12:00:00Z TO *}`},
		{"date today", "updated:today", `updated_at:[2024-06-15T00:00:00Z TO 2024-06-16T00:00:00Z}`},
		{"date range", "updated_at:[2024-01-01 TO 2024-01-31]", `updated_at:[2024-01-01T00:00:00Z TO 2024-02-01T00:00:00Z}`},
		{"date with time", "updated_at:>=2024-01-01T10:30:00Z", `updated_at:[2024-01-01T10:30:00Z TO *}`},
		{"keyword range", "author:{a TO m}", `author:{a TO m}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// When: parsing the input
			n, err := parse(tt.input, testConfig())

			// Then: the canonical form matches
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.String())
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		code  string
	}{
		{"unknown field", "nonexistentField:x", errors.ErrCodeUnknownField},
		{"unbalanced open", "(a OR b", errors.ErrCodeMalformedBoolean},
		{"unbalanced close", "a)", errors.ErrCodeMalformedBoolean},
		{"dangling or", "a OR", errors.ErrCodeMalformedBoolean},
		{"leading and", "AND a", errors.ErrCodeMalformedBoolean},
		{"empty group", "()", errors.ErrCodeMalformedBoolean},
		{"dangling not", "a NOT", errors.ErrCodeMalformedBoolean},
		{"unterminated quote", `"quarterly`, errors.ErrCodeInvalidQuery},
		{"fuzzy too far", "a~3", errors.ErrCodeFuzzyRange},
		{"range on text", "title:[a TO b]", errors.ErrCodeInvalidQuery},
		{"comparison on text", "body:>x", errors.ErrCodeInvalidQuery},
		{"bad date", "updated_at:>=yesterdayish", errors.ErrCodeInvalidQuery},
		{"inverted range", "created_at:[2024-02-01 TO 2024-01-01]", errors.ErrCodeInvalidQuery},
		{"range missing to", "author:[a b]", errors.ErrCodeInvalidQuery},
		{"fuzzy phrase", `"a b"~1`, errors.ErrCodeInvalidQuery},
		{"fuzzy wildcard", "ab*~1", errors.ErrCodeInvalidQuery},
		{"missing field value", "author:", errors.ErrCodeInvalidQuery},
		{"only whitespace", "   ", errors.ErrCodeQueryEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// When: parsing invalid input
			_, err := parse(tt.input, testConfig())

			// Then: the error carries the expected code
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err), err.Error())
		})
	}
}

func TestParse_DepthLimit(t *testing.T) {
	// Given: nesting one level deeper than allowed
	cfg := testConfig()
	input := strings.Repeat("(", cfg.maxDepth+1) + "a" + strings.Repeat(")", cfg.maxDepth+1)

	// When: parsing
	_, err := parse(input, cfg)

	// Then: it is rejected as malformed
	assert.Equal(t, errors.ErrCodeMalformedBoolean, errors.GetCode(err))

	// And: exactly at the limit it parses
	ok := strings.Repeat("(", cfg.maxDepth) + "a" + strings.Repeat(")", cfg.maxDepth)
	_, err = parse(ok, cfg)
	assert.NoError(t, err)
}

func TestParse_UnknownFieldSuggestsKnownFields(t *testing.T) {
	// When: referencing a missing field
	_, err := parse("colour:red", testConfig())

	// Then: the error names the field and lists alternatives
	se, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "colour", se.Details["field"])
	assert.Contains(t, se.Suggestion, "title")
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in         string
		start, end time.Time
	}{
		{"now", fixedNow, fixedNow},
		{"now-12h", fixedNow.Add(-12 * time.Hour), fixedNow.Add(-12 * time.Hour)},
		{"now+1w", fixedNow.AddDate(0, 0, 7), fixedNow.AddDate(0, 0, 7)},
		{"yesterday", time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)},
		{"last7days", fixedNow.AddDate(0, 0, -7), fixedNow},
		{"last30days", fixedNow.AddDate(0, 0, -30), fixedNow},
		{"2024-02", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2023", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := parseDate(tt.in, fixedNow)
			require.NoError(t, err)
			assert.True(t, tt.start.Equal(d.Start), "start %s", d.Start)
			assert.True(t, tt.end.Equal(d.End), "end %s", d.End)
		})
	}
}
