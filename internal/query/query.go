package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
)

// SortOrder selects result ordering.
type SortOrder string

const (
	SortRelevance    SortOrder = "relevance"
	SortDateDesc     SortOrder = "date_desc"
	SortDateAsc      SortOrder = "date_asc"
	SortAlphabetical SortOrder = "alphabetical"
)

// FilterOp is a structured filter operator.
type FilterOp string

const (
	OpEq          FilterOp = "eq"
	OpNeq         FilterOp = "neq"
	OpContains    FilterOp = "contains"
	OpNotContains FilterOp = "not_contains"
	OpPrefix      FilterOp = "prefix"
	OpSuffix      FilterOp = "suffix"
	OpIn          FilterOp = "in"
	OpNotIn       FilterOp = "not_in"
	OpExists      FilterOp = "exists"
	OpNotExists   FilterOp = "not_exists"
	OpGt          FilterOp = "gt"
	OpGte         FilterOp = "gte"
	OpLt          FilterOp = "lt"
	OpLte         FilterOp = "lte"
	OpRange       FilterOp = "range"
)

// Filter is a structured field constraint, ANDed with the text query.
// Range uses Values[0] and Values[1]; either may be empty for an open bound.
type Filter struct {
	Field  string   `json:"field"`
	Op     FilterOp `json:"op"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

// Query is a search request. Text uses the query DSL.
type Query struct {
	Text         string    `json:"text"`
	Filters      []Filter  `json:"filters,omitempty"`
	Fuzziness    int       `json:"fuzziness,omitempty"`
	Facets       []string  `json:"facets,omitempty"`
	FacetSize    int       `json:"facet_size,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
	Sort         SortOrder `json:"sort,omitempty"`
	Sources      []string  `json:"sources,omitempty"`
	ContentTypes []string  `json:"content_types,omitempty"`
	Highlight    bool      `json:"highlight,omitempty"`
}

// Options tunes compilation.
type Options struct {
	MaxFuzzyDistance int
	// MaxExpansions caps fuzzy candidates per term.
	MaxExpansions    int
	DefaultLimit     int
	MaxResults       int
	DefaultFacetSize int
	RecencyWeight    float64
	MaxQueryLength   int
	MaxDepth         int
	// Now is the clock for relative dates.
	Now func() time.Time
}

// DefaultOptions returns the compiler defaults.
func DefaultOptions() Options {
	return Options{
		MaxFuzzyDistance: 2,
		MaxExpansions:    50,
		DefaultLimit:     20,
		MaxResults:       100,
		DefaultFacetSize: 10,
		RecencyWeight:    0.3,
		MaxQueryLength:   1024,
		MaxDepth:         32,
		Now:              time.Now,
	}
}

// Prepared is a validated query. Producing one never reads the index.
type Prepared struct {
	Query Query
	Root  Node
	// Fingerprint identifies equivalent queries for caching.
	Fingerprint string
	ParseTime   time.Duration
}

// Prepare parses and validates q against the schema. It does not touch the index.
func (c *Compiler) Prepare(q Query) (*Prepared, error) {
	start := time.Now()
	opts := c.opts

	text := strings.TrimSpace(q.Text)
	if len(text) > opts.MaxQueryLength {
		return nil, errors.Newf(errors.ErrCodeQueryTooLong,
			"query length %d exceeds maximum %d", len(text), opts.MaxQueryLength)
	}
	if q.Fuzziness < 0 || q.Fuzziness > opts.MaxFuzzyDistance {
		return nil, errors.Newf(errors.ErrCodeFuzzyRange,
			"fuzziness %d out of range 0..%d", q.Fuzziness, opts.MaxFuzzyDistance)
	}
	if q.Offset < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidQuery, "negative offset %d", q.Offset)
	}
	if q.Limit < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidQuery, "negative limit %d", q.Limit)
	}

	now := opts.Now().UTC().Truncate(time.Second)
	cfg := parseConfig{schema: c.schema, now: now, maxFuzzy: opts.MaxFuzzyDistance, maxDepth: opts.MaxDepth}

	var root Node
	if text != "" {
		n, err := parse(text, cfg)
		if err != nil {
			return nil, err
		}
		root = applyFuzziness(n, q.Fuzziness)
	}

	filterNodes, err := c.filterNodes(q, cfg)
	if err != nil {
		return nil, err
	}
	if root == nil && len(filterNodes) == 0 {
		return nil, errors.ErrQueryEmpty
	}
	if root == nil {
		root = MatchAllNode{}
	}
	root = and(append([]Node{root}, filterNodes...)...)

	q.Text = text
	q.Facets, err = c.resolveFacets(q.Facets)
	if err != nil {
		return nil, err
	}
	if q.FacetSize <= 0 {
		q.FacetSize = opts.DefaultFacetSize
	}
	if q.Limit == 0 {
		q.Limit = opts.DefaultLimit
	}
	if q.Limit > opts.MaxResults {
		q.Limit = opts.MaxResults
	}
	switch q.Sort {
	case "":
		q.Sort = SortRelevance
	case SortRelevance, SortDateDesc, SortDateAsc, SortAlphabetical:
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidQuery, "unknown sort %q", q.Sort)
	}

	p := &Prepared{Query: q, Root: root, ParseTime: time.Since(start)}
	p.Fingerprint = fingerprint(p)

	c.logger.Debug("query_prepared",
		slog.String("fingerprint", p.Fingerprint[:12]),
		slog.Duration("parse", p.ParseTime))
	return p, nil
}

// applyFuzziness sets the default distance on free-text terms that did not
// specify one.
func applyFuzziness(n Node, fuzziness int) Node {
	if fuzziness <= 0 {
		return n
	}
	walk(n, func(node Node) {
		if t, ok := node.(*TermNode); ok && t.Field == "" && t.Fuzzy == NoFuzz && !t.Prefix && !t.Wildcard {
			t.Fuzzy = fuzziness
		}
	})
	return n
}

func (c *Compiler) resolveFacets(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		f, ok := c.schema.Lookup(name)
		if !ok {
			return nil, unknownField(c.schema, name)
		}
		if !f.Facetable {
			return nil, errors.Newf(errors.ErrCodeInvalidQuery, "field %q is not facetable", f.Name).
				WithSuggestion("Facetable fields: " + strings.Join(c.schema.FacetableNames(), ", "))
		}
		if !seen[f.Name] {
			seen[f.Name] = true
			out = append(out, f.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// filterNodes converts structured filters and the source/content-type
// shortcuts into tree nodes.
func (c *Compiler) filterNodes(q Query, cfg parseConfig) ([]Node, error) {
	var nodes []Node
	if len(q.Sources) > 0 {
		n, err := c.filterNode(Filter{Field: document.FieldSource, Op: OpIn, Values: q.Sources}, cfg)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if len(q.ContentTypes) > 0 {
		n, err := c.filterNode(Filter{Field: document.FieldContentType, Op: OpIn, Values: q.ContentTypes}, cfg)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	for _, f := range q.Filters {
		n, err := c.filterNode(f, cfg)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (c *Compiler) filterNode(f Filter, cfg parseConfig) (Node, error) {
	field, ok := c.schema.Lookup(f.Field)
	if !ok {
		return nil, unknownField(c.schema, f.Field)
	}
	bad := func(format string, args ...any) error {
		msg := fmt.Sprintf(format, args...)
		return errors.Newf(errors.ErrCodeInvalidQuery, "filter %s %s: %s", field.Name, f.Op, msg)
	}

	value := func(v string) (string, error) {
		if strings.TrimSpace(v) == "" {
			return "", bad("missing value")
		}
		if field.Kind == document.KindText {
			return strings.ToLower(strings.TrimSpace(v)), nil
		}
		return normalizeKeyword(field, v), nil
	}

	eq := func(v string) (Node, error) {
		if field.Kind == document.KindDate {
			d, err := parseDate(v, cfg.now)
			if err != nil {
				return nil, bad("%v", err)
			}
			return dateCompare(field.Name, "=", d), nil
		}
		val, err := value(v)
		if err != nil {
			return nil, err
		}
		if field.Kind == document.KindText {
			if strings.ContainsAny(val, " \t") {
				return &PhraseNode{Field: field.Name, Text: val}, nil
			}
		}
		return &TermNode{Field: field.Name, Value: val, Fuzzy: NoFuzz}, nil
	}

	compare := func(op, v string) (Node, error) {
		switch field.Kind {
		case document.KindDate:
			d, err := parseDate(v, cfg.now)
			if err != nil {
				return nil, bad("%v", err)
			}
			return dateCompare(field.Name, op, d), nil
		case document.KindKeyword:
			val, err := value(v)
			if err != nil {
				return nil, err
			}
			return keywordCompare(field.Name, op, val), nil
		default:
			return nil, bad("comparison on text field")
		}
	}

	switch f.Op {
	case OpEq, "":
		return eq(f.Value)
	case OpNeq:
		n, err := eq(f.Value)
		if err != nil {
			return nil, err
		}
		return &NotNode{Child: n}, nil
	case OpContains, OpNotContains, OpSuffix:
		if field.Kind == document.KindDate {
			return nil, bad("not supported on date field")
		}
		val, err := value(f.Value)
		if err != nil {
			return nil, err
		}
		var n Node
		switch {
		case f.Op == OpSuffix:
			n = &TermNode{Field: field.Name, Value: "*" + stripWildcards(val), Fuzzy: NoFuzz, Wildcard: true}
		case field.Kind == document.KindText:
			n = &TermNode{Field: field.Name, Value: val, Fuzzy: NoFuzz}
		default:
			n = &TermNode{Field: field.Name, Value: "*" + stripWildcards(val) + "*", Fuzzy: NoFuzz, Wildcard: true}
		}
		if f.Op == OpNotContains {
			return &NotNode{Child: n}, nil
		}
		return n, nil
	case OpPrefix:
		if field.Kind == document.KindDate {
			return nil, bad("not supported on date field")
		}
		val, err := value(f.Value)
		if err != nil {
			return nil, err
		}
		return &TermNode{Field: field.Name, Value: val, Fuzzy: NoFuzz, Prefix: true}, nil
	case OpIn, OpNotIn:
		if len(f.Values) == 0 {
			return nil, bad("empty value list")
		}
		var children []Node
		for _, v := range f.Values {
			n, err := eq(v)
			if err != nil {
				return nil, err
			}
			children = append(children, n)
		}
		n := or(children...)
		if f.Op == OpNotIn {
			return &NotNode{Child: n}, nil
		}
		return n, nil
	case OpExists:
		return &ExistsNode{Field: field.Name}, nil
	case OpNotExists:
		return &NotNode{Child: &ExistsNode{Field: field.Name}}, nil
	case OpGt:
		return compare(">", f.Value)
	case OpGte:
		return compare(">=", f.Value)
	case OpLt:
		return compare("<", f.Value)
	case OpLte:
		return compare("<=", f.Value)
	case OpRange:
		if len(f.Values) != 2 {
			return nil, bad("range needs two values")
		}
		low, high := strings.TrimSpace(f.Values[0]), strings.TrimSpace(f.Values[1])
		if low == "" && high == "" {
			return nil, bad("range needs at least one bound")
		}
		switch field.Kind {
		case document.KindDate:
			var lowDate, highDate *dateValue
			if low != "" {
				d, err := parseDate(low, cfg.now)
				if err != nil {
					return nil, bad("%v", err)
				}
				lowDate = &d
			}
			if high != "" {
				d, err := parseDate(high, cfg.now)
				if err != nil {
					return nil, bad("%v", err)
				}
				highDate = &d
			}
			return dateRange(field.Name, lowDate, highDate, true, true), nil
		case document.KindKeyword:
			l, h := normalizeKeyword(field, low), normalizeKeyword(field, high)
			return &RangeNode{
				Field: field.Name,
				Low:   Bound{Value: l, Inclusive: l != ""},
				High:  Bound{Value: h, Inclusive: h != ""},
			}, nil
		default:
			return nil, bad("range on text field")
		}
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidQuery, "unknown filter operator %q", f.Op)
	}
}

// stripWildcards removes wildcard metacharacters; they cannot be escaped.
func stripWildcards(s string) string {
	return strings.NewReplacer("*", "", "?", "").Replace(s)
}

// fingerprint hashes everything that changes the response.
func fingerprint(p *Prepared) string {
	q := p.Query
	var sb strings.Builder
	sb.WriteString(p.Root.String())
	sb.WriteString("|f=")
	sb.WriteString(strings.Join(q.Facets, ","))
	sb.WriteString("|fs=")
	sb.WriteString(strconv.Itoa(q.FacetSize))
	sb.WriteString("|l=")
	sb.WriteString(strconv.Itoa(q.Limit))
	sb.WriteString("|o=")
	sb.WriteString(strconv.Itoa(q.Offset))
	sb.WriteString("|s=")
	sb.WriteString(string(q.Sort))
	sb.WriteString("|h=")
	sb.WriteString(strconv.FormatBool(q.Highlight))
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
