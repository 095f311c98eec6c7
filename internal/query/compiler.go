package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/blevesearch/bleve/v2"
	bq "github.com/blevesearch/bleve/v2/search/query"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/store"
)

// Index is the read side of the index store used by the compiler.
type Index interface {
	Search(ctx context.Context, req *bleve.SearchRequest) (*bleve.SearchResult, error)
	Terms(field, prefix string, fn func(store.Term) bool) error
}

// Compile-time interface check.
var _ Index = (*store.IndexStore)(nil)

// Title matches outrank body matches.
const titleBoost = 2.0

// Bleve cannot represent times outside int64 nanoseconds.
var minIndexableTime = time.Date(1678, 1, 1, 0, 0, 0, 0, time.UTC)

// Compiler turns queries into executable plans.
type Compiler struct {
	index  Index
	schema *document.Schema
	opts   Options
	logger *slog.Logger
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithOptions replaces the compiler options. Zero fields keep their defaults,
// except RecencyWeight which is taken as given.
func WithOptions(o Options) CompilerOption {
	return func(c *Compiler) {
		d := DefaultOptions()
		if o.MaxFuzzyDistance > 0 {
			d.MaxFuzzyDistance = o.MaxFuzzyDistance
		}
		if o.MaxExpansions > 0 {
			d.MaxExpansions = o.MaxExpansions
		}
		if o.DefaultLimit > 0 {
			d.DefaultLimit = o.DefaultLimit
		}
		if o.MaxResults > 0 {
			d.MaxResults = o.MaxResults
		}
		if o.DefaultFacetSize > 0 {
			d.DefaultFacetSize = o.DefaultFacetSize
		}
		if o.RecencyWeight >= 0 {
			d.RecencyWeight = o.RecencyWeight
		}
		if o.MaxQueryLength > 0 {
			d.MaxQueryLength = o.MaxQueryLength
		}
		if o.MaxDepth > 0 {
			d.MaxDepth = o.MaxDepth
		}
		if o.Now != nil {
			d.Now = o.Now
		}
		c.opts = d
	}
}

// WithCompilerLogger sets the logger.
func WithCompilerLogger(l *slog.Logger) CompilerOption {
	return func(c *Compiler) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCompiler creates a compiler over idx.
func NewCompiler(idx Index, schema *document.Schema, opts ...CompilerOption) *Compiler {
	c := &Compiler{
		index:  idx,
		schema: schema,
		opts:   DefaultOptions(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Options returns the active options.
func (c *Compiler) Options() Options { return c.opts }

// Plan is a lowered, ready-to-run query.
type Plan struct {
	Prepared *Prepared
	Request  *bleve.SearchRequest
	// Expansions maps fuzzy terms to the vocabulary terms they matched.
	Expansions map[string][]string
	LowerTime  time.Duration
}

// Compile prepares and lowers q in one step.
func (c *Compiler) Compile(ctx context.Context, q Query) (*Plan, error) {
	p, err := c.Prepare(q)
	if err != nil {
		return nil, err
	}
	return c.Plan(ctx, p)
}

// Plan lowers a prepared query to a bleve request. Fuzzy terms are expanded
// against the index vocabulary here.
func (c *Compiler) Plan(ctx context.Context, p *Prepared) (*Plan, error) {
	start := time.Now()
	l := &lowering{c: c, ctx: ctx, expansions: make(map[string][]string)}

	root, err := l.lower(p.Root)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := p.Query
	if q.Sort == SortRelevance && c.opts.RecencyWeight > 0 {
		root = c.withRecency(root)
	}

	req := bleve.NewSearchRequestOptions(root, q.Limit, q.Offset, false)
	req.Fields = []string{
		document.FieldID, document.FieldSource, document.FieldTitle, document.FieldBody,
		document.FieldAuthor, document.FieldTags, document.FieldURL,
		document.FieldContentType, document.FieldUpdatedAt,
	}
	switch q.Sort {
	case SortDateDesc:
		req.SortBy([]string{"-" + document.FieldUpdatedAt, "-_score"})
	case SortDateAsc:
		req.SortBy([]string{document.FieldUpdatedAt, "-_score"})
	case SortAlphabetical:
		req.SortBy([]string{document.FieldTitleSort, "_id"})
	}
	for _, f := range q.Facets {
		req.AddFacet(f, bleve.NewFacetRequest(f, q.FacetSize))
	}
	if q.Highlight {
		req.Highlight = bleve.NewHighlight()
		for _, f := range c.schema.TextFields() {
			req.Highlight.AddField(f)
		}
	}

	plan := &Plan{Prepared: p, Request: req, Expansions: l.expansions, LowerTime: time.Since(start)}
	c.logger.Debug("query_planned",
		slog.String("fingerprint", p.Fingerprint[:12]),
		slog.Int("expansions", len(l.expansions)),
		slog.Duration("lower", plan.LowerTime))
	return plan, nil
}

// withRecency adds optional clauses that score recently updated documents.
func (c *Compiler) withRecency(root bq.Query) bq.Query {
	now := c.opts.Now().UTC().Truncate(time.Second)
	w := c.opts.RecencyWeight
	b := bleve.NewBooleanQuery()
	b.AddMust(root)
	for _, window := range []struct {
		age    time.Duration
		weight float64
	}{
		{24 * time.Hour, 3},
		{7 * 24 * time.Hour, 2},
		{30 * 24 * time.Hour, 1},
	} {
		r := bleve.NewDateRangeQuery(now.Add(-window.age), time.Time{})
		r.SetField(document.FieldUpdatedAt)
		r.SetBoost(w * window.weight)
		b.AddShould(r)
	}
	return b
}

type lowering struct {
	c          *Compiler
	ctx        context.Context
	expansions map[string][]string
}

func (l *lowering) lower(n Node) (bq.Query, error) {
	switch v := n.(type) {
	case MatchAllNode:
		return bleve.NewMatchAllQuery(), nil
	case *TermNode:
		return l.term(v)
	case *PhraseNode:
		if v.Field != "" {
			pq := bleve.NewMatchPhraseQuery(v.Text)
			pq.SetField(v.Field)
			return pq, nil
		}
		var alts []bq.Query
		for _, f := range l.c.schema.TextFields() {
			pq := bleve.NewMatchPhraseQuery(v.Text)
			pq.SetField(f)
			if f == document.FieldTitle {
				pq.SetBoost(titleBoost)
			}
			alts = append(alts, pq)
		}
		return bleve.NewDisjunctionQuery(alts...), nil
	case *RangeNode:
		return l.rangeQuery(v)
	case *ExistsNode:
		f, _ := l.c.schema.Lookup(v.Field)
		if f.Kind == document.KindDate {
			r := bleve.NewDateRangeQuery(minIndexableTime, time.Time{})
			r.SetField(f.Name)
			return r, nil
		}
		wq := bleve.NewWildcardQuery("*")
		wq.SetField(f.Name)
		return wq, nil
	case *NotNode:
		child, err := l.lower(v.Child)
		if err != nil {
			return nil, err
		}
		b := bleve.NewBooleanQuery()
		b.AddMust(bleve.NewMatchAllQuery())
		b.AddMustNot(child)
		return b, nil
	case *BoolNode:
		return l.boolean(v)
	default:
		return nil, errors.Newf(errors.ErrCodeInternal, "cannot lower %T", n)
	}
}

// boolean lowers AND to conjunction with NOT children as exclusions, and OR
// to disjunction. Both sum clause scores.
func (l *lowering) boolean(n *BoolNode) (bq.Query, error) {
	if n.Op == OpOr {
		children := make([]bq.Query, 0, len(n.Children))
		for _, c := range n.Children {
			q, err := l.lower(c)
			if err != nil {
				return nil, err
			}
			children = append(children, q)
		}
		return bleve.NewDisjunctionQuery(children...), nil
	}

	b := bleve.NewBooleanQuery()
	var must int
	for _, c := range n.Children {
		if not, ok := c.(*NotNode); ok {
			q, err := l.lower(not.Child)
			if err != nil {
				return nil, err
			}
			b.AddMustNot(q)
			continue
		}
		q, err := l.lower(c)
		if err != nil {
			return nil, err
		}
		b.AddMust(q)
		must++
	}
	if must == 0 {
		b.AddMust(bleve.NewMatchAllQuery())
	}
	return b, nil
}

func (l *lowering) term(n *TermNode) (bq.Query, error) {
	if n.Field != "" {
		f, _ := l.c.schema.Lookup(n.Field)
		return l.fieldTerm(f, n, 1)
	}
	var alts []bq.Query
	for _, name := range l.c.schema.TextFields() {
		f, _ := l.c.schema.Lookup(name)
		boost := 1.0
		if name == document.FieldTitle {
			boost = titleBoost
		}
		q, err := l.fieldTerm(f, n, boost)
		if err != nil {
			return nil, err
		}
		alts = append(alts, q)
	}
	return bleve.NewDisjunctionQuery(alts...), nil
}

func (l *lowering) fieldTerm(f document.Field, n *TermNode, boost float64) (bq.Query, error) {
	var q bq.Query
	switch {
	case n.Prefix:
		pq := bleve.NewPrefixQuery(n.Value)
		pq.SetField(f.Name)
		pq.SetBoost(boost)
		q = pq
	case n.Wildcard:
		wq := bleve.NewWildcardQuery(n.Value)
		wq.SetField(f.Name)
		wq.SetBoost(boost)
		q = wq
	case n.Fuzzy > 0 && singleToken(n.Value):
		return l.fuzzy(f, n.Value, n.Fuzzy, boost)
	case f.Kind == document.KindText:
		mq := bleve.NewMatchQuery(n.Value)
		mq.SetField(f.Name)
		mq.SetOperator(bq.MatchQueryOperatorAnd)
		if n.Fuzzy > 0 {
			mq.SetFuzziness(n.Fuzzy)
		}
		mq.SetBoost(boost)
		q = mq
	default:
		tq := bleve.NewTermQuery(n.Value)
		tq.SetField(f.Name)
		tq.SetBoost(boost)
		q = tq
	}
	return q, nil
}

// fuzzy expands term to vocabulary terms within dist edits. Candidates are
// ranked by distance then frequency and capped at MaxExpansions.
func (l *lowering) fuzzy(f document.Field, term string, dist int, boost float64) (bq.Query, error) {
	candidates, err := l.c.expand(l.ctx, f.Name, term, dist)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return bleve.NewMatchNoneQuery(), nil
	}

	key := f.Name + ":" + term
	alts := make([]bq.Query, 0, len(candidates))
	for _, cand := range candidates {
		tq := bleve.NewTermQuery(cand.term)
		tq.SetField(f.Name)
		tq.SetBoost(boost / float64(1+cand.distance))
		alts = append(alts, tq)
		l.expansions[key] = append(l.expansions[key], cand.term)
	}
	return bleve.NewDisjunctionQuery(alts...), nil
}

type candidate struct {
	term     string
	distance int
	count    uint64
}

func (c *Compiler) expand(ctx context.Context, field, term string, dist int) ([]candidate, error) {
	termLen := utf8.RuneCountInString(term)
	var out []candidate
	var scanned int
	err := c.index.Terms(field, "", func(t store.Term) bool {
		scanned++
		if scanned%4096 == 0 && ctx.Err() != nil {
			return false
		}
		diff := utf8.RuneCountInString(t.Term) - termLen
		if diff > dist || -diff > dist {
			return true
		}
		if d := levenshtein.ComputeDistance(term, t.Term); d <= dist {
			out = append(out, candidate{term: t.Term, distance: d, count: t.Count})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("expand %s:%s: %w", field, term, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].distance != out[j].distance {
			return out[i].distance < out[j].distance
		}
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].term < out[j].term
	})
	if len(out) > c.opts.MaxExpansions {
		out = out[:c.opts.MaxExpansions]
	}
	return out, nil
}

func (l *lowering) rangeQuery(n *RangeNode) (bq.Query, error) {
	f, _ := l.c.schema.Lookup(n.Field)
	incLow, incHigh := n.Low.Inclusive, n.High.Inclusive
	if f.Kind == document.KindDate {
		low, high := parseBoundTime(n.Low), parseBoundTime(n.High)
		if !low.IsZero() && low.Before(minIndexableTime) {
			low = minIndexableTime
		}
		if low.IsZero() && high.IsZero() {
			low = minIndexableTime
		}
		r := bleve.NewDateRangeInclusiveQuery(low, high, &incLow, &incHigh)
		r.SetField(f.Name)
		return r, nil
	}
	r := bleve.NewTermRangeInclusiveQuery(n.Low.Value, n.High.Value, &incLow, &incHigh)
	r.SetField(f.Name)
	return r, nil
}

// singleToken reports whether s analyzes to one token, so it can be
// compared against vocabulary terms directly.
func singleToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}
