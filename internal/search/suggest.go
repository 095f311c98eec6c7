package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/store"
)

const (
	defaultSuggestions = 10
	maxSuggestions     = 50
	// prefixScan bounds vocabulary entries read per field for one prefix.
	prefixScan = 500
	// fuzzyScan bounds vocabulary entries compared for typo tolerance.
	fuzzyScan = 5000
	// minFuzzyRunes is the shortest prefix that gets fuzzy matching.
	minFuzzyRunes = 3
)

var suggestFields = []string{document.FieldTitle, document.FieldBody}

type candidate struct {
	term     string
	docFreq  uint64
	uses     int64
	lastUsed time.Time
	fuzzy    bool
}

// GetSuggestions completes the last word of partial from the index
// vocabulary, with typo tolerance, ranked by how often the word occurs and
// how often and how recently it was searched for. Earlier words are kept, so
// "quarterly rev" may give "quarterly revenue". Whole past queries that begin
// with partial come first.
func (e *Engine) GetSuggestions(ctx context.Context, partial string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultSuggestions
	}
	limit = min(limit, maxSuggestions)

	norm := strings.ToLower(strings.Join(strings.Fields(partial), " "))
	if norm == "" {
		return e.popularTerms(limit), nil
	}
	head, word := "", norm
	if i := strings.LastIndexByte(norm, ' '); i >= 0 {
		head, word = norm[:i+1], norm[i+1:]
	}

	out := make([]string, 0, limit)
	seen := make(map[string]bool, limit)
	add := func(s string) bool {
		if s != norm && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
		return len(out) >= limit
	}

	for _, q := range e.analytics.Queries(norm, limit) {
		if add(q.Query) {
			return out, nil
		}
	}

	cands, err := e.termCandidates(ctx, word)
	if err != nil {
		return nil, err
	}
	now := e.now()
	sort.SliceStable(cands, func(i, j int) bool {
		si, sj := cands[i].score(now), cands[j].score(now)
		if si != sj {
			return si > sj
		}
		return cands[i].term < cands[j].term
	})
	for _, c := range cands {
		if add(head + c.term) {
			break
		}
	}
	return out, nil
}

// termCandidates gathers vocabulary terms starting with word, falling back
// to near spellings when there are few.
func (e *Engine) termCandidates(ctx context.Context, word string) ([]*candidate, error) {
	byTerm := make(map[string]*candidate)
	get := func(term string) *candidate {
		c, ok := byTerm[term]
		if !ok {
			c = &candidate{term: term}
			byTerm[term] = c
		}
		return c
	}

	for _, field := range suggestFields {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := 0
		err := e.index.Terms(field, word, func(t store.Term) bool {
			get(t.Term).docFreq += t.Count
			n++
			return n < prefixScan
		})
		if err != nil {
			return nil, err
		}
	}

	if len(byTerm) < defaultSuggestions && utf8.RuneCountInString(word) >= minFuzzyRunes {
		dist := 1
		if utf8.RuneCountInString(word) >= 6 {
			dist = 2
		}
		first, _ := utf8.DecodeRuneInString(word)
		for _, field := range suggestFields {
			n := 0
			err := e.index.Terms(field, string(first), func(t store.Term) bool {
				n++
				if _, ok := byTerm[t.Term]; !ok && nearPrefix(word, t.Term, dist) {
					c := get(t.Term)
					c.docFreq += t.Count
					c.fuzzy = true
				}
				return n < fuzzyScan
			})
			if err != nil {
				return nil, err
			}
		}
	}

	for _, tc := range e.analytics.Terms(word, maxSuggestions) {
		c := get(tc.Term)
		c.uses = tc.Count
		c.lastUsed = tc.LastSeen
	}

	out := make([]*candidate, 0, len(byTerm))
	for _, c := range byTerm {
		if c.term != word {
			out = append(out, c)
		}
	}
	return out, nil
}

// nearPrefix compares word with the same-length prefix of term.
func nearPrefix(word, term string, dist int) bool {
	wr := []rune(word)
	tr := []rune(term)
	if len(tr) < len(wr)-dist {
		return false
	}
	if len(tr) > len(wr) {
		tr = tr[:len(wr)]
	}
	return levenshtein.ComputeDistance(word, string(tr)) <= dist
}

// score blends corpus frequency with search history decayed over a day.
func (c *candidate) score(now time.Time) float64 {
	s := math.Log1p(float64(c.docFreq))
	if c.uses > 0 {
		age := now.Sub(c.lastUsed).Hours()
		recency := 1 / (1 + math.Max(age, 0)/24)
		s += 2 * math.Log1p(float64(c.uses)) * (0.5 + recency)
	}
	if c.fuzzy {
		s *= 0.5
	}
	return s
}

func (e *Engine) popularTerms(limit int) []string {
	terms := e.analytics.Terms("", limit)
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		out = append(out, t.Term)
	}
	return out
}
