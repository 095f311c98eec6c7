package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
)

// parseConfig carries what the parser needs to resolve and validate.
type parseConfig struct {
	schema   *document.Schema
	now      time.Time
	maxFuzzy int
	maxDepth int
}

type parser struct {
	cfg   parseConfig
	toks  []token
	pos   int
	depth int
	// group is the field of an enclosing field:(...) group.
	group *document.Field
}

// parse turns DSL text into a resolved, validated tree.
func parse(input string, cfg parseConfig) (Node, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	if len(toks) == 1 {
		return nil, errors.ErrQueryEmpty
	}
	p := &parser{cfg: cfg, toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tEOF {
		return nil, p.malformed(t, "unexpected %s", t.kind)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tEOF {
		p.pos++
	}
	return t
}

func (p *parser) malformed(t token, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return errors.New(errors.ErrCodeMalformedBoolean, fmt.Sprintf("%s at position %d", msg, t.pos), nil)
}

func (p *parser) invalid(t token, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return errors.New(errors.ErrCodeInvalidQuery, fmt.Sprintf("%s at position %d", msg, t.pos), nil)
}

func startsOperand(k tokenKind) bool {
	switch k {
	case tWord, tPhrase, tLParen, tNot, tMinus:
		return true
	}
	return false
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	nodes := []Node{left}
	for p.peek().kind == tOr {
		op := p.next()
		if !startsOperand(p.peek().kind) {
			return nil, p.malformed(op, "OR without right operand")
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, right)
	}
	return or(nodes...), nil
}

func (p *parser) parseAnd() (Node, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	nodes := []Node{first}
	for {
		t := p.peek()
		if t.kind == tAnd {
			p.next()
			if !startsOperand(p.peek().kind) {
				return nil, p.malformed(t, "AND without right operand")
			}
		} else if !startsOperand(t.kind) {
			break
		}
		n, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return and(nodes...), nil
}

func (p *parser) parseUnary() (Node, error) {
	t := p.peek()
	if t.kind == tNot || t.kind == tMinus {
		p.next()
		if !startsOperand(p.peek().kind) {
			return nil, p.malformed(t, "%s without operand", t.kind)
		}
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &NotNode{Child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.peek()
	switch t.kind {
	case tLParen:
		return p.parseGroup()
	case tPhrase:
		p.next()
		if err := p.rejectTilde(); err != nil {
			return nil, err
		}
		if p.group != nil {
			return p.fieldPhrase(*p.group, t)
		}
		if strings.TrimSpace(t.text) == "" {
			return nil, p.invalid(t, "empty phrase")
		}
		return &PhraseNode{Text: t.text}, nil
	case tWord:
		p.next()
		if nt := p.peek(); nt.kind == tColon && nt.glued {
			p.next()
			return p.parseField(t)
		}
		if p.group != nil {
			return p.fieldTerm(*p.group, t)
		}
		return p.bareTerm(t)
	case tAnd, tOr:
		return nil, p.malformed(t, "%s without left operand", t.kind)
	case tRParen:
		return nil, p.malformed(t, "unbalanced parenthesis")
	case tEOF:
		return nil, p.malformed(t, "unexpected end of query")
	case tLBracket, tLBrace:
		return nil, p.invalid(t, "range without a field")
	default:
		return nil, p.invalid(t, "unexpected %s", t.kind)
	}
}

func (p *parser) parseGroup() (Node, error) {
	open := p.next()
	p.depth++
	if p.depth > p.cfg.maxDepth {
		return nil, p.malformed(open, "nesting deeper than %d", p.cfg.maxDepth)
	}
	if p.peek().kind == tRParen {
		return nil, p.malformed(open, "empty group")
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tRParen {
		return nil, p.malformed(open, "unbalanced parenthesis")
	}
	p.next()
	p.depth--
	return n, nil
}

func (p *parser) parseField(name token) (Node, error) {
	field, ok := p.cfg.schema.Lookup(name.text)
	if !ok {
		return nil, unknownField(p.cfg.schema, name.text)
	}

	t := p.peek()
	switch t.kind {
	case tLParen:
		outer := p.group
		p.group = &field
		n, err := p.parseGroup()
		p.group = outer
		return n, err
	case tPhrase:
		p.next()
		if err := p.rejectTilde(); err != nil {
			return nil, err
		}
		return p.fieldPhrase(field, t)
	case tLBracket, tLBrace:
		return p.parseRange(field)
	case tWord:
		p.next()
		if field.Kind == document.KindDate {
			t.text = p.joinTimeOfDay(t.text)
		}
		return p.fieldTerm(field, t)
	default:
		return nil, p.invalid(t, "missing value for field %q", name.text)
	}
}

// joinTimeOfDay glues "10:00:00Z" back onto a date value split by the lexer.
func (p *parser) joinTimeOfDay(v string) string {
	for {
		colon := p.peek()
		if colon.kind != tColon || !colon.glued || p.pos+1 >= len(p.toks) {
			return v
		}
		part := p.toks[p.pos+1]
		if part.kind != tWord || !part.glued {
			return v
		}
		p.pos += 2
		v += ":" + part.text
	}
}

// fuzz consumes a glued '~N' and returns the distance, or NoFuzz.
func (p *parser) fuzz() (int, error) {
	t := p.peek()
	if t.kind != tTilde || !t.glued {
		return NoFuzz, nil
	}
	p.next()
	d := t.num
	if d == NoFuzz {
		d = min(2, p.cfg.maxFuzzy)
	}
	if d < 0 || d > p.cfg.maxFuzzy {
		return 0, errors.New(errors.ErrCodeFuzzyRange,
			fmt.Sprintf("fuzzy distance %d out of range 0..%d at position %d", d, p.cfg.maxFuzzy, t.pos), nil)
	}
	return d, nil
}

func (p *parser) rejectTilde() error {
	if t := p.peek(); t.kind == tTilde && t.glued {
		return p.invalid(t, "fuzzy modifier needs a single term")
	}
	return nil
}

func (p *parser) bareTerm(t token) (Node, error) {
	fuzzy, err := p.fuzz()
	if err != nil {
		return nil, err
	}
	if t.text == "*" {
		if fuzzy != NoFuzz {
			return nil, p.invalid(t, "fuzzy modifier on match-all")
		}
		return MatchAllNode{}, nil
	}
	return termNode(t, "", strings.ToLower(t.text), fuzzy, p)
}

func termNode(t token, field, value string, fuzzy int, p *parser) (Node, error) {
	n := &TermNode{Field: field, Value: value, Fuzzy: fuzzy}
	if i := strings.IndexAny(value, "*?"); i >= 0 {
		if fuzzy != NoFuzz {
			return nil, p.invalid(t, "fuzzy modifier on wildcard term")
		}
		if i == len(value)-1 && value[i] == '*' {
			n.Value = value[:i]
			n.Prefix = true
		} else {
			n.Wildcard = true
		}
	}
	return n, nil
}

func splitComparison(v string) (op, rest string) {
	for _, candidate := range []string{">=", "<=", ">", "<", "="} {
		if strings.HasPrefix(v, candidate) {
			return candidate, v[len(candidate):]
		}
	}
	return "", v
}

func (p *parser) fieldTerm(f document.Field, t token) (Node, error) {
	fuzzy, err := p.fuzz()
	if err != nil {
		return nil, err
	}
	if t.text == "*" {
		if fuzzy != NoFuzz {
			return nil, p.invalid(t, "fuzzy modifier on exists")
		}
		return &ExistsNode{Field: f.Name}, nil
	}

	op, value := splitComparison(t.text)
	if op != "" && value == "" {
		return nil, p.invalid(t, "missing value after %q", op)
	}

	switch f.Kind {
	case document.KindDate:
		if fuzzy != NoFuzz {
			return nil, p.invalid(t, "fuzzy modifier on date field %q", f.Name)
		}
		d, err := parseDate(value, p.cfg.now)
		if err != nil {
			return nil, p.invalid(t, "%v", err)
		}
		if op == "" {
			op = "="
		}
		return dateCompare(f.Name, op, d), nil

	case document.KindKeyword:
		v := normalizeKeyword(f, value)
		if op != "" && op != "=" {
			if fuzzy != NoFuzz {
				return nil, p.invalid(t, "fuzzy modifier on comparison")
			}
			return keywordCompare(f.Name, op, v), nil
		}
		return termNode(t, f.Name, v, fuzzy, p)

	default:
		if op != "" && op != "=" {
			return nil, p.invalid(t, "comparison on text field %q", f.Name)
		}
		return termNode(t, f.Name, strings.ToLower(value), fuzzy, p)
	}
}

func (p *parser) fieldPhrase(f document.Field, t token) (Node, error) {
	switch f.Kind {
	case document.KindText:
		if strings.TrimSpace(t.text) == "" {
			return nil, p.invalid(t, "empty phrase")
		}
		return &PhraseNode{Field: f.Name, Text: t.text}, nil
	case document.KindDate:
		d, err := parseDate(t.text, p.cfg.now)
		if err != nil {
			return nil, p.invalid(t, "%v", err)
		}
		return dateCompare(f.Name, "=", d), nil
	default:
		// Quoted keyword values match exactly, spaces included.
		return &TermNode{Field: f.Name, Value: normalizeKeyword(f, t.text), Fuzzy: NoFuzz}, nil
	}
}

func (p *parser) parseRange(f document.Field) (Node, error) {
	open := p.next()
	incLow := open.kind == tLBracket

	low, err := p.rangeValue()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tTo {
		return nil, p.invalid(p.peek(), "range missing TO")
	}
	p.next()
	high, err := p.rangeValue()
	if err != nil {
		return nil, err
	}
	closeTok := p.peek()
	if closeTok.kind != tRBracket && closeTok.kind != tRBrace {
		return nil, p.invalid(closeTok, "unterminated range")
	}
	p.next()
	incHigh := closeTok.kind == tRBracket

	switch f.Kind {
	case document.KindText:
		return nil, p.invalid(open, "range on text field %q", f.Name)
	case document.KindDate:
		var lowDate, highDate *dateValue
		if low != "" {
			d, err := parseDate(low, p.cfg.now)
			if err != nil {
				return nil, p.invalid(open, "%v", err)
			}
			lowDate = &d
		}
		if high != "" {
			d, err := parseDate(high, p.cfg.now)
			if err != nil {
				return nil, p.invalid(open, "%v", err)
			}
			highDate = &d
		}
		if lowDate != nil && highDate != nil && lowDate.Start.After(highDate.End) {
			return nil, p.invalid(open, "range start after end")
		}
		return dateRange(f.Name, lowDate, highDate, incLow, incHigh), nil
	default:
		l, h := normalizeKeyword(f, low), normalizeKeyword(f, high)
		if l != "" && h != "" && l > h {
			return nil, p.invalid(open, "range start after end")
		}
		return &RangeNode{
			Field: f.Name,
			Low:   Bound{Value: l, Inclusive: incLow && l != ""},
			High:  Bound{Value: h, Inclusive: incHigh && h != ""},
		}, nil
	}
}

// rangeValue reads one range endpoint. '*' is an open bound.
func (p *parser) rangeValue() (string, error) {
	t := p.next()
	switch t.kind {
	case tWord:
		if t.text == "*" {
			return "", nil
		}
		return p.joinTimeOfDay(t.text), nil
	case tPhrase:
		return t.text, nil
	default:
		return "", p.invalid(t, "expected range value, got %s", t.kind)
	}
}

func keywordCompare(field, op, v string) *RangeNode {
	n := &RangeNode{Field: field}
	switch op {
	case ">":
		n.Low = Bound{Value: v}
	case ">=":
		n.Low = Bound{Value: v, Inclusive: true}
	case "<":
		n.High = Bound{Value: v}
	case "<=":
		n.High = Bound{Value: v, Inclusive: true}
	}
	return n
}

func normalizeKeyword(f document.Field, v string) string {
	v = strings.TrimSpace(v)
	if f.Verbatim {
		return v
	}
	return strings.ToLower(v)
}

func unknownField(schema *document.Schema, name string) error {
	return errors.New(errors.ErrCodeUnknownField, fmt.Sprintf("unknown field %q", name), nil).
		WithDetail("field", name).
		WithSuggestion("Known fields: " + strings.Join(schema.Names(), ", "))
}
