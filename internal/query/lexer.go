package query

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Aman-CERP/unisearch/internal/errors"
)

type tokenKind int

const (
	tEOF tokenKind = iota
	tWord
	tPhrase
	tColon
	tLParen
	tRParen
	tLBracket // [
	tLBrace   // {
	tRBracket // ]
	tRBrace   // }
	tAnd
	tOr
	tNot
	tMinus
	tTo
	tTilde
)

func (k tokenKind) String() string {
	switch k {
	case tEOF:
		return "end of query"
	case tWord:
		return "term"
	case tPhrase:
		return "phrase"
	case tColon:
		return "':'"
	case tLParen:
		return "'('"
	case tRParen:
		return "')'"
	case tLBracket, tLBrace:
		return "range start"
	case tRBracket, tRBrace:
		return "range end"
	case tAnd:
		return "AND"
	case tOr:
		return "OR"
	case tNot:
		return "NOT"
	case tMinus:
		return "'-'"
	case tTo:
		return "TO"
	case tTilde:
		return "'~'"
	default:
		return "token"
	}
}

type token struct {
	kind tokenKind
	text string
	// num is the fuzzy distance for tTilde, NoFuzz when omitted.
	num int
	pos int
	// glued is set when no whitespace precedes the token.
	glued bool
}

func isSpecial(r rune) bool {
	switch r {
	case '(', ')', '"', ':', '[', ']', '{', '}', '~':
		return true
	}
	return false
}

// lex splits a DSL string into tokens.
func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		r, size := utf8.DecodeRuneInString(input[i:])
		glued := i > 0 && !unicode.IsSpace(prevRune(input, i))
		if unicode.IsSpace(r) {
			i += size
			continue
		}

		start := i
		switch r {
		case '(':
			toks = append(toks, token{kind: tLParen, pos: start, glued: glued})
			i++
		case ')':
			toks = append(toks, token{kind: tRParen, pos: start, glued: glued})
			i++
		case '[':
			toks = append(toks, token{kind: tLBracket, pos: start, glued: glued})
			i++
		case '{':
			toks = append(toks, token{kind: tLBrace, pos: start, glued: glued})
			i++
		case ']':
			toks = append(toks, token{kind: tRBracket, pos: start, glued: glued})
			i++
		case '}':
			toks = append(toks, token{kind: tRBrace, pos: start, glued: glued})
			i++
		case ':':
			toks = append(toks, token{kind: tColon, pos: start, glued: glued})
			i++
		case '~':
			i++
			j := i
			for j < len(input) && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			num := NoFuzz
			if j > i {
				n, err := strconv.Atoi(input[i:j])
				if err != nil {
					return nil, errors.Newf(errors.ErrCodeInvalidQuery, "invalid fuzzy distance at position %d", start)
				}
				num = n
			}
			toks = append(toks, token{kind: tTilde, num: num, pos: start, glued: glued})
			i = j
		case '"':
			i++
			var sb strings.Builder
			closed := false
			for i < len(input) {
				c := input[i]
				if c == '\\' && i+1 < len(input) {
					sb.WriteByte(input[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				sb.WriteByte(c)
				i++
			}
			if !closed {
				return nil, errors.Newf(errors.ErrCodeInvalidQuery, "unterminated quote starting at position %d", start)
			}
			toks = append(toks, token{kind: tPhrase, text: sb.String(), pos: start, glued: glued})
		case '-':
			// A leading '-' negates; inside a word (now-7d) it is literal.
			if !glued || lastKindIs(toks, tLParen) {
				toks = append(toks, token{kind: tMinus, pos: start, glued: glued})
				i++
				continue
			}
			fallthrough
		default:
			for i < len(input) {
				c, sz := utf8.DecodeRuneInString(input[i:])
				if unicode.IsSpace(c) || isSpecial(c) {
					break
				}
				if c == '\\' && i+sz < len(input) {
					i += sz
					_, sz = utf8.DecodeRuneInString(input[i:])
				}
				i += sz
			}
			word := unescape(input[start:i])
			kind := tWord
			switch word {
			case "AND", "&&":
				kind = tAnd
			case "OR", "||":
				kind = tOr
			case "NOT", "!":
				kind = tNot
			case "TO":
				kind = tTo
			}
			toks = append(toks, token{kind: kind, text: word, pos: start, glued: glued})
		}
	}
	toks = append(toks, token{kind: tEOF, pos: len(input)})
	return toks, nil
}

func prevRune(s string, i int) rune {
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return r
}

func lastKindIs(toks []token, k tokenKind) bool {
	return len(toks) > 0 && toks[len(toks)-1].kind == k
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
