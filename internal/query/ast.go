// Package query compiles structured and DSL queries into executable plans
// against the index store.
//
// Compilation runs in two steps. Prepare parses, resolves fields against the
// schema and validates; it never touches the index, so invalid queries are
// rejected before any read. Lower turns the validated tree into a bleve
// query, expanding fuzzy terms against the index vocabulary.
package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Node is a validated query tree node.
type Node interface {
	// String renders a canonical form used for fingerprints.
	String() string
}

// NoFuzz marks a term without fuzzy expansion.
const NoFuzz = -1

// TermNode matches a single term. Field is empty for the default text fields.
type TermNode struct {
	Field  string
	Value  string
	Fuzzy  int
	Prefix bool
	// Wildcard is set when Value contains '*' or '?' beyond a trailing '*'.
	Wildcard bool
}

func (n *TermNode) String() string {
	var sb strings.Builder
	if n.Field != "" {
		sb.WriteString(n.Field)
		sb.WriteByte(':')
	}
	sb.WriteString(strconv.Quote(n.Value))
	switch {
	case n.Prefix:
		sb.WriteByte('*')
	case n.Wildcard:
		sb.WriteString("~w")
	case n.Fuzzy > 0:
		fmt.Fprintf(&sb, "~%d", n.Fuzzy)
	}
	return sb.String()
}

// PhraseNode matches terms in order.
type PhraseNode struct {
	Field string
	Text  string
}

func (n *PhraseNode) String() string {
	if n.Field == "" {
		return "phrase(" + strconv.Quote(n.Text) + ")"
	}
	return n.Field + ":phrase(" + strconv.Quote(n.Text) + ")"
}

// Bound is one side of a range. Empty Value means unbounded.
type Bound struct {
	Value     string
	Inclusive bool
}

// RangeNode matches values between two bounds.
type RangeNode struct {
	Field string
	Low   Bound
	High  Bound
}

func (n *RangeNode) String() string {
	lb, rb := "{", "}"
	if n.Low.Inclusive {
		lb = "["
	}
	if n.High.Inclusive {
		rb = "]"
	}
	low, high := n.Low.Value, n.High.Value
	if low == "" {
		low = "*"
	}
	if high == "" {
		high = "*"
	}
	return fmt.Sprintf("%s:%s%s TO %s%s", n.Field, lb, low, high, rb)
}

// ExistsNode matches documents with any value in Field.
type ExistsNode struct {
	Field string
}

func (n *ExistsNode) String() string { return "exists(" + n.Field + ")" }

// BoolOp combines children.
type BoolOp int

const (
	OpAnd BoolOp = iota
	OpOr
)

// BoolNode is an AND or OR group.
type BoolNode struct {
	Op       BoolOp
	Children []Node
}

func (n *BoolNode) String() string {
	parts := make([]string, len(n.Children))
	for i, c := range n.Children {
		parts[i] = c.String()
	}
	// AND and OR are commutative; sorted children make equivalent queries
	// share a fingerprint.
	sort.Strings(parts)
	op := "AND"
	if n.Op == OpOr {
		op = "OR"
	}
	return "(" + op + " " + strings.Join(parts, " ") + ")"
}

// NotNode excludes its child. A NOT inside an AND is a set difference.
type NotNode struct {
	Child Node
}

func (n *NotNode) String() string { return "(NOT " + n.Child.String() + ")" }

// MatchAllNode matches every document.
type MatchAllNode struct{}

func (MatchAllNode) String() string { return "*" }

// and joins nodes, flattening nested ANDs and dropping nils.
func and(nodes ...Node) Node {
	var children []Node
	for _, n := range nodes {
		switch v := n.(type) {
		case nil:
		case *BoolNode:
			if v.Op == OpAnd {
				children = append(children, v.Children...)
			} else {
				children = append(children, v)
			}
		default:
			children = append(children, v)
		}
	}
	switch len(children) {
	case 0:
		return nil
	case 1:
		return children[0]
	default:
		return &BoolNode{Op: OpAnd, Children: children}
	}
}

// or joins nodes, flattening nested ORs.
func or(nodes ...Node) Node {
	var children []Node
	for _, n := range nodes {
		if b, ok := n.(*BoolNode); ok && b.Op == OpOr {
			children = append(children, b.Children...)
			continue
		}
		if n != nil {
			children = append(children, n)
		}
	}
	switch len(children) {
	case 0:
		return nil
	case 1:
		return children[0]
	default:
		return &BoolNode{Op: OpOr, Children: children}
	}
}

// walk visits n and its descendants depth-first.
func walk(n Node, fn func(Node)) {
	fn(n)
	switch v := n.(type) {
	case *BoolNode:
		for _, c := range v.Children {
			walk(c, fn)
		}
	case *NotNode:
		walk(v.Child, fn)
	}
}
