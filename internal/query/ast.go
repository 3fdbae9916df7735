// Package query parses user search syntax into an AST, formats it back,
// renders it for the search engine and holds the scoring profile.
package query

import (
	"sort"
	"strings"
)

// Kind discriminates AST nodes.
type Kind int

// Node kinds.
const (
	KindTerm Kind = iota
	KindPhrase
	KindSite
	KindAnd
	KindOr
)

func (k Kind) String() string {
	switch k {
	case KindTerm:
		return "Term"
	case KindPhrase:
		return "Phrase"
	case KindSite:
		return "SiteFilter"
	case KindAnd:
		return "And"
	case KindOr:
		return "Or"
	default:
		return "Unknown"
	}
}

// Node is one AST node. Leaves carry Text; And/Or carry at least one child.
type Node struct {
	Kind     Kind
	Text     string
	Children []*Node
}

// Term builds a bare-word leaf.
func Term(text string) *Node { return &Node{Kind: KindTerm, Text: text} }

// Phrase builds an exact-phrase leaf.
func Phrase(text string) *Node { return &Node{Kind: KindPhrase, Text: text} }

// Site builds a domain filter leaf.
func Site(domain string) *Node { return &Node{Kind: KindSite, Text: domain} }

// And joins children conjunctively, flattening nested Ands.
func And(children ...*Node) *Node { return join(KindAnd, children) }

// Or joins children disjunctively, flattening nested Ors.
func Or(children ...*Node) *Node { return join(KindOr, children) }

func join(kind Kind, children []*Node) *Node {
	flat := make([]*Node, 0, len(children))
	for _, c := range children {
		switch {
		case c == nil:
		case c.Kind == kind:
			flat = append(flat, c.Children...)
		default:
			flat = append(flat, c)
		}
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	default:
		return &Node{Kind: kind, Children: flat}
	}
}

// String renders the node in the debugging form And[Phrase("a b"), Term("c")].
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	switch n.Kind {
	case KindAnd, KindOr:
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			parts[i] = c.String()
		}
		return n.Kind.String() + "[" + strings.Join(parts, ", ") + "]"
	default:
		return n.Kind.String() + "(\"" + n.Text + "\")"
	}
}

// Equal compares two trees structurally.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind || a.Text != b.Text || len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !Equal(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// Words returns the distinct term and phrase words under n, sorted. Site
// filters contribute nothing.
func Words(n *Node) []string {
	seen := map[string]struct{}{}
	var walk func(*Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		switch n.Kind {
		case KindTerm:
			seen[n.Text] = struct{}{}
		case KindPhrase:
			for _, w := range strings.Fields(n.Text) {
				seen[w] = struct{}{}
			}
		case KindAnd, KindOr:
			for _, c := range n.Children {
				walk(c)
			}
		}
	}
	walk(n)
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// WithSite conjoins a domain filter onto n. A nil n yields the bare filter.
func WithSite(n *Node, domain string) *Node {
	if domain == "" {
		return n
	}
	return And(n, Site(domain))
}
