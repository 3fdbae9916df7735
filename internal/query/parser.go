package query

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/searchcrawler/internal/analysis"
)

// MaxTokens caps the leaf words a query may carry; the rest is dropped with
// a warning.
const MaxTokens = 64

var (
	// ErrEmptyQuery is returned for blank input.
	ErrEmptyQuery = errors.New("query is empty")
	// ErrSyntax wraps malformed queries.
	ErrSyntax = errors.New("query syntax error")
)

// Result is a parsed query. Node is nil when every token was a stop word.
type Result struct {
	Node      *Node
	Warnings  []string
	Truncated bool
}

// Parse turns user syntax into an AST.
//
//	query  := or
//	or     := and ("OR" and)*
//	and    := clause+
//	clause := '"' text '"' | "site:" domain | word | "(" or ")"
func Parse(q string) (Result, error) {
	q = norm.NFKC.String(q)
	if strings.TrimSpace(q) == "" {
		return Result{}, ErrEmptyQuery
	}
	tokens, err := lex(q)
	if err != nil {
		return Result{}, err
	}
	p := &parser{tokens: tokens, budget: MaxTokens}
	node, present, err := p.parseOr()
	if err != nil {
		return Result{}, err
	}
	if p.peek().kind != tokEOF {
		return Result{}, fmt.Errorf("%w: unexpected %s", ErrSyntax, p.peek())
	}
	if !present {
		return Result{}, ErrEmptyQuery
	}
	res := Result{Node: node, Truncated: p.truncated}
	if p.truncated {
		res.Warnings = append(res.Warnings, fmt.Sprintf("query truncated to %d tokens", MaxTokens))
	}
	return res, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokPhrase
	tokSite
	tokOr
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of query"
	case tokOr:
		return "OR"
	case tokLParen:
		return `"("`
	case tokRParen:
		return `")"`
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

func lex(q string) ([]token, error) {
	var tokens []token
	runes := []rune(q)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen})
			i++
		case r == '"':
			end := indexRune(runes, i+1, '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated phrase", ErrSyntax)
			}
			tokens = append(tokens, token{kind: tokPhrase, text: string(runes[i+1 : end])})
			i = end + 1
		default:
			start := i
			for i < len(runes) && !unicode.IsSpace(runes[i]) && !strings.ContainsRune(`()"`, runes[i]) {
				i++
			}
			word := string(runes[start:i])
			lower := strings.ToLower(word)
			switch {
			case word == "OR":
				tokens = append(tokens, token{kind: tokOr})
			case strings.HasPrefix(lower, "site:"):
				tokens = append(tokens, token{kind: tokSite, text: word[len("site:"):]})
			default:
				tokens = append(tokens, token{kind: tokWord, text: word})
			}
		}
	}
	return append(tokens, token{kind: tokEOF}), nil
}

func indexRune(runes []rune, from int, r rune) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

type parser struct {
	tokens    []token
	pos       int
	budget    int
	truncated bool
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// parseOr reports present=false when no clause tokens were consumed at all,
// which is different from clauses that reduced to nothing.
func (p *parser) parseOr() (*Node, bool, error) {
	left, present, err := p.parseAnd()
	if err != nil {
		return nil, false, err
	}
	for p.peek().kind == tokOr {
		p.next()
		if !present {
			return nil, false, fmt.Errorf("%w: OR needs a left operand", ErrSyntax)
		}
		right, rightPresent, err := p.parseAnd()
		if err != nil {
			return nil, false, err
		}
		if !rightPresent {
			return nil, false, fmt.Errorf("%w: OR needs a right operand", ErrSyntax)
		}
		left = Or(left, right)
	}
	return left, present, nil
}

func (p *parser) parseAnd() (*Node, bool, error) {
	var children []*Node
	present := false
	for {
		switch p.peek().kind {
		case tokWord, tokPhrase, tokSite, tokLParen:
		default:
			return And(children...), present, nil
		}
		node, err := p.parseClause()
		if err != nil {
			return nil, false, err
		}
		present = true
		children = append(children, node)
	}
}

func (p *parser) parseClause() (*Node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, present, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("%w: missing \")\"", ErrSyntax)
		}
		if !present {
			return nil, fmt.Errorf("%w: empty group", ErrSyntax)
		}
		return inner, nil
	case tokPhrase:
		return p.phrase(t.text), nil
	case tokSite:
		domain, err := normalizeDomain(t.text)
		if err != nil {
			return nil, err
		}
		if !p.spend(1) {
			return nil, nil
		}
		return Site(domain), nil
	default:
		return p.words(t.text), nil
	}
}

// words splits a bare word on punctuation and drops stop words.
func (p *parser) words(raw string) *Node {
	var terms []*Node
	for _, w := range analysis.Words(raw) {
		if analysis.IsStopWord(w) {
			continue
		}
		if !p.spend(1) {
			break
		}
		terms = append(terms, Term(w))
	}
	return And(terms...)
}

func (p *parser) phrase(raw string) *Node {
	text := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	words := analysis.Words(text)
	meaningful := 0
	for _, w := range words {
		if !analysis.IsStopWord(w) {
			meaningful++
		}
	}
	if meaningful == 0 {
		return nil
	}
	if !p.spend(len(words)) {
		return nil
	}
	return Phrase(text)
}

func (p *parser) spend(n int) bool {
	if n > p.budget {
		p.budget = 0
		p.truncated = true
		return false
	}
	p.budget -= n
	return true
}

// NormalizeDomain lowercases a domain, converts IDN to Punycode and drops a
// leading "www." so it matches the indexed domain tag.
func NormalizeDomain(raw string) (string, error) {
	return normalizeDomain(raw)
}

func normalizeDomain(raw string) (string, error) {
	d := strings.Trim(strings.ToLower(strings.TrimSpace(raw)), ".")
	if d == "" {
		return "", fmt.Errorf("%w: site: needs a domain", ErrSyntax)
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", fmt.Errorf("%w: invalid domain %q", ErrSyntax, raw)
	}
	for _, r := range ascii {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '.' || r == '-') {
			return "", fmt.Errorf("%w: invalid domain %q", ErrSyntax, raw)
		}
	}
	return strings.TrimPrefix(ascii, "www."), nil
}
