// Package memory is an in-process inverted index with TF-IDF scoring. It
// backs SEARCH_INDEX_URI=internal.
package memory

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/JakeFAU/searchcrawler/internal/analysis"
	"github.com/JakeFAU/searchcrawler/internal/index"
	"github.com/JakeFAU/searchcrawler/internal/query"
)

type entry struct {
	doc   index.Document
	title map[string][]int
	body  map[string][]int
	tLen  int
	bLen  int
}

// Index is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	docs     map[string]*entry
	postings map[string]map[string]struct{}
	domains  map[string]map[string]struct{}
}

// New returns an empty index.
func New() *Index {
	return &Index{
		docs:     make(map[string]*entry),
		postings: make(map[string]map[string]struct{}),
		domains:  make(map[string]map[string]struct{}),
	}
}

// EnsureIndex is a no-op; the schema is implicit.
func (i *Index) EnsureIndex(context.Context) error { return nil }

// Ping always succeeds.
func (i *Index) Ping(context.Context) error { return nil }

// Close is a no-op.
func (i *Index) Close() error { return nil }

// Len reports how many documents are indexed.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

// Get returns the stored document for key.
func (i *Index) Get(key string) (index.Document, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.docs[key]
	if !ok {
		return index.Document{}, false
	}
	return e.doc, true
}

// Put replaces the document stored under doc.Key.
func (i *Index) Put(_ context.Context, doc index.Document) error {
	e := &entry{doc: doc, title: positions(doc.Title), body: positions(doc.Body)}
	e.tLen = countTokens(e.title)
	e.bLen = countTokens(e.body)

	i.mu.Lock()
	defer i.mu.Unlock()
	i.remove(doc.Key)
	i.docs[doc.Key] = e
	for _, field := range []map[string][]int{e.title, e.body} {
		for term := range field {
			addTo(i.postings, term, doc.Key)
		}
	}
	addTo(i.domains, doc.Domain, doc.Key)
	return nil
}

// Delete removes key; deleting an absent key succeeds.
func (i *Index) Delete(_ context.Context, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.remove(key)
	return nil
}

func (i *Index) remove(key string) {
	e, ok := i.docs[key]
	if !ok {
		return
	}
	for _, field := range []map[string][]int{e.title, e.body} {
		for term := range field {
			removeFrom(i.postings, term, key)
		}
	}
	removeFrom(i.domains, e.doc.Domain, key)
	delete(i.docs, key)
}

// Search evaluates the AST, scores every match and returns the requested page.
func (i *Index) Search(ctx context.Context, req index.SearchRequest) (index.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return index.SearchResult{}, fmt.Errorf("%w: %w", index.ErrQueryTimeout, err)
	}
	if req.Query == nil {
		return index.SearchResult{}, nil
	}
	terms := scoringTerms(req.Query)

	i.mu.RLock()
	matches := i.eval(req.Query)
	hits := make([]index.Hit, 0, len(matches))
	for key := range matches {
		e := i.docs[key]
		hits = append(hits, index.Hit{
			Key:           key,
			Title:         e.doc.Title,
			Body:          e.doc.Body,
			Domain:        e.doc.Domain,
			Score:         i.score(e, terms, req.Profile),
			LastChangedAt: e.doc.LastChangedAt,
		})
	}
	i.mu.RUnlock()

	index.SortHits(hits)
	total := len(hits)
	start := min(max(req.Offset, 0), total)
	end := total
	if req.Limit > 0 {
		end = min(start+req.Limit, total)
	}
	res := index.SearchResult{Total: total, Hits: hits[start:end]}
	if total > 0 {
		res.MaxScore = hits[0].Score
	}
	return res, nil
}

func (i *Index) eval(n *query.Node) map[string]struct{} {
	switch n.Kind {
	case query.KindTerm:
		return copySet(i.postings[analysis.Stem(n.Text)])
	case query.KindSite:
		return copySet(i.domains[n.Text])
	case query.KindPhrase:
		return i.phrase(n.Text)
	case query.KindAnd:
		out := i.eval(n.Children[0])
		for _, c := range n.Children[1:] {
			if len(out) == 0 {
				break
			}
			next := i.eval(c)
			for key := range out {
				if _, ok := next[key]; !ok {
					delete(out, key)
				}
			}
		}
		return out
	case query.KindOr:
		out := make(map[string]struct{})
		for _, c := range n.Children {
			for key := range i.eval(c) {
				out[key] = struct{}{}
			}
		}
		return out
	default:
		return nil
	}
}

// phrase matches consecutive analyzed positions in the body. Stop words keep
// their slot, so "state of the art" needs the gap too.
func (i *Index) phrase(text string) map[string]struct{} {
	tokens := analysis.Analyze(text)
	out := make(map[string]struct{})
	if len(tokens) == 0 {
		return out
	}
	for key := range i.postings[tokens[0].Term] {
		body := i.docs[key].body
		for _, start := range body[tokens[0].Term] {
			if phraseAt(body, tokens, start) {
				out[key] = struct{}{}
				break
			}
		}
	}
	return out
}

func phraseAt(body map[string][]int, tokens []analysis.Token, start int) bool {
	base := tokens[0].Pos
	for _, tok := range tokens[1:] {
		if !contains(body[tok.Term], start+tok.Pos-base) {
			return false
		}
	}
	return true
}

func (i *Index) score(e *entry, terms []string, p query.Profile) float64 {
	n := float64(len(i.docs))
	var titleScore, bodyScore float64
	early := false
	for _, term := range terms {
		df := float64(len(i.postings[term]))
		if df == 0 {
			continue
		}
		idf := math.Log(1 + n/df)
		if pos := e.title[term]; len(pos) > 0 {
			titleScore += float64(len(pos)) / float64(e.tLen) * idf
		}
		if pos := e.body[term]; len(pos) > 0 {
			bodyScore += float64(len(pos)) / float64(e.bLen) * idf
			if pos[0] < p.OffsetWindow {
				early = true
			}
		}
	}
	return p.Combine(titleScore, bodyScore, early)
}

func scoringTerms(n *query.Node) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, w := range query.Words(n) {
		if analysis.IsStopWord(w) {
			continue
		}
		term := analysis.Stem(w)
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	return out
}

func positions(text string) map[string][]int {
	out := make(map[string][]int)
	for _, tok := range analysis.Analyze(text) {
		out[tok.Term] = append(out[tok.Term], tok.Pos)
	}
	return out
}

func countTokens(field map[string][]int) int {
	n := 0
	for _, pos := range field {
		n += len(pos)
	}
	return n
}

func contains(sorted []int, v int) bool {
	for _, p := range sorted {
		if p == v {
			return true
		}
		if p > v {
			return false
		}
	}
	return false
}

func addTo(m map[string]map[string]struct{}, k, key string) {
	set, ok := m[k]
	if !ok {
		set = make(map[string]struct{})
		m[k] = set
	}
	set[key] = struct{}{}
}

func removeFrom(m map[string]map[string]struct{}, k, key string) {
	set := m[k]
	delete(set, key)
	if len(set) == 0 {
		delete(m, k)
	}
}

func copySet(src map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(src))
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}
