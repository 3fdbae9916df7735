// Package analysis is the text analyzer shared by indexing and querying:
// NFKC normalization, lowercasing, tokenization on letter/digit runs,
// stop-word removal and English stemming.
package analysis

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
	"golang.org/x/text/unicode/norm"
)

// Token is one analyzed term and its position in the token stream. Positions
// advance over stop words so phrase adjacency is preserved.
type Token struct {
	Term string
	Pos  int
}

// stopWords matches the default English list of the search engine so both
// backends drop the same words.
var stopWords = map[string]struct{}{
	"a": {}, "is": {}, "the": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "if": {}, "in": {}, "into": {}, "it": {},
	"no": {}, "not": {}, "of": {}, "on": {}, "or": {}, "such": {}, "that": {}, "their": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "to": {}, "was": {},
	"will": {}, "with": {},
}

// Normalize applies NFKC and lowercases.
func Normalize(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// Words splits normalized text into raw lowercase words without stemming or
// stop-word removal.
func Words(s string) []string {
	return strings.FieldsFunc(Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// IsStopWord reports whether w (already lowercased) is dropped by the analyzer.
func IsStopWord(w string) bool {
	_, ok := stopWords[w]
	return ok
}

// Stem returns the English stem of a lowercase word.
func Stem(w string) string {
	if w == "" || !hasLetter(w) {
		return w
	}
	stemmed, err := snowball.Stem(w, "english", true)
	if err != nil || stemmed == "" {
		return w
	}
	return stemmed
}

// Analyze tokenizes text into positioned stemmed terms.
func Analyze(text string) []Token {
	words := Words(text)
	tokens := make([]Token, 0, len(words))
	for pos, w := range words {
		if IsStopWord(w) {
			continue
		}
		tokens = append(tokens, Token{Term: Stem(w), Pos: pos})
	}
	return tokens
}

// Terms is Analyze without positions.
func Terms(text string) []string {
	tokens := Analyze(text)
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Term
	}
	return out
}

func hasLetter(w string) bool {
	for _, r := range w {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
