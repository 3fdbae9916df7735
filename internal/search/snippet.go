package search

import (
	"strings"
	"unicode"
)

// Snippet cuts a window of about limit runes from body around the first
// occurrence of any of words. Without a match it returns the leading text.
// Cut ends are marked with "…".
func Snippet(body string, words []string, limit int) string {
	body = strings.Join(strings.Fields(body), " ")
	text := []rune(body)
	if limit <= 0 || len(text) <= limit {
		return body
	}
	lower := []rune(strings.Map(unicode.ToLower, body))
	hit := -1
	for _, w := range words {
		if i := indexWord(lower, []rune(w)); i >= 0 && (hit < 0 || i < hit) {
			hit = i
		}
	}
	start := 0
	if hit > limit/4 {
		start = hit - limit/4
	}
	end := start + limit
	if end > len(text) {
		end = len(text)
		start = max(0, end-limit)
	}
	if start > 0 {
		if sp := indexRune(text[start:end], ' '); sp >= 0 && start+sp+1 < end {
			start += sp + 1
		}
	}
	if end < len(text) {
		if sp := lastIndexRune(text[start:end], ' '); sp > 0 {
			end = start + sp
		}
	}
	out := strings.TrimSpace(string(text[start:end]))
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}

// indexWord finds w in s where it starts a word.
func indexWord(s, w []rune) int {
	if len(w) == 0 {
		return -1
	}
	for i := 0; i+len(w) <= len(s); i++ {
		if i > 0 && (unicode.IsLetter(s[i-1]) || unicode.IsDigit(s[i-1])) {
			continue
		}
		if string(s[i:i+len(w)]) == string(w) {
			return i
		}
	}
	return -1
}

func indexRune(s []rune, r rune) int {
	for i, c := range s {
		if c == r {
			return i
		}
	}
	return -1
}

func lastIndexRune(s []rune, r rune) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == r {
			return i
		}
	}
	return -1
}
