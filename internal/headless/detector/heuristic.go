// Package detector decides when a static page needs headless rendering.
package detector

import (
	"bytes"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

// Reasons reported in a Decision.
const (
	ReasonEmptyBody     = "empty-body"
	ReasonMarker        = "framework-marker"
	ReasonScriptDensity = "script-density"
	ReasonSparseText    = "sparse-text"
	ReasonAppShellMeta  = "app-shell-meta"
)

// Decision is the detector verdict for one body.
type Decision struct {
	NeedsRendering bool     `json:"needsRendering"`
	Reasons        []string `json:"reasons,omitempty"`
}

// Heuristic implements the rule-based SPA classifier.
type Heuristic struct {
	// ScriptDensityPercent is the share of body bytes inside <script> that
	// marks a page as script-driven.
	ScriptDensityPercent int
	// MinVisibleText is the visible-text length below which a page that also
	// carries scripts is treated as an app shell.
	MinVisibleText int
}

// NewHeuristic creates a detector with default thresholds.
func NewHeuristic() *Heuristic {
	return &Heuristic{ScriptDensityPercent: 60, MinVisibleText: 500}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("data-server-rendered"),
	[]byte("__NUXT__"),
	[]byte("__INITIAL_STATE__"),
	[]byte("__APOLLO_STATE__"),
}

// ShouldPromote reports whether a successful static fetch needs rendering.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResult) Decision {
	if resp.StatusCode != http.StatusOK || crawler.MediaType(resp.MIME) == "text/plain" {
		return Decision{}
	}
	return h.Decide(resp.Body)
}

// Decide classifies an HTML body. Any single reason is enough.
func (h *Heuristic) Decide(body []byte) Decision {
	if len(bytes.TrimSpace(body)) == 0 {
		return Decision{NeedsRendering: true, Reasons: []string{ReasonEmptyBody}}
	}
	var reasons []string
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			reasons = append(reasons, ReasonMarker+":"+strings.Trim(string(marker), `"`))
			break
		}
	}
	coverage := scriptCoverage(body)
	if coverage > 0 && coverage*100/len(body) > h.ScriptDensityPercent {
		reasons = append(reasons, ReasonScriptDensity)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		if coverage > 0 && visibleTextLen(doc) < h.MinVisibleText {
			reasons = append(reasons, ReasonSparseText)
		}
		if doc.Find(`meta[name="app-shell"], meta[name="fragment"][content="!"]`).Length() > 0 {
			reasons = append(reasons, ReasonAppShellMeta)
		}
	}
	return Decision{NeedsRendering: len(reasons) > 0, Reasons: reasons}
}

func visibleTextLen(doc *goquery.Document) int {
	doc.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	return utf8.RuneCountInString(text)
}

// scriptCoverage counts body bytes that sit inside <script> elements.
func scriptCoverage(body []byte) int {
	lower := strings.ToLower(string(body))
	total := len(lower)

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		coverage += nextSearch - start
		searchPos = nextSearch
	}
	return coverage
}
