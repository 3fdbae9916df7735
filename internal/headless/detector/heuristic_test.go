package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

func TestHeuristic_EmptyBody(t *testing.T) {
	t.Parallel()

	d := NewHeuristic().Decide([]byte("  "))
	require.True(t, d.NeedsRendering)
	require.Equal(t, []string{ReasonEmptyBody}, d.Reasons)
}

func TestHeuristic_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic()
	for _, body := range []string{
		`<div id="__next"></div>`,
		`<div id="root"></div>`,
		`<html ng-version="17.0.0"><body>x</body></html>`,
		`<script>window.__NUXT__={}</script>`,
		`<script>window.__APOLLO_STATE__={}</script>`,
	} {
		d := h.Decide([]byte(body))
		require.True(t, d.NeedsRendering, body)
	}
}

func TestHeuristic_ScriptDensity(t *testing.T) {
	t.Parallel()

	body := `<html><body><p>` + strings.Repeat("visible words ", 60) + `</p><script>` +
		strings.Repeat("var a=1;", 400) + `</script></body></html>`
	d := NewHeuristic().Decide([]byte(body))
	require.True(t, d.NeedsRendering)
	require.Contains(t, d.Reasons, ReasonScriptDensity)
	require.NotContains(t, d.Reasons, ReasonSparseText)
}

func TestHeuristic_SparseTextNeedsScripts(t *testing.T) {
	t.Parallel()

	h := NewHeuristic()
	withScript := h.Decide([]byte(`<html><body><p>short</p><script src="/app.js"></script></body></html>`))
	require.True(t, withScript.NeedsRendering)
	require.Contains(t, withScript.Reasons, ReasonSparseText)

	plain := h.Decide([]byte(`<html><head><title>Hello</title></head><body>alpha beta</body></html>`))
	require.False(t, plain.NeedsRendering)
	require.Empty(t, plain.Reasons)
}

func TestHeuristic_AppShellMeta(t *testing.T) {
	t.Parallel()

	body := `<html><head><meta name="fragment" content="!"></head><body>` + strings.Repeat("text ", 200) + `</body></html>`
	d := NewHeuristic().Decide([]byte(body))
	require.Equal(t, Decision{NeedsRendering: true, Reasons: []string{ReasonAppShellMeta}}, d)
}

func TestHeuristic_ShouldPromote_DisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic()
	require.False(t, h.ShouldPromote(crawler.FetchResult{StatusCode: 404, Body: []byte(`<div id="root"></div>`)}).NeedsRendering)
	require.False(t, h.ShouldPromote(crawler.FetchResult{StatusCode: 200, MIME: "text/plain", Body: []byte("")}).NeedsRendering)
	require.True(t, h.ShouldPromote(crawler.FetchResult{StatusCode: 200, MIME: "text/html", Body: []byte(`<div id="app"></div>`)}).NeedsRendering)
}
