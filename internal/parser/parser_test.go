package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchcrawler/internal/hash/xxhash"
)

func TestParseStaticPage(t *testing.T) {
	t.Parallel()

	p := New(xxhash.New(), fixedClock{})
	doc, err := p.Parse(Input{
		Body:     []byte(`<html><head><title> Hello </title></head><body>alpha  beta<script>var x=1</script></body></html>`),
		FinalURL: "http://example.com/",
	})
	require.NoError(t, err)
	require.Equal(t, "Hello", doc.Title)
	require.Equal(t, "alpha beta", doc.TextContent)
	require.Empty(t, doc.Outlinks)
	require.Equal(t, xxhash.New().Sum64("alpha beta"), doc.ContentHash)
	require.Equal(t, fixedClock{}.Now(), doc.CrawledAt)
}

func TestParseTitleFallbacks(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		html string
		want string
	}{
		{name: "title", html: `<title>T</title><meta property="og:title" content="OG"><h1>H</h1>`, want: "T"},
		{name: "empty title uses og", html: `<title>  </title><meta property="og:title" content=" OG  Title "><h1>H</h1>`, want: "OG Title"},
		{name: "h1", html: `<body><h1>First</h1><h1>Second</h1></body>`, want: "First"},
		{name: "none", html: `<body>text</body>`, want: ""},
		{name: "capped", html: "<title>" + strings.Repeat("x", 600) + "</title>", want: strings.Repeat("x", MaxTitleChars)},
	}
	p := New(xxhash.New(), fixedClock{})
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			doc, err := p.Parse(Input{Body: []byte(tc.html), FinalURL: "http://example.com/"})
			require.NoError(t, err)
			require.Equal(t, tc.want, doc.Title)
		})
	}
}

func TestParseVisibleTextStripsHiddenElements(t *testing.T) {
	t.Parallel()

	body := `<body><p>one</p><style>.a{}</style><template><p>tpl</p></template>
<noscript>enable js</noscript><div>two&nbsp;three</div><p>ｆｕｌｌ</p></body>`
	doc, err := New(xxhash.New(), fixedClock{}).Parse(Input{Body: []byte(body), FinalURL: "http://example.com/"})
	require.NoError(t, err)
	require.Equal(t, "one two three full", doc.TextContent)
}

func TestParseOutlinks(t *testing.T) {
	t.Parallel()

	body := `<body>
<a href="/b?utm_source=x">b</a>
<a href="http://example.com/b">b again</a>
<a href="c#frag">c</a>
<a href="#top">top</a>
<a href="mailto:someone@example.com">mail</a>
<a href="https://Other.example.org:443/x">x</a>
</body>`
	doc, err := New(xxhash.New(), fixedClock{}).Parse(Input{Body: []byte(body), FinalURL: "http://example.com/a/"})
	require.NoError(t, err)
	require.Equal(t, []string{
		"http://example.com/b",
		"http://example.com/a/c",
		"https://other.example.org/x",
	}, doc.Outlinks)
}

func TestParseBaseHref(t *testing.T) {
	t.Parallel()

	body := `<head><base href="http://example.com/docs/"></head><body><a href="page">p</a></body>`
	doc, err := New(xxhash.New(), fixedClock{}).Parse(Input{Body: []byte(body), FinalURL: "http://example.com/"})
	require.NoError(t, err)
	require.Equal(t, []string{"http://example.com/docs/page"}, doc.Outlinks)
}

func TestParseLanguagePrecedence(t *testing.T) {
	t.Parallel()

	english := strings.Repeat("The weather was pleasant this morning, so we walked to the market and bought fresh bread for breakfast. ", 4)
	p := New(xxhash.New(), fixedClock{})

	doc, err := p.Parse(Input{Body: []byte(`<html lang="de"><body>` + english + `</body></html>`), FinalURL: "http://example.com/", ContentLanguage: "fr-CA, en"})
	require.NoError(t, err)
	require.Equal(t, "fr-ca", doc.Language)

	doc, err = p.Parse(Input{Body: []byte(`<html lang="DE"><body>` + english + `</body></html>`), FinalURL: "http://example.com/"})
	require.NoError(t, err)
	require.Equal(t, "de", doc.Language)

	doc, err = p.Parse(Input{Body: []byte(`<html><body>` + english + `</body></html>`), FinalURL: "http://example.com/"})
	require.NoError(t, err)
	require.Equal(t, "en", doc.Language)

	doc, err = p.Parse(Input{Body: []byte(`<body>hi</body>`), FinalURL: "http://example.com/"})
	require.NoError(t, err)
	require.Empty(t, doc.Language)
}

func TestParsePlainText(t *testing.T) {
	t.Parallel()

	doc, err := New(xxhash.New(), fixedClock{}).Parse(Input{
		Body:        []byte("<b>not markup</b>\n\n  lines"),
		FinalURL:    "http://example.com/readme.txt",
		ContentType: "text/plain; charset=utf-8",
	})
	require.NoError(t, err)
	require.Empty(t, doc.Title)
	require.Empty(t, doc.Outlinks)
	require.Equal(t, "<b>not markup</b> lines", doc.TextContent)
}

func TestParseSniffsCharset(t *testing.T) {
	t.Parallel()

	// "café" in ISO-8859-1.
	body := append([]byte(`<html><head><meta charset="iso-8859-1"></head><body>caf`), 0xe9, '<', '/', 'b', 'o', 'd', 'y', '>')
	doc, err := New(xxhash.New(), fixedClock{}).Parse(Input{Body: body, FinalURL: "http://example.com/"})
	require.NoError(t, err)
	require.Equal(t, "café", doc.TextContent)

	doc, err = New(xxhash.New(), fixedClock{}).Parse(Input{Body: []byte(`<body>café</body>`), FinalURL: "http://example.com/", Charset: "utf-8"})
	require.NoError(t, err)
	require.Equal(t, "café", doc.TextContent)
}

func TestParseTruncatesLongText(t *testing.T) {
	t.Parallel()

	text, truncated := cleanText(strings.Repeat("é", 20), 10)
	require.True(t, truncated)
	require.Equal(t, strings.Repeat("é", 10), text)

	text, truncated = cleanText("short", 10)
	require.False(t, truncated)
	require.Equal(t, "short", text)
}

func TestParseIsIdempotent(t *testing.T) {
	t.Parallel()

	in := Input{
		Body:     []byte(`<title>x</title><body><a href="/1">1</a> some text <a href="/2">2</a></body>`),
		FinalURL: "http://example.com/",
	}
	p := New(xxhash.New(), fixedClock{})
	first, err := p.Parse(in)
	require.NoError(t, err)
	second, err := p.Parse(in)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

// --- fakes ---

type fixedClock struct{}

func (fixedClock) Now() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}
