// Package parser turns fetched bodies into ParsedDocuments: title, visible
// text, outlinks, language and content hash.
package parser

import (
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/RadhiFadlillah/whatlanggo"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/urlnorm"
)

const (
	// MaxTitleChars bounds the stored title.
	MaxTitleChars = 512
	// MaxTextChars bounds textContent; longer text is cut and flagged.
	MaxTextChars = 5_000_000

	minDetectChars      = 40
	minDetectConfidence = 0.1
)

// Input is one body to parse.
type Input struct {
	Body            []byte
	FinalURL        string
	ContentType     string
	ContentLanguage string
	// Charset is the encoding already applied to Body. Empty means sniff.
	Charset string
}

// Parser extracts ParsedDocuments. It is safe for concurrent use.
type Parser struct {
	hasher crawler.Hasher
	clock  crawler.Clock
}

// New builds a parser.
func New(hasher crawler.Hasher, clock crawler.Clock) *Parser {
	return &Parser{hasher: hasher, clock: clock}
}

// Parse extracts the document. Malformed markup is tolerated; the error
// return covers undecodable input.
func (p *Parser) Parse(in Input) (crawler.ParsedDocument, error) {
	body, err := decode(in.Body, in.ContentType, in.Charset)
	if err != nil {
		return crawler.ParsedDocument{}, fmt.Errorf("decode body: %w", err)
	}

	doc := crawler.ParsedDocument{URL: in.FinalURL, CrawledAt: p.now()}
	var htmlLang string
	if crawler.MediaType(in.ContentType) == "text/plain" {
		doc.TextContent, doc.Truncated = cleanText(string(body), MaxTextChars)
	} else {
		root, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return crawler.ParsedDocument{}, fmt.Errorf("parse html: %w", err)
		}
		doc.Title = extractTitle(root)
		doc.Outlinks = extractOutlinks(root, in.FinalURL)
		htmlLang = strings.TrimSpace(root.Find("html").First().AttrOr("lang", ""))
		root.Find("script, style, template, noscript").Remove()
		doc.TextContent, doc.Truncated = cleanText(visibleText(root), MaxTextChars)
	}
	doc.Language = detectLanguage(in.ContentLanguage, htmlLang, doc.TextContent)
	doc.ContentHash = p.hasher.Sum64(doc.TextContent)
	return doc, nil
}

func (p *Parser) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now().UTC()
}

func decode(body []byte, contentType, declared string) ([]byte, error) {
	label := strings.ToLower(strings.TrimSpace(declared))
	if label == "utf-8" || label == "utf8" {
		return body, nil
	}
	if label != "" {
		enc, _ := charset.Lookup(label)
		if enc == nil {
			return body, nil
		}
		return enc.NewDecoder().Bytes(body)
	}
	enc, name, _ := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" {
		return body, nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		if utf8.Valid(body) {
			return body, nil
		}
		return nil, err
	}
	return out, nil
}

func extractTitle(root *goquery.Document) string {
	candidates := []string{
		root.Find("title").First().Text(),
		root.Find(`meta[property="og:title"]`).First().AttrOr("content", ""),
		root.Find("h1").First().Text(),
	}
	for _, c := range candidates {
		if t := collapse(c); t != "" {
			return truncateRunes(t, MaxTitleChars)
		}
	}
	return ""
}

func extractOutlinks(root *goquery.Document, finalURL string) []string {
	base := finalURL
	if href, ok := root.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := urlnorm.Resolve(finalURL, href); err == nil {
			base = resolved
		}
	}
	seen := make(map[string]struct{})
	var links []string
	root.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		link, err := urlnorm.Resolve(base, href)
		if err != nil {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

// visibleText joins body text nodes with single spaces.
func visibleText(root *goquery.Document) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range root.Find("body").Nodes {
		walk(n)
	}
	return b.String()
}

func cleanText(s string, limit int) (string, bool) {
	text := collapse(s)
	if len(text) <= limit {
		return text, false
	}
	if utf8.RuneCountInString(text) <= limit {
		return text, false
	}
	return truncateRunes(text, limit), true
}

// collapse applies NFKC and folds whitespace runs to single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

func detectLanguage(header, htmlLang, text string) string {
	for _, declared := range []string{header, htmlLang} {
		first, _, _ := strings.Cut(declared, ",")
		if tag := strings.ToLower(strings.TrimSpace(first)); tag != "" {
			return tag
		}
	}
	if utf8.RuneCountInString(text) < minDetectChars {
		return ""
	}
	info := whatlanggo.Detect(text)
	if info.Confidence < minDetectConfidence {
		return ""
	}
	return info.Lang.Iso6391()
}
