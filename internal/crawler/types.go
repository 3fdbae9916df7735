// Package crawler defines core types shared across subsystems.
package crawler

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// RenderingMethod records how the HTML for a page was obtained.
type RenderingMethod string

// Rendering methods persisted on page records.
const (
	RenderingStatic   RenderingMethod = "static"
	RenderingHeadless RenderingMethod = "headless"
)

// IndexState tracks the search-index side of a page record.
type IndexState string

// Index states persisted on page records.
const (
	IndexStateNone    IndexState = ""
	IndexStatePending IndexState = "pending"
	IndexStateIndexed IndexState = "indexed"
	IndexStateFailed  IndexState = "failed"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL             string
	Timeout         time.Duration
	FollowRedirects bool
	MaxRedirects    int
	UserAgent       string
	// RestrictToOrigin rejects cross-origin redirects with FailureOffDomain.
	RestrictToOrigin bool
	IfNoneMatch      string
	IfModifiedSince  string
}

// FetchResult is returned by a Fetcher implementation.
type FetchResult struct {
	FinalURL   string
	StatusCode int
	MIME       string
	// Charset is the encoding of Body; empty means sniff it.
	Charset         string
	Headers         http.Header
	Body            []byte
	Truncated       bool
	NotModified     bool
	Elapsed         time.Duration
	RenderingMethod RenderingMethod
	FailureKind     FailureKind
}

// BodyReader streams the raw body. Callers close it when done.
func (r FetchResult) BodyReader() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(r.Body))
}

// ParsedDocument is the parser output for one page.
type ParsedDocument struct {
	URL         string
	Title       string
	TextContent string
	Outlinks    []string
	Language    string
	ContentHash uint64
	Truncated   bool
	CrawledAt   time.Time
}

// PageRecord is the canonical document-store entity for a NormalizedURL.
type PageRecord struct {
	ID                string          `json:"id"`
	Domain            string          `json:"domain"`
	Title             string          `json:"title"`
	TextContent       string          `json:"textContent,omitempty"`
	ContentHash       uint64          `json:"contentHash"`
	HTTPStatus        int             `json:"httpStatus"`
	RenderingMethod   RenderingMethod `json:"renderingMethod"`
	MIME              string          `json:"mime,omitempty"`
	Language          string          `json:"language,omitempty"`
	ETag              string          `json:"etag,omitempty"`
	LastModified      string          `json:"lastModified,omitempty"`
	HeadersOnly       bool            `json:"headersOnly,omitempty"`
	Truncated         bool            `json:"truncated,omitempty"`
	FirstSeenAt       time.Time       `json:"firstSeenAt"`
	LastCrawledAt     time.Time       `json:"lastCrawledAt"`
	LastChangedAt     time.Time       `json:"lastChangedAt"`
	DeletedAt         *time.Time      `json:"deletedAt,omitempty"`
	IndexState        IndexState      `json:"indexState,omitempty"`
	IndexPendingSince *time.Time      `json:"indexPendingSince,omitempty"`
	IndexAttempts     int             `json:"indexAttempts,omitempty"`
}

// Deleted reports whether the record carries a soft-delete marker.
func (p PageRecord) Deleted() bool {
	return p.DeletedAt != nil
}

// UpsertResult describes what an upsert did to the stored record.
type UpsertResult struct {
	Record  PageRecord
	Created bool
	Changed bool
}

// ParseableMIME reports whether the media type goes through the parser.
func ParseableMIME(contentType string) bool {
	switch MediaType(contentType) {
	case "text/html", "application/xhtml+xml", "text/plain":
		return true
	default:
		return false
	}
}

// MediaType strips parameters from a Content-Type value. An empty value is
// treated as text/html, which is what browsers assume for bare responses.
func MediaType(contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		return "text/html"
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		head, _, _ := strings.Cut(contentType, ";")
		return strings.ToLower(strings.TrimSpace(head))
	}
	return mt
}

// WaitNetworkIdle asks a renderer to wait until network activity settles.
const WaitNetworkIdle = "networkIdle"

// RenderRequest is handed to a Renderer.
type RenderRequest struct {
	URL           string
	Timeout       time.Duration
	WaitCondition string
	UserAgent     string
}

// RenderResult is the post-JavaScript view of a page.
type RenderResult struct {
	URL        string
	StatusCode int
	HTML       string
	Title      string
	Elapsed    time.Duration
}
