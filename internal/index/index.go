// Package index defines the search-index contract shared by the in-process
// index and the RediSearch adapter.
package index

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/query"
)

// Engine errors. Adapters wrap one of these so callers can map them with
// errors.Is.
var (
	ErrTransientConnection = errors.New("search engine connection failed")
	ErrProtocol            = errors.New("search engine protocol error")
	ErrQueryTimeout        = errors.New("search engine query timed out")
	ErrIndexMissing        = errors.New("search index missing")
	ErrSchemaDrift         = errors.New("search index schema drift")
)

// LeadWords is how many leading body words are stored for the offset boost.
const LeadWords = query.MaxOffsetWindow

// Document is what gets written for one page.
type Document struct {
	Key           string
	Title         string
	Body          string
	Domain        string
	ContentHash   uint64
	LastChangedAt time.Time
}

// FromRecord builds the index document for a page record.
func FromRecord(rec crawler.PageRecord) Document {
	return Document{
		Key:           rec.ID,
		Title:         rec.Title,
		Body:          rec.TextContent,
		Domain:        rec.Domain,
		ContentHash:   rec.ContentHash,
		LastChangedAt: rec.LastChangedAt,
	}
}

// Lead returns the first n whitespace-separated words of body.
func Lead(body string, n int) string {
	fields := strings.Fields(body)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

// SearchRequest is one query against the index.
type SearchRequest struct {
	Query   *query.Node
	Offset  int
	Limit   int
	Profile query.Profile
}

// Hit is one ranked result. Body may be an engine-built summary.
type Hit struct {
	Key           string
	Title         string
	Body          string
	Domain        string
	Score         float64
	LastChangedAt time.Time
}

// SearchResult holds the requested page of hits and the total match count.
// MaxScore is the best score across every match, not just this page.
type SearchResult struct {
	Total    int
	Hits     []Hit
	MaxScore float64
}

// Index is implemented by the search backends.
type Index interface {
	EnsureIndex(ctx context.Context) error
	Put(ctx context.Context, doc Document) error
	Delete(ctx context.Context, key string) error
	Search(ctx context.Context, req SearchRequest) (SearchResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Kind names the engine error class for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrQueryTimeout):
		return "query_timeout"
	case errors.Is(err, ErrIndexMissing):
		return "index_missing"
	case errors.Is(err, ErrTransientConnection):
		return "transient_connection"
	case errors.Is(err, ErrProtocol):
		return "protocol_error"
	case errors.Is(err, ErrSchemaDrift):
		return "schema_drift"
	default:
		return "error"
	}
}

// SortHits orders by score desc, then newer LastChangedAt, then key.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.LastChangedAt.Equal(b.LastChangedAt) {
			return a.LastChangedAt.After(b.LastChangedAt)
		}
		return a.Key < b.Key
	})
}
