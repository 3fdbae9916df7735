package crawler

import (
	"context"
	"io"
	"time"
)

// PageStore persists canonical page records. Implementations provide atomic
// per-id upserts; callers serialize writers for the same id.
type PageStore interface {
	// Upsert inserts or updates the record keyed by rec.ID. rec.LastCrawledAt is
	// the crawl time used for firstSeenAt/lastChangedAt on insert or change.
	Upsert(ctx context.Context, rec PageRecord) (UpsertResult, error)
	Get(ctx context.Context, id string) (PageRecord, error)
	SoftDelete(ctx context.Context, id string, at time.Time) error
	// Touch bumps lastCrawledAt without touching content (304 responses).
	Touch(ctx context.Context, id string, at time.Time) error
	ListByDomain(ctx context.Context, domain string, limit int) ([]PageRecord, error)
	MarkIndexPending(ctx context.Context, id string, since time.Time, attempts int) error
	MarkIndexed(ctx context.Context, id string) error
	MarkIndexFailed(ctx context.Context, id string) error
	ListIndexPending(ctx context.Context, olderThan time.Time, limit int) ([]PageRecord, error)
	// ListUpdatedSince pages through records crawled at or after since in id order.
	ListUpdatedSince(ctx context.Context, since time.Time, afterID string, limit int) ([]PageRecord, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// Renderer executes a page in a headless browser.
type Renderer interface {
	Render(ctx context.Context, request RenderRequest) (RenderResult, error)
}

// Hasher computes the 64-bit content fingerprint.
type Hasher interface {
	Sum64(text string) uint64
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
