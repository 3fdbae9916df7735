package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

var errMissingID = errors.New("record id is required")

// PageStore keeps page records in a map. It backs DOC_STORE_URI=internal and
// the tests.
type PageStore struct {
	mu    sync.RWMutex
	pages map[string]crawler.PageRecord
}

// NewPageStore constructs an empty PageStore.
func NewPageStore() *PageStore {
	return &PageStore{pages: make(map[string]crawler.PageRecord)}
}

// Upsert inserts or updates rec. rec.LastCrawledAt is the crawl time.
func (s *PageStore) Upsert(_ context.Context, rec crawler.PageRecord) (crawler.UpsertResult, error) {
	if rec.ID == "" {
		return crawler.UpsertResult{}, &crawler.StoreError{Op: "upsert", Err: errMissingID}
	}
	now := rec.LastCrawledAt
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.pages[rec.ID]
	switch {
	case !ok:
		rec.FirstSeenAt = now
		rec.LastChangedAt = now
		rec.DeletedAt = nil
		rec.IndexState = crawler.IndexStateNone
		rec.IndexPendingSince = nil
		rec.IndexAttempts = 0
		s.pages[rec.ID] = rec
		return crawler.UpsertResult{Record: rec, Created: true, Changed: true}, nil
	case prev.ContentHash == rec.ContentHash && !prev.Deleted():
		prev.LastCrawledAt = now
		s.pages[rec.ID] = prev
		return crawler.UpsertResult{Record: prev}, nil
	default:
		next := applyContent(prev, rec)
		next.LastCrawledAt = now
		next.LastChangedAt = now
		next.DeletedAt = nil
		s.pages[rec.ID] = next
		return crawler.UpsertResult{Record: next, Changed: true}, nil
	}
}

// applyContent copies the content fields of rec onto prev, keeping identity
// and index bookkeeping.
func applyContent(prev, rec crawler.PageRecord) crawler.PageRecord {
	prev.Domain = rec.Domain
	prev.Title = rec.Title
	prev.TextContent = rec.TextContent
	prev.ContentHash = rec.ContentHash
	prev.HTTPStatus = rec.HTTPStatus
	prev.RenderingMethod = rec.RenderingMethod
	prev.MIME = rec.MIME
	prev.Language = rec.Language
	prev.ETag = rec.ETag
	prev.LastModified = rec.LastModified
	prev.HeadersOnly = rec.HeadersOnly
	prev.Truncated = rec.Truncated
	return prev
}

// Get returns the record, including soft-deleted ones.
func (s *PageStore) Get(_ context.Context, id string) (crawler.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.pages[id]
	if !ok {
		return crawler.PageRecord{}, crawler.ErrPageNotFound
	}
	return rec, nil
}

// SoftDelete stamps deletedAt.
func (s *PageStore) SoftDelete(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(rec *crawler.PageRecord) {
		rec.DeletedAt = pointerTime(at)
	})
}

// Touch bumps lastCrawledAt only.
func (s *PageStore) Touch(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(rec *crawler.PageRecord) {
		rec.LastCrawledAt = at
	})
}

// ListByDomain returns live records for domain ordered by id.
func (s *PageStore) ListByDomain(_ context.Context, domain string, limit int) ([]crawler.PageRecord, error) {
	return s.list(limit, func(rec crawler.PageRecord) bool {
		return rec.Domain == domain && !rec.Deleted()
	}, byID), nil
}

// MarkIndexPending records a failed index write.
func (s *PageStore) MarkIndexPending(_ context.Context, id string, since time.Time, attempts int) error {
	return s.update(id, func(rec *crawler.PageRecord) {
		rec.IndexState = crawler.IndexStatePending
		rec.IndexPendingSince = pointerTime(since)
		rec.IndexAttempts = attempts
	})
}

// MarkIndexed clears pending bookkeeping after a successful index write.
func (s *PageStore) MarkIndexed(_ context.Context, id string) error {
	return s.update(id, func(rec *crawler.PageRecord) {
		rec.IndexState = crawler.IndexStateIndexed
		rec.IndexPendingSince = nil
		rec.IndexAttempts = 0
	})
}

// MarkIndexFailed parks the record after retries are exhausted.
func (s *PageStore) MarkIndexFailed(_ context.Context, id string) error {
	return s.update(id, func(rec *crawler.PageRecord) {
		rec.IndexState = crawler.IndexStateFailed
		rec.IndexPendingSince = nil
	})
}

// ListIndexPending returns pending records whose marker is at or before
// olderThan, oldest first. Soft-deleted records are included so their index
// delete can be retried.
func (s *PageStore) ListIndexPending(_ context.Context, olderThan time.Time, limit int) ([]crawler.PageRecord, error) {
	return s.list(limit, func(rec crawler.PageRecord) bool {
		return rec.IndexState == crawler.IndexStatePending &&
			rec.IndexPendingSince != nil && !rec.IndexPendingSince.After(olderThan)
	}, byPendingSince), nil
}

// ListUpdatedSince pages through records crawled at or after since, id order.
func (s *PageStore) ListUpdatedSince(_ context.Context, since time.Time, afterID string, limit int) ([]crawler.PageRecord, error) {
	return s.list(limit, func(rec crawler.PageRecord) bool {
		return rec.ID > afterID && !rec.LastCrawledAt.Before(since)
	}, byID), nil
}

// Ping always succeeds.
func (s *PageStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *PageStore) Close(context.Context) error {
	return nil
}

func (s *PageStore) update(id string, fn func(*crawler.PageRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pages[id]
	if !ok {
		return crawler.ErrPageNotFound
	}
	fn(&rec)
	s.pages[id] = rec
	return nil
}

func (s *PageStore) list(limit int, keep func(crawler.PageRecord) bool, less func(a, b crawler.PageRecord) bool) []crawler.PageRecord {
	s.mu.RLock()
	out := make([]crawler.PageRecord, 0)
	for _, rec := range s.pages {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func byID(a, b crawler.PageRecord) bool {
	return a.ID < b.ID
}

func byPendingSince(a, b crawler.PageRecord) bool {
	if !a.IndexPendingSince.Equal(*b.IndexPendingSince) {
		return a.IndexPendingSince.Before(*b.IndexPendingSince)
	}
	return a.ID < b.ID
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
