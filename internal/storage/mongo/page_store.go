// Package mongo implements the document store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

// Config selects the database and collection.
type Config struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// pageDoc is the stored shape. content_hash keeps the signed bit pattern of
// the uint64 since BSON has no unsigned integers.
type pageDoc struct {
	ID                string     `bson:"_id"`
	Domain            string     `bson:"domain"`
	Title             string     `bson:"title"`
	TextContent       string     `bson:"text_content"`
	ContentHash       int64      `bson:"content_hash"`
	HTTPStatus        int        `bson:"http_status"`
	RenderingMethod   string     `bson:"rendering_method"`
	MIME              string     `bson:"mime,omitempty"`
	Language          string     `bson:"language,omitempty"`
	ETag              string     `bson:"etag,omitempty"`
	LastModified      string     `bson:"last_modified,omitempty"`
	HeadersOnly       bool       `bson:"headers_only,omitempty"`
	Truncated         bool       `bson:"truncated,omitempty"`
	FirstSeenAt       time.Time  `bson:"first_seen_at"`
	LastCrawledAt     time.Time  `bson:"last_crawled_at"`
	LastChangedAt     time.Time  `bson:"last_changed_at"`
	DeletedAt         *time.Time `bson:"deleted_at,omitempty"`
	IndexState        string     `bson:"index_state,omitempty"`
	IndexPendingSince *time.Time `bson:"index_pending_since,omitempty"`
	IndexAttempts     int        `bson:"index_attempts,omitempty"`
}

// PageStore keeps page records in one collection keyed by normalized URL.
type PageStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewPageStore connects, pings and ensures secondary indexes.
func NewPageStore(ctx context.Context, cfg Config) (*PageStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("doc store uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "searchcrawler"
	}
	if cfg.Collection == "" {
		cfg.Collection = "pages"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	store := &PageStore{client: client, coll: client.Database(cfg.Database).Collection(cfg.Collection)}
	if err := store.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

func (s *PageStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "domain", Value: 1}}},
		{Keys: bson.D{{Key: "index_state", Value: 1}, {Key: "index_pending_since", Value: 1}}},
		{Keys: bson.D{{Key: "last_crawled_at", Value: 1}, {Key: "_id", Value: 1}}},
	})
	if err != nil {
		return &crawler.StoreError{Op: "ensure indexes", Err: err}
	}
	return nil
}

// Upsert reads the previous document and replaces it. Callers hold the
// per-id lock, so the read and the replace are not interleaved with another
// writer for the same id.
func (s *PageStore) Upsert(ctx context.Context, rec crawler.PageRecord) (crawler.UpsertResult, error) {
	if rec.ID == "" {
		return crawler.UpsertResult{}, &crawler.StoreError{Op: "upsert", Err: errors.New("record id is required")}
	}
	var prev *crawler.PageRecord
	existing, err := s.Get(ctx, rec.ID)
	switch {
	case err == nil:
		prev = &existing
	case !errors.Is(err, crawler.ErrPageNotFound):
		return crawler.UpsertResult{}, err
	}
	res := merge(prev, rec)
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, toDoc(res.Record), options.Replace().SetUpsert(true))
	if err != nil {
		return crawler.UpsertResult{}, &crawler.StoreError{Op: "upsert", Err: err}
	}
	return res, nil
}

// merge applies the upsert rules to the previous record, if any.
func merge(prev *crawler.PageRecord, rec crawler.PageRecord) crawler.UpsertResult {
	now := rec.LastCrawledAt
	if prev == nil {
		rec.FirstSeenAt = now
		rec.LastChangedAt = now
		rec.DeletedAt = nil
		rec.IndexState = crawler.IndexStateNone
		rec.IndexPendingSince = nil
		rec.IndexAttempts = 0
		return crawler.UpsertResult{Record: rec, Created: true, Changed: true}
	}
	next := *prev
	next.LastCrawledAt = now
	if prev.ContentHash == rec.ContentHash && !prev.Deleted() {
		return crawler.UpsertResult{Record: next}
	}
	next.Domain = rec.Domain
	next.Title = rec.Title
	next.TextContent = rec.TextContent
	next.ContentHash = rec.ContentHash
	next.HTTPStatus = rec.HTTPStatus
	next.RenderingMethod = rec.RenderingMethod
	next.MIME = rec.MIME
	next.Language = rec.Language
	next.ETag = rec.ETag
	next.LastModified = rec.LastModified
	next.HeadersOnly = rec.HeadersOnly
	next.Truncated = rec.Truncated
	next.LastChangedAt = now
	next.DeletedAt = nil
	return crawler.UpsertResult{Record: next, Changed: true}
}

// Get returns the record, including soft-deleted ones.
func (s *PageStore) Get(ctx context.Context, id string) (crawler.PageRecord, error) {
	var doc pageDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return crawler.PageRecord{}, crawler.ErrPageNotFound
	}
	if err != nil {
		return crawler.PageRecord{}, &crawler.StoreError{Op: "get", Err: err}
	}
	return fromDoc(doc), nil
}

// SoftDelete stamps deleted_at.
func (s *PageStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return s.updateOne(ctx, "soft delete", id, bson.M{"$set": bson.M{"deleted_at": at}})
}

// Touch bumps last_crawled_at only.
func (s *PageStore) Touch(ctx context.Context, id string, at time.Time) error {
	return s.updateOne(ctx, "touch", id, bson.M{"$set": bson.M{"last_crawled_at": at}})
}

// ListByDomain returns live records for domain ordered by id.
func (s *PageStore) ListByDomain(ctx context.Context, domain string, limit int) ([]crawler.PageRecord, error) {
	filter := bson.M{"domain": domain, "deleted_at": bson.M{"$exists": false}}
	return s.find(ctx, "list by domain", filter, bson.D{{Key: "_id", Value: 1}}, limit)
}

// MarkIndexPending records a failed index write.
func (s *PageStore) MarkIndexPending(ctx context.Context, id string, since time.Time, attempts int) error {
	return s.updateOne(ctx, "mark index pending", id, bson.M{"$set": bson.M{
		"index_state":         string(crawler.IndexStatePending),
		"index_pending_since": since,
		"index_attempts":      attempts,
	}})
}

// MarkIndexed clears pending bookkeeping.
func (s *PageStore) MarkIndexed(ctx context.Context, id string) error {
	return s.updateOne(ctx, "mark indexed", id, bson.M{
		"$set":   bson.M{"index_state": string(crawler.IndexStateIndexed)},
		"$unset": bson.M{"index_pending_since": "", "index_attempts": ""},
	})
}

// MarkIndexFailed parks the record after retries are exhausted.
func (s *PageStore) MarkIndexFailed(ctx context.Context, id string) error {
	return s.updateOne(ctx, "mark index failed", id, bson.M{
		"$set":   bson.M{"index_state": string(crawler.IndexStateFailed)},
		"$unset": bson.M{"index_pending_since": ""},
	})
}

// ListIndexPending returns pending records, deleted ones included, older than
// olderThan, oldest first.
func (s *PageStore) ListIndexPending(ctx context.Context, olderThan time.Time, limit int) ([]crawler.PageRecord, error) {
	filter := pendingFilter(olderThan)
	sort := bson.D{{Key: "index_pending_since", Value: 1}, {Key: "_id", Value: 1}}
	return s.find(ctx, "list index pending", filter, sort, limit)
}

// ListUpdatedSince pages through records crawled at or after since in id order.
func (s *PageStore) ListUpdatedSince(ctx context.Context, since time.Time, afterID string, limit int) ([]crawler.PageRecord, error) {
	filter := bson.M{"last_crawled_at": bson.M{"$gte": since}, "_id": bson.M{"$gt": afterID}}
	return s.find(ctx, "list updated", filter, bson.D{{Key: "_id", Value: 1}}, limit)
}

// Ping checks connectivity.
func (s *PageStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return &crawler.StoreError{Op: "ping", Err: err}
	}
	return nil
}

// Close disconnects the client.
func (s *PageStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

func (s *PageStore) updateOne(ctx context.Context, op, id string, update bson.M) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return &crawler.StoreError{Op: op, Err: err}
	}
	if res.MatchedCount == 0 {
		return crawler.ErrPageNotFound
	}
	return nil
}

func (s *PageStore) find(ctx context.Context, op string, filter bson.M, sort bson.D, limit int) ([]crawler.PageRecord, error) {
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, &crawler.StoreError{Op: op, Err: err}
	}
	var docs []pageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, &crawler.StoreError{Op: op, Err: err}
	}
	out := make([]crawler.PageRecord, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromDoc(doc))
	}
	return out, nil
}

func pendingFilter(olderThan time.Time) bson.M {
	return bson.M{
		"index_state":         string(crawler.IndexStatePending),
		"index_pending_since": bson.M{"$lte": olderThan},
	}
}

func toDoc(rec crawler.PageRecord) pageDoc {
	return pageDoc{
		ID:                rec.ID,
		Domain:            rec.Domain,
		Title:             rec.Title,
		TextContent:       rec.TextContent,
		ContentHash:       int64(rec.ContentHash),
		HTTPStatus:        rec.HTTPStatus,
		RenderingMethod:   string(rec.RenderingMethod),
		MIME:              rec.MIME,
		Language:          rec.Language,
		ETag:              rec.ETag,
		LastModified:      rec.LastModified,
		HeadersOnly:       rec.HeadersOnly,
		Truncated:         rec.Truncated,
		FirstSeenAt:       rec.FirstSeenAt,
		LastCrawledAt:     rec.LastCrawledAt,
		LastChangedAt:     rec.LastChangedAt,
		DeletedAt:         rec.DeletedAt,
		IndexState:        string(rec.IndexState),
		IndexPendingSince: rec.IndexPendingSince,
		IndexAttempts:     rec.IndexAttempts,
	}
}

func fromDoc(doc pageDoc) crawler.PageRecord {
	return crawler.PageRecord{
		ID:                doc.ID,
		Domain:            doc.Domain,
		Title:             doc.Title,
		TextContent:       doc.TextContent,
		ContentHash:       uint64(doc.ContentHash),
		HTTPStatus:        doc.HTTPStatus,
		RenderingMethod:   crawler.RenderingMethod(doc.RenderingMethod),
		MIME:              doc.MIME,
		Language:          doc.Language,
		ETag:              doc.ETag,
		LastModified:      doc.LastModified,
		HeadersOnly:       doc.HeadersOnly,
		Truncated:         doc.Truncated,
		FirstSeenAt:       doc.FirstSeenAt.UTC(),
		LastCrawledAt:     doc.LastCrawledAt.UTC(),
		LastChangedAt:     doc.LastChangedAt.UTC(),
		DeletedAt:         doc.DeletedAt,
		IndexState:        crawler.IndexState(doc.IndexState),
		IndexPendingSince: doc.IndexPendingSince,
		IndexAttempts:     doc.IndexAttempts,
	}
}
