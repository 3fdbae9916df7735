// Package coordinator keeps the document store and the search index in step.
// The store is written first and is authoritative; index writes that fail
// are left pending for the Sweeper.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/index"
	"github.com/JakeFAU/searchcrawler/internal/progress"
	"github.com/JakeFAU/searchcrawler/internal/urlnorm"
)

// Outcome is the result of storing one page.
type Outcome string

// Store outcomes.
const (
	OutcomeStored       Outcome = "Stored"
	OutcomeUnchanged    Outcome = "Unchanged"
	OutcomeIndexPending Outcome = "IndexPending"
)

const stripes = 64

// IndexFailedFunc is told which session owned a page whose index retries ran
// out. sessionID is empty when the owner is unknown.
type IndexFailedFunc func(sessionID, pageURL string)

// Config wires the coordinator's collaborators.
type Config struct {
	Store   crawler.PageStore
	Index   index.Index
	Clock   crawler.Clock
	Emitter progress.Emitter
	Logger  *zap.Logger
}

// Coordinator serializes writers per page id over a fixed set of lock stripes.
type Coordinator struct {
	store   crawler.PageStore
	idx     index.Index
	clock   crawler.Clock
	emitter progress.Emitter
	logger  *zap.Logger
	tracer  trace.Tracer

	locks [stripes]sync.Mutex

	ownersMu sync.Mutex
	owners   map[string]string

	onIndexFailed  atomic.Pointer[IndexFailedFunc]
	onIndexChanged atomic.Pointer[func()]
}

// New validates cfg and builds a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("coordinator: page store is required")
	case cfg.Index == nil:
		return nil, errors.New("coordinator: search index is required")
	case cfg.Clock == nil:
		return nil, errors.New("coordinator: clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:   cfg.Store,
		idx:     cfg.Index,
		clock:   cfg.Clock,
		emitter: cfg.Emitter,
		logger:  logger.Named("coordinator"),
		tracer:  otel.Tracer("github.com/JakeFAU/searchcrawler/internal/coordinator"),
		owners:  make(map[string]string),
	}, nil
}

// OnIndexFailed registers fn to be called when a page's index retries are
// exhausted. It replaces any earlier listener.
func (c *Coordinator) OnIndexFailed(fn IndexFailedFunc) {
	c.onIndexFailed.Store(&fn)
}

// OnIndexChanged registers fn to run after every successful index write or
// delete. It replaces any earlier listener.
func (c *Coordinator) OnIndexChanged(fn func()) {
	c.onIndexChanged.Store(&fn)
}

func (c *Coordinator) indexPut(ctx context.Context, doc index.Document) error {
	if err := c.idx.Put(ctx, doc); err != nil {
		return err
	}
	c.indexChanged()
	return nil
}

func (c *Coordinator) indexDelete(ctx context.Context, id string) error {
	if err := c.idx.Delete(ctx, id); err != nil {
		return err
	}
	c.indexChanged()
	return nil
}

func (c *Coordinator) indexChanged() {
	if fn := c.onIndexChanged.Load(); fn != nil {
		(*fn)()
	}
}

// lock takes the stripe for id and returns its unlock.
func (c *Coordinator) lock(id string) func() {
	m := &c.locks[xxhash.Sum64String(id)%stripes]
	m.Lock()
	return m.Unlock
}

// Store upserts rec and, when its content changed, writes it to the index.
// A failed index write is not an error: the record is marked pending and
// OutcomeIndexPending is returned.
func (c *Coordinator) Store(ctx context.Context, sessionID string, rec crawler.PageRecord) (Outcome, crawler.PageRecord, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Store", trace.WithAttributes(attribute.String("page.url", rec.ID)))
	defer span.End()

	unlock := c.lock(rec.ID)
	defer unlock()

	res, err := c.store.Upsert(ctx, rec)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", crawler.PageRecord{}, &crawler.StoreError{Op: "upsert", Err: err}
	}
	stored := res.Record
	if !res.Created && !res.Changed {
		span.SetAttributes(attribute.String("outcome", string(OutcomeUnchanged)))
		return OutcomeUnchanged, stored, nil
	}
	if stored.HeadersOnly {
		// Nothing searchable; drop whatever text an earlier version indexed.
		if !res.Created {
			if err := c.indexDelete(ctx, stored.ID); err != nil {
				return c.markPending(ctx, sessionID, stored, err)
			}
		}
		return OutcomeStored, stored, nil
	}
	if err := c.indexPut(ctx, index.FromRecord(stored)); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return c.markPending(ctx, sessionID, stored, err)
	}
	if stored.IndexState != crawler.IndexStateIndexed {
		if err := c.store.MarkIndexed(ctx, stored.ID); err != nil {
			return "", crawler.PageRecord{}, &crawler.StoreError{Op: "mark indexed", Err: err}
		}
		stored.IndexState = crawler.IndexStateIndexed
		stored.IndexPendingSince = nil
		stored.IndexAttempts = 0
	}
	c.clearOwner(stored.ID)
	span.SetAttributes(attribute.String("outcome", string(OutcomeStored)))
	return OutcomeStored, stored, nil
}

func (c *Coordinator) markPending(ctx context.Context, sessionID string, rec crawler.PageRecord, cause error) (Outcome, crawler.PageRecord, error) {
	now := c.clock.Now()
	if err := c.store.MarkIndexPending(ctx, rec.ID, now, 0); err != nil {
		return "", crawler.PageRecord{}, &crawler.StoreError{Op: "mark index pending", Err: err}
	}
	rec.IndexState = crawler.IndexStatePending
	rec.IndexPendingSince = &now
	rec.IndexAttempts = 0
	c.setOwner(rec.ID, sessionID)
	c.logger.Warn("index write failed, left pending",
		zap.String("session_id", sessionID),
		zap.String("url", rec.ID),
		zap.String("error_kind", index.Kind(cause)),
		zap.Error(cause),
	)
	c.emit(progress.Event{
		SessionID: sessionID,
		Stage:     progress.StageIndexPending,
		Site:      rec.Domain,
		URL:       rec.ID,
		Note:      cause.Error(),
	})
	return OutcomeIndexPending, rec, nil
}

// Delete soft-deletes the record and mirrors the delete to the index. A
// failed index delete leaves the record pending so the Sweeper retries it.
func (c *Coordinator) Delete(ctx context.Context, id string) (Outcome, error) {
	unlock := c.lock(id)
	defer unlock()

	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("delete %s: %w", id, err)
	}
	if err := c.store.SoftDelete(ctx, id, c.clock.Now()); err != nil {
		return "", &crawler.StoreError{Op: "soft delete", Err: err}
	}
	if err := c.indexDelete(ctx, id); err != nil {
		outcome, _, perr := c.markPending(ctx, c.owner(id), rec, err)
		return outcome, perr
	}
	return OutcomeStored, nil
}

// Touch records a re-crawl that returned 304 Not Modified.
func (c *Coordinator) Touch(ctx context.Context, id string) error {
	unlock := c.lock(id)
	defer unlock()
	if err := c.store.Touch(ctx, id, c.clock.Now()); err != nil {
		if errors.Is(err, crawler.ErrPageNotFound) {
			return err
		}
		return &crawler.StoreError{Op: "touch", Err: err}
	}
	return nil
}

// sync re-reads the record under its stripe lock and makes the index match
// it. It is used by the Sweeper and BulkSync so neither can overwrite a newer
// write with an older snapshot.
func (c *Coordinator) sync(ctx context.Context, id string) (crawler.PageRecord, error) {
	unlock := c.lock(id)
	defer unlock()

	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return crawler.PageRecord{}, fmt.Errorf("reload %s: %w", id, err)
	}
	if rec.Deleted() || rec.HeadersOnly {
		err = c.indexDelete(ctx, id)
	} else {
		err = c.indexPut(ctx, index.FromRecord(rec))
	}
	if err != nil {
		return rec, err
	}
	if rec.IndexState != crawler.IndexStateIndexed {
		if err := c.store.MarkIndexed(ctx, id); err != nil {
			return rec, &crawler.StoreError{Op: "mark indexed", Err: err}
		}
	}
	c.clearOwner(id)
	return rec, nil
}

func (c *Coordinator) emit(evt progress.Event) {
	if c.emitter != nil {
		c.emitter.Emit(evt)
	}
}

func (c *Coordinator) setOwner(id, sessionID string) {
	if sessionID == "" {
		return
	}
	c.ownersMu.Lock()
	c.owners[id] = sessionID
	c.ownersMu.Unlock()
}

func (c *Coordinator) owner(id string) string {
	c.ownersMu.Lock()
	defer c.ownersMu.Unlock()
	return c.owners[id]
}

func (c *Coordinator) clearOwner(id string) {
	c.ownersMu.Lock()
	delete(c.owners, id)
	c.ownersMu.Unlock()
}

func (c *Coordinator) indexFailed(rec crawler.PageRecord, cause error) {
	sessionID := c.owner(rec.ID)
	c.clearOwner(rec.ID)
	c.logger.Error("index retries exhausted",
		zap.String("session_id", sessionID),
		zap.String("url", rec.ID),
		zap.Int("attempts", rec.IndexAttempts),
		zap.Error(cause),
	)
	domain := rec.Domain
	if domain == "" {
		domain = urlnorm.Domain(rec.ID)
	}
	c.emit(progress.Event{
		SessionID:   sessionID,
		Stage:       progress.StageIndexFailed,
		Site:        domain,
		URL:         rec.ID,
		FailureKind: string(crawler.KindIndex),
		Note:        cause.Error(),
	})
	if fn := c.onIndexFailed.Load(); fn != nil && *fn != nil {
		(*fn)(sessionID, rec.ID)
	}
}
