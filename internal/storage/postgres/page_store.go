// Package postgres provides the Postgres-backed document store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PageStoreConfig controls the Postgres connection pool used for page records.
type PageStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// PageStore persists page records in a single table keyed by normalized URL.
type PageStore struct {
	pool  execCloser
	table string
	sql   statements
}

// NewPageStore connects to Postgres and ensures the schema exists.
func NewPageStore(ctx context.Context, cfg PageStoreConfig) (*PageStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("doc store dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPageStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPageStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPageStoreWithPool(pool execCloser, table string) (*PageStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "pages"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PageStore{pool: pool, table: table, sql: buildStatements(table)}, nil
}

// EnsureSchema creates the table and its secondary indexes when absent.
func (s *PageStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.sql.schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return &crawler.StoreError{Op: "ensure schema", Err: err}
		}
	}
	return nil
}

// Upsert runs the insert-or-update as one statement. The prev CTE reads the
// row as it was before the statement so the caller learns whether content
// changed.
func (s *PageStore) Upsert(ctx context.Context, rec crawler.PageRecord) (crawler.UpsertResult, error) {
	if rec.ID == "" {
		return crawler.UpsertResult{}, &crawler.StoreError{Op: "upsert", Err: errors.New("record id is required")}
	}
	args := []any{
		rec.ID,
		rec.Domain,
		rec.Title,
		rec.TextContent,
		int64(rec.ContentHash),
		rec.HTTPStatus,
		string(rec.RenderingMethod),
		rec.MIME,
		rec.Language,
		rec.ETag,
		rec.LastModified,
		rec.HeadersOnly,
		rec.Truncated,
		rec.LastCrawledAt,
	}
	var (
		out         pageRow
		prevHash    *int64
		prevDeleted *bool
	)
	dest := append(scanTargets(&out), &prevHash, &prevDeleted)
	if err := s.pool.QueryRow(ctx, s.sql.upsert, args...).Scan(dest...); err != nil {
		return crawler.UpsertResult{}, &crawler.StoreError{Op: "upsert", Err: err}
	}
	out.finish()
	res := crawler.UpsertResult{Record: out.rec, Created: prevHash == nil}
	res.Changed = res.Created || uint64(*prevHash) != rec.ContentHash || (prevDeleted != nil && *prevDeleted)
	return res, nil
}

// Get returns the record, including soft-deleted ones.
func (s *PageStore) Get(ctx context.Context, id string) (crawler.PageRecord, error) {
	var row pageRow
	err := s.pool.QueryRow(ctx, s.sql.get, id).Scan(scanTargets(&row)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.PageRecord{}, crawler.ErrPageNotFound
	}
	if err != nil {
		return crawler.PageRecord{}, &crawler.StoreError{Op: "get", Err: err}
	}
	row.finish()
	return row.rec, nil
}

// SoftDelete stamps deleted_at.
func (s *PageStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "soft delete", s.sql.softDelete, id, at)
}

// Touch bumps last_crawled_at only.
func (s *PageStore) Touch(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "touch", s.sql.touch, id, at)
}

// ListByDomain returns live records for domain ordered by id.
func (s *PageStore) ListByDomain(ctx context.Context, domain string, limit int) ([]crawler.PageRecord, error) {
	return s.query(ctx, "list by domain", s.sql.byDomain, domain, normalizeLimit(limit))
}

// MarkIndexPending records a failed index write.
func (s *PageStore) MarkIndexPending(ctx context.Context, id string, since time.Time, attempts int) error {
	return s.execOne(ctx, "mark index pending", s.sql.markPending, id, since, attempts)
}

// MarkIndexed clears pending bookkeeping.
func (s *PageStore) MarkIndexed(ctx context.Context, id string) error {
	return s.execOne(ctx, "mark indexed", s.sql.markIndexed, id)
}

// MarkIndexFailed parks the record after retries are exhausted.
func (s *PageStore) MarkIndexFailed(ctx context.Context, id string) error {
	return s.execOne(ctx, "mark index failed", s.sql.markFailed, id)
}

// ListIndexPending returns pending records, deleted ones included, older than
// olderThan, oldest first.
func (s *PageStore) ListIndexPending(ctx context.Context, olderThan time.Time, limit int) ([]crawler.PageRecord, error) {
	return s.query(ctx, "list index pending", s.sql.pending, olderThan, normalizeLimit(limit))
}

// ListUpdatedSince pages through records crawled at or after since in id order.
func (s *PageStore) ListUpdatedSince(ctx context.Context, since time.Time, afterID string, limit int) ([]crawler.PageRecord, error) {
	return s.query(ctx, "list updated", s.sql.updatedSince, since, afterID, normalizeLimit(limit))
}

// Ping checks connectivity.
func (s *PageStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &crawler.StoreError{Op: "ping", Err: err}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PageStore) Close(context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PageStore) execOne(ctx context.Context, op, stmt string, args ...any) error {
	tag, err := s.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return &crawler.StoreError{Op: op, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrPageNotFound
	}
	return nil
}

func (s *PageStore) query(ctx context.Context, op, stmt string, args ...any) ([]crawler.PageRecord, error) {
	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, &crawler.StoreError{Op: op, Err: err}
	}
	defer rows.Close()
	var out []crawler.PageRecord
	for rows.Next() {
		var row pageRow
		if err := rows.Scan(scanTargets(&row)...); err != nil {
			return nil, &crawler.StoreError{Op: op, Err: err}
		}
		row.finish()
		out = append(out, row.rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &crawler.StoreError{Op: op, Err: err}
	}
	return out, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

// pageRow mirrors the column list; content_hash is stored as the signed
// reinterpretation of the uint64.
type pageRow struct {
	rec       crawler.PageRecord
	hash      int64
	rendering string
	state     string
}

func (r *pageRow) finish() {
	r.rec.ContentHash = uint64(r.hash)
	r.rec.RenderingMethod = crawler.RenderingMethod(r.rendering)
	r.rec.IndexState = crawler.IndexState(r.state)
}

var columns = []string{
	"id", "domain", "title", "text_content", "content_hash", "http_status", "rendering_method",
	"mime", "language", "etag", "last_modified", "headers_only", "truncated",
	"first_seen_at", "last_crawled_at", "last_changed_at", "deleted_at",
	"index_state", "index_pending_since", "index_attempts",
}

// contentColumns are replaced on upsert only when the hash differs or the
// row was soft-deleted.
var contentColumns = []string{
	"domain", "title", "text_content", "content_hash", "http_status", "rendering_method",
	"mime", "language", "etag", "last_modified", "headers_only", "truncated",
}

func scanTargets(r *pageRow) []any {
	return []any{
		&r.rec.ID, &r.rec.Domain, &r.rec.Title, &r.rec.TextContent, &r.hash, &r.rec.HTTPStatus, &r.rendering,
		&r.rec.MIME, &r.rec.Language, &r.rec.ETag, &r.rec.LastModified, &r.rec.HeadersOnly, &r.rec.Truncated,
		&r.rec.FirstSeenAt, &r.rec.LastCrawledAt, &r.rec.LastChangedAt, &r.rec.DeletedAt,
		&r.state, &r.rec.IndexPendingSince, &r.rec.IndexAttempts,
	}
}

type statements struct {
	schema       []string
	upsert       string
	get          string
	softDelete   string
	touch        string
	byDomain     string
	markPending  string
	markIndexed  string
	markFailed   string
	pending      string
	updatedSince string
}

func buildStatements(table string) statements {
	cols := strings.Join(columns, ", ")
	changed := fmt.Sprintf("(%[1]s.content_hash <> EXCLUDED.content_hash OR %[1]s.deleted_at IS NOT NULL)", table)
	sets := make([]string, 0, len(contentColumns)+3)
	for _, c := range contentColumns {
		sets = append(sets, fmt.Sprintf("%[1]s = CASE WHEN %[2]s THEN EXCLUDED.%[1]s ELSE %[3]s.%[1]s END", c, changed, table))
	}
	sets = append(sets,
		fmt.Sprintf("last_changed_at = CASE WHEN %s THEN EXCLUDED.last_crawled_at ELSE %s.last_changed_at END", changed, table),
		"last_crawled_at = EXCLUDED.last_crawled_at",
		"deleted_at = NULL",
	)

	return statements{
		schema: []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	text_content TEXT NOT NULL DEFAULT '',
	content_hash BIGINT NOT NULL,
	http_status INTEGER NOT NULL,
	rendering_method TEXT NOT NULL,
	mime TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	etag TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	headers_only BOOLEAN NOT NULL DEFAULT FALSE,
	truncated BOOLEAN NOT NULL DEFAULT FALSE,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_crawled_at TIMESTAMPTZ NOT NULL,
	last_changed_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ,
	index_state TEXT NOT NULL DEFAULT '',
	index_pending_since TIMESTAMPTZ,
	index_attempts INTEGER NOT NULL DEFAULT 0
)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %[1]s_domain_idx ON %[1]s (domain)", table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %[1]s_index_pending_idx ON %[1]s (index_pending_since) WHERE index_state = 'pending'", table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %[1]s_last_crawled_idx ON %[1]s (last_crawled_at, id)", table),
		},
		upsert: fmt.Sprintf(`WITH prev AS (
	SELECT content_hash, deleted_at IS NOT NULL AS deleted FROM %[1]s WHERE id = $1
)
INSERT INTO %[1]s (
	id, domain, title, text_content, content_hash, http_status, rendering_method,
	mime, language, etag, last_modified, headers_only, truncated,
	first_seen_at, last_crawled_at, last_changed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14,$14
)
ON CONFLICT (id) DO UPDATE SET
	%[2]s
RETURNING %[3]s, (SELECT content_hash FROM prev), (SELECT deleted FROM prev)`,
			table, strings.Join(sets, ",\n\t"), cols),
		get:          fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", cols, table),
		softDelete:   fmt.Sprintf("UPDATE %s SET deleted_at = $2 WHERE id = $1", table),
		touch:        fmt.Sprintf("UPDATE %s SET last_crawled_at = $2 WHERE id = $1", table),
		byDomain:     fmt.Sprintf("SELECT %s FROM %s WHERE domain = $1 AND deleted_at IS NULL ORDER BY id LIMIT $2", cols, table),
		markPending:  fmt.Sprintf("UPDATE %s SET index_state = 'pending', index_pending_since = $2, index_attempts = $3 WHERE id = $1", table),
		markIndexed:  fmt.Sprintf("UPDATE %s SET index_state = 'indexed', index_pending_since = NULL, index_attempts = 0 WHERE id = $1", table),
		markFailed:   fmt.Sprintf("UPDATE %s SET index_state = 'failed', index_pending_since = NULL WHERE id = $1", table),
		pending:      fmt.Sprintf("SELECT %s FROM %s WHERE index_state = 'pending' AND index_pending_since <= $1 ORDER BY index_pending_since, id LIMIT $2", cols, table),
		updatedSince: fmt.Sprintf("SELECT %s FROM %s WHERE last_crawled_at >= $1 AND id > $2 ORDER BY id LIMIT $3", cols, table),
	}
}
