// Package redisearch stores and queries page documents in a RediSearch
// index through a fixed pool of single-connection go-redis clients.
package redisearch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcrawler/internal/analysis"
	"github.com/JakeFAU/searchcrawler/internal/index"
	"github.com/JakeFAU/searchcrawler/internal/query"
)

const (
	defaultIndexName = "pages"
	defaultPrefix    = "doc:"
	defaultPoolSize  = 8
)

// Rank window bounds for Search. Pages inside RerankWindow share one
// ordering; deeper pages widen the window up to MaxRerankWindow.
const (
	RerankWindow    = 200
	MaxRerankWindow = 1000
)

// Config selects the server, the index and the pool size.
type Config struct {
	Options      *redis.Options
	IndexName    string
	Prefix       string
	PoolSize     int
	QueryTimeout time.Duration
	Logger       *zap.Logger
}

// ParseURI reads redis://host:port/db?pool=N&index=name. Other query
// parameters are handed to go-redis.
func ParseURI(raw string) (Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse search index uri: %w", err)
	}
	cfg := Config{IndexName: defaultIndexName, Prefix: defaultPrefix, PoolSize: defaultPoolSize}
	q := u.Query()
	if v := q.Get("pool"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("search index pool must be a positive integer, got %q", v)
		}
		cfg.PoolSize = n
	}
	if v := q.Get("index"); v != "" {
		cfg.IndexName = v
	}
	q.Del("pool")
	q.Del("index")
	u.RawQuery = q.Encode()
	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return Config{}, fmt.Errorf("parse redis url: %w", err)
	}
	cfg.Options = opts
	return cfg, nil
}

type commander interface {
	Do(ctx context.Context, args ...any) *redis.Cmd
	Close() error
}

// Client implements index.Index on RediSearch.
type Client struct {
	conns        []commander
	next         atomic.Uint64
	name         string
	prefix       string
	queryTimeout time.Duration
	logger       *zap.Logger
}

// New opens PoolSize clients, each limited to one connection, so requests
// only wait on their own connection's I/O.
func New(cfg Config) (*Client, error) {
	if cfg.Options == nil {
		return nil, fmt.Errorf("redis options are required")
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}
	conns := make([]commander, size)
	for i := range conns {
		opts := *cfg.Options
		opts.PoolSize = 1
		opts.MinIdleConns = 1
		// Search replies are parsed as RESP2 arrays.
		opts.Protocol = 2
		conns[i] = redis.NewClient(&opts)
	}
	return newWithConns(conns, cfg), nil
}

func newWithConns(conns []commander, cfg Config) *Client {
	c := &Client{
		conns:        conns,
		name:         cfg.IndexName,
		prefix:       cfg.Prefix,
		queryTimeout: cfg.QueryTimeout,
		logger:       cfg.Logger,
	}
	if c.name == "" {
		c.name = defaultIndexName
	}
	if c.prefix == "" {
		c.prefix = defaultPrefix
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

func (c *Client) conn() commander {
	n := c.next.Add(1)
	return c.conns[int(n%uint64(len(c.conns)))]
}

// schema is the declared field list; FT.INFO must report the same names and
// types.
var schema = [][2]string{
	{"title", "TEXT"},
	{"body", "TEXT"},
	{"domain", "TAG"},
	{"lead", "TEXT"},
	{"content_hash", "NUMERIC"},
	{"last_changed_at", "NUMERIC"},
}

func (c *Client) createArgs() []any {
	return []any{
		"FT.CREATE", c.name, "ON", "HASH", "PREFIX", 1, c.prefix, "LANGUAGE", "english",
		"SCHEMA",
		"title", "TEXT", "WEIGHT", 1.0,
		"body", "TEXT", "WEIGHT", 1.0,
		"domain", "TAG",
		"lead", "TEXT", "NOINDEX",
		"content_hash", "NUMERIC",
		"last_changed_at", "NUMERIC", "SORTABLE",
	}
}

// EnsureIndex creates the index when absent and fails on schema drift.
func (c *Client) EnsureIndex(ctx context.Context) error {
	reply, err := c.conn().Do(ctx, "FT.INFO", c.name).Result()
	if err != nil {
		mapped := mapError(err)
		if !errors.Is(mapped, index.ErrIndexMissing) {
			return mapped
		}
		if err := c.conn().Do(ctx, c.createArgs()...).Err(); err != nil {
			return fmt.Errorf("create index %s: %w", c.name, mapError(err))
		}
		c.logger.Info("created search index", zap.String("index", c.name))
		return nil
	}
	got, err := attributes(reply)
	if err != nil {
		return err
	}
	if diff := schemaDiff(got); diff != "" {
		return fmt.Errorf("%w: index %s %s", index.ErrSchemaDrift, c.name, diff)
	}
	return nil
}

// Put writes the document hash.
func (c *Client) Put(ctx context.Context, doc index.Document) error {
	args := []any{
		"HSET", c.prefix + doc.Key,
		"title", doc.Title,
		"body", doc.Body,
		"domain", doc.Domain,
		"lead", index.Lead(doc.Body, index.LeadWords),
		"content_hash", strconv.FormatUint(doc.ContentHash, 10),
		"last_changed_at", doc.LastChangedAt.UnixMilli(),
	}
	if err := c.conn().Do(ctx, args...).Err(); err != nil {
		return fmt.Errorf("index put %s: %w", doc.Key, mapError(err))
	}
	return nil
}

// Delete removes the document hash.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.conn().Do(ctx, "DEL", c.prefix+key).Err(); err != nil {
		return fmt.Errorf("index delete %s: %w", key, mapError(err))
	}
	return nil
}

// Search runs FT.SEARCH with TF-IDF scoring over the leading rank window,
// applies the offset boost and tie-breaks to the whole window, then slices
// out the requested page. Every page up to RerankWindow hits is cut from the
// same ordering, so a boosted hit cannot reappear on a later page. Hits past
// MaxRerankWindow are not served; Total still counts them.
func (c *Client) Search(ctx context.Context, req index.SearchRequest) (index.SearchResult, error) {
	if req.Query == nil {
		return index.SearchResult{}, nil
	}
	if c.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
	}
	offset := max(req.Offset, 0)
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	window := min(max(RerankWindow, offset+limit), MaxRerankWindow)
	args := []any{
		"FT.SEARCH", c.name, query.Render(req.Query, req.Profile),
		"WITHSCORES", "SCORER", "TFIDF",
		"RETURN", 5, "title", "body", "domain", "lead", "last_changed_at",
		"SUMMARIZE", "FIELDS", 1, "body", "FRAGS", 1, "LEN", 40,
		"LIMIT", 0, window,
		"DIALECT", 2,
	}
	reply, err := c.conn().Do(ctx, args...).Result()
	if err != nil {
		return index.SearchResult{}, fmt.Errorf("search: %w", mapError(err))
	}
	res, leads, err := parseSearch(reply, c.prefix)
	if err != nil {
		return index.SearchResult{}, err
	}
	boostEarly(res.Hits, leads, req.Query, req.Profile)
	index.SortHits(res.Hits)
	if len(res.Hits) > 0 {
		res.MaxScore = res.Hits[0].Score
	}
	start := min(offset, len(res.Hits))
	end := min(start+limit, len(res.Hits))
	res.Hits = res.Hits[start:end]
	return res, nil
}

// Ping checks every pooled connection.
func (c *Client) Ping(ctx context.Context) error {
	for _, conn := range c.conns {
		if err := conn.Do(ctx, "PING").Err(); err != nil {
			return fmt.Errorf("ping: %w", mapError(err))
		}
	}
	return nil
}

// Close closes every pooled client.
func (c *Client) Close() error {
	var errs []error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// boostEarly adds the profile's offset boost to hits whose lead contains a
// query word within the offset window.
func boostEarly(hits []index.Hit, leads []string, q *query.Node, p query.Profile) {
	if p.OffsetBoost == 0 || p.OffsetWindow <= 0 {
		return
	}
	want := map[string]struct{}{}
	for _, w := range query.Words(q) {
		want[analysis.Stem(w)] = struct{}{}
	}
	for i := range hits {
		for _, tok := range analysis.Analyze(leads[i]) {
			if tok.Pos >= p.OffsetWindow {
				break
			}
			if _, ok := want[tok.Term]; ok {
				hits[i].Score += p.OffsetBoost
				break
			}
		}
	}
}

func schemaDiff(got map[string]string) string {
	var problems []string
	for _, field := range schema {
		typ, ok := got[field[0]]
		switch {
		case !ok:
			problems = append(problems, "missing "+field[0])
		case !strings.EqualFold(typ, field[1]):
			problems = append(problems, fmt.Sprintf("%s is %s, want %s", field[0], typ, field[1]))
		}
	}
	return strings.Join(problems, "; ")
}
