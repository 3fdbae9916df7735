// Package search answers ranked text queries: it validates the request,
// parses the query, asks the index for one page of hits and shapes them for
// the API.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/allegro/bigcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/index"
	"github.com/JakeFAU/searchcrawler/internal/metrics"
	"github.com/JakeFAU/searchcrawler/internal/query"
)

// Request limits and defaults.
const (
	MaxQueryLength  = 1024
	DefaultPageSize = 10
	MaxPageSize     = 100
	SnippetLength   = 200
)

// Request is one search call.
type Request struct {
	Q        string
	Page     int
	PageSize int
	Domain   string
}

// Meta describes the returned page.
type Meta struct {
	Total     int      `json:"total"`
	Page      int      `json:"page"`
	PageSize  int      `json:"pageSize"`
	Warnings  []string `json:"warnings,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Result is one ranked hit.
type Result struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is the search payload.
type Response struct {
	Meta    Meta     `json:"meta"`
	Results []Result `json:"results"`
}

// Config wires the service. Cache is optional.
type Config struct {
	Index  index.Index
	Scorer *query.Scorer
	Cache  *bigcache.BigCache
	Logger *zap.Logger
}

// Service runs queries against an index.
type Service struct {
	idx    index.Index
	scorer *query.Scorer
	cache  *bigcache.BigCache
	logger *zap.Logger
	tracer trace.Tracer
}

// NewService builds a Service. A nil Scorer uses the default profile.
func NewService(cfg Config) (*Service, error) {
	if cfg.Index == nil {
		return nil, errors.New("search: index is required")
	}
	scorer := cfg.Scorer
	if scorer == nil {
		scorer = query.NewScorer(query.DefaultProfile())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		idx:    cfg.Index,
		scorer: scorer,
		cache:  cfg.Cache,
		logger: logger.Named("search"),
		tracer: otel.Tracer("github.com/JakeFAU/searchcrawler/internal/search"),
	}, nil
}

// NewCache builds the response cache with the given entry lifetime.
func NewCache(ctx context.Context, ttl time.Duration, maxMB int) (*bigcache.BigCache, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.CleanWindow = ttl
	cfg.HardMaxCacheSize = maxMB
	cfg.Verbose = false
	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create search cache: %w", err)
	}
	return cache, nil
}

// Search validates req and returns one page of results. Validation and
// query syntax problems come back as *crawler.InputError; engine failures
// wrap the index error sentinels.
func (s *Service) Search(ctx context.Context, req Request) (resp Response, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "search.Search")
	defer func() {
		kind := "ok"
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			kind = errorKind(err)
		}
		span.End()
		metrics.ObserveSearch(kind, time.Since(start))
	}()

	req, err = normalize(req)
	if err != nil {
		return Response{}, err
	}
	parsed, err := query.Parse(req.Q)
	if err != nil {
		return Response{}, &crawler.InputError{Msg: "invalid query", Err: err}
	}
	node := parsed.Node
	if node != nil && req.Domain != "" {
		node = query.WithSite(node, req.Domain)
	}
	resp = Response{
		Meta: Meta{
			Page:      req.Page,
			PageSize:  req.PageSize,
			Warnings:  parsed.Warnings,
			Truncated: parsed.Truncated,
		},
		Results: []Result{},
	}
	if node == nil {
		return resp, nil
	}
	span.SetAttributes(attribute.String("query", query.Format(node)), attribute.Int("page", req.Page))

	profile := s.scorer.Profile()
	key := cacheKey(node, req, profile)
	if cached, ok := s.fromCache(key); ok {
		cached.Meta.Warnings = parsed.Warnings
		cached.Meta.Truncated = parsed.Truncated
		return cached, nil
	}

	res, err := s.idx.Search(ctx, index.SearchRequest{
		Query:   node,
		Offset:  (req.Page - 1) * req.PageSize,
		Limit:   req.PageSize,
		Profile: profile,
	})
	if err != nil {
		s.logger.Warn("search failed", zap.String("query", query.Format(node)), zap.String("error_kind", index.Kind(err)), zap.Error(err))
		return Response{}, fmt.Errorf("search: %w", err)
	}
	index.SortHits(res.Hits)

	resp.Meta.Total = res.Total
	words := query.Words(node)
	for _, hit := range res.Hits {
		resp.Results = append(resp.Results, Result{
			URL:       hit.Key,
			Title:     hit.Title,
			Snippet:   Snippet(hit.Body, words, SnippetLength),
			Score:     normalizeScore(hit.Score, res.MaxScore),
			Timestamp: hit.LastChangedAt.UTC(),
		})
	}
	s.toCache(key, resp)
	return resp, nil
}

// Invalidate drops every cached response. It is called after index writes
// so the next query sees them.
func (s *Service) Invalidate() {
	if s.cache == nil {
		return
	}
	if err := s.cache.Reset(); err != nil {
		s.logger.Debug("search cache reset failed", zap.Error(err))
	}
}

func normalize(req Request) (Request, error) {
	req.Q = strings.TrimSpace(req.Q)
	if req.Q == "" {
		return req, &crawler.InputError{Msg: "q is required", Err: query.ErrEmptyQuery}
	}
	if n := utf8.RuneCountInString(req.Q); n > MaxQueryLength {
		return req, crawler.NewInputError("q is %d characters, max %d", n, MaxQueryLength)
	}
	switch {
	case req.Page < 0:
		return req, crawler.NewInputError("page must be >= 1")
	case req.Page == 0:
		req.Page = 1
	}
	switch {
	case req.PageSize < 0 || req.PageSize > MaxPageSize:
		return req, crawler.NewInputError("pageSize must be between 1 and %d", MaxPageSize)
	case req.PageSize == 0:
		req.PageSize = DefaultPageSize
	}
	if req.Domain != "" {
		domain, err := query.NormalizeDomain(req.Domain)
		if err != nil {
			return req, &crawler.InputError{Msg: "invalid domain", Err: err}
		}
		req.Domain = domain
	}
	return req, nil
}

// normalizeScore maps raw scores onto 0..1 relative to the query's best hit,
// so a document reports the same score on every page.
func normalizeScore(score, top float64) float64 {
	if top <= 0 || score <= 0 {
		return 0
	}
	if score >= top {
		return 1
	}
	return score / top
}

func cacheKey(node *query.Node, req Request, p query.Profile) string {
	return strings.Join([]string{
		query.Format(node),
		strconv.Itoa(req.Page),
		strconv.Itoa(req.PageSize),
		strconv.FormatFloat(p.TitleWeight, 'g', -1, 64),
		strconv.FormatFloat(p.BodyWeight, 'g', -1, 64),
		strconv.FormatFloat(p.OffsetBoost, 'g', -1, 64),
		strconv.Itoa(p.OffsetWindow),
	}, "\x1f")
}

func (s *Service) fromCache(key string) (Response, bool) {
	if s.cache == nil {
		return Response{}, false
	}
	raw, err := s.cache.Get(key)
	if err != nil {
		metrics.ObserveSearchCache(false)
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		s.logger.Debug("dropping unreadable cache entry", zap.Error(err))
		_ = s.cache.Delete(key)
		metrics.ObserveSearchCache(false)
		return Response{}, false
	}
	metrics.ObserveSearchCache(true)
	return resp, true
}

func (s *Service) toCache(key string, resp Response) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.cache.Set(key, raw); err != nil {
		s.logger.Debug("search cache set failed", zap.Error(err))
	}
}

func errorKind(err error) string {
	var ie *crawler.InputError
	if errors.As(err, &ie) {
		return "input_error"
	}
	return index.Kind(err)
}
