// Package robots caches robots.txt rules per origin.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Defaults applied when Config fields are zero.
const (
	DefaultTTL        = 24 * time.Hour
	DefaultFailureTTL = 10 * time.Minute
	DefaultTimeout    = 5 * time.Second
	maxRobotsBytes    = 512 << 10
)

// Config configures a Cache.
type Config struct {
	Client     *http.Client
	UserAgent  string
	TTL        time.Duration
	FailureTTL time.Duration
	Timeout    time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
}

// Record is the cached robots state for one origin. A nil Data allows all.
type Record struct {
	Data      *robotstxt.RobotsData
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Cache answers robots questions from cached per-origin records.
type Cache struct {
	cfg     Config
	mu      sync.RWMutex
	records map[string]Record
	flight  singleflight.Group
}

// NewCache builds a Cache with defaults filled in.
func NewCache(cfg Config) *Cache {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = DefaultFailureTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Cache{cfg: cfg, records: make(map[string]Record)}
}

// Allowed reports whether userAgent may fetch rawURL.
func (c *Cache) Allowed(ctx context.Context, rawURL, userAgent string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse url: %w", err)
	}
	rec := c.record(ctx, parsed.Scheme+"://"+parsed.Host)
	if rec.Data == nil {
		return true, nil
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return rec.Data.FindGroup(c.agent(userAgent)).Test(target), nil
}

// CrawlDelay returns the Crawl-delay declared for userAgent at origin, or 0.
func (c *Cache) CrawlDelay(ctx context.Context, origin, userAgent string) time.Duration {
	rec := c.record(ctx, origin)
	if rec.Data == nil {
		return 0
	}
	return rec.Data.FindGroup(c.agent(userAgent)).CrawlDelay
}

func (c *Cache) agent(userAgent string) string {
	if userAgent == "" {
		return c.cfg.UserAgent
	}
	return userAgent
}

func (c *Cache) record(ctx context.Context, origin string) Record {
	now := c.cfg.Now()
	c.mu.RLock()
	rec, ok := c.records[origin]
	c.mu.RUnlock()
	if ok && now.Before(rec.ExpiresAt) {
		return rec
	}

	// Concurrent misses for one origin share a single fetch.
	v, _, _ := c.flight.Do(origin, func() (any, error) {
		fresh := c.fetch(ctx, origin)
		c.mu.Lock()
		c.records[origin] = fresh
		c.mu.Unlock()
		return fresh, nil
	})
	return v.(Record)
}

func (c *Cache) fetch(ctx context.Context, origin string) Record {
	now := c.cfg.Now()
	logger := c.cfg.Logger.With(zap.String("origin", origin))
	permissive := Record{FetchedAt: now, ExpiresAt: now.Add(c.cfg.FailureTTL)}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		logger.Warn("robots request invalid; allowing access", zap.Error(err))
		return permissive
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		logger.Warn("robots fetch failed; allowing access", zap.Error(err))
		return permissive
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusInternalServerError {
		logger.Warn("robots server error; allowing access", zap.Int("status", resp.StatusCode))
		return permissive
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		logger.Warn("robots read failed; allowing access", zap.Error(err))
		return permissive
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		logger.Warn("robots parse failed; allowing access", zap.Error(err))
		return permissive
	}
	logger.Debug("robots cached", zap.Int("status", resp.StatusCode))
	return Record{Data: data, FetchedAt: now, ExpiresAt: now.Add(c.cfg.TTL)}
}
