package session

import (
	"time"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/urlnorm"
	"github.com/JakeFAU/searchcrawler/internal/worker"
)

// Session option defaults.
const (
	DefaultMaxPages     = 1000
	DefaultMaxDepth     = 3
	DefaultMaxRedirects = 10
	DefaultWorkerCount  = 4
	DefaultTimeoutMs    = 30000
	DefaultMaxRetries   = 3
	DefaultRetryDelayMs = 300
	maxRedirectsAllowed = 50
	maxRetriesAllowed   = 10
	maxRetryDelayBaseMs = 60000
)

// Request is the POST /crawl/sessions body. Pointer fields distinguish an
// omitted option from an explicit zero or false.
type Request struct {
	URL                  string   `json:"url"`
	URLs                 []string `json:"urls"`
	MaxPages             *int     `json:"maxPages"`
	MaxDepth             *int     `json:"maxDepth"`
	Force                *bool    `json:"force"`
	ExtractTextContent   *bool    `json:"extractTextContent"`
	IncludeFullContent   *bool    `json:"includeFullContent"`
	SPARenderingEnabled  *bool    `json:"spaRenderingEnabled"`
	StopPreviousSessions *bool    `json:"stopPreviousSessions"`
	RestrictToSeedDomain *bool    `json:"restrictToSeedDomain"`
	FollowRedirects      *bool    `json:"followRedirects"`
	MaxRedirects         *int     `json:"maxRedirects"`
	UserAgent            string   `json:"userAgent"`
	WorkerCount          *int     `json:"workerCount"`
	TimeoutMs            *int     `json:"timeoutMs"`
	MaxRetries           *int     `json:"maxRetries"`
	RetryDelayBaseMs     *int     `json:"retryDelayBaseMs"`
}

// Defaults are the server-side values applied to omitted request fields.
type Defaults struct {
	UserAgent string
	// SPARenderingEnabled is the server switch; a request can only turn it off.
	SPARenderingEnabled bool
	// MaxTimeout caps timeoutMs.
	MaxTimeout time.Duration
	// MaxWorkers caps workerCount.
	MaxWorkers int
}

// Config is the resolved session configuration echoed back to clients.
type Config struct {
	Seeds                []string `json:"seeds"`
	MaxPages             int      `json:"maxPages"`
	MaxDepth             int      `json:"maxDepth"`
	Force                bool     `json:"force"`
	ExtractTextContent   bool     `json:"extractTextContent"`
	IncludeFullContent   bool     `json:"includeFullContent"`
	SPARenderingEnabled  bool     `json:"spaRenderingEnabled"`
	StopPreviousSessions bool     `json:"stopPreviousSessions"`
	RestrictToSeedDomain bool     `json:"restrictToSeedDomain"`
	FollowRedirects      bool     `json:"followRedirects"`
	MaxRedirects         int      `json:"maxRedirects"`
	UserAgent            string   `json:"userAgent"`
	WorkerCount          int      `json:"workerCount"`
	TimeoutMs            int      `json:"timeoutMs"`
	MaxRetries           int      `json:"maxRetries"`
	RetryDelayBaseMs     int      `json:"retryDelayBaseMs"`
}

// Resolve validates the request and fills omitted fields. Seeds are
// normalized and deduplicated. A request naming neither url nor urls is an
// InputError; an explicitly empty urls list yields a session with no seeds.
func (r Request) Resolve(d Defaults) (Config, error) {
	if r.URL == "" && r.URLs == nil {
		return Config{}, crawler.NewInputError("url is required")
	}
	raw := r.URLs
	if r.URL != "" {
		raw = append([]string{r.URL}, raw...)
	}
	seeds := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, u := range raw {
		normalized, err := urlnorm.Normalize(u)
		if err != nil {
			return Config{}, &crawler.InputError{Msg: "invalid seed url " + u, Err: err}
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		seeds = append(seeds, normalized)
	}

	cfg := Config{
		Seeds:                seeds,
		MaxPages:             intOr(r.MaxPages, DefaultMaxPages),
		MaxDepth:             intOr(r.MaxDepth, DefaultMaxDepth),
		Force:                boolOr(r.Force, true),
		ExtractTextContent:   boolOr(r.ExtractTextContent, true),
		IncludeFullContent:   boolOr(r.IncludeFullContent, false),
		SPARenderingEnabled:  boolOr(r.SPARenderingEnabled, true) && d.SPARenderingEnabled,
		StopPreviousSessions: boolOr(r.StopPreviousSessions, false),
		RestrictToSeedDomain: boolOr(r.RestrictToSeedDomain, true),
		FollowRedirects:      boolOr(r.FollowRedirects, true),
		MaxRedirects:         intOr(r.MaxRedirects, DefaultMaxRedirects),
		UserAgent:            r.UserAgent,
		WorkerCount:          intOr(r.WorkerCount, DefaultWorkerCount),
		TimeoutMs:            intOr(r.TimeoutMs, DefaultTimeoutMs),
		MaxRetries:           intOr(r.MaxRetries, DefaultMaxRetries),
		RetryDelayBaseMs:     intOr(r.RetryDelayBaseMs, DefaultRetryDelayMs),
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = d.UserAgent
	}

	switch {
	case cfg.MaxPages <= 0:
		return Config{}, crawler.NewInputError("maxPages must be > 0")
	case cfg.MaxDepth < 0:
		return Config{}, crawler.NewInputError("maxDepth must be >= 0")
	case cfg.MaxRedirects < 0 || cfg.MaxRedirects > maxRedirectsAllowed:
		return Config{}, crawler.NewInputError("maxRedirects must be between 0 and %d", maxRedirectsAllowed)
	case cfg.WorkerCount <= 0:
		return Config{}, crawler.NewInputError("workerCount must be > 0")
	case cfg.TimeoutMs <= 0:
		return Config{}, crawler.NewInputError("timeoutMs must be > 0")
	case cfg.MaxRetries < 0 || cfg.MaxRetries > maxRetriesAllowed:
		return Config{}, crawler.NewInputError("maxRetries must be between 0 and %d", maxRetriesAllowed)
	case cfg.RetryDelayBaseMs < 0 || cfg.RetryDelayBaseMs > maxRetryDelayBaseMs:
		return Config{}, crawler.NewInputError("retryDelayBaseMs must be between 0 and %d", maxRetryDelayBaseMs)
	}
	if d.MaxWorkers > 0 {
		cfg.WorkerCount = min(cfg.WorkerCount, d.MaxWorkers)
	}
	if d.MaxTimeout > 0 {
		cfg.TimeoutMs = min(cfg.TimeoutMs, int(d.MaxTimeout/time.Millisecond))
	}
	return cfg, nil
}

// Timeout is the per-request fetch deadline.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RetryDelayBase is the first retry delay before jitter.
func (c Config) RetryDelayBase() time.Duration {
	return time.Duration(c.RetryDelayBaseMs) * time.Millisecond
}

func (c Config) pipelineOptions() worker.Options {
	return worker.Options{
		Force:                c.Force,
		ExtractTextContent:   c.ExtractTextContent,
		IncludeFullContent:   c.IncludeFullContent,
		SPARendering:         c.SPARenderingEnabled,
		RestrictToSeedDomain: c.RestrictToSeedDomain,
		FollowRedirects:      c.FollowRedirects,
		MaxRedirects:         c.MaxRedirects,
		UserAgent:            c.UserAgent,
		Timeout:              c.Timeout(),
		Seeds:                c.Seeds,
	}
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
