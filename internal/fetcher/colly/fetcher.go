// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/urlnorm"
)

// Defaults applied when Config fields are zero.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 10 << 20
)

var (
	errTooManyRedirects = errors.New("too many redirects")
	errOffDomain        = errors.New("redirect leaves seed domain")
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes is the truncation point for response bodies.
	MaxBodyBytes int
	// HardLimitBytes rejects responses whose declared Content-Length exceeds it.
	// Zero means 4x MaxBodyBytes.
	HardLimitBytes int64
	Transport      http.RoundTripper
}

// Fetcher implements crawler.Fetcher using a fresh Colly collector per request
// over a shared pooled transport.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState is written by collector callbacks during a single Visit.
type fetchState struct {
	result   crawler.FetchResult
	err      error
	tooLarge bool
	got      bool
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.HardLimitBytes <= 0 {
		cfg.HardLimitBytes = int64(cfg.MaxBodyBytes) * 4
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	return &Fetcher{cfg: cfg, transport: transport}
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	state := &fetchState{}
	collector := f.buildCollector(ctx, request, timeout, start, state)

	if err := f.runCollector(ctx, collector, request.URL, state); err != nil {
		kind := classify(err, state)
		return crawler.FetchResult{FinalURL: request.URL, FailureKind: kind, Elapsed: time.Since(start)},
			&crawler.FetchError{Kind: kind, URL: request.URL, Err: err}
	}
	if !state.got {
		return crawler.FetchResult{}, &crawler.FetchError{Kind: crawler.FailureConnect, URL: request.URL, Err: errors.New("no response")}
	}
	res := state.result
	switch {
	case res.StatusCode == http.StatusNotModified:
		res.NotModified = true
	case res.StatusCode >= 500:
		res.FailureKind = crawler.FailureHTTP5xx
	case res.StatusCode >= 400:
		res.FailureKind = crawler.FailureHTTP4xx
	case res.StatusCode >= 300:
		// Unfollowed redirect.
		res.FailureKind = crawler.FailureTooManyRedirects
	}
	return res, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	timeout time.Duration,
	start time.Time,
	state *fetchState,
) *colly.Collector {
	userAgent := request.UserAgent
	if userAgent == "" {
		userAgent = f.cfg.UserAgent
	}
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(userAgent),
		colly.MaxBodySize(f.cfg.MaxBodyBytes+1),
	)
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(&contextTransport{base: f.transport, ctx: ctx})
	collector.SetRedirectHandler(redirectPolicy(request))

	f.configureCollectorHooks(collector, request, start, state)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	state *fetchState,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if request.IfNoneMatch != "" {
			r.Headers.Set("If-None-Match", request.IfNoneMatch)
		}
		if request.IfModifiedSince != "" {
			r.Headers.Set("If-Modified-Since", request.IfModifiedSince)
		}
	})

	hooks.OnResponseHeaders(func(r *colly.Response) {
		if declared, err := strconv.ParseInt(r.Headers.Get("Content-Length"), 10, 64); err == nil && declared > f.cfg.HardLimitBytes {
			state.tooLarge = true
			r.Request.Abort()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		body := r.Body
		truncated := false
		if len(body) > f.cfg.MaxBodyBytes {
			body = body[:f.cfg.MaxBodyBytes]
			truncated = true
		}
		headers := r.Headers.Clone()
		contentType := headers.Get("Content-Type")
		state.result = crawler.FetchResult{
			FinalURL:        finalURL(r, request.URL),
			StatusCode:      r.StatusCode,
			MIME:            crawler.MediaType(contentType),
			Charset:         declaredCharset(contentType),
			Headers:         headers,
			Body:            append([]byte(nil), body...),
			Truncated:       truncated,
			Elapsed:         time.Since(start),
			RenderingMethod: crawler.RenderingStatic,
		}
		state.got = true
	})

	hooks.OnError(func(r *colly.Response, err error) {
		state.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, state *fetchState) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if state.err != nil && !state.got {
			return fmt.Errorf("colly response failed: %w", state.err)
		}
		return nil
	}
}

func redirectPolicy(request crawler.FetchRequest) func(*http.Request, []*http.Request) error {
	return func(next *http.Request, via []*http.Request) error {
		if !request.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) > request.MaxRedirects {
			return fmt.Errorf("%w: %d", errTooManyRedirects, len(via))
		}
		if request.RestrictToOrigin && !redirectAllowed(via[0].URL.String(), next.URL.String()) {
			return fmt.Errorf("%w: %s", errOffDomain, next.URL.Host)
		}
		return nil
	}
}

// redirectAllowed permits same-origin hops, including the http to https upgrade.
func redirectAllowed(from, to string) bool {
	return urlnorm.SameOrigin(from, to)
}

func finalURL(r *colly.Response, fallback string) string {
	if r.Request == nil || r.Request.URL == nil {
		return fallback
	}
	if normalized, err := urlnorm.Normalize(r.Request.URL.String()); err == nil {
		return normalized
	}
	return r.Request.URL.String()
}

// declaredCharset reports utf-8 when the server declared a charset, since
// colly transcodes such bodies before OnResponse runs.
func declaredCharset(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil || params["charset"] == "" {
		return ""
	}
	return "utf-8"
}
