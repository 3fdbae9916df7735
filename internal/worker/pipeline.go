// Package worker implements the per-page crawl pipeline that session workers
// run for every frontier entry.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcrawler/internal/coordinator"
	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/headless/detector"
	"github.com/JakeFAU/searchcrawler/internal/metrics"
	"github.com/JakeFAU/searchcrawler/internal/parser"
	"github.com/JakeFAU/searchcrawler/internal/progress"
	"github.com/JakeFAU/searchcrawler/internal/storage"
	"github.com/JakeFAU/searchcrawler/internal/urlnorm"
)

// PreviewChars is the textContent length kept when includeFullContent is off.
const PreviewChars = 500

// Status is the session-level verdict for one processed entry.
type Status string

// Page statuses.
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	// StatusCanceled means the page was discarded before its write because the
	// session is shutting down. It is not counted.
	StatusCanceled Status = "canceled"
)

// Options is the per-session crawl policy applied to every page.
type Options struct {
	Force                bool
	ExtractTextContent   bool
	IncludeFullContent   bool
	SPARendering         bool
	RestrictToSeedDomain bool
	FollowRedirects      bool
	MaxRedirects         int
	UserAgent            string
	Timeout              time.Duration
	// Seeds are the normalized seed URLs; outlinks must share an origin with
	// one of them when RestrictToSeedDomain is set.
	Seeds []string
}

// Job is one frontier entry handed to the pipeline.
type Job struct {
	SessionID string
	URL       string
	Depth     int
	Attempt   int
	Options   Options
}

// Result describes what happened to one page.
type Result struct {
	URL             string
	FinalURL        string
	Status          Status
	HTTPStatus      int
	RenderingMethod crawler.RenderingMethod
	Title           string
	Outcome         coordinator.Outcome
	FailureKind     crawler.FailureKind
	Bytes           int64
	Elapsed         time.Duration
	// Outlinks are normalized links that passed the seed-domain policy.
	Outlinks []string
	Warnings []string
	Err      error
}

// Robots answers robots.txt questions.
type Robots interface {
	Allowed(ctx context.Context, rawURL, userAgent string) (bool, error)
}

// Detector decides whether a static fetch needs rendering.
type Detector interface {
	ShouldPromote(resp crawler.FetchResult) detector.Decision
}

// Parser extracts the document from a body.
type Parser interface {
	Parse(in parser.Input) (crawler.ParsedDocument, error)
}

// Coordinator persists records and mirrors them to the index.
type Coordinator interface {
	Store(ctx context.Context, sessionID string, rec crawler.PageRecord) (coordinator.Outcome, crawler.PageRecord, error)
	Touch(ctx context.Context, id string) error
}

// Config wires the pipeline collaborators. Renderer, Archive and Emitter are
// optional.
type Config struct {
	Robots      Robots
	Fetcher     crawler.Fetcher
	Detector    Detector
	Renderer    crawler.Renderer
	Parser      Parser
	Store       crawler.PageStore
	Coordinator Coordinator
	Archive     crawler.BlobStore
	Hasher      crawler.Hasher
	Clock       crawler.Clock
	Emitter     progress.Emitter
	Logger      *zap.Logger
	// SPAEnabled is the server-wide switch; sessions can only narrow it.
	SPAEnabled bool
	// FreshnessWindow is how recent a record must be to skip it when force is off.
	FreshnessWindow time.Duration
	UserAgent       string
}

// Pipeline runs robots → freshness → fetch → detect/render → parse → store
// for a single page. It is safe for concurrent use.
type Pipeline struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// New validates cfg and builds a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Robots == nil:
		return nil, errors.New("worker: robots cache is required")
	case cfg.Fetcher == nil:
		return nil, errors.New("worker: fetcher is required")
	case cfg.Parser == nil:
		return nil, errors.New("worker: parser is required")
	case cfg.Store == nil:
		return nil, errors.New("worker: page store is required")
	case cfg.Coordinator == nil:
		return nil, errors.New("worker: coordinator is required")
	case cfg.Hasher == nil:
		return nil, errors.New("worker: hasher is required")
	case cfg.Clock == nil:
		return nil, errors.New("worker: clock is required")
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logger.Named("worker"),
		tracer: otel.Tracer("github.com/JakeFAU/searchcrawler/internal/worker"),
	}, nil
}

// Process runs one page through the pipeline. It never panics on collaborator
// errors; every failure is reported in the Result.
func (p *Pipeline) Process(ctx context.Context, job Job) Result {
	ctx, span := p.tracer.Start(ctx, "worker.Process", trace.WithAttributes(
		attribute.String("session.id", job.SessionID),
		attribute.String("page.url", job.URL),
		attribute.Int("page.depth", job.Depth),
	))
	defer span.End()

	res := p.process(ctx, job)
	span.SetAttributes(attribute.String("page.status", string(res.Status)))
	if res.Status == StatusFailed {
		span.SetStatus(codes.Error, string(res.FailureKind))
	}
	return res
}

func (p *Pipeline) process(ctx context.Context, job Job) Result {
	start := time.Now()
	res := Result{URL: job.URL, FinalURL: job.URL}
	logger := p.logger.With(zap.String("session_id", job.SessionID), zap.String("url", job.URL))
	userAgent := job.Options.UserAgent
	if userAgent == "" {
		userAgent = p.cfg.UserAgent
	}

	allowed, err := p.cfg.Robots.Allowed(ctx, job.URL, userAgent)
	if err != nil {
		logger.Debug("skipping page with unusable URL", zap.Error(err))
		res = p.skip(res, crawler.FailureInvalidURL, start)
		res.Err = &crawler.InputError{Msg: "robots check", Err: err}
		return res
	}
	if !allowed {
		logger.Debug("skipping page disallowed by robots.txt")
		return p.skip(res, crawler.FailureRobotsDisallowed, start)
	}

	prev, found, err := p.previous(ctx, job.URL)
	if err != nil {
		return p.fail(res, crawler.FailureStore, err, start)
	}
	if found && !job.Options.Force && p.cfg.Clock.Now().Sub(prev.LastCrawledAt) < p.cfg.FreshnessWindow {
		logger.Debug("skipping fresh page", zap.Time("last_crawled_at", prev.LastCrawledAt))
		return p.skip(res, crawler.FailureFresh, start)
	}

	fetched, err := p.fetch(ctx, job, userAgent, prev, found)
	res.FinalURL = firstNonEmpty(fetched.FinalURL, job.URL)
	res.HTTPStatus = fetched.StatusCode
	res.Bytes = int64(len(fetched.Body))
	if err != nil {
		kind := crawler.FailureOf(err)
		if kind == crawler.FailureOffDomain {
			return p.skip(res, kind, start)
		}
		logger.Debug("fetch failed", zap.String("failure_kind", string(kind)), zap.Error(err))
		return p.fail(res, kind, err, start)
	}
	if fetched.NotModified {
		if err := p.cfg.Coordinator.Touch(context.WithoutCancel(ctx), job.URL); err != nil {
			return p.fail(res, crawler.FailureStore, err, start)
		}
		res.Status = StatusSucceeded
		res.Outcome = coordinator.OutcomeUnchanged
		res.RenderingMethod = prev.RenderingMethod
		res.Title = prev.Title
		res.Elapsed = time.Since(start)
		return res
	}
	if fetched.FailureKind != crawler.FailureNone {
		return p.fail(res, fetched.FailureKind, fmt.Errorf("http status %d", fetched.StatusCode), start)
	}

	if !crawler.ParseableMIME(fetched.MIME) {
		return p.storeHeadersOnly(ctx, job, res, fetched, start)
	}

	if job.Options.SPARendering && p.cfg.SPAEnabled && p.cfg.Renderer != nil && p.cfg.Detector != nil {
		if decision := p.cfg.Detector.ShouldPromote(fetched); decision.NeedsRendering {
			fetched, res.Warnings = p.render(ctx, job, userAgent, fetched, decision, res.Warnings)
		}
	}
	res.RenderingMethod = fetched.RenderingMethod
	res.HTTPStatus = fetched.StatusCode

	doc, err := p.cfg.Parser.Parse(parser.Input{
		Body:            fetched.Body,
		FinalURL:        res.FinalURL,
		ContentType:     fetched.MIME,
		ContentLanguage: fetched.Headers.Get("Content-Language"),
		Charset:         fetched.Charset,
	})
	if err != nil {
		// Keep the record with what we know; the text is unrecoverable.
		logger.Warn("parse failed, storing page without text", zap.Error(err))
		res.Warnings = append(res.Warnings, "parse: "+err.Error())
		doc = crawler.ParsedDocument{URL: res.FinalURL, ContentHash: p.cfg.Hasher.Sum64("")}
	}
	if doc.Truncated || fetched.Truncated {
		res.Warnings = append(res.Warnings, "content truncated")
	}
	res.Title = doc.Title

	p.archive(ctx, job, fetched, logger)

	if ctx.Err() != nil {
		res.Status = StatusCanceled
		res.FailureKind = crawler.FailureCanceled
		res.Elapsed = time.Since(start)
		return res
	}

	rec := crawler.PageRecord{
		ID:              job.URL,
		Domain:          urlnorm.Domain(job.URL),
		Title:           doc.Title,
		TextContent:     applyContentPolicy(doc.TextContent, job.Options),
		ContentHash:     doc.ContentHash,
		HTTPStatus:      fetched.StatusCode,
		RenderingMethod: fetched.RenderingMethod,
		MIME:            fetched.MIME,
		Language:        doc.Language,
		ETag:            fetched.Headers.Get("ETag"),
		LastModified:    fetched.Headers.Get("Last-Modified"),
		Truncated:       doc.Truncated || fetched.Truncated,
		LastCrawledAt:   p.cfg.Clock.Now(),
	}
	// The write finishes even if the session is canceled meanwhile.
	outcome, _, err := p.cfg.Coordinator.Store(context.WithoutCancel(ctx), job.SessionID, rec)
	if err != nil {
		logger.Error("store page failed", zap.Error(err))
		return p.fail(res, crawler.FailureStore, err, start)
	}
	res.Outcome = outcome
	res.Outlinks = p.filterOutlinks(doc.Outlinks, job.Options)
	res.Status = StatusSucceeded
	res.Elapsed = time.Since(start)
	return res
}

// previous returns the live stored record for id, if any.
func (p *Pipeline) previous(ctx context.Context, id string) (crawler.PageRecord, bool, error) {
	rec, err := p.cfg.Store.Get(ctx, id)
	switch {
	case errors.Is(err, crawler.ErrPageNotFound):
		return crawler.PageRecord{}, false, nil
	case err != nil:
		return crawler.PageRecord{}, false, &crawler.StoreError{Op: "get", Err: err}
	case rec.Deleted():
		return crawler.PageRecord{}, false, nil
	}
	return rec, true, nil
}

func (p *Pipeline) fetch(ctx context.Context, job Job, userAgent string, prev crawler.PageRecord, found bool) (crawler.FetchResult, error) {
	ctx, span := p.tracer.Start(ctx, "worker.fetch")
	defer span.End()

	req := crawler.FetchRequest{
		URL:              job.URL,
		Timeout:          job.Options.Timeout,
		FollowRedirects:  job.Options.FollowRedirects,
		MaxRedirects:     job.Options.MaxRedirects,
		UserAgent:        userAgent,
		RestrictToOrigin: job.Options.RestrictToSeedDomain,
	}
	// Conditional requests only make sense when the stored text is complete.
	if found && !prev.HeadersOnly && !prev.Truncated {
		req.IfNoneMatch = prev.ETag
		req.IfModifiedSince = prev.LastModified
	}
	res, err := p.cfg.Fetcher.Fetch(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if res.Headers == nil {
		res.Headers = http.Header{}
	}
	if res.RenderingMethod == "" {
		res.RenderingMethod = crawler.RenderingStatic
	}
	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	return res, nil
}

// render swaps the static body for the rendered one. On renderer failure the
// static body is kept and a warning is recorded.
func (p *Pipeline) render(
	ctx context.Context,
	job Job,
	userAgent string,
	static crawler.FetchResult,
	decision detector.Decision,
	warnings []string,
) (crawler.FetchResult, []string) {
	ctx, span := p.tracer.Start(ctx, "worker.render", trace.WithAttributes(
		attribute.StringSlice("spa.reasons", decision.Reasons),
	))
	defer span.End()

	rendered, err := p.cfg.Renderer.Render(ctx, crawler.RenderRequest{
		URL:           static.FinalURL,
		Timeout:       job.Options.Timeout,
		WaitCondition: crawler.WaitNetworkIdle,
		UserAgent:     userAgent,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("render failed, falling back to static HTML",
			zap.String("session_id", job.SessionID),
			zap.String("url", job.URL),
			zap.Strings("reasons", decision.Reasons),
			zap.Error(err),
		)
		if p.cfg.Emitter != nil {
			p.cfg.Emitter.Emit(progress.Event{
				SessionID: job.SessionID,
				Stage:     progress.StageRenderFallback,
				Site:      urlnorm.Domain(job.URL),
				URL:       job.URL,
				Note:      err.Error(),
			})
		}
		return static, append(warnings, "render fallback: "+err.Error())
	}

	out := static
	out.Body = []byte(rendered.HTML)
	out.MIME = "text/html"
	out.Charset = "utf-8"
	out.Truncated = false
	out.RenderingMethod = crawler.RenderingHeadless
	if rendered.StatusCode != 0 {
		out.StatusCode = rendered.StatusCode
	}
	return out, warnings
}

// storeHeadersOnly keeps metadata for bodies the parser does not handle.
func (p *Pipeline) storeHeadersOnly(ctx context.Context, job Job, res Result, fetched crawler.FetchResult, start time.Time) Result {
	p.archive(ctx, job, fetched, p.logger)
	if ctx.Err() != nil {
		res.Status = StatusCanceled
		res.FailureKind = crawler.FailureCanceled
		return res
	}
	fingerprint := strings.Join([]string{
		fetched.MIME,
		fetched.Headers.Get("ETag"),
		fetched.Headers.Get("Last-Modified"),
		strconv.Itoa(len(fetched.Body)),
	}, "|")
	rec := crawler.PageRecord{
		ID:              job.URL,
		Domain:          urlnorm.Domain(job.URL),
		ContentHash:     p.cfg.Hasher.Sum64(fingerprint),
		HTTPStatus:      fetched.StatusCode,
		RenderingMethod: crawler.RenderingStatic,
		MIME:            fetched.MIME,
		ETag:            fetched.Headers.Get("ETag"),
		LastModified:    fetched.Headers.Get("Last-Modified"),
		HeadersOnly:     true,
		Truncated:       fetched.Truncated,
		LastCrawledAt:   p.cfg.Clock.Now(),
	}
	outcome, _, err := p.cfg.Coordinator.Store(context.WithoutCancel(ctx), job.SessionID, rec)
	if err != nil {
		return p.fail(res, crawler.FailureStore, err, start)
	}
	res.Status = StatusSucceeded
	res.Outcome = outcome
	res.RenderingMethod = crawler.RenderingStatic
	res.Warnings = append(res.Warnings, "unsupported mime "+fetched.MIME+", stored headers only")
	res.Elapsed = time.Since(start)
	return res
}

func (p *Pipeline) archive(ctx context.Context, job Job, fetched crawler.FetchResult, logger *zap.Logger) {
	if p.cfg.Archive == nil || len(fetched.Body) == 0 {
		return
	}
	path := storage.ArchivePath(job.URL, job.SessionID, fetched.MIME, p.cfg.Clock.Now())
	if _, err := p.cfg.Archive.PutObject(ctx, path, fetched.MIME, bytes.NewReader(fetched.Body)); err != nil {
		logger.Warn("archive page failed", zap.String("path", path), zap.Error(err))
	}
}

func (p *Pipeline) filterOutlinks(links []string, opts Options) []string {
	if !opts.RestrictToSeedDomain {
		return links
	}
	out := make([]string, 0, len(links))
	for _, link := range links {
		if sameOriginAsSeed(link, opts.Seeds) {
			out = append(out, link)
			continue
		}
		metrics.ObserveOutlinkDropped(string(crawler.FailureOffDomain))
	}
	return out
}

func sameOriginAsSeed(link string, seeds []string) bool {
	for _, seed := range seeds {
		if urlnorm.SameOrigin(seed, link) {
			return true
		}
	}
	return false
}

func (p *Pipeline) skip(res Result, kind crawler.FailureKind, start time.Time) Result {
	res.Status = StatusSkipped
	res.FailureKind = kind
	res.Elapsed = time.Since(start)
	return res
}

func (p *Pipeline) fail(res Result, kind crawler.FailureKind, err error, start time.Time) Result {
	if errors.Is(err, context.Canceled) {
		res.Status = StatusCanceled
		res.FailureKind = crawler.FailureCanceled
		res.Err = err
		res.Elapsed = time.Since(start)
		return res
	}
	res.Status = StatusFailed
	res.FailureKind = kind
	res.Err = err
	res.Elapsed = time.Since(start)
	return res
}

// applyContentPolicy enforces extractTextContent and includeFullContent.
func applyContentPolicy(text string, opts Options) string {
	if !opts.ExtractTextContent {
		return ""
	}
	if opts.IncludeFullContent {
		return text
	}
	return Preview(text, PreviewChars)
}

// Preview returns the first n runes of text followed by "…" when text is
// longer than n runes.
func Preview(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	i := 0
	for pos := range text {
		if i == n {
			return text[:pos] + "…"
		}
		i++
	}
	return text
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
