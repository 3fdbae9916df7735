package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/parser"
	"github.com/JakeFAU/searchcrawler/internal/urlnorm"
)

// ProbeRequest asks for a one-off fetch of a single URL outside any session.
type ProbeRequest struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
	// Render promotes SPA pages to the headless renderer. When false the
	// probe only classifies the page.
	Render bool
}

// Probe is the diagnostic view of one page. Nothing is stored.
type Probe struct {
	URL             string
	FinalURL        string
	IsSPA           bool
	Reasons         []string
	RenderingMethod crawler.RenderingMethod
	HTTPStatus      int
	FetchDuration   time.Duration
	ContentSize     int
	Title           string
	Text            string
	Warnings        []string
}

// Probe fetches, classifies and optionally renders rawURL. Robots, freshness
// and the document store are bypassed.
func (p *Pipeline) Probe(ctx context.Context, req ProbeRequest) (Probe, error) {
	target, err := urlnorm.Normalize(req.URL)
	if err != nil {
		return Probe{}, &crawler.InputError{Msg: "invalid url", Err: err}
	}
	if req.Timeout <= 0 {
		req.Timeout = 30 * time.Second
	}
	job := Job{
		SessionID: "probe",
		URL:       target,
		Options: Options{
			SPARendering:    req.Render,
			FollowRedirects: true,
			MaxRedirects:    DefaultProbeRedirects,
			UserAgent:       req.UserAgent,
			Timeout:         req.Timeout,
		},
	}
	userAgent := firstNonEmpty(req.UserAgent, p.cfg.UserAgent)

	start := time.Now()
	fetched, err := p.fetch(ctx, job, userAgent, crawler.PageRecord{}, false)
	if err != nil {
		return Probe{}, fmt.Errorf("probe %s: %w", target, err)
	}
	out := Probe{
		URL:             target,
		FinalURL:        firstNonEmpty(fetched.FinalURL, target),
		RenderingMethod: crawler.RenderingStatic,
		HTTPStatus:      fetched.StatusCode,
	}
	if p.cfg.Detector != nil && crawler.ParseableMIME(fetched.MIME) {
		decision := p.cfg.Detector.ShouldPromote(fetched)
		out.IsSPA = decision.NeedsRendering
		out.Reasons = decision.Reasons
		if out.IsSPA && req.Render && p.cfg.SPAEnabled && p.cfg.Renderer != nil {
			fetched, out.Warnings = p.render(ctx, job, userAgent, fetched, decision, out.Warnings)
		}
	}
	out.FetchDuration = time.Since(start)
	out.RenderingMethod = fetched.RenderingMethod
	out.HTTPStatus = fetched.StatusCode
	out.ContentSize = len(fetched.Body)

	if !crawler.ParseableMIME(fetched.MIME) {
		out.Warnings = append(out.Warnings, "unsupported mime "+fetched.MIME)
		return out, nil
	}
	doc, err := p.cfg.Parser.Parse(parser.Input{
		Body:            fetched.Body,
		FinalURL:        out.FinalURL,
		ContentType:     fetched.MIME,
		ContentLanguage: fetched.Headers.Get("Content-Language"),
		Charset:         fetched.Charset,
	})
	if err != nil {
		out.Warnings = append(out.Warnings, "parse: "+err.Error())
		return out, nil
	}
	out.Title = doc.Title
	out.Text = doc.TextContent
	return out, nil
}

// DefaultProbeRedirects bounds redirects followed by Probe.
const DefaultProbeRedirects = 10
