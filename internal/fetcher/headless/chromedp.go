// Package headless contains renderers that execute JavaScript via browsers.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

// ErrUnavailable is returned when no renderer is configured or reachable.
var ErrUnavailable = errors.New("renderer unavailable")

const (
	defaultNavigationTimeout = 45 * time.Second
	idleQuietPeriod          = 500 * time.Millisecond
	idlePollInterval         = 100 * time.Millisecond
)

// Config controls the behavior of the chromedp renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// RemoteURL attaches to an existing DevTools endpoint (ws://...) instead
	// of launching a local browser.
	RemoteURL string
}

// Chromedp implements crawler.Renderer using chromedp and headless Chrome.
type Chromedp struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a renderer backed by a local or remote Chrome.
func NewChromedp(cfg Config) (*Chromedp, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", "new"),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	return &Chromedp{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (r *Chromedp) Close() {
	r.allocCancel()
}

// Render navigates with a headless browser and returns the rendered DOM.
func (r *Chromedp) Render(ctx context.Context, request crawler.RenderRequest) (crawler.RenderResult, error) {
	if err := r.acquire(ctx); err != nil {
		return crawler.RenderResult{}, err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	// Tie the browser tab to the caller's cancellation as well.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, r.navTimeout(request.Timeout))
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	page, err := r.run(taskCtx, request, meta)
	if err != nil {
		return crawler.RenderResult{}, err
	}

	status, _, responseURL := meta.snapshotWithFallbacks(request.URL, page.finalURL)
	return crawler.RenderResult{
		URL:        responseURL,
		StatusCode: status,
		HTML:       page.html,
		Title:      page.title,
		Elapsed:    time.Since(start),
	}, nil
}

type renderedPage struct {
	html     string
	title    string
	finalURL string
}

func (r *Chromedp) run(ctx context.Context, request crawler.RenderRequest, meta *responseMeta) (renderedPage, error) {
	var page renderedPage
	userAgent := request.UserAgent
	if userAgent == "" {
		userAgent = r.cfg.UserAgent
	}
	actions := []chromedp.Action{
		networkSetupAction(userAgent),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if request.WaitCondition == crawler.WaitNetworkIdle {
		actions = append(actions, waitNetworkIdle(meta))
	} else {
		actions = append(actions, chromedp.Sleep(idleQuietPeriod))
	}
	actions = append(actions,
		chromedp.Location(&page.finalURL),
		chromedp.Title(&page.title),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

func networkSetupAction(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// waitNetworkIdle returns once no requests have been in flight for the quiet
// period. The surrounding context bounds the wait.
func waitNetworkIdle(meta *responseMeta) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(idlePollInterval)
		defer ticker.Stop()
		for {
			if meta.idleFor(time.Now()) >= idleQuietPeriod {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("wait network idle: %w", ctx.Err())
			case <-ticker.C:
			}
		}
	})
}

func (r *Chromedp) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (r *Chromedp) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

func (r *Chromedp) navTimeout(requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

type responseMeta struct {
	mu           sync.RWMutex
	status       int
	headers      http.Header
	url          string
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers:      http.Header{},
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: time.Now(),
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) track(id network.RequestID, started bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if started {
		m.inflight[id] = struct{}{}
	} else {
		delete(m.inflight, id)
	}
	m.lastActivity = time.Now()
}

// idleFor reports how long the page has had no requests in flight.
func (m *responseMeta) idleFor(now time.Time) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.inflight) > 0 {
		return 0
	}
	return now.Sub(m.lastActivity)
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		m.capture(e)
	case *network.EventRequestWillBeSent:
		m.track(e.RequestID, true)
	case *network.EventLoadingFinished:
		m.track(e.RequestID, false)
	case *network.EventLoadingFailed:
		m.track(e.RequestID, false)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}
