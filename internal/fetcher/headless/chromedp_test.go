package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{MaxParallel: -1}); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	renderer, err := NewChromedp(Config{MaxParallel: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer renderer.Close()
	if cap(renderer.limiter) != 2 {
		t.Fatalf("expected limiter capacity 2, got %d", cap(renderer.limiter))
	}
}

func TestNewChromedpRemoteAllocator(t *testing.T) {
	t.Parallel()

	renderer, err := NewChromedp(Config{RemoteURL: "ws://127.0.0.1:9222/devtools/browser/x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	renderer.Close()
}

func TestRendererNavTimeout(t *testing.T) {
	t.Parallel()

	renderer := &Chromedp{}
	if got := renderer.navTimeout(0); got != defaultNavigationTimeout {
		t.Fatalf("expected default nav timeout, got %v", got)
	}
	renderer.cfg.NavigationTimeout = time.Second
	if got := renderer.navTimeout(0); got != time.Second {
		t.Fatalf("expected config to be used, got %v", got)
	}
	if got := renderer.navTimeout(3 * time.Second); got != 3*time.Second {
		t.Fatalf("expected request timeout to win, got %v", got)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	renderer := &Chromedp{limiter: make(chan struct{}, 1)}
	if err := renderer.acquire(context.Background()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := renderer.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	renderer.release()
	if err := renderer.acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	if status != 204 || headers.Get("X-Request-ID") != "abc" || url != "https://example.com/rendered" {
		t.Fatalf("unexpected snapshot values: status=%d headers=%v url=%s", status, headers, url)
	}

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	if status != http.StatusOK || url != "https://final" {
		t.Fatalf("expected fallback values, got status=%d url=%s", status, url)
	}
}

func TestResponseMetaIdleTracking(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventRequestWillBeSent{RequestID: "r1"})
	if idle := meta.idleFor(time.Now().Add(time.Hour)); idle != 0 {
		t.Fatalf("expected busy page, got idle %v", idle)
	}
	meta.captureEvent(&network.EventLoadingFailed{RequestID: "r1"})
	if idle := meta.idleFor(time.Now().Add(time.Second)); idle < 900*time.Millisecond {
		t.Fatalf("expected idle page, got %v", idle)
	}
}

func TestUnavailableRenderer(t *testing.T) {
	t.Parallel()

	var renderer crawler.Renderer = NewUnavailable()
	if _, err := renderer.Render(context.Background(), crawler.RenderRequest{URL: "http://x"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
