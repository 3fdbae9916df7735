package headless

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

func TestHTTPRendererJSONReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/content", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "http://spa.test/", payload["url"])
		require.Equal(t, crawler.WaitNetworkIdle, payload["waitCondition"])
		require.EqualValues(t, 2000, payload["timeoutMs"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"statusCode":203,"html":"<html><title>SPA OK</title><body>dynamic text</body></html>","elapsedMs":42}`))
	}))
	t.Cleanup(srv.Close)

	renderer := NewHTTPRenderer(srv.URL+"/", srv.Client())
	res, err := renderer.Render(context.Background(), crawler.RenderRequest{
		URL: "http://spa.test/", Timeout: 2 * time.Second, WaitCondition: crawler.WaitNetworkIdle,
	})
	require.NoError(t, err)
	require.Equal(t, 203, res.StatusCode)
	require.Equal(t, "SPA OK", res.Title, "title falls back to the rendered <title>")
	require.Contains(t, res.HTML, "dynamic text")
	require.Equal(t, 42*time.Millisecond, res.Elapsed)
}

func TestHTTPRendererRawHTMLReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><title> Raw </title></head><body>x</body></html>"))
	}))
	t.Cleanup(srv.Close)

	res, err := NewHTTPRenderer(srv.URL, srv.Client()).Render(context.Background(), crawler.RenderRequest{URL: "http://a.test/"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "Raw", res.Title)
	require.Equal(t, "http://a.test/", res.URL)
}

func TestHTTPRendererErrors(t *testing.T) {
	t.Parallel()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "browser crashed", http.StatusBadGateway)
	}))
	t.Cleanup(failing.Close)
	_, err := NewHTTPRenderer(failing.URL, failing.Client()).Render(context.Background(), crawler.RenderRequest{URL: "http://a.test/"})
	require.ErrorContains(t, err, "502")

	structured := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"navigation timeout"}`))
	}))
	t.Cleanup(structured.Close)
	_, err = NewHTTPRenderer(structured.URL, structured.Client()).Render(context.Background(), crawler.RenderRequest{URL: "http://a.test/"})
	require.ErrorContains(t, err, "navigation timeout")

	gone := httptest.NewServer(http.NotFoundHandler())
	addr := gone.URL
	gone.Close()
	_, err = NewHTTPRenderer(addr, nil).Render(context.Background(), crawler.RenderRequest{URL: "http://a.test/"})
	require.True(t, errors.Is(err, ErrUnavailable))
}

func TestHTTPRendererHealth(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	t.Cleanup(srv.Close)

	renderer := NewHTTPRenderer(srv.URL, srv.Client())
	require.NoError(t, renderer.Health(context.Background()))
	healthy.Store(false)
	require.ErrorIs(t, renderer.Health(context.Background()), ErrUnavailable)
}
