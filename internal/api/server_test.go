package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/index"
	"github.com/JakeFAU/searchcrawler/internal/search"
	"github.com/JakeFAU/searchcrawler/internal/session"
	"github.com/JakeFAU/searchcrawler/internal/worker"
)

const testSessionID = "0190a5d4-7c1e-7000-8000-000000000001"

func TestServer_StartSession(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	server := newTestServer(t, Deps{Sessions: sessions}, nil)

	rec := do(t, server, http.MethodPost, "/crawl/sessions", `{"url":"http://Example.com/","maxPages":5}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body struct {
		SessionID    string         `json:"sessionId"`
		Status       string         `json:"status"`
		EchoedConfig map[string]any `json:"echoedConfig"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, testSessionID, body.SessionID)
	require.Equal(t, "starting", body.Status)
	require.Equal(t, []any{"http://example.com/"}, body.EchoedConfig["seeds"])
	require.EqualValues(t, 5, body.EchoedConfig["maxPages"])
	require.EqualValues(t, 3, body.EchoedConfig["maxDepth"])
	require.Equal(t, "searchcrawler-test", body.EchoedConfig["userAgent"])

	started := sessions.lastStarted()
	require.Equal(t, []string{"http://example.com/"}, started.Seeds)
	require.Equal(t, 5, started.MaxPages)
}

func TestServer_StartSessionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		startErr error
		want     int
	}{
		{name: "invalid json", body: "{invalid", want: http.StatusBadRequest},
		{name: "missing url", body: `{}`, want: http.StatusBadRequest},
		{name: "bad scheme", body: `{"url":"ftp://example.com/"}`, want: http.StatusBadRequest},
		{name: "negative max pages", body: `{"url":"http://example.com/","maxPages":-1}`, want: http.StatusBadRequest},
		{name: "session cap", body: `{"url":"http://example.com/"}`, startErr: session.ErrTooManySessions, want: http.StatusTooManyRequests},
		{name: "shutting down", body: `{"url":"http://example.com/"}`, startErr: session.ErrShuttingDown, want: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sessions := newFakeSessions()
			sessions.startErr = tc.startErr
			server := newTestServer(t, Deps{Sessions: sessions}, nil)

			rec := do(t, server, http.MethodPost, "/crawl/sessions", tc.body)
			require.Equal(t, tc.want, rec.Code)
			require.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestServer_SessionStatus(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	sessions.snapshots[testSessionID] = session.Snapshot{
		SessionID: testSessionID,
		State:     session.StateRunning,
		Counters:  session.Counters{Queued: 2, InFlight: 1, Succeeded: 3},
		StartedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	server := newTestServer(t, Deps{Sessions: sessions}, nil)

	rec := do(t, server, http.MethodGet, "/crawl/sessions/"+testSessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{
		"sessionId": "`+testSessionID+`",
		"state": "running",
		"counters": {"queued": 2, "inFlight": 1, "succeeded": 3, "failed": 0, "skipped": 0},
		"startedAt": "2024-01-01T00:00:00Z",
		"indexFailures": 0
	}`, rec.Body.String())

	rec = do(t, server, http.MethodGet, "/crawl/sessions/0190a5d4-7c1e-7000-8000-0000000000ff", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodGet, "/crawl/sessions/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SessionLog(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	title := "Hello"
	sessions.snapshots[testSessionID] = session.Snapshot{SessionID: testSessionID}
	sessions.logs[testSessionID] = []session.LogEntry{
		{URL: "http://example.com/b", FailureKind: crawler.FailureRobotsDisallowed, Reason: crawler.KindPolicyReject},
		{URL: "http://example.com/a", HTTPStatus: 200, RenderingMethod: crawler.RenderingStatic, Title: &title},
	}
	server := newTestServer(t, Deps{Sessions: sessions}, nil)

	rec := do(t, server, http.MethodGet, "/crawl/sessions/"+testSessionID+"/log", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []map[string]any `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 2)
	require.Equal(t, "http://example.com/b", body.Entries[0]["url"])
	require.Nil(t, body.Entries[0]["titleOrNull"])
	require.Equal(t, "Hello", body.Entries[1]["titleOrNull"])

	empty := newFakeSessions()
	empty.snapshots[testSessionID] = session.Snapshot{SessionID: testSessionID}
	server = newTestServer(t, Deps{Sessions: empty}, nil)
	rec = do(t, server, http.MethodGet, "/crawl/sessions/"+testSessionID+"/log", "")
	require.JSONEq(t, `{"entries":[]}`, rec.Body.String())
}

func TestServer_CancelSession(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	sessions.snapshots[testSessionID] = session.Snapshot{SessionID: testSessionID, State: session.StateRunning}
	server := newTestServer(t, Deps{Sessions: sessions}, nil)

	rec := do(t, server, http.MethodDelete, "/crawl/sessions/"+testSessionID, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"canceled"`)

	rec = do(t, server, http.MethodDelete, "/crawl/sessions/0190a5d4-7c1e-7000-8000-0000000000ff", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Search(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{resp: search.Response{
		Meta: search.Meta{Total: 1, Page: 2, PageSize: 5},
		Results: []search.Result{{
			URL: "http://example.com/", Title: "Hello", Snippet: "alpha beta", Score: 1,
			Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
	}}
	server := newTestServer(t, Deps{Search: searcher}, nil)

	rec := do(t, server, http.MethodGet, "/search?q=alpha&page=2&pageSize=5&domain=example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{
		"meta": {"total": 1, "page": 2, "pageSize": 5},
		"results": [{"url": "http://example.com/", "title": "Hello", "snippet": "alpha beta", "score": 1, "timestamp": "2024-01-01T00:00:00Z"}]
	}`, rec.Body.String())
	require.Equal(t, search.Request{Q: "alpha", Page: 2, PageSize: 5, Domain: "example.com"}, searcher.last())
}

func TestServer_SearchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		query   string
		err     error
		want    int
		wantMsg string
	}{
		{name: "bad page", query: "q=a&page=x", want: http.StatusBadRequest},
		{name: "zero page size", query: "q=a&pageSize=0", want: http.StatusBadRequest},
		{name: "syntax", query: "q=a", err: &crawler.InputError{Msg: "invalid query"}, want: http.StatusBadRequest, wantMsg: "invalid query"},
		{name: "timeout", query: "q=a", err: fmt.Errorf("search: %w", index.ErrQueryTimeout), want: http.StatusGatewayTimeout},
		{name: "index missing", query: "q=a", err: fmt.Errorf("search: %w", index.ErrIndexMissing), want: http.StatusServiceUnavailable},
		{name: "connection", query: "q=a", err: fmt.Errorf("search: %w", index.ErrTransientConnection), want: http.StatusServiceUnavailable},
		{name: "other", query: "q=a", err: errors.New("boom"), want: http.StatusInternalServerError, wantMsg: "internal server error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(t, Deps{Search: &fakeSearcher{err: tc.err}}, nil)
			rec := do(t, server, http.MethodGet, "/search?"+tc.query, "")
			require.Equal(t, tc.want, rec.Code)
			if tc.wantMsg != "" {
				require.Contains(t, rec.Body.String(), tc.wantMsg)
			}
		})
	}
}

func TestServer_Render(t *testing.T) {
	t.Parallel()

	long := bytes.Repeat([]byte("a"), 600)
	prober := &fakeProber{probe: worker.Probe{
		URL:             "http://example.com/",
		FinalURL:        "http://example.com/",
		IsSPA:           true,
		RenderingMethod: crawler.RenderingHeadless,
		HTTPStatus:      200,
		FetchDuration:   1500 * time.Millisecond,
		ContentSize:     1234,
		Title:           "SPA OK",
		Text:            string(long),
	}}
	server := newTestServer(t, Deps{Prober: prober}, func(o *Options) {
		o.Defaults.MaxTimeout = 10 * time.Second
	})

	rec := do(t, server, http.MethodPost, "/render", `{"url":"http://example.com/","timeoutMs":60000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["isSpa"])
	require.Equal(t, "headless", body["renderingMethod"])
	require.EqualValues(t, 200, body["httpStatus"])
	require.EqualValues(t, 1500, body["fetchDurationMs"])
	require.EqualValues(t, 1234, body["contentSize"])
	require.Len(t, []rune(body["contentPreview"].(string)), worker.PreviewChars+1)
	require.NotContains(t, body, "content")

	req := prober.last()
	require.Equal(t, 10*time.Second, req.Timeout)
	require.True(t, req.Render)
	require.Equal(t, "searchcrawler-test", req.UserAgent)

	rec = do(t, server, http.MethodPost, "/render", `{"url":"http://example.com/","includeFullContent":true}`)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(long), body["content"])
}

func TestServer_RenderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "bad timeout", body: `{"url":"http://example.com/","timeoutMs":0}`, want: http.StatusBadRequest},
		{name: "bad url", body: `{"url":"::"}`, err: crawler.NewInputError("invalid url"), want: http.StatusBadRequest},
		{name: "fetch failure", body: `{"url":"http://example.com/"}`, err: &crawler.FetchError{Kind: crawler.FailureTimeout}, want: http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(t, Deps{Prober: &fakeProber{err: tc.err}}, nil)
			rec := do(t, server, http.MethodPost, "/render", tc.body)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestServer_DetectSPA(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{probe: worker.Probe{
		URL:        "http://example.com/",
		FinalURL:   "http://example.com/",
		IsSPA:      true,
		Reasons:    []string{"empty app root"},
		HTTPStatus: 200,
	}}
	server := newTestServer(t, Deps{Prober: prober}, nil)

	rec := do(t, server, http.MethodPost, "/spa/detect", `{"url":"http://example.com/"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"url":"http://example.com/","finalUrl":"http://example.com/","isSpa":true,"reasons":["empty app root"],"httpStatus":200}`, rec.Body.String())
	require.False(t, prober.last().Render)
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	healthy := newTestServer(t, Deps{}, func(o *Options) {
		o.Checks = []Check{{Name: "store", Ping: func(context.Context) error { return nil }}}
	})
	require.Equal(t, http.StatusOK, do(t, healthy, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, do(t, healthy, http.MethodGet, "/readyz", "").Code)

	broken := newTestServer(t, Deps{}, func(o *Options) {
		o.Checks = []Check{
			{Name: "store", Ping: func(context.Context) error { return nil }},
			{Name: "index", Ping: func(context.Context) error { return errors.New("connection refused") }},
		}
	})
	rec := do(t, broken, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"unavailable","checks":{"index":"connection refused"}}`, rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, Deps{}, nil)
	do(t, server, http.MethodGet, "/healthz", "")
	rec := do(t, server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	sessions.snapshots[testSessionID] = session.Snapshot{SessionID: testSessionID}
	server := newTestServer(t, Deps{Sessions: sessions}, func(o *Options) { o.APIKey = "secret" })

	rec := do(t, server, http.MethodGet, "/crawl/sessions/"+testSessionID, "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/crawl/sessions/"+testSessionID, nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/healthz", "").Code)
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, Deps{Search: &fakeSearcher{}}, func(o *Options) {
		o.RateLimit = RateLimit{RPS: 0.5, Burst: 1}
	})

	require.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/search?q=a", "").Code)
	rec := do(t, server, http.MethodGet, "/search?q=a", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))

	req := httptest.NewRequest(http.MethodGet, "/search?q=a", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	other := httptest.NewRecorder()
	server.Handler().ServeHTTP(other, req)
	require.Equal(t, http.StatusOK, other.Code)
}

func TestClientLimiterRefills(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	limiter := newClientLimiter(RateLimit{RPS: 1}, func() time.Time { return now })

	_, ok := limiter.allow("a")
	require.True(t, ok)
	wait, ok := limiter.allow("a")
	require.False(t, ok)
	require.Equal(t, time.Second, wait)

	now = now.Add(time.Second)
	_, ok = limiter.allow("a")
	require.True(t, ok)

	now = now.Add(limiterIdleTTL + time.Second)
	limiter.allow("b")
	limiter.mu.Lock()
	_, kept := limiter.clients["a"]
	limiter.mu.Unlock()
	require.False(t, kept)
}

func TestServer_RequestIDAndRecover(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	sessions.panicOnStatus = true
	server := newTestServer(t, Deps{Sessions: sessions}, nil)

	req := httptest.NewRequest(http.MethodGet, "/crawl/sessions/"+testSessionID, nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = do(t, server, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{err: session.ErrNotFound, want: http.StatusNotFound},
		{err: fmt.Errorf("wrap: %w", session.ErrTooManySessions), want: http.StatusTooManyRequests},
		{err: crawler.NewInputError("bad"), want: http.StatusBadRequest},
		{err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{err: &crawler.FetchError{Kind: crawler.FailureHTTP4xx}, want: http.StatusBadGateway},
		{err: &crawler.StoreError{Op: "get", Err: errors.New("down")}, want: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

func newTestServer(t *testing.T, deps Deps, mutate func(*Options)) *Server {
	t.Helper()
	opts := Options{
		Defaults: session.Defaults{UserAgent: "searchcrawler-test", SPARenderingEnabled: true},
		Logger:   zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewServer(deps, opts)
}

func do(t *testing.T, server *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

// --- fakes ---

type fakeSessions struct {
	mu            sync.Mutex
	startErr      error
	started       []session.Config
	snapshots     map[string]session.Snapshot
	logs          map[string][]session.LogEntry
	panicOnStatus bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		snapshots: map[string]session.Snapshot{},
		logs:      map[string][]session.LogEntry{},
	}
}

func (f *fakeSessions) Start(_ context.Context, cfg session.Config) (session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return session.Snapshot{}, f.startErr
	}
	f.started = append(f.started, cfg)
	snap := session.Snapshot{SessionID: testSessionID, State: session.StateStarting, Config: cfg}
	f.snapshots[testSessionID] = snap
	return snap, nil
}

func (f *fakeSessions) Status(id string) (session.Snapshot, error) {
	if f.panicOnStatus {
		panic("status exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[id]
	if !ok {
		return session.Snapshot{}, session.ErrNotFound
	}
	return snap, nil
}

func (f *fakeSessions) Details(id string) ([]session.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snapshots[id]; !ok {
		return nil, session.ErrNotFound
	}
	return f.logs[id], nil
}

func (f *fakeSessions) Cancel(_ context.Context, id string) (session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[id]
	if !ok {
		return session.Snapshot{}, session.ErrNotFound
	}
	snap.State = session.StateCanceled
	f.snapshots[id] = snap
	return snap, nil
}

func (f *fakeSessions) lastStarted() session.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[len(f.started)-1]
}

type fakeSearcher struct {
	mu   sync.Mutex
	resp search.Response
	err  error
	reqs []search.Request
}

func (f *fakeSearcher) Search(_ context.Context, req search.Request) (search.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return search.Response{}, f.err
	}
	return f.resp, nil
}

func (f *fakeSearcher) last() search.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeProber struct {
	mu    sync.Mutex
	probe worker.Probe
	err   error
	reqs  []worker.ProbeRequest
}

func (f *fakeProber) Probe(_ context.Context, req worker.ProbeRequest) (worker.Probe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return worker.Probe{}, f.err
	}
	return f.probe, nil
}

func (f *fakeProber) last() worker.ProbeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
