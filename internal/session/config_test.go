package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

func TestResolveDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Request{URL: "HTTP://Example.com:80/a/../b#frag"}.Resolve(Defaults{
		UserAgent:           "searchcrawler/1.0",
		SPARenderingEnabled: true,
	})
	require.NoError(t, err)
	require.Equal(t, Config{
		Seeds:                []string{"http://example.com/b"},
		MaxPages:             1000,
		MaxDepth:             3,
		Force:                true,
		ExtractTextContent:   true,
		IncludeFullContent:   false,
		SPARenderingEnabled:  true,
		StopPreviousSessions: false,
		RestrictToSeedDomain: true,
		FollowRedirects:      true,
		MaxRedirects:         10,
		UserAgent:            "searchcrawler/1.0",
		WorkerCount:          4,
		TimeoutMs:            30000,
		MaxRetries:           3,
		RetryDelayBaseMs:     300,
	}, cfg)
	require.Equal(t, 30*time.Second, cfg.Timeout())
	require.Equal(t, 300*time.Millisecond, cfg.RetryDelayBase())
}

func TestResolveExplicitValuesWin(t *testing.T) {
	t.Parallel()

	cfg, err := Request{
		URL:                "http://example.com/",
		URLs:               []string{"http://example.com/", "https://other.org/x"},
		MaxDepth:           ptr(0),
		Force:              ptr(false),
		IncludeFullContent: ptr(true),
		WorkerCount:        ptr(64),
		TimeoutMs:          ptr(120000),
		UserAgent:          "custom/2",
	}.Resolve(Defaults{UserAgent: "default", SPARenderingEnabled: true, MaxWorkers: 8, MaxTimeout: time.Minute})
	require.NoError(t, err)
	require.Equal(t, []string{"http://example.com/", "https://other.org/x"}, cfg.Seeds)
	require.Zero(t, cfg.MaxDepth)
	require.False(t, cfg.Force)
	require.True(t, cfg.IncludeFullContent)
	require.Equal(t, 8, cfg.WorkerCount)
	require.Equal(t, 60000, cfg.TimeoutMs)
	require.Equal(t, "custom/2", cfg.UserAgent)
}

func TestResolveServerDisablesSPA(t *testing.T) {
	t.Parallel()

	cfg, err := Request{URL: "http://example.com/", SPARenderingEnabled: ptr(true)}.Resolve(Defaults{})
	require.NoError(t, err)
	require.False(t, cfg.SPARenderingEnabled)
}

func TestResolveEmptySeedList(t *testing.T) {
	t.Parallel()

	cfg, err := Request{URLs: []string{}}.Resolve(Defaults{})
	require.NoError(t, err)
	require.Empty(t, cfg.Seeds)
}

func TestResolveRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  Request
	}{
		{name: "no url", req: Request{}},
		{name: "bad scheme", req: Request{URL: "ftp://example.com/"}},
		{name: "bad seed in list", req: Request{URLs: []string{"http://ok.com/", "::nope"}}},
		{name: "zero max pages", req: Request{URL: "http://example.com/", MaxPages: ptr(0)}},
		{name: "negative depth", req: Request{URL: "http://example.com/", MaxDepth: ptr(-1)}},
		{name: "too many redirects", req: Request{URL: "http://example.com/", MaxRedirects: ptr(51)}},
		{name: "zero workers", req: Request{URL: "http://example.com/", WorkerCount: ptr(0)}},
		{name: "zero timeout", req: Request{URL: "http://example.com/", TimeoutMs: ptr(0)}},
		{name: "negative retries", req: Request{URL: "http://example.com/", MaxRetries: ptr(-1)}},
		{name: "retry delay too long", req: Request{URL: "http://example.com/", RetryDelayBaseMs: ptr(60001)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := tc.req.Resolve(Defaults{})
			require.Error(t, err)
			require.Equal(t, crawler.KindInput, crawler.KindOf(err))
		})
	}
}

func TestRingKeepsMostRecentFirst(t *testing.T) {
	t.Parallel()

	r := newRing(3)
	require.Empty(t, r.recent())
	for _, u := range []string{"a", "b", "c", "d"} {
		r.add(LogEntry{URL: u})
	}
	got := r.recent()
	require.Len(t, got, 3)
	require.Equal(t, []string{"d", "c", "b"}, []string{got[0].URL, got[1].URL, got[2].URL})
}

func ptr[T any](v T) *T {
	return &v
}
