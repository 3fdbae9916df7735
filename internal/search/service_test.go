package search

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/index"
	memindex "github.com/JakeFAU/searchcrawler/internal/index/memory"
	"github.com/JakeFAU/searchcrawler/internal/query"
)

var base = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *memindex.Index {
	t.Helper()
	idx := memindex.New()
	docs := []index.Document{
		{Key: "http://example.com/", Title: "Hello", Body: "alpha beta", Domain: "example.com", LastChangedAt: base},
		{Key: "http://example.com/fox", Title: "Foxes", Body: "the quick brown fox jumps over the lazy dog", Domain: "example.com", LastChangedAt: base},
		{Key: "http://other.org/fox", Title: "Other fox", Body: "a quick brown fox elsewhere", Domain: "other.org", LastChangedAt: base},
		{Key: "http://other.org/brown", Title: "Brown", Body: "brown quick fox in the wrong order", Domain: "other.org", LastChangedAt: base},
	}
	for _, d := range docs {
		require.NoError(t, idx.Put(context.Background(), d))
	}
	return idx
}

func newService(t *testing.T, idx index.Index) *Service {
	t.Helper()
	svc, err := NewService(Config{Index: idx})
	require.NoError(t, err)
	return svc
}

func urls(resp Response) []string {
	out := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = r.URL
	}
	return out
}

func TestSearchSingleHit(t *testing.T) {
	t.Parallel()
	svc := newService(t, seeded(t))

	resp, err := svc.Search(context.Background(), Request{Q: "alpha"})
	require.NoError(t, err)
	require.Equal(t, Meta{Total: 1, Page: 1, PageSize: DefaultPageSize}, resp.Meta)
	require.Equal(t, []string{"http://example.com/"}, urls(resp))
	require.Equal(t, "Hello", resp.Results[0].Title)
	require.Equal(t, "alpha beta", resp.Results[0].Snippet)
	require.Equal(t, 1.0, resp.Results[0].Score)
	require.Equal(t, base, resp.Results[0].Timestamp)
}

func TestSearchPhraseAndSite(t *testing.T) {
	t.Parallel()
	svc := newService(t, seeded(t))

	resp, err := svc.Search(context.Background(), Request{Q: `"quick brown" fox site:example.com`})
	require.NoError(t, err)
	require.Equal(t, []string{"http://example.com/fox"}, urls(resp))

	resp, err = svc.Search(context.Background(), Request{Q: `"quick brown" fox`})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"http://example.com/fox", "http://other.org/fox"}, urls(resp))

	resp, err = svc.Search(context.Background(), Request{Q: `"quick brown" fox`, Domain: "WWW.Other.org"})
	require.NoError(t, err)
	require.Equal(t, []string{"http://other.org/fox"}, urls(resp))
}

func TestSearchScoresNormalized(t *testing.T) {
	t.Parallel()
	svc := newService(t, seeded(t))

	resp, err := svc.Search(context.Background(), Request{Q: "fox"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	require.Equal(t, 1.0, resp.Results[0].Score)
	for i, r := range resp.Results {
		require.GreaterOrEqual(t, r.Score, 0.0)
		require.LessOrEqual(t, r.Score, 1.0)
		if i > 0 {
			require.LessOrEqual(t, r.Score, resp.Results[i-1].Score)
		}
	}
}

func TestSearchPagination(t *testing.T) {
	t.Parallel()
	svc := newService(t, seeded(t))

	resp, err := svc.Search(context.Background(), Request{Q: "fox", Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, 3, resp.Meta.Total)
	require.Len(t, resp.Results, 1)

	resp, err = svc.Search(context.Background(), Request{Q: "fox", Page: 5, PageSize: 2})
	require.NoError(t, err)
	require.Empty(t, resp.Results)
	require.NotNil(t, resp.Results)
}

func TestSearchScoresStableAcrossPages(t *testing.T) {
	t.Parallel()
	svc := newService(t, seeded(t))

	all, err := svc.Search(context.Background(), Request{Q: "fox"})
	require.NoError(t, err)
	require.Len(t, all.Results, 3)
	want := map[string]float64{}
	for _, r := range all.Results {
		want[r.URL] = r.Score
	}

	for page := 1; page <= 3; page++ {
		resp, err := svc.Search(context.Background(), Request{Q: "fox", Page: page, PageSize: 1})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		got := resp.Results[0]
		require.Equal(t, all.Results[page-1].URL, got.URL)
		require.InDelta(t, want[got.URL], got.Score, 1e-9)
	}

	last, err := svc.Search(context.Background(), Request{Q: "fox", Page: 3, PageSize: 1})
	require.NoError(t, err)
	require.Less(t, last.Results[0].Score, 1.0)
}

func TestSearchAllStopWords(t *testing.T) {
	t.Parallel()
	svc := newService(t, seeded(t))

	resp, err := svc.Search(context.Background(), Request{Q: "the of and"})
	require.NoError(t, err)
	require.Zero(t, resp.Meta.Total)
	require.Empty(t, resp.Results)
}

func TestSearchValidation(t *testing.T) {
	t.Parallel()
	svc := newService(t, seeded(t))

	tests := []struct {
		name string
		req  Request
	}{
		{name: "empty", req: Request{Q: "   "}},
		{name: "too long", req: Request{Q: strings.Repeat("a", MaxQueryLength+1)}},
		{name: "negative page", req: Request{Q: "fox", Page: -1}},
		{name: "page size too large", req: Request{Q: "fox", PageSize: MaxPageSize + 1}},
		{name: "bad domain", req: Request{Q: "fox", Domain: "exa mple.com"}},
		{name: "syntax", req: Request{Q: `"unterminated`}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := svc.Search(context.Background(), tc.req)
			require.Error(t, err)
			require.Equal(t, crawler.KindInput, crawler.KindOf(err))
		})
	}

	_, err := svc.Search(context.Background(), Request{Q: strings.Repeat("é", MaxQueryLength)})
	require.NoError(t, err, "length counts characters, not bytes")
}

func TestSearchEngineErrors(t *testing.T) {
	t.Parallel()

	for _, sentinel := range []error{index.ErrQueryTimeout, index.ErrIndexMissing, index.ErrTransientConnection} {
		svc := newService(t, &failingIndex{err: fmt.Errorf("%w: boom", sentinel)})
		_, err := svc.Search(context.Background(), Request{Q: "fox"})
		require.ErrorIs(t, err, sentinel)
	}
}

func TestSearchCache(t *testing.T) {
	t.Parallel()

	cache, err := NewCache(context.Background(), time.Minute, 8)
	require.NoError(t, err)
	defer func() {
		_ = cache.Close()
	}()
	counting := &countingIndex{Index: seeded(t)}
	svc, err := NewService(Config{Index: counting, Cache: cache})
	require.NoError(t, err)

	first, err := svc.Search(context.Background(), Request{Q: "fox"})
	require.NoError(t, err)
	second, err := svc.Search(context.Background(), Request{Q: "FOX"})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, counting.calls.Load())

	_, err = svc.Search(context.Background(), Request{Q: "fox", Page: 2})
	require.NoError(t, err)
	require.EqualValues(t, 2, counting.calls.Load())

	svc.Invalidate()
	_, err = svc.Search(context.Background(), Request{Q: "fox"})
	require.NoError(t, err)
	require.EqualValues(t, 3, counting.calls.Load())
}

func TestSearchUsesScorerProfile(t *testing.T) {
	t.Parallel()

	idx := memindex.New()
	require.NoError(t, idx.Put(context.Background(), index.Document{Key: "t", Title: "gopher", Body: "nothing here"}))
	require.NoError(t, idx.Put(context.Background(), index.Document{Key: "b", Title: "nothing", Body: "gopher"}))
	scorer := query.NewScorer(query.DefaultProfile())
	svc, err := NewService(Config{Index: idx, Scorer: scorer})
	require.NoError(t, err)

	resp, err := svc.Search(context.Background(), Request{Q: "gopher"})
	require.NoError(t, err)
	require.Equal(t, "t", resp.Results[0].URL)

	require.NoError(t, scorer.Update(query.Profile{TitleWeight: 0.1, BodyWeight: 5, OffsetWindow: 50}))
	resp, err = svc.Search(context.Background(), Request{Q: "gopher"})
	require.NoError(t, err)
	require.Equal(t, "b", resp.Results[0].URL)
}

func TestSnippet(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("lorem ipsum ", 40) + "the target word appears here " + strings.Repeat("dolor sit ", 40)
	tests := []struct {
		name  string
		body  string
		words []string
		check func(t *testing.T, got string)
	}{
		{
			name: "short body unchanged",
			body: "alpha   beta",
			check: func(t *testing.T, got string) {
				require.Equal(t, "alpha beta", got)
			},
		},
		{
			name:  "window around match",
			body:  long,
			words: []string{"target"},
			check: func(t *testing.T, got string) {
				require.Contains(t, got, "target")
				require.True(t, strings.HasPrefix(got, "…"))
				require.True(t, strings.HasSuffix(got, "…"))
				require.LessOrEqual(t, len([]rune(got)), SnippetLength+2)
			},
		},
		{
			name:  "no match uses lead",
			body:  long,
			words: []string{"absent"},
			check: func(t *testing.T, got string) {
				require.True(t, strings.HasPrefix(got, "lorem ipsum"))
				require.True(t, strings.HasSuffix(got, "…"))
			},
		},
		{
			name:  "match near the end",
			body:  strings.Repeat("x ", 150) + "cargo car",
			words: []string{"car"},
			check: func(t *testing.T, got string) {
				require.True(t, strings.HasSuffix(got, "cargo car"))
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tc.check(t, Snippet(tc.body, tc.words, SnippetLength))
		})
	}
}

func TestNewServiceRequiresIndex(t *testing.T) {
	t.Parallel()

	_, err := NewService(Config{})
	require.Error(t, err)
}

// --- fakes ---

type failingIndex struct {
	index.Index
	err error
}

func (f *failingIndex) Search(context.Context, index.SearchRequest) (index.SearchResult, error) {
	return index.SearchResult{}, f.err
}

type countingIndex struct {
	*memindex.Index
	calls atomic.Int64
}

func (c *countingIndex) Search(ctx context.Context, req index.SearchRequest) (index.SearchResult, error) {
	c.calls.Add(1)
	return c.Index.Search(ctx, req)
}

