package urlnorm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercase host and default port", in: "HTTP://Example.COM:80/a", want: "http://example.com/a"},
		{name: "https default port", in: "https://example.com:443/", want: "https://example.com/"},
		{name: "custom port kept", in: "http://example.com:8080", want: "http://example.com:8080/"},
		{name: "empty path", in: "http://example.com", want: "http://example.com/"},
		{name: "fragment dropped", in: "http://example.com/a#frag", want: "http://example.com/a"},
		{name: "dot segments", in: "http://example.com/a/./b/../c", want: "http://example.com/a/c"},
		{name: "sorted query", in: "http://example.com/?b=2&a=1", want: "http://example.com/?a=1&b=2"},
		{name: "tracking params removed", in: "http://example.com/?utm_source=x&id=3&fbclid=y", want: "http://example.com/?id=3"},
		{name: "only tracking params", in: "http://example.com/p?utm_medium=email", want: "http://example.com/p"},
		{name: "unreserved decoded", in: "http://example.com/%7Euser/%61bc", want: "http://example.com/~user/abc"},
		{name: "reserved encoded", in: "http://example.com/a b", want: "http://example.com/a%20b"},
		{name: "encoded slash kept", in: "http://example.com/a%2Fb", want: "http://example.com/a%2Fb"},
		{name: "idn host", in: "http://bücher.example/", want: "http://xn--bcher-kva.example/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"HTTP://Example.COM:80/a/../b?z=1&a=%20x#f",
		"https://example.com/path%3Awith:colon?q=a+b",
		"http://example.com/%E2%82%AC",
		"http://[::1]:8080/x",
	}
	for _, in := range inputs {
		once, err := Normalize(in)
		require.NoError(t, err, in)
		twice, err := Normalize(once)
		require.NoError(t, err, once)
		require.Equal(t, once, twice)
	}
}

func TestNormalizeRejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "ftp://example.com/", "mailto:a@example.com", "javascript:void(0)"} {
		_, err := Normalize(in)
		require.Error(t, err, in)
		var inputErr *crawler.InputError
		require.True(t, errors.As(err, &inputErr), in)
		require.Equal(t, crawler.KindInput, crawler.KindOf(err))
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	got, err := Resolve("http://example.com/dir/page.html", "../other?b=1&a=2#x")
	require.NoError(t, err)
	require.Equal(t, "http://example.com/other?a=2&b=1", got)

	got, err = Resolve("http://example.com/dir/", "//cdn.example.com/x")
	require.NoError(t, err)
	require.Equal(t, "http://cdn.example.com/x", got)

	_, err = Resolve("http://example.com/", "mailto:someone@example.com")
	require.Error(t, err)
}

func TestOriginAndDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://www.example.com:8443", Origin("https://www.example.com:8443/a"))
	require.Equal(t, "example.com", Domain("https://www.example.com:8443/a"))
	require.Equal(t, "www.example.com", Host("https://www.example.com:8443/a"))
}

func TestSameOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want bool
	}{
		{a: "http://example.com/", b: "http://example.com/x", want: true},
		{a: "http://example.com/", b: "http://EXAMPLE.com:80/x", want: true},
		{a: "http://example.com/", b: "https://example.com/x", want: true},
		{a: "https://example.com/", b: "http://example.com/x", want: false},
		{a: "http://example.com/", b: "http://example.com:8080/x", want: false},
		{a: "http://example.com:8080/", b: "https://example.com/x", want: false},
		{a: "http://example.com/", b: "http://www.example.com/x", want: false},
		{a: "http://example.com/", b: "http://other.com/", want: false},
		{a: "not a url", b: "http://example.com/", want: false},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, SameOrigin(tc.a, tc.b), "%s -> %s", tc.a, tc.b)
	}
}
