// Package urlnorm canonicalizes crawl URLs so that two strings compare equal
// exactly when they address the same resource.
package urlnorm

import (
	"net"
	"net/url"
	"sort"
	"strings"

	whatwgUrl "github.com/nlnwa/whatwg-url/url"
	"golang.org/x/net/idna"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

var parser = whatwgUrl.NewParser(whatwgUrl.WithPercentEncodeSinglePercentSign())

// trackingParams are query keys that never change the addressed resource.
var trackingParams = map[string]struct{}{
	"fbclid": {}, "fb_action_ids": {}, "fb_action_types": {}, "fb_source": {}, "fb_ref": {},
	"gclid": {}, "gclsrc": {}, "dclid": {}, "wbraid": {}, "gbraid": {},
	"msclkid": {}, "mc_cid": {}, "mc_eid": {},
	"twclid": {}, "ref_src": {}, "ref_url": {},
	"li_fat_id": {}, "igshid": {}, "yclid": {},
}

// Normalize returns the canonical form of raw. Only absolute http and https
// URLs are accepted; anything else is an InputError.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", crawler.NewInputError("empty url")
	}
	parsed, err := parser.Parse(raw)
	if err != nil {
		return "", &crawler.InputError{Msg: "malformed url " + raw, Err: err}
	}
	return canonical(parsed.Href(true))
}

// Resolve resolves ref against base and normalizes the result.
func Resolve(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", crawler.NewInputError("empty reference")
	}
	parsed, err := parser.ParseRef(base, ref)
	if err != nil {
		return "", &crawler.InputError{Msg: "malformed reference " + ref, Err: err}
	}
	return canonical(parsed.Href(true))
}

func canonical(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", &crawler.InputError{Msg: "malformed url " + href, Err: err}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", crawler.NewInputError("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", crawler.NewInputError("url %q has no host", href)
	}
	if !strings.HasPrefix(host, "[") && net.ParseIP(host) == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", &crawler.InputError{Msg: "invalid host " + host, Err: err}
		}
		host = ascii
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	if port != "" {
		b.WriteByte(':')
		b.WriteString(port)
	}
	b.WriteString(normalizePath(u.EscapedPath()))
	if q := normalizeQuery(u.RawQuery); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String(), nil
}

// normalizePath decodes each segment and re-encodes everything outside the
// unreserved set. Encoded slashes stay encoded because decoding happens per
// segment.
func normalizePath(escaped string) string {
	if escaped == "" {
		return "/"
	}
	segments := strings.Split(escaped, "/")
	for i, seg := range segments {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			decoded = seg
		}
		segments[i] = encodeUnreserved(decoded)
	}
	out := strings.Join(segments, "/")
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

type queryPair struct {
	key, value string
	hasValue   bool
}

func normalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	var pairs []queryPair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, hasValue := strings.Cut(part, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			key = k
		}
		if isTracking(key) {
			continue
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			value = v
		}
		pairs = append(pairs, queryPair{key: key, value: value, hasValue: hasValue})
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if !p.hasValue {
			parts = append(parts, encodeUnreserved(p.key))
			continue
		}
		parts = append(parts, encodeUnreserved(p.key)+"="+encodeUnreserved(p.value))
	}
	return strings.Join(parts, "&")
}

func isTracking(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := trackingParams[lower]
	return ok
}

func encodeUnreserved(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}

// Origin returns scheme://host[:port] for a normalized URL.
func Origin(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Host returns the lowercased host without port.
func Host(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Domain derives the record domain: host without port and without a leading
// "www." label.
func Domain(normalized string) string {
	return strings.TrimPrefix(Host(normalized), "www.")
}

// SameOrigin reports whether b is on a's origin (scheme, host and port).
// An http to https upgrade of the same host on default ports also counts.
func SameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	if !strings.EqualFold(ua.Hostname(), ub.Hostname()) {
		return false
	}
	sa, sb := strings.ToLower(ua.Scheme), strings.ToLower(ub.Scheme)
	pa, pb := effectivePort(ua), effectivePort(ub)
	if sa == sb {
		return pa == pb
	}
	return sa == "http" && sb == "https" && pa == "80" && pb == "443"
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}
