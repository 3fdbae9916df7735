// Package metrics exposes the process-wide Prometheus collectors that are not
// fed by progress events: HTTP traffic, search queries and frontier drops.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	searchQueriesTotal         *prometheus.CounterVec
	searchDurationSeconds      prometheus.Histogram
	searchCacheTotal           *prometheus.CounterVec
	outlinksDroppedTotal       *prometheus.CounterVec
	rateLimitedTotal           prometheus.Counter

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		searchQueriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Search queries labeled by result kind.",
			},
			[]string{"kind"},
		)

		searchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_duration_seconds",
				Help:    "Search latency including parsing and the index round trip.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		)

		searchCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_cache_total",
				Help: "Search response cache lookups labeled by result.",
			},
			[]string{"result"},
		)

		outlinksDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_outlinks_dropped_total",
				Help: "Outlinks not admitted to a frontier, labeled by reason.",
			},
			[]string{"reason"},
		)

		rateLimitedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "http_rate_limited_total",
				Help: "API requests rejected by the per-client rate limiter.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records one served API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSearch records a query outcome; kind is "ok" or an error class.
func ObserveSearch(kind string, duration time.Duration) {
	Init()
	searchQueriesTotal.WithLabelValues(kind).Inc()
	searchDurationSeconds.Observe(duration.Seconds())
}

// ObserveSearchCache records a cache hit or miss.
func ObserveSearchCache(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	searchCacheTotal.WithLabelValues(result).Inc()
}

// ObserveOutlinkDropped records an outlink rejected at enqueue time.
func ObserveOutlinkDropped(reason string) {
	Init()
	outlinksDroppedTotal.WithLabelValues(reason).Inc()
}

// ObserveRateLimited records a request rejected with 429.
func ObserveRateLimited() {
	Init()
	rateLimitedTotal.Inc()
}
