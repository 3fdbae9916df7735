package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/searchcrawler/internal/progress"
)

// PrometheusSink turns progress events into crawl metrics.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	sessionRuntime    *prometheus.HistogramVec

	pages         *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	renderFallbacks prometheus.Counter
	indexEvents     *prometheus.CounterVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_sessions_started_total",
			Help: "Total crawl sessions that have started.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_sessions_completed_total",
			Help: "Crawl sessions that reached a terminal state.",
		}, []string{"state"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_sessions_running",
			Help: "Current number of running crawl sessions.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_session_runtime_seconds",
			Help:    "Wall time per finished session.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"state"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Processed pages partitioned by site, status class and outcome.",
		}, []string{"site", "status_class", "outcome"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Page processing duration partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site", "status_class"}),
		renderFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_render_fallbacks_total",
			Help: "Pages that fell back to static content after a render failure.",
		}),
		indexEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_index_events_total",
			Help: "Index writes left pending or given up on.",
		}, []string{"state"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsRunning,
		s.sessionRuntime,
		s.pages,
		s.fetchBytes,
		s.fetchDuration,
		s.renderFallbacks,
		s.indexEvents,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSessionStart:
		s.sessionsStarted.Inc()
		if s.tracker.start(evt.SessionID) {
			s.sessionsRunning.Inc()
		}
	case progress.StageSessionDone:
		state := label(evt.Outcome, "unknown")
		s.sessionsCompleted.WithLabelValues(state).Inc()
		if evt.Dur > 0 {
			s.sessionRuntime.WithLabelValues(state).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.SessionID) {
			s.sessionsRunning.Dec()
		}
	case progress.StagePageDone:
		s.handlePageEvent(evt)
	case progress.StageRenderFallback:
		s.renderFallbacks.Inc()
	case progress.StageIndexPending:
		s.indexEvents.WithLabelValues("pending").Inc()
	case progress.StageIndexFailed:
		s.indexEvents.WithLabelValues("failed").Inc()
	}
}

func (s *PrometheusSink) handlePageEvent(evt progress.Event) {
	site := label(evt.Site, "unknown")
	statusClass := label(string(evt.StatusClass), string(progress.StatusOther))
	s.pages.WithLabelValues(site, statusClass, label(evt.Outcome, "unknown")).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func label(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[string]struct{})}
}

func (t *sessionTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
