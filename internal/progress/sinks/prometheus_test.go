package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchcrawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := "0190a5d4-7c1e-7000-8000-000000000001"
	now := time.Now()
	batch := []progress.Event{
		{SessionID: id, TS: now, Stage: progress.StageSessionStart},
		{SessionID: id, TS: now, Stage: progress.StageSessionStart},
		{
			SessionID:   id,
			TS:          now.Add(10 * time.Second),
			Stage:       progress.StagePageDone,
			Site:        "example.com",
			URL:         "https://example.com/",
			Bytes:       1024,
			StatusClass: progress.Status2xx,
			Outcome:     "Stored",
			Dur:         200 * time.Millisecond,
		},
		{SessionID: id, TS: now, Stage: progress.StageRenderFallback, URL: "https://example.com/spa"},
		{TS: now, Stage: progress.StageIndexPending, URL: "https://example.com/"},
		{TS: now, Stage: progress.StageIndexFailed, URL: "https://example.com/"},
		{SessionID: id, TS: now.Add(15 * time.Second), Stage: progress.StageSessionDone, Outcome: "Completed", Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.sessionsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsCompleted.WithLabelValues("Completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.sessionsRunning))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("example.com", "2xx", "Stored")), 1e-9)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "crawler_fetch_duration_seconds"))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.renderFallbacks))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.indexEvents.WithLabelValues("pending")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.indexEvents.WithLabelValues("failed")))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
