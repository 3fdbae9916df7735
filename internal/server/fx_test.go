package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchcrawler/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Level = "none"
	cfg.Storage.DocStoreURI = "internal"
	cfg.Storage.ArchiveURI = ""
	cfg.Index.URI = "internal"
	cfg.Renderer.URL = "none"
	cfg.PubSub = config.PubSubConfig{}
	cfg.Auth = config.AuthConfig{}
	return cfg
}

func TestBuildInMemory(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t), Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestBuildRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "doc store", mutate: func(c *config.Config) { c.Storage.DocStoreURI = "cassandra://db" }},
		{name: "search index", mutate: func(c *config.Config) { c.Index.URI = "elastic://idx" }},
		{name: "renderer", mutate: func(c *config.Config) { c.Renderer.URL = "ftp://render" }},
		{name: "archive", mutate: func(c *config.Config) { c.Storage.ArchiveURI = "s3://bucket" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			tc.mutate(&cfg)
			_, err := Build(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
			require.Error(t, err)
		})
	}
}

func TestApplyScoringSwapsProfile(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t), Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	app.applyScoring(config.ScoringConfig{TitleWeight: 5, BodyWeight: 1, OffsetBoost: 0.5, OffsetWindow: 20})
	require.InDelta(t, 5.0, app.scorer.Profile().TitleWeight, 1e-9)

	app.applyScoring(config.ScoringConfig{TitleWeight: -1, BodyWeight: 1})
	require.InDelta(t, 5.0, app.scorer.Profile().TitleWeight, 1e-9)
}

func TestRedact(t *testing.T) {
	t.Parallel()

	require.Equal(t, "postgres://user:xxxxx@db:5432/pages", redact("postgres://user:secret@db:5432/pages"))
	require.Equal(t, "redis://cache:6379/0", redact("redis://cache:6379/0"))
}
