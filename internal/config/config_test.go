package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  level: debug
crawler:
  user_agent: real-agent
  default_request_timeout_ms: 45000
  max_concurrent_sessions: 2
  session_retention_seconds: 60
  politeness_delay_ms: 250
storage:
  doc_store_uri: postgres://localhost/pages
index:
  search_index_uri: redis://localhost:6379/0?pool=4
  pool_size: 4
scoring:
  title_weight: 3.5
  body_weight: 1.5
  offset_boost: 0.25
  offset_window: 20
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.UserAgent != "real-agent" || cfg.Crawler.MaxConcurrentSessions != 2 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Storage.DocStoreURI != "postgres://localhost/pages" {
		t.Fatalf("unexpected doc store uri %q", cfg.Storage.DocStoreURI)
	}
	if cfg.Scoring.TitleWeight != 3.5 || cfg.Scoring.OffsetWindow != 20 {
		t.Fatalf("expected scoring overrides: %+v", cfg.Scoring)
	}
	if got := cfg.RequestTimeout(); got != 45*time.Second {
		t.Fatalf("expected request timeout 45s, got %v", got)
	}
	if got := cfg.SessionRetention(); got != time.Minute {
		t.Fatalf("expected retention 1m, got %v", got)
	}
	if got := cfg.PolitenessDelay(); got != 250*time.Millisecond {
		t.Fatalf("expected politeness 250ms, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// Only assert values that the process environment cannot plausibly override.
	if cfg.Scoring.TitleWeight != 2.0 || cfg.Scoring.BodyWeight != 1.0 {
		t.Fatalf("unexpected default scoring: %+v", cfg.Scoring)
	}
	if cfg.Crawler.LogEntries != 500 {
		t.Fatalf("expected 500 log entries, got %d", cfg.Crawler.LogEntries)
	}
	if cfg.Coordinator.MaxIndexRetries != 5 {
		t.Fatalf("expected 5 index retries, got %d", cfg.Coordinator.MaxIndexRetries)
	}
}

// TestUnprefixedEnvWins checks the documented precedence: bare variable over
// CRAWLER_ prefixed variable over file value. Not parallel: mutates env.
func TestUnprefixedEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("crawler:\n  max_concurrent_sessions: 9\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("CRAWLER_CRAWLER_MAX_CONCURRENT_SESSIONS", "7")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.MaxConcurrentSessions != 7 {
		t.Fatalf("expected prefixed env to beat file, got %d", cfg.Crawler.MaxConcurrentSessions)
	}

	t.Setenv("MAX_CONCURRENT_SESSIONS", "3")
	t.Setenv("LOG_LEVEL", "warning")
	t.Setenv("SPA_RENDERING_ENABLED", "false")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.MaxConcurrentSessions != 3 {
		t.Fatalf("expected bare env to win, got %d", cfg.Crawler.MaxConcurrentSessions)
	}
	if cfg.Logging.Level != "warning" {
		t.Fatalf("expected LOG_LEVEL to apply, got %q", cfg.Logging.Level)
	}
	if cfg.Renderer.SPAEnabled {
		t.Fatal("expected SPA_RENDERING_ENABLED=false to apply")
	}
}

func TestWatchScoringNoPath(t *testing.T) {
	t.Parallel()

	if err := WatchScoring("", func(ScoringConfig) {}, func(error) {}); err != nil {
		t.Fatalf("WatchScoring() error = %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:      ServerConfig{Port: 8080},
		Logging:     LoggingConfig{Level: "info"},
		Crawler:     CrawlerConfig{DefaultRequestTimeoutMs: 1000, MaxConcurrentSessions: 1, MaxWorkersPerSession: 1, MaxBodyBytes: 1024},
		Index:       IndexConfig{PoolSize: 1},
		Renderer:    RendererConfig{MaxParallel: 1},
		Coordinator: CoordinatorConfig{MaxIndexRetries: 1},
		Scoring:     ScoringConfig{TitleWeight: 2, BodyWeight: 1},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "unknown log level",
			cfg: func() Config {
				c := base
				c.Logging.Level = "loud"
				return c
			}(),
			want: "logging.level",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.Crawler.DefaultRequestTimeoutMs = 0
				return c
			}(),
			want: "crawler.default_request_timeout_ms",
		},
		{
			name: "invalid session cap",
			cfg: func() Config {
				c := base
				c.Crawler.MaxConcurrentSessions = 0
				return c
			}(),
			want: "crawler.max_concurrent_sessions",
		},
		{
			name: "zero title weight",
			cfg: func() Config {
				c := base
				c.Scoring.TitleWeight = 0
				return c
			}(),
			want: "scoring weights",
		},
		{
			name: "offset window past stored lead",
			cfg: func() Config {
				c := base
				c.Scoring.OffsetWindow = 51
				return c
			}(),
			want: "scoring.offset_window",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "pubsub half configured",
			cfg: func() Config {
				c := base
				c.PubSub.ProjectID = "proj"
				return c
			}(),
			want: "pubsub",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
