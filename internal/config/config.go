// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/JakeFAU/searchcrawler/internal/logging"
	"github.com/JakeFAU/searchcrawler/internal/query"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Index       IndexConfig       `mapstructure:"index"`
	Renderer    RendererConfig    `mapstructure:"renderer"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Scoring     ScoringConfig     `mapstructure:"scoring"`
	Search      SearchConfig      `mapstructure:"search"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	HandlerTimeoutSeconds int `mapstructure:"handler_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig drives logging.New.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// CrawlerConfig governs session defaults and server-side caps.
type CrawlerConfig struct {
	UserAgent               string `mapstructure:"user_agent"`
	DefaultRequestTimeoutMs int    `mapstructure:"default_request_timeout_ms"`
	MaxConcurrentSessions   int    `mapstructure:"max_concurrent_sessions"`
	SessionRetentionSeconds int    `mapstructure:"session_retention_seconds"`
	MaxWorkersPerSession    int    `mapstructure:"max_workers_per_session"`
	PolitenessDelayMs       int    `mapstructure:"politeness_delay_ms"`
	FreshnessWindowSeconds  int    `mapstructure:"freshness_window_seconds"`
	MaxBodyBytes            int64  `mapstructure:"max_body_bytes"`
	RobotsTimeoutMs         int    `mapstructure:"robots_timeout_ms"`
	LogEntries              int    `mapstructure:"log_entries"`
}

// StorageConfig selects the document store and the optional raw archive.
type StorageConfig struct {
	DocStoreURI string `mapstructure:"doc_store_uri"`
	ArchiveURI  string `mapstructure:"archive_uri"`
}

// IndexConfig selects the search index backend.
type IndexConfig struct {
	URI            string `mapstructure:"search_index_uri"`
	PoolSize       int    `mapstructure:"pool_size"`
	QueryTimeoutMs int    `mapstructure:"query_timeout_ms"`
}

// RendererConfig configures headless rendering.
type RendererConfig struct {
	URL         string `mapstructure:"url"`
	SPAEnabled  bool   `mapstructure:"spa_rendering_enabled"`
	MaxParallel int    `mapstructure:"max_parallel"`
}

// CoordinatorConfig tunes reconciliation of the search index.
type CoordinatorConfig struct {
	SweepIntervalSeconds int     `mapstructure:"sweep_interval_seconds"`
	PendingWindowSeconds int     `mapstructure:"pending_window_seconds"`
	MaxIndexRetries      int     `mapstructure:"max_index_retries"`
	SweepRPS             float64 `mapstructure:"sweep_rps"`
	SyncIntervalSeconds  int     `mapstructure:"sync_interval_seconds"`
	SyncBatchSize        int     `mapstructure:"sync_batch_size"`
}

// ScoringConfig is the hot-reloadable ranking profile.
type ScoringConfig struct {
	TitleWeight  float64 `mapstructure:"title_weight"`
	BodyWeight   float64 `mapstructure:"body_weight"`
	OffsetBoost  float64 `mapstructure:"offset_boost"`
	OffsetWindow int     `mapstructure:"offset_window"`
}

// SearchConfig controls the query result cache.
type SearchConfig struct {
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
	CacheMaxMB      int `mapstructure:"cache_max_mb"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RateLimitConfig throttles API clients.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// envBindings lists unprefixed variable names consulted ahead of the
// CRAWLER_ prefixed form for the same key.
var envBindings = [][2]string{
	{"server.port", "PORT"},
	{"auth.api_key", "API_KEY"},
	{"logging.level", "LOG_LEVEL"},
	{"logging.file", "LOG_FILE"},
	{"storage.doc_store_uri", "DOC_STORE_URI"},
	{"storage.archive_uri", "ARCHIVE_URI"},
	{"index.search_index_uri", "SEARCH_INDEX_URI"},
	{"renderer.url", "RENDERER_URL"},
	{"renderer.spa_rendering_enabled", "SPA_RENDERING_ENABLED"},
	{"crawler.default_request_timeout_ms", "DEFAULT_REQUEST_TIMEOUT_MS"},
	{"crawler.max_concurrent_sessions", "MAX_CONCURRENT_SESSIONS"},
	{"crawler.session_retention_seconds", "SESSION_RETENTION_SECONDS"},
	{"pubsub.project_id", "EVENTS_PUBSUB_PROJECT"},
	{"pubsub.topic_name", "EVENTS_PUBSUB_TOPIC"},
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, binding := range envBindings {
		key, name := binding[0], binding[1]
		prefixed := "CRAWLER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, name, prefixed); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", name, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.handler_timeout_seconds", 120)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("crawler.user_agent", "searchcrawler/1.0")
	v.SetDefault("crawler.default_request_timeout_ms", 60000)
	v.SetDefault("crawler.max_concurrent_sessions", 5)
	v.SetDefault("crawler.session_retention_seconds", 3600)
	v.SetDefault("crawler.max_workers_per_session", 16)
	v.SetDefault("crawler.politeness_delay_ms", 1000)
	v.SetDefault("crawler.freshness_window_seconds", 86400)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("crawler.robots_timeout_ms", 5000)
	v.SetDefault("crawler.log_entries", 500)
	v.SetDefault("storage.doc_store_uri", "internal")
	v.SetDefault("index.search_index_uri", "internal")
	v.SetDefault("index.pool_size", 8)
	v.SetDefault("index.query_timeout_ms", 5000)
	v.SetDefault("renderer.url", "internal")
	v.SetDefault("renderer.spa_rendering_enabled", true)
	v.SetDefault("renderer.max_parallel", 2)
	v.SetDefault("coordinator.sweep_interval_seconds", 30)
	v.SetDefault("coordinator.pending_window_seconds", 60)
	v.SetDefault("coordinator.max_index_retries", 5)
	v.SetDefault("coordinator.sweep_rps", 20.0)
	v.SetDefault("coordinator.sync_interval_seconds", 0)
	v.SetDefault("coordinator.sync_batch_size", 500)
	v.SetDefault("scoring.title_weight", 2.0)
	v.SetDefault("scoring.body_weight", 1.0)
	v.SetDefault("scoring.offset_boost", 0.0)
	v.SetDefault("scoring.offset_window", 50)
	v.SetDefault("search.cache_ttl_seconds", 30)
	v.SetDefault("search.cache_max_mb", 64)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.rps", 20.0)
	v.SetDefault("ratelimit.burst", 40)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if _, _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Crawler.DefaultRequestTimeoutMs <= 0 {
		return fmt.Errorf("crawler.default_request_timeout_ms must be > 0")
	}
	if c.Crawler.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("crawler.max_concurrent_sessions must be > 0")
	}
	if c.Crawler.SessionRetentionSeconds < 0 {
		return fmt.Errorf("crawler.session_retention_seconds must be >= 0")
	}
	if c.Crawler.MaxWorkersPerSession <= 0 {
		return fmt.Errorf("crawler.max_workers_per_session must be > 0")
	}
	if c.Crawler.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawler.max_body_bytes must be > 0")
	}
	if c.Index.PoolSize <= 0 {
		return fmt.Errorf("index.pool_size must be > 0")
	}
	if c.Renderer.MaxParallel <= 0 {
		return fmt.Errorf("renderer.max_parallel must be > 0")
	}
	if c.Coordinator.MaxIndexRetries <= 0 {
		return fmt.Errorf("coordinator.max_index_retries must be > 0")
	}
	if err := c.Scoring.Validate(); err != nil {
		return err
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// Validate checks the ranking profile.
func (s ScoringConfig) Validate() error {
	if s.TitleWeight <= 0 || s.BodyWeight <= 0 {
		return fmt.Errorf("scoring weights must be > 0")
	}
	if s.OffsetBoost < 0 || s.OffsetWindow < 0 {
		return fmt.Errorf("scoring.offset_boost and scoring.offset_window must be >= 0")
	}
	if s.OffsetWindow > query.MaxOffsetWindow {
		return fmt.Errorf("scoring.offset_window must be <= %d", query.MaxOffsetWindow)
	}
	return nil
}

// RequestTimeout is the default per-request fetch deadline.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Crawler.DefaultRequestTimeoutMs) * time.Millisecond
}

// SessionRetention is how long terminal sessions stay readable.
func (c Config) SessionRetention() time.Duration {
	return time.Duration(c.Crawler.SessionRetentionSeconds) * time.Second
}

// FreshnessWindow is the recrawl horizon applied when force=false.
func (c Config) FreshnessWindow() time.Duration {
	return time.Duration(c.Crawler.FreshnessWindowSeconds) * time.Second
}

// PolitenessDelay is the configured per-origin delay between fetches.
func (c Config) PolitenessDelay() time.Duration {
	return time.Duration(c.Crawler.PolitenessDelayMs) * time.Millisecond
}

// WatchScoring re-reads the scoring section whenever the config file at path
// changes and hands valid profiles to apply. Invalid edits are reported via
// onError and otherwise ignored. It is a no-op when path is empty.
func WatchScoring(path string, apply func(ScoringConfig), onError func(error)) error {
	if path == "" {
		return nil
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		var sc ScoringConfig
		if err := v.UnmarshalKey("scoring", &sc); err != nil {
			onError(fmt.Errorf("reload scoring: %w", err))
			return
		}
		if err := sc.Validate(); err != nil {
			onError(fmt.Errorf("reload scoring: %w", err))
			return
		}
		apply(sc)
	})
	v.WatchConfig()
	return nil
}
