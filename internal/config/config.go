// Package config defines the top-level configuration for the marketplace
// client daemon and provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SOCIALMARKET_* environment variables.
type Config struct {
	API      APIConfig    `toml:"api"`
	Viewer   ViewerConfig `toml:"viewer"`
	Cache    CacheConfig  `toml:"cache"`
	Trade    TradeConfig  `toml:"trade"`
	Redis    RedisConfig  `toml:"redis"`
	Events   EventsConfig `toml:"events"`
	Server   ServerConfig `toml:"server"`
	Notify   NotifyConfig `toml:"notify"`
	LogLevel string       `toml:"log_level"`
}

// APIConfig holds the marketplace backend endpoint and credentials.
type APIConfig struct {
	BaseURL           string   `toml:"base_url"`
	Timeout           duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	// BearerToken is the signed-in user's session token.
	BearerToken string `toml:"bearer_token"`
	// APIKey and APISecret enable HMAC request signing when both are set.
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

// ViewerConfig describes the signed-in user.
type ViewerConfig struct {
	ID          string `toml:"id"`
	AvatarURL   string `toml:"avatar_url"`
	Placeholder string `toml:"placeholder_avatar"`
}

// CacheConfig holds the query cache timings for the order lists.
type CacheConfig struct {
	StaleTime     duration `toml:"stale_time"`
	GCTime        duration `toml:"gc_time"`
	PollInterval  duration `toml:"poll_interval"`
	Retry         int      `toml:"retry"`
	RetryDelay    duration `toml:"retry_delay"`
	MaxRetryDelay duration `toml:"max_retry_delay"`
	// Warm keeps both unfiltered lists subscribed (and polled) while the
	// daemon runs.
	Warm bool `toml:"warm"`
}

// TradeConfig tunes trade initiation.
type TradeConfig struct {
	// EnrichTimeout bounds the background wallet lookup.
	EnrichTimeout duration `toml:"enrich_timeout"`
	// SessionTTL is how long a pending session survives in Redis.
	SessionTTL duration `toml:"session_ttl"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; without it
// the pending trade session lives in memory and events stay in-process.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
}

// EventsConfig configures the Redis event bridge.
type EventsConfig struct {
	Channel  string   `toml:"channel"`
	Stream   string   `toml:"stream"`
	DedupTTL duration `toml:"dedup_ttl"`
}

// duration wraps time.Duration so that it can be unmarshalled from a TOML
// string such as "5m" or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds the local HTTP API settings.
type ServerConfig struct {
	Enabled           bool     `toml:"enabled"`
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	APIKey            string   `toml:"api_key"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
}

// NotifyConfig holds the chat webhooks trade events are forwarded to.
type NotifyConfig struct {
	TelegramHost      string   `toml:"telegram_host"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL:           "http://localhost:8080",
			Timeout:           duration{15 * time.Second},
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Viewer: ViewerConfig{
			Placeholder: "assets/avatar-placeholder.png",
		},
		Cache: CacheConfig{
			StaleTime:     duration{30 * time.Second},
			GCTime:        duration{5 * time.Minute},
			PollInterval:  duration{time.Minute},
			Retry:         3,
			RetryDelay:    duration{time.Second},
			MaxRetryDelay: duration{30 * time.Second},
			Warm:          true,
		},
		Trade: TradeConfig{
			EnrichTimeout: duration{10 * time.Second},
			SessionTTL:    duration{24 * time.Hour},
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			Namespace:  "socialmarket",
		},
		Events: EventsConfig{
			Channel:  "events",
			Stream:   "events:history",
			DedupTTL: duration{10 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              8000,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Notify: NotifyConfig{
			Events: []string{"tradeInitiated", "tradeCompleted"},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validNotifyEvents = map[string]bool{
	"tradeInitiated": true,
	"tradeCompleted": true,
}

// Validate checks the configuration for logical errors and returns a combined
// error describing every problem found, or nil if the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// API
	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("api: base_url %q must be an absolute URL", c.API.BaseURL))
	}
	if c.API.Timeout.Duration <= 0 {
		errs = append(errs, "api: timeout must be > 0")
	}
	if c.API.RequestsPerSecond < 0 {
		errs = append(errs, "api: requests_per_second must be >= 0")
	}
	if (c.API.APIKey == "") != (c.API.APISecret == "") {
		errs = append(errs, "api: api_key and api_secret must be set together")
	}

	// Viewer
	if strings.TrimSpace(c.Viewer.ID) == "" {
		errs = append(errs, "viewer: id must not be empty")
	}

	// Cache
	if c.Cache.StaleTime.Duration < 0 {
		errs = append(errs, "cache: stale_time must be >= 0")
	}
	if c.Cache.GCTime.Duration < 0 {
		errs = append(errs, "cache: gc_time must be >= 0")
	}
	if c.Cache.PollInterval.Duration < 0 {
		errs = append(errs, "cache: poll_interval must be >= 0")
	}
	if c.Cache.Retry < 0 {
		errs = append(errs, "cache: retry must be >= 0")
	}
	if c.Cache.RetryDelay.Duration < 0 || c.Cache.MaxRetryDelay.Duration < c.Cache.RetryDelay.Duration {
		errs = append(errs, "cache: retry_delay must be >= 0 and not exceed max_retry_delay")
	}

	// Trade
	if c.Trade.EnrichTimeout.Duration <= 0 {
		errs = append(errs, "trade: enrich_timeout must be > 0")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Events.Channel == "" {
			errs = append(errs, "events: channel must not be empty when redis is enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RequestsPerSecond < 0 {
			errs = append(errs, "server: requests_per_second must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	for _, e := range c.Notify.Events {
		if !validNotifyEvents[strings.TrimSpace(e)] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q (valid: tradeInitiated, tradeCompleted)", e))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
