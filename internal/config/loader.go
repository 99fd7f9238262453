package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix namespaces every override variable.
const envPrefix = "SOCIALMARKET_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SOCIALMARKET_* environment variable overrides,
// and returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SOCIALMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject the session token and API secrets at
// launch without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── API ──
	setStr(&cfg.API.BaseURL, envPrefix+"API_BASE_URL")
	setDuration(&cfg.API.Timeout, envPrefix+"API_TIMEOUT")
	setFloat64(&cfg.API.RequestsPerSecond, envPrefix+"API_REQUESTS_PER_SECOND")
	setInt(&cfg.API.Burst, envPrefix+"API_BURST")
	setStr(&cfg.API.BearerToken, envPrefix+"API_BEARER_TOKEN")
	setStr(&cfg.API.APIKey, envPrefix+"API_KEY")
	setStr(&cfg.API.APISecret, envPrefix+"API_SECRET")

	// ── Viewer ──
	setStr(&cfg.Viewer.ID, envPrefix+"VIEWER_ID")
	setStr(&cfg.Viewer.AvatarURL, envPrefix+"VIEWER_AVATAR_URL")
	setStr(&cfg.Viewer.Placeholder, envPrefix+"VIEWER_PLACEHOLDER_AVATAR")

	// ── Cache ──
	setDuration(&cfg.Cache.StaleTime, envPrefix+"CACHE_STALE_TIME")
	setDuration(&cfg.Cache.GCTime, envPrefix+"CACHE_GC_TIME")
	setDuration(&cfg.Cache.PollInterval, envPrefix+"CACHE_POLL_INTERVAL")
	setInt(&cfg.Cache.Retry, envPrefix+"CACHE_RETRY")
	setDuration(&cfg.Cache.RetryDelay, envPrefix+"CACHE_RETRY_DELAY")
	setDuration(&cfg.Cache.MaxRetryDelay, envPrefix+"CACHE_MAX_RETRY_DELAY")
	setBool(&cfg.Cache.Warm, envPrefix+"CACHE_WARM")

	// ── Trade ──
	setDuration(&cfg.Trade.EnrichTimeout, envPrefix+"TRADE_ENRICH_TIMEOUT")
	setDuration(&cfg.Trade.SessionTTL, envPrefix+"TRADE_SESSION_TTL")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, envPrefix+"REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, envPrefix+"REDIS_ADDR")
	setStr(&cfg.Redis.Password, envPrefix+"REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, envPrefix+"REDIS_DB")
	setInt(&cfg.Redis.PoolSize, envPrefix+"REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, envPrefix+"REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, envPrefix+"REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, envPrefix+"REDIS_NAMESPACE")

	// ── Events ──
	setStr(&cfg.Events.Channel, envPrefix+"EVENTS_CHANNEL")
	setStr(&cfg.Events.Stream, envPrefix+"EVENTS_STREAM")
	setDuration(&cfg.Events.DedupTTL, envPrefix+"EVENTS_DEDUP_TTL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, envPrefix+"SERVER_ENABLED")
	setStr(&cfg.Server.Host, envPrefix+"SERVER_HOST")
	setInt(&cfg.Server.Port, envPrefix+"SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, envPrefix+"SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, envPrefix+"SERVER_API_KEY")
	setFloat64(&cfg.Server.RequestsPerSecond, envPrefix+"SERVER_REQUESTS_PER_SECOND")
	setInt(&cfg.Server.Burst, envPrefix+"SERVER_BURST")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, envPrefix+"NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, envPrefix+"NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, envPrefix+"NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, envPrefix+"NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, envPrefix+"LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
