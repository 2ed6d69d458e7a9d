package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FLASHBID_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FLASHBID_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Store ──
	setStr(&cfg.Store.Backend, "FLASHBID_STORE_BACKEND")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FLASHBID_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLASHBID_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLASHBID_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FLASHBID_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FLASHBID_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FLASHBID_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FLASHBID_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FLASHBID_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FLASHBID_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FLASHBID_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FLASHBID_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FLASHBID_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FLASHBID_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FLASHBID_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FLASHBID_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FLASHBID_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "FLASHBID_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "FLASHBID_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FLASHBID_S3_REGION")
	setStr(&cfg.S3.Bucket, "FLASHBID_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FLASHBID_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FLASHBID_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FLASHBID_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FLASHBID_S3_FORCE_PATH_STYLE")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "FLASHBID_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "FLASHBID_KAFKA_BROKERS")
	setStr(&cfg.Kafka.MailTopic, "FLASHBID_KAFKA_MAIL_TOPIC")

	// ── Auction ──
	setDuration(&cfg.Auction.ResourceLead, "FLASHBID_AUCTION_RESOURCE_LEAD")
	setDuration(&cfg.Auction.SnipeWindow, "FLASHBID_AUCTION_SNIPE_WINDOW")
	setDuration(&cfg.Auction.Extension, "FLASHBID_AUCTION_EXTENSION")
	setInt(&cfg.Auction.SnipeBudget, "FLASHBID_AUCTION_SNIPE_BUDGET")
	setInt(&cfg.Auction.TopN, "FLASHBID_AUCTION_TOP_N")

	// ── Workers ──
	setInt(&cfg.Workers.Count, "FLASHBID_WORKERS_COUNT")
	setInt(&cfg.Workers.MaxAttempts, "FLASHBID_WORKERS_MAX_ATTEMPTS")

	// ── Server ──
	setInt(&cfg.Server.Port, "FLASHBID_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FLASHBID_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FLASHBID_SERVER_API_KEY")
	setInt(&cfg.Server.BidRateLimit, "FLASHBID_SERVER_BID_RATE_LIMIT")
	setInt(&cfg.Server.APIRateLimit, "FLASHBID_SERVER_API_RATE_LIMIT")
	setDuration(&cfg.Server.PresenceTTL, "FLASHBID_SERVER_PRESENCE_TTL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FLASHBID_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FLASHBID_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FLASHBID_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FLASHBID_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FLASHBID_MODE")
	setStr(&cfg.LogLevel, "FLASHBID_LOG_LEVEL")
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
