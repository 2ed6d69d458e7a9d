// Package config defines the top-level configuration for the auction engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FLASHBID_* environment variables.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Redis     RedisConfig     `toml:"redis"`
	Postgres  PostgresConfig  `toml:"postgres"`
	S3        S3Config        `toml:"s3"`
	Kafka     KafkaConfig     `toml:"kafka"`
	Auction   AuctionConfig   `toml:"auction"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Workers   WorkersConfig   `toml:"workers"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// StoreConfig selects the backend of the engine's stores.
type StoreConfig struct {
	// Backend is "redis" or "memory". The memory backend keeps everything in
	// one process and is meant for development.
	Backend string `toml:"backend"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// PostgresConfig holds the record store connection. An empty DSN and Host
// disables the record store.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// Enabled reports whether a record store is configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.DSN) != "" || strings.TrimSpace(p.Host) != ""
}

// S3Config holds the bucket for product images and bid history archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// KafkaConfig holds the outbound mail topic. When disabled, mail jobs are
// only logged.
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Brokers      []string `toml:"brokers"`
	MailTopic    string   `toml:"mail_topic"`
	WriteTimeout duration `toml:"write_timeout"`
}

// AuctionConfig holds auction lifecycle parameters and per-auction defaults.
type AuctionConfig struct {
	ResourceLead duration `toml:"resource_lead"`
	SnipeWindow  duration `toml:"snipe_window"`
	Extension    duration `toml:"extension"`
	SnipeBudget  int      `toml:"snipe_budget"`
	// DedupTTL is how long the queue remembers a bid's dedup key.
	DedupTTL duration `toml:"dedup_ttl"`
	TopN     int      `toml:"top_n"`
}

// SchedulerConfig tunes trigger dispatch and trigger arming.
type SchedulerConfig struct {
	PollInterval duration `toml:"poll_interval"`
	BatchSize    int      `toml:"batch_size"`
	Lease        duration `toml:"lease"`
	MaxAttempts  int      `toml:"max_attempts"`
	ArmRetries   int      `toml:"arm_retries"`
	RetryBase    duration `toml:"retry_base"`
}

// WorkersConfig tunes the bid worker pool.
type WorkersConfig struct {
	Count          int      `toml:"count"`
	BatchSize      int      `toml:"batch_size"`
	PollInterval   duration `toml:"poll_interval"`
	ConsumeLockTTL duration `toml:"consume_lock_ttl"`
	MaxAttempts    int      `toml:"max_attempts"`
	DedupTTL       duration `toml:"dedup_ttl"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "3m", "500ms").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so that BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey protects every route except health and metrics. Empty disables
	// authentication.
	APIKey        string   `toml:"api_key"`
	BidRateLimit  int      `toml:"bid_rate_limit"`
	BidRateWindow duration `toml:"bid_rate_window"`
	APIRateLimit  int      `toml:"api_rate_limit"`
	APIRateWindow duration `toml:"api_rate_window"`
	// PresenceTTL is how long a server's claim on a websocket connection
	// outlives its last heartbeat.
	PresenceTTL duration `toml:"presence_ttl"`
}

// NotifyConfig holds operator alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Backend: "redis",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		Postgres: PostgresConfig{
			Port:          5432,
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Region: "us-east-1",
			Bucket: "flashbid",
			UseSSL: true,
		},
		Kafka: KafkaConfig{
			MailTopic:    "flashbid.mail",
			WriteTimeout: duration{10 * time.Second},
		},
		Auction: AuctionConfig{
			ResourceLead: duration{3 * time.Minute},
			SnipeWindow:  duration{30 * time.Second},
			Extension:    duration{30 * time.Second},
			SnipeBudget:  3,
			DedupTTL:     duration{time.Hour},
			TopN:         3,
		},
		Scheduler: SchedulerConfig{
			PollInterval: duration{500 * time.Millisecond},
			BatchSize:    64,
			Lease:        duration{5 * time.Second},
			MaxAttempts:  5,
			ArmRetries:   3,
			RetryBase:    duration{100 * time.Millisecond},
		},
		Workers: WorkersConfig{
			Count:          4,
			BatchSize:      32,
			PollInterval:   duration{200 * time.Millisecond},
			ConsumeLockTTL: duration{30 * time.Second},
			MaxAttempts:    5,
			DedupTTL:       duration{10 * time.Minute},
		},
		Server: ServerConfig{
			Port:          8080,
			CORSOrigins:   []string{"http://localhost:3000"},
			BidRateLimit:  10,
			BidRateWindow: duration{time.Second},
			APIRateLimit:  100,
			APIRateWindow: duration{time.Minute},
			PresenceTTL:   duration{30 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{
				"auction_create_failed", "provision_failed", "rearm_failed",
				"settlement_failed", "teardown_failed", "trigger_failed", "bid_dropped",
			},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"full":   true,
	"engine": true,
	"server": true,
}

var validBackends = map[string]bool{
	"redis":  true,
	"memory": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks that all required fields are present and that values fall
// within acceptable ranges. It returns a combined error describing every
// problem found, or nil if the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("mode must be one of full, engine, server; got %q", c.Mode))
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Sprintf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel))
	}

	// Store
	if !validBackends[c.Store.Backend] {
		errs = append(errs, fmt.Sprintf("store: backend must be redis or memory; got %q", c.Store.Backend))
	}
	if c.Store.Backend == "memory" && c.Mode != "full" {
		errs = append(errs, "store: memory backend requires mode full")
	}
	if c.Store.Backend == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region is required when enabled")
		}
	}

	// Kafka
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: at least one broker is required when enabled")
		}
		if c.Kafka.MailTopic == "" {
			errs = append(errs, "kafka: mail_topic is required when enabled")
		}
	}

	// Auction
	if c.Auction.ResourceLead.Duration <= 0 {
		errs = append(errs, "auction: resource_lead must be > 0")
	}
	if c.Auction.SnipeWindow.Duration < 0 || c.Auction.Extension.Duration < 0 {
		errs = append(errs, "auction: snipe_window and extension must be >= 0")
	}
	if c.Auction.SnipeBudget < 0 {
		errs = append(errs, "auction: snipe_budget must be >= 0")
	}
	if c.Auction.TopN < 1 {
		errs = append(errs, "auction: top_n must be >= 1")
	}

	// Scheduler
	if c.Scheduler.PollInterval.Duration <= 0 {
		errs = append(errs, "scheduler: poll_interval must be > 0")
	}
	if c.Scheduler.MaxAttempts < 1 || c.Scheduler.ArmRetries < 1 {
		errs = append(errs, "scheduler: max_attempts and arm_retries must be >= 1")
	}

	// Workers
	if c.Workers.Count < 1 {
		errs = append(errs, "workers: count must be >= 1")
	}
	if c.Workers.MaxAttempts < 1 {
		errs = append(errs, "workers: max_attempts must be >= 1")
	}
	if c.Workers.ConsumeLockTTL.Duration <= c.Workers.PollInterval.Duration {
		errs = append(errs, "workers: consume_lock_ttl must exceed poll_interval")
	}

	// Server
	if c.Mode != "engine" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.BidRateLimit > 0 && c.Server.BidRateWindow.Duration <= 0 {
			errs = append(errs, "server: bid_rate_window must be > 0 when bid_rate_limit is set")
		}
		if c.Server.PresenceTTL.Duration <= 0 {
			errs = append(errs, "server: presence_ttl must be positive")
		}
		if c.Server.APIRateLimit > 0 && c.Server.APIRateWindow.Duration <= 0 {
			errs = append(errs, "server: api_rate_window must be > 0 when api_rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
