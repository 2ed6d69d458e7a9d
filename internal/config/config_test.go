package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3*time.Minute, cfg.Auction.ResourceLead.Duration)
	assert.False(t, cfg.Postgres.Enabled())
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "engine"

[store]
backend = "redis"

[auction]
resource_lead = "5m"
snipe_budget = 1

[workers]
count = 8

[postgres]
host = "db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "engine", cfg.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Auction.ResourceLead.Duration)
	assert.Equal(t, 1, cfg.Auction.SnipeBudget)
	assert.Equal(t, 8, cfg.Workers.Count)
	assert.Equal(t, 30*time.Second, cfg.Auction.Extension.Duration, "unset keys keep defaults")
	assert.True(t, cfg.Postgres.Enabled())
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `log_level = "info"`)
	t.Setenv("FLASHBID_LOG_LEVEL", "debug")
	t.Setenv("FLASHBID_AUCTION_EXTENSION", "45s")
	t.Setenv("FLASHBID_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("FLASHBID_SERVER_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 45*time.Second, cfg.Auction.Extension.Duration)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 8080, cfg.Server.Port, "unparsable values are ignored")
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
[auction]
resource_lead = "three minutes"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Mode = "trade" }, "mode must be one of"},
		{"bad backend", func(c *Config) { c.Store.Backend = "etcd" }, "store: backend"},
		{"memory needs full", func(c *Config) { c.Store.Backend = "memory"; c.Mode = "server" }, "memory backend requires mode full"},
		{"kafka brokers", func(c *Config) { c.Kafka.Enabled = true }, "kafka: at least one broker"},
		{"s3 bucket", func(c *Config) { c.S3.Enabled = true; c.S3.Bucket = "" }, "s3: bucket"},
		{"top n", func(c *Config) { c.Auction.TopN = 0 }, "top_n"},
		{"lock ttl", func(c *Config) { c.Workers.ConsumeLockTTL.Duration = time.Millisecond }, "consume_lock_ttl"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server: port"},
		{"presence ttl", func(c *Config) { c.Server.PresenceTTL.Duration = 0 }, "presence_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_EngineModeSkipsServer(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "engine"
	cfg.Server.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Redis.Password = "pw"
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Server.APIKey = "key"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Redis.Password)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)
	assert.Empty(t, out.S3.SecretKey, "empty secrets stay empty")
	assert.Equal(t, "pw", cfg.Redis.Password, "original untouched")

	out.Server.CORSOrigins[0] = "mutated"
	assert.Equal(t, "http://localhost:3000", cfg.Server.CORSOrigins[0])
}
