package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/flashbid/internal/blob/s3"
	"github.com/alanyoungcy/flashbid/internal/config"
	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/notify"
	"github.com/alanyoungcy/flashbid/internal/server/handler"
	"github.com/alanyoungcy/flashbid/internal/store/memory"
	"github.com/alanyoungcy/flashbid/internal/store/postgres"
	"github.com/alanyoungcy/flashbid/internal/store/redis"
)

// Dependencies bundles every store and adapter the run modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Clock domain.Clock

	// Engine state
	States      domain.AuctionStateStore
	Leaderboard domain.LeaderboardStore
	Connections domain.ConnectionRegistry
	Timers      domain.TimerService
	Queue       domain.BidQueue
	Sources     domain.EventSourceRegistry
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter
	// Relay carries pushes between processes. Nil with the memory backend,
	// where the local hub is the only pusher.
	Relay *redis.PushRelay

	// Record store (nil when Postgres is not configured)
	Records domain.AuctionRecordStore
	Users   domain.UserDirectory
	Audit   domain.AuditStore

	// Object storage
	Blobs   domain.BlobWriter
	History domain.HistoryArchive

	// Notifications
	Mail     domain.MailDispatcher
	Notifier *notify.Notifier

	// Checks are probed by the health endpoint.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Clock:  domain.SystemClock{},
		Checks: make(map[string]handler.Check),
	}

	// --- Engine state ---
	switch cfg.Store.Backend {
	case "memory":
		wireMemory(deps, cfg)
		logger.WarnContext(ctx, "memory store backend: state is lost on restart")
	default:
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		wireRedis(deps, cfg, redisClient, logger)
	}

	// --- PostgreSQL (optional record store) ---
	if cfg.Postgres.Enabled() {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Records = postgres.NewAuctionRecordStore(pool)
		deps.Users = postgres.NewUserStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	} else {
		logger.InfoContext(ctx, "postgres not configured: auction records, winners and audit log disabled")
	}

	// --- Object storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		writer := s3blob.NewWriter(s3Client)
		deps.Blobs = writer
		deps.History = s3blob.NewArchive(writer, s3blob.NewReader(s3Client))
	} else if cfg.Store.Backend == "memory" {
		blobs := memory.NewBlobStore()
		deps.Blobs = blobs
		deps.History = s3blob.NewArchive(blobs, blobs)
	}

	// --- Mail ---
	if cfg.Kafka.Enabled {
		mailer := notify.NewKafkaMailer(notify.NewKafkaWriter(notify.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.MailTopic,
			WriteTimeout: cfg.Kafka.WriteTimeout.Duration,
		}), deps.Clock, logger)
		closers = append(closers, func() {
			if err := mailer.Close(); err != nil {
				logger.Warn("kafka mailer close failed", slog.String("error", err.Error()))
			}
		})
		deps.Mail = mailer
	} else {
		deps.Mail = notify.NewLogMailer(logger)
	}

	// --- Operator alerts ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

func wireRedis(deps *Dependencies, cfg *config.Config, c *redis.Client, logger *slog.Logger) {
	deps.States = redis.NewAuctionStateStore(c)
	deps.Leaderboard = redis.NewLeaderboardStore(c)
	deps.Connections = redis.NewConnectionRegistry(c, logger)
	deps.Timers = redis.NewTimerService(c, logger)
	deps.Queue = redis.NewBidQueue(c, cfg.Auction.DedupTTL.Duration)
	deps.Sources = redis.NewEventSourceRegistry(c)
	deps.Locks = redis.NewLockManager(c)
	deps.RateLimiter = redis.NewRateLimiter(c, deps.Clock)
	deps.Relay = redis.NewPushRelay(c, cfg.Server.PresenceTTL.Duration, logger)
	deps.Checks["redis"] = c.Ping
}

func wireMemory(deps *Dependencies, cfg *config.Config) {
	deps.States = memory.NewAuctionStateStore()
	deps.Leaderboard = memory.NewLeaderboardStore()
	deps.Connections = memory.NewConnectionRegistry()
	deps.Timers = memory.NewTimerService()
	deps.Queue = memory.NewBidQueue(cfg.Auction.DedupTTL.Duration, deps.Clock)
	deps.Sources = memory.NewEventSourceRegistry()
	deps.Locks = memory.NewLockManager(deps.Clock)
	deps.RateLimiter = memory.NewRateLimiter(deps.Clock)
}
