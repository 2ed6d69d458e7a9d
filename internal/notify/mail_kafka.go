package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/metrics"
)

var (
	_ domain.MailDispatcher = (*KafkaMailer)(nil)
	_ domain.MailDispatcher = (*LogMailer)(nil)
)

// MessageWriter is the subset of *kafka.Writer the mailer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the outbound mail topic.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaMailer publishes mail jobs to a Kafka topic consumed by the mail
// sender. Jobs are keyed by auction so one auction's mail stays ordered.
type KafkaMailer struct {
	writer MessageWriter
	clock  domain.Clock
	logger *slog.Logger
}

// NewKafkaWriter builds the topic writer.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           timeout,
	}
}

// NewKafkaMailer creates a KafkaMailer over w.
func NewKafkaMailer(w MessageWriter, clock domain.Clock, logger *slog.Logger) *KafkaMailer {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &KafkaMailer{
		writer: w,
		clock:  clock,
		logger: logger.With(slog.String("component", "mail_kafka")),
	}
}

// Dispatch publishes job as JSON.
func (m *KafkaMailer) Dispatch(ctx context.Context, job domain.MailJob) error {
	if len(job.To) == 0 {
		return fmt.Errorf("%w: mail job %s has no recipients", domain.ErrInvalidInput, job.Kind)
	}
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("notify: marshal mail job: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(job.AuctionID),
		Value: value,
		Time:  m.clock.Now(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(job.Kind)},
		},
	}
	if err := m.writer.WriteMessages(ctx, msg); err != nil {
		metrics.MailJobs.WithLabelValues(job.Kind, "failed").Inc()
		return fmt.Errorf("notify: publish %s mail for %s: %w", job.Kind, job.AuctionID, domain.Transient(err))
	}
	metrics.MailJobs.WithLabelValues(job.Kind, "published").Inc()
	m.logger.DebugContext(ctx, "mail job published",
		slog.String("kind", job.Kind),
		slog.String("auction_id", job.AuctionID),
		slog.Int("recipients", len(job.To)),
	)
	return nil
}

// Close flushes and closes the writer.
func (m *KafkaMailer) Close() error {
	return m.writer.Close()
}

// LogMailer records mail jobs in the log instead of sending them. It is used
// when no mail pipeline is configured.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With(slog.String("component", "mail_log"))}
}

func (m *LogMailer) Dispatch(ctx context.Context, job domain.MailJob) error {
	metrics.MailJobs.WithLabelValues(job.Kind, "logged").Inc()
	m.logger.InfoContext(ctx, "mail job",
		slog.String("kind", job.Kind),
		slog.String("auction_id", job.AuctionID),
		slog.Any("to", job.To),
		slog.String("subject", job.Subject),
	)
	return nil
}
