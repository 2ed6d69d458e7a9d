// Package notify routes operator alerts to chat webhooks (Discord, Telegram)
// and hands bidder mail jobs to the outbound mail pipeline.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/metrics"
)

var _ domain.Alerter = (*Notifier)(nil)

// Sender is one alert channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to every Sender. Only events in the configured
// set are forwarded; an empty set forwards everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify implements domain.Alerter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		metrics.Alerts.WithLabelValues(event, "filtered").Inc()
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	n.logger.WarnContext(ctx, "operator alert",
		slog.String("event", event),
		slog.String("title", title),
		slog.String("message", message),
	)
	if err := n.dispatch(ctx, "["+event+"] "+title, message); err != nil {
		metrics.Alerts.WithLabelValues(event, "failed").Inc()
		return err
	}
	metrics.Alerts.WithLabelValues(event, "sent").Inc()
	return nil
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
