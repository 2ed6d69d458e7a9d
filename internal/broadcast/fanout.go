// Package broadcast keeps the subscriber registry of each auction and fans
// state and leaderboard messages out to every subscribed connection.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/metrics"
)

// Fanout records subscriptions and delivers messages to subscribers.
type Fanout struct {
	registry domain.ConnectionRegistry
	pusher   domain.Pusher
	clock    domain.Clock
	logger   *slog.Logger
}

// NewFanout creates a Fanout that delivers through pusher.
func NewFanout(registry domain.ConnectionRegistry, pusher domain.Pusher, clock domain.Clock, logger *slog.Logger) *Fanout {
	return &Fanout{
		registry: registry,
		pusher:   pusher,
		clock:    clock,
		logger:   logger.With(slog.String("component", "broadcast")),
	}
}

// Subscribe maps connectionID to auctionID. bidderID is optional.
func (f *Fanout) Subscribe(ctx context.Context, connectionID, auctionID, bidderID string) error {
	if strings.TrimSpace(connectionID) == "" || strings.TrimSpace(auctionID) == "" {
		return fmt.Errorf("%w: connection_id and auction_id are required", domain.ErrInvalidInput)
	}
	sub := domain.Subscription{
		ConnectionID: connectionID,
		AuctionID:    auctionID,
		BidderID:     bidderID,
		GroupID:      domain.BroadcastGroup(auctionID),
		CreatedAt:    f.clock.Now(),
	}
	if err := f.registry.Put(ctx, sub); err != nil {
		return fmt.Errorf("broadcast: subscribe %s to %s: %w", connectionID, auctionID, err)
	}
	f.logger.DebugContext(ctx, "connection subscribed",
		slog.String("connection_id", connectionID),
		slog.String("auction_id", auctionID),
	)
	return nil
}

// Unsubscribe removes every subscription of connectionID. It is idempotent.
func (f *Fanout) Unsubscribe(ctx context.Context, connectionID string) error {
	removed, err := f.registry.Remove(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("broadcast: unsubscribe %s: %w", connectionID, err)
	}
	if len(removed) > 0 {
		f.logger.DebugContext(ctx, "connection unsubscribed",
			slog.String("connection_id", connectionID),
			slog.Int("auctions", len(removed)),
		)
	}
	return nil
}

// Broadcast delivers msg to every connection subscribed to auctionID. Each
// delivery is independent: failures are logged and reported, never retried.
// The returned error covers only encoding and registry lookup.
func (f *Fanout) Broadcast(ctx context.Context, auctionID string, msg any) (domain.DeliveryReport, error) {
	report := domain.DeliveryReport{AuctionID: auctionID, Failed: map[string]error{}}

	payload, err := domain.Encode(msg)
	if err != nil {
		return report, fmt.Errorf("broadcast: encode message for %s: %w", auctionID, err)
	}
	subs, err := f.registry.ListByAuction(ctx, auctionID)
	if err != nil {
		return report, fmt.Errorf("broadcast: list subscribers of %s: %w", auctionID, err)
	}

	for _, s := range subs {
		if err := f.pusher.Push(ctx, s.ConnectionID, payload); err != nil {
			report.Failed[s.ConnectionID] = err
			metrics.Deliveries.WithLabelValues(deliveryResult(err)).Inc()
			f.logger.WarnContext(ctx, "delivery failed",
				slog.String("auction_id", auctionID),
				slog.String("connection_id", s.ConnectionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.Delivered++
		metrics.Deliveries.WithLabelValues("delivered").Inc()
	}
	return report, nil
}

// Send delivers msg to a single connection.
func (f *Fanout) Send(ctx context.Context, connectionID string, msg any) error {
	payload, err := domain.Encode(msg)
	if err != nil {
		return fmt.Errorf("broadcast: encode message: %w", err)
	}
	if err := f.pusher.Push(ctx, connectionID, payload); err != nil {
		return fmt.Errorf("broadcast: send to %s: %w", connectionID, err)
	}
	return nil
}

func deliveryResult(err error) string {
	if errors.Is(err, domain.ErrConnectionGone) {
		return "gone"
	}
	return "failed"
}
