package auction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

// Status returns the status view of an auction.
func (m *Machine) Status(ctx context.Context, auctionID string) (domain.AuctionStatusView, error) {
	a, err := m.States.Get(ctx, auctionID)
	if err != nil {
		return domain.AuctionStatusView{}, fmt.Errorf("auction: status %s: %w", auctionID, err)
	}
	return a.StatusView(m.Clock.Now()), nil
}

// Leaderboard returns the ranked standing of an auction.
func (m *Machine) Leaderboard(ctx context.Context, auctionID string) ([]domain.RankedEntry, error) {
	if _, err := m.States.Get(ctx, auctionID); err != nil {
		return nil, fmt.Errorf("auction: leaderboard %s: %w", auctionID, err)
	}
	return m.Board.Rank(ctx, auctionID)
}

// BidHistory returns the archived outcome of a settled auction.
func (m *Machine) BidHistory(ctx context.Context, auctionID string) (domain.BidHistory, error) {
	if m.History == nil {
		return domain.BidHistory{}, fmt.Errorf("auction: history %s: archive disabled: %w", auctionID, domain.ErrNotFound)
	}
	h, err := m.History.LoadBidHistory(ctx, auctionID)
	if err != nil {
		return domain.BidHistory{}, fmt.Errorf("auction: history %s: %w", auctionID, err)
	}
	return h, nil
}

// Join subscribes a connection to an auction and sends it the current state
// and leaderboard.
func (m *Machine) Join(ctx context.Context, connectionID, auctionID, bidderID string) error {
	a, err := m.States.Get(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("auction: join %s: %w", auctionID, err)
	}
	if err := m.Fanout.Subscribe(ctx, connectionID, auctionID, bidderID); err != nil {
		return err
	}

	ranked, err := m.Board.Rank(ctx, auctionID)
	if err != nil {
		return err
	}
	for _, msg := range []any{
		domain.NewStateUpdate(a, m.Clock.Now(), "joined"),
		domain.NewLeaderboardUpdate(auctionID, ranked),
	} {
		if err := m.Fanout.Send(ctx, connectionID, msg); err != nil {
			m.logger.WarnContext(ctx, "join snapshot not delivered",
				slog.String("connection_id", connectionID),
				slog.String("auction_id", auctionID),
				slog.String("error", err.Error()),
			)
			break
		}
	}
	return nil
}

// Leave drops every subscription of a connection.
func (m *Machine) Leave(ctx context.Context, connectionID string) error {
	return m.Fanout.Unsubscribe(ctx, connectionID)
}
