// Package leaderboard maintains the current-standing view of each auction:
// one row per bidder holding their latest bid, ranked by amount.
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

// minBiddersForThird is the bidder count below which settlement announces at
// most two places.
const minBiddersForThird = 3

// Engine ranks and records leaderboard rows on top of a LeaderboardStore. It
// never pushes updates itself; callers broadcast after RecordBid.
type Engine struct {
	store  domain.LeaderboardStore
	logger *slog.Logger
}

// NewEngine creates an Engine backed by store.
func NewEngine(store domain.LeaderboardStore, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger.With(slog.String("component", "leaderboard")),
	}
}

// RecordBid upserts the bidder's row, replacing any previous amount and
// timestamp.
func (e *Engine) RecordBid(ctx context.Context, bid domain.Bid) error {
	if err := e.store.Upsert(ctx, bid.Entry()); err != nil {
		return fmt.Errorf("leaderboard: record bid %s/%s: %w", bid.AuctionID, bid.BidderID, err)
	}
	e.logger.DebugContext(ctx, "bid recorded",
		slog.String("auction_id", bid.AuctionID),
		slog.String("bidder_id", bid.BidderID),
		slog.String("amount", bid.Amount.String()),
	)
	return nil
}

// Rank returns all rows of the auction in ranked order.
func (e *Engine) Rank(ctx context.Context, auctionID string) ([]domain.RankedEntry, error) {
	entries, err := e.store.List(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: list %s: %w", auctionID, err)
	}
	return Rank(entries), nil
}

// TopN returns at most n leading rows. With fewer than three bidders it
// returns at most two.
func (e *Engine) TopN(ctx context.Context, auctionID string, n int) ([]domain.RankedEntry, error) {
	ranked, err := e.Rank(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return Top(ranked, n), nil
}

// Rank sorts entries by amount descending; on equal amounts the earlier bid
// wins, then bidder id keeps the order total.
func Rank(entries []domain.LeaderboardEntry) []domain.RankedEntry {
	sorted := make([]domain.LeaderboardEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].Amount.Cmp(sorted[j].Amount); c != 0 {
			return c > 0
		}
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].BidderID < sorted[j].BidderID
	})

	ranked := make([]domain.RankedEntry, len(sorted))
	for i, e := range sorted {
		ranked[i] = domain.RankedEntry{Rank: i + 1, LeaderboardEntry: e}
	}
	return ranked
}

// Top truncates a ranked list for settlement.
func Top(ranked []domain.RankedEntry, n int) []domain.RankedEntry {
	limit := n
	if len(ranked) < minBiddersForThird && limit > 2 {
		limit = 2
	}
	if limit > len(ranked) {
		limit = len(ranked)
	}
	if limit <= 0 {
		return []domain.RankedEntry{}
	}
	return ranked[:limit]
}
