package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/leaderboard"
)

// settle records the outcome of an ended auction: archive the final
// leaderboard, clear the active flag, store the winners and mail them.
// Each step runs even if an earlier one failed.
func (m *Machine) settle(ctx context.Context, a domain.Auction) error {
	ranked, err := m.Board.Rank(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("auction: settle %s: %w", a.ID, err)
	}
	winners := leaderboard.Top(ranked, m.cfg.TopN)

	var errs []error
	if m.History != nil {
		doc := domain.BidHistory{
			AuctionID:   a.ID,
			Item:        a.Item,
			EndTime:     a.EndTime,
			SettledAt:   m.Clock.Now(),
			Leaderboard: ranked,
			Winners:     winners,
		}
		if err := m.History.SaveBidHistory(ctx, doc); err != nil {
			errs = append(errs, err)
		}
	}
	if m.Records != nil {
		if err := m.Records.SetActive(ctx, a.ID, false); err != nil {
			errs = append(errs, fmt.Errorf("clear active flag: %w", err))
		}
		if err := m.Records.SaveWinners(ctx, a.ID, winners); err != nil {
			errs = append(errs, fmt.Errorf("save winners: %w", err))
		}
	}
	if err := m.mailResults(ctx, a, winners); err != nil {
		errs = append(errs, err)
	}

	m.logger.InfoContext(ctx, "auction settled",
		slog.String("auction_id", a.ID),
		slog.Int("bidders", len(ranked)),
		slog.Int("winners", len(winners)),
	)
	m.audit(ctx, "auction_ended", map[string]any{
		"auction_id": a.ID,
		"end_time":   a.EndTime,
		"bidders":    len(ranked),
		"winners":    winnerIDs(winners),
	})
	return errors.Join(errs...)
}

// mailResults sends one results mail addressed to the winners whose contact
// address is known.
func (m *Machine) mailResults(ctx context.Context, a domain.Auction, winners []domain.RankedEntry) error {
	if m.Mail == nil || m.Users == nil || len(winners) == 0 {
		return nil
	}
	var to []string
	places := make([]map[string]any, 0, len(winners))
	for _, w := range winners {
		places = append(places, map[string]any{
			"rank":        w.Rank,
			"bidder_name": w.BidderName,
			"amount":      w.Amount.String(),
		})
		u, err := m.Users.GetUser(ctx, w.BidderID)
		if err != nil {
			m.logger.WarnContext(ctx, "winner contact lookup failed",
				slog.String("auction_id", a.ID),
				slog.String("bidder_id", w.BidderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if u.Email != "" {
			to = append(to, u.Email)
		}
	}
	if len(to) == 0 {
		return nil
	}
	job := domain.MailJob{
		Kind:      domain.MailResults,
		AuctionID: a.ID,
		To:        to,
		Subject:   "Auction results: " + a.Item,
		Data:      map[string]any{"item": a.Item, "winners": places},
	}
	if err := m.Mail.Dispatch(ctx, job); err != nil {
		return fmt.Errorf("dispatch results mail: %w", err)
	}
	return nil
}

func winnerIDs(winners []domain.RankedEntry) []string {
	ids := make([]string, len(winners))
	for i, w := range winners {
		ids[i] = w.BidderID
	}
	return ids
}
