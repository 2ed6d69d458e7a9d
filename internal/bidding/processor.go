// Package bidding validates and enqueues bids, and processes dequeued bids
// in order: anti-snipe extension, leaderboard upsert and broadcast.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/leaderboard"
	"github.com/alanyoungcy/flashbid/internal/metrics"
)

// EndScheduler re-arms the end trigger of an extended auction.
type EndScheduler interface {
	Arm(ctx context.Context, kind domain.TriggerKind, auctionID string, fireAt time.Time, payload map[string]string) error
}

// Broadcaster fans a message out to an auction's subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, auctionID string, msg any) (domain.DeliveryReport, error)
}

// Deps are the collaborators of a Processor. Records, Audit and Alerter are
// optional.
type Deps struct {
	States    domain.AuctionStateStore
	Queue     domain.BidQueue
	Board     *leaderboard.Engine
	Scheduler EndScheduler
	Fanout    Broadcaster
	Records   domain.AuctionRecordStore
	Audit     domain.AuditStore
	Alerter   domain.Alerter
	Clock     domain.Clock
}

// Processor implements bid ingestion and the anti-snipe rule.
type Processor struct {
	Deps
	logger *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(deps Deps, logger *slog.Logger) *Processor {
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	return &Processor{
		Deps:   deps,
		logger: logger.With(slog.String("component", "bidding")),
	}
}

// Submit validates a bid, stamps it and appends it to the auction's queue.
// Resubmitting the same bid within the same second is suppressed by the
// queue and reported with Enqueued=false.
func (p *Processor) Submit(ctx context.Context, auctionID, bidderID, bidderName string, amount decimal.Decimal) (domain.SubmitResult, error) {
	bid := domain.Bid{
		AuctionID:  auctionID,
		BidderID:   bidderID,
		BidderName: bidderName,
		Amount:     amount,
		Timestamp:  p.Clock.Now().UTC().Truncate(time.Second),
	}
	if err := bid.Validate(); err != nil {
		metrics.BidsSubmitted.WithLabelValues("rejected").Inc()
		return domain.SubmitResult{}, err
	}

	a, err := p.States.Get(ctx, auctionID)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("bidding: load auction %s: %w", auctionID, err)
	}
	if !a.Status.Open() {
		metrics.BidsSubmitted.WithLabelValues("rejected").Inc()
		return domain.SubmitResult{}, fmt.Errorf("%w: auction %s is %s", domain.ErrAuctionClosed, auctionID, a.Status)
	}

	enqueued, err := p.Queue.Enqueue(ctx, bid)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("bidding: enqueue bid for %s: %w", auctionID, err)
	}
	if !enqueued {
		metrics.BidsSubmitted.WithLabelValues("duplicate").Inc()
		p.logger.DebugContext(ctx, "duplicate bid suppressed", slog.String("dedup_key", bid.DedupKey()))
		return domain.SubmitResult{Bid: bid, Enqueued: false}, nil
	}
	metrics.BidsSubmitted.WithLabelValues("enqueued").Inc()
	return domain.SubmitResult{Bid: bid, Enqueued: true}, nil
}

// Process applies one dequeued bid. A bid that can no longer count (auction
// gone, closed, or bid placed after the end) is logged and dropped with a nil
// error. A non-nil error means the bid should be redelivered.
func (p *Processor) Process(ctx context.Context, bid domain.Bid) error {
	now := p.Clock.Now()

	a, err := p.admit(ctx, bid)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrAuctionClosed) {
			metrics.BidsProcessed.WithLabelValues("rejected").Inc()
			p.logger.WarnContext(ctx, "bid rejected",
				slog.String("auction_id", bid.AuctionID),
				slog.String("bidder_id", bid.BidderID),
				slog.String("reason", err.Error()),
			)
			return nil
		}
		metrics.BidsProcessed.WithLabelValues("failed").Inc()
		return err
	}

	// The upsert is idempotent, so it runs before the conditional state
	// write: a redelivery after a failed upsert cannot extend twice.
	if err := p.Board.RecordBid(ctx, bid); err != nil {
		metrics.BidsProcessed.WithLabelValues("failed").Inc()
		return domain.Transient(err)
	}

	prev := a
	next, changed, err := p.applyRule(ctx, bid, a, now)
	if err != nil {
		if errors.Is(err, domain.ErrAuctionClosed) || errors.Is(err, domain.ErrNotFound) {
			// Ended between the upsert and the state write; the bid still
			// counts for the final standing.
			p.logger.InfoContext(ctx, "auction closed while bid in flight",
				slog.String("auction_id", bid.AuctionID),
				slog.String("bidder_id", bid.BidderID),
			)
		} else {
			metrics.BidsProcessed.WithLabelValues("failed").Inc()
			return err
		}
	}
	if changed {
		p.afterTransition(ctx, prev, next, now)
	}

	metrics.BidsProcessed.WithLabelValues("accepted").Inc()
	p.publishLeaderboard(ctx, bid.AuctionID)
	return nil
}

// admit loads the auction and checks the bid may still count.
func (p *Processor) admit(ctx context.Context, bid domain.Bid) (domain.Auction, error) {
	a, err := p.States.Get(ctx, bid.AuctionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return a, err
		}
		return a, domain.Transient(err)
	}
	if !a.Status.Open() {
		return a, fmt.Errorf("%w: auction %s is %s", domain.ErrAuctionClosed, a.ID, a.Status)
	}
	if bid.Timestamp.After(a.EndTime) {
		return a, fmt.Errorf("%w: bid placed at %s after end %s", domain.ErrAuctionClosed,
			bid.Timestamp.Format(time.RFC3339), a.EndTime.Format(time.RFC3339))
	}
	return a, nil
}

// nextState returns the row the bid leads to. A qualifying bid extends the
// auction; a non-qualifying bid on a SNIPED auction returns it to STARTED.
func nextState(a domain.Auction, now time.Time) (domain.Auction, bool) {
	if a.InSnipeWindow(now) {
		return a.Extended(now), true
	}
	if a.Status == domain.StatusSniped {
		next := a
		next.Status = domain.StatusStarted
		next.UpdatedAt = now
		return next, true
	}
	return a, false
}

// applyRule writes the anti-snipe outcome conditionally on the row read by
// admit. A lost race is re-read and re-evaluated once, then surfaced.
func (p *Processor) applyRule(ctx context.Context, bid domain.Bid, a domain.Auction, now time.Time) (domain.Auction, bool, error) {
	for attempt := 0; ; attempt++ {
		next, ok := nextState(a, now)
		if !ok {
			return a, false, nil
		}
		err := p.States.CompareAndSwap(ctx, a, next)
		if err == nil {
			return next, true, nil
		}
		if !errors.Is(err, domain.ErrStateConflict) || attempt > 0 {
			return a, false, fmt.Errorf("bidding: update auction %s: %w", a.ID, err)
		}
		p.logger.DebugContext(ctx, "state conflict, re-evaluating", slog.String("auction_id", a.ID))
		if a, err = p.admit(ctx, bid); err != nil {
			return a, false, err
		}
	}
}

// afterTransition propagates a state change made by a bid.
func (p *Processor) afterTransition(ctx context.Context, prev, next domain.Auction, now time.Time) {
	metrics.Transitions.WithLabelValues(string(next.Status)).Inc()
	sniped := next.SnipesRemaining < prev.SnipesRemaining

	if sniped {
		metrics.Snipes.Inc()
		p.logger.InfoContext(ctx, "auction extended",
			slog.String("auction_id", next.ID),
			slog.Time("old_end_time", prev.EndTime),
			slog.Time("new_end_time", next.EndTime),
			slog.Int("snipes_remaining", next.SnipesRemaining),
		)
		if err := p.Scheduler.Arm(ctx, domain.TriggerEnd, next.ID, next.EndTime, nil); err != nil {
			p.logger.ErrorContext(ctx, "failed to re-arm end trigger",
				slog.String("auction_id", next.ID),
				slog.String("error", err.Error()),
			)
			p.alert(ctx, "rearm_failed", "End trigger re-arm failed",
				fmt.Sprintf("auction %s extended to %s but its end trigger could not be re-armed: %v",
					next.ID, next.EndTime.Format(time.RFC3339), err))
		}
		if p.Records != nil {
			if err := p.Records.SetEndTime(ctx, next.ID, next.EndTime); err != nil {
				p.logger.WarnContext(ctx, "failed to persist extended end time",
					slog.String("auction_id", next.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		p.audit(ctx, "auction_sniped", map[string]any{
			"auction_id":       next.ID,
			"old_end_time":     prev.EndTime,
			"new_end_time":     next.EndTime,
			"snipes_remaining": next.SnipesRemaining,
		})
	}

	message := "auction running"
	if sniped {
		message = "auction extended"
	}
	if _, err := p.Fanout.Broadcast(ctx, next.ID, domain.NewStateUpdate(next, now, message)); err != nil {
		p.logger.WarnContext(ctx, "state broadcast failed",
			slog.String("auction_id", next.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Processor) publishLeaderboard(ctx context.Context, auctionID string) {
	ranked, err := p.Board.Rank(ctx, auctionID)
	if err != nil {
		p.logger.WarnContext(ctx, "leaderboard rank failed",
			slog.String("auction_id", auctionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if _, err := p.Fanout.Broadcast(ctx, auctionID, domain.NewLeaderboardUpdate(auctionID, ranked)); err != nil {
		p.logger.WarnContext(ctx, "leaderboard broadcast failed",
			slog.String("auction_id", auctionID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Processor) audit(ctx context.Context, event string, detail map[string]any) {
	if p.Audit == nil {
		return
	}
	if err := p.Audit.Log(ctx, event, detail); err != nil {
		p.logger.WarnContext(ctx, "audit write failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (p *Processor) alert(ctx context.Context, event, title, message string) {
	if p.Alerter == nil {
		return
	}
	if err := p.Alerter.Notify(ctx, event, title, message); err != nil {
		p.logger.WarnContext(ctx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
