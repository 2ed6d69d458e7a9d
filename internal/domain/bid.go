package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Bid is a single submitted bid as carried on the ordered queue.
type Bid struct {
	AuctionID  string          `json:"auction_id"`
	BidderID   string          `json:"bidder_id"`
	BidderName string          `json:"bidder_name"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Validate rejects bids with a non-positive amount or a missing identifier.
func (b Bid) Validate() error {
	switch {
	case strings.TrimSpace(b.AuctionID) == "":
		return fmt.Errorf("%w: auction_id is required", ErrInvalidBid)
	case strings.TrimSpace(b.BidderID) == "":
		return fmt.Errorf("%w: bidder_id is required", ErrInvalidBid)
	case !b.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidBid)
	}
	return nil
}

// DedupKey identifies a submission for queue-level duplicate suppression.
// Two submissions with the same auction, bidder, amount and timestamp are the
// same bid.
func (b Bid) DedupKey() string {
	return fmt.Sprintf("%s-%s-%s-%d", b.AuctionID, b.BidderID, b.Amount.String(), b.Timestamp.Unix())
}

// Entry converts an accepted bid into its leaderboard row.
func (b Bid) Entry() LeaderboardEntry {
	return LeaderboardEntry{
		AuctionID:  b.AuctionID,
		BidderID:   b.BidderID,
		BidderName: b.BidderName,
		Amount:     b.Amount,
		Timestamp:  b.Timestamp,
	}
}

// LeaderboardEntry is the current standing of one bidder in one auction.
type LeaderboardEntry struct {
	AuctionID  string          `json:"auction_id"`
	BidderID   string          `json:"bidder_id"`
	BidderName string          `json:"bidder_name"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  time.Time       `json:"timestamp"`
}

// RankedEntry is a leaderboard row with its 1-based position.
type RankedEntry struct {
	Rank int `json:"rank"`
	LeaderboardEntry
}

// SubmitResult reports the outcome of a bid submission.
type SubmitResult struct {
	Bid      Bid  `json:"bid"`
	Enqueued bool `json:"enqueued"` // false when suppressed as a duplicate
}
