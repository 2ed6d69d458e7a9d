package domain

import (
	"encoding/json"
	"time"
)

// Wire message types pushed to subscribers.
const (
	MsgStateUpdate       = "state_update"
	MsgLeaderboardUpdate = "leaderboard_update"
	MsgError             = "error"
	MsgBidReceived       = "bid_received"
)

// Client actions accepted on a live connection.
const (
	ActionJoin     = "join"
	ActionLeave    = "leave"
	ActionPlaceBid = "placeBid"
)

// StateUpdate announces a lifecycle transition.
type StateUpdate struct {
	Type            string        `json:"type"`
	AuctionID       string        `json:"auction_id"`
	Status          AuctionStatus `json:"status"`
	Message         string        `json:"message,omitempty"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	RemainingSecs   int64         `json:"remaining_seconds"`
	SnipesRemaining int           `json:"snipes_remaining"`
}

// NewStateUpdate builds a state_update message for a as seen at now.
func NewStateUpdate(a Auction, now time.Time, message string) StateUpdate {
	v := a.StatusView(now)
	return StateUpdate{
		Type:            MsgStateUpdate,
		AuctionID:       a.ID,
		Status:          a.Status,
		Message:         message,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime,
		RemainingSecs:   v.RemainingSecs,
		SnipesRemaining: a.SnipesRemaining,
	}
}

// LeaderboardUpdate carries the full ranked list after an accepted bid.
type LeaderboardUpdate struct {
	Type        string        `json:"type"`
	AuctionID   string        `json:"auction_id"`
	Leaderboard []RankedEntry `json:"leaderboard"`
}

// NewLeaderboardUpdate builds a leaderboard_update message.
func NewLeaderboardUpdate(auctionID string, ranked []RankedEntry) LeaderboardUpdate {
	if ranked == nil {
		ranked = []RankedEntry{}
	}
	return LeaderboardUpdate{Type: MsgLeaderboardUpdate, AuctionID: auctionID, Leaderboard: ranked}
}

// ErrorMessage reports a request failure to a single connection.
type ErrorMessage struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id"`
	Error     string `json:"error"`
}

// NewErrorMessage builds an error message.
func NewErrorMessage(auctionID string, err error) ErrorMessage {
	return ErrorMessage{Type: MsgError, AuctionID: auctionID, Error: err.Error()}
}

// BidReceipt acknowledges a bid submitted over a live connection.
type BidReceipt struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id"`
	Enqueued  bool   `json:"enqueued"`
}

// Encode marshals a wire message.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
