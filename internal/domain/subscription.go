package domain

import "time"

// Subscription maps a live connection to the auction it watches.
type Subscription struct {
	ConnectionID string    `json:"connection_id"`
	AuctionID    string    `json:"auction_id"`
	BidderID     string    `json:"bidder_id,omitempty"`
	GroupID      string    `json:"group_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// BroadcastGroup returns the auction-scoped group id for auctionID.
func BroadcastGroup(auctionID string) string {
	return "auction:" + auctionID
}

// DeliveryReport summarises one broadcast. Failures are keyed by connection id.
type DeliveryReport struct {
	AuctionID string           `json:"auction_id"`
	Delivered int              `json:"delivered"`
	Failed    map[string]error `json:"-"`
}

// FailedCount returns the number of connections that could not be reached.
func (r DeliveryReport) FailedCount() int { return len(r.Failed) }
