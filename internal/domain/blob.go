package domain

import (
	"context"
	"fmt"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	// Get returns ErrNotFound when nothing is stored at path.
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// BidHistoryPath is where the final leaderboard of an auction is archived.
func BidHistoryPath(auctionID string) string {
	return fmt.Sprintf("bid_placement_history/%s.json", auctionID)
}

// ImagePath is where the n-th product image of an auction is stored.
func ImagePath(auctionID string, n int) string {
	return fmt.Sprintf("auctions/%s/image_%d.jpg", auctionID, n)
}

// BidHistory is the settled record of an auction archived at BidHistoryPath.
type BidHistory struct {
	AuctionID   string        `json:"auction_id"`
	Item        string        `json:"item"`
	EndTime     time.Time     `json:"end_time"`
	SettledAt   time.Time     `json:"settled_at"`
	Leaderboard []RankedEntry `json:"leaderboard"`
	Winners     []RankedEntry `json:"winners"`
}

// HistoryArchive stores and retrieves settled bid histories.
type HistoryArchive interface {
	SaveBidHistory(ctx context.Context, h BidHistory) error
	// LoadBidHistory returns ErrNotFound when the auction was never settled.
	LoadBidHistory(ctx context.Context, auctionID string) (BidHistory, error)
}
