package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStateStore holds the authoritative timing and status row of each
// auction. Every write after Create is conditional on the previously read row.
type AuctionStateStore interface {
	// Create inserts a new row. It returns ErrAlreadyExists if the id is taken.
	Create(ctx context.Context, a Auction) error
	// Get returns ErrNotFound when the auction does not exist.
	Get(ctx context.Context, id string) (Auction, error)
	// CompareAndSwap writes next only if the stored status, end time and snipe
	// budget still equal those of prev. It returns ErrStateConflict otherwise.
	CompareAndSwap(ctx context.Context, prev, next Auction) error
	// Delete removes the row; a missing row is not an error.
	Delete(ctx context.Context, id string) error
}

// LeaderboardStore keeps one row per (auction, bidder).
type LeaderboardStore interface {
	// Upsert overwrites the bidder's row.
	Upsert(ctx context.Context, e LeaderboardEntry) error
	List(ctx context.Context, auctionID string) ([]LeaderboardEntry, error)
}

// ConnectionRegistry maps live connections to watched auctions.
type ConnectionRegistry interface {
	Put(ctx context.Context, s Subscription) error
	// Remove deletes every mapping of the connection and returns what was
	// removed. Removing an unknown connection is not an error.
	Remove(ctx context.Context, connectionID string) ([]Subscription, error)
	ListByAuction(ctx context.Context, auctionID string) ([]Subscription, error)
}

// AuctionRecord is the relational metadata row of an auction.
type AuctionRecord struct {
	ID          string
	Item        string
	Description string
	BasePrice   decimal.Decimal
	StartTime   time.Time
	EndTime     time.Time
	IsActive    bool
	CreatedBy   string
	Extension   time.Duration
	SnipeWindow time.Duration
	SnipeBudget int
	ImagePaths  []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AuctionRecordStore persists auction metadata, activity and results.
type AuctionRecordStore interface {
	Create(ctx context.Context, r AuctionRecord) error
	Get(ctx context.Context, id string) (AuctionRecord, error)
	SetActive(ctx context.Context, id string, active bool) error
	SetEndTime(ctx context.Context, id string, end time.Time) error
	SaveWinners(ctx context.Context, auctionID string, winners []RankedEntry) error
	Delete(ctx context.Context, id string) error
}

// User is a registered bidder as known to the user directory.
type User struct {
	ID    string
	Name  string
	Email string
}

// UserDirectory resolves bidder contact identity.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id string) (User, error)
}

// AuditEntry is a single row of the audit log.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore appends audit events.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	ListByAuction(ctx context.Context, auctionID string, limit int) ([]AuditEntry, error)
}
