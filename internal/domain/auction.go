package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	StatusScheduled AuctionStatus = "SCHEDULED"
	StatusCreating  AuctionStatus = "CREATING"
	StatusStarted   AuctionStatus = "STARTED"
	StatusSniped    AuctionStatus = "SNIPED"
	StatusEnded     AuctionStatus = "ENDED"
)

// stage orders statuses along the lifecycle. STARTED and SNIPED share a stage
// because SNIPED only labels an extended running auction.
func (s AuctionStatus) stage() int {
	switch s {
	case StatusScheduled:
		return 0
	case StatusCreating:
		return 1
	case StatusStarted, StatusSniped:
		return 2
	case StatusEnded:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s AuctionStatus) Valid() bool { return s.stage() >= 0 }

// Open reports whether the auction accepts bids in this status.
func (s AuctionStatus) Open() bool { return s == StatusStarted || s == StatusSniped }

// Reached reports whether s is at or past target in the lifecycle.
func (s AuctionStatus) Reached(target AuctionStatus) bool {
	return s.stage() >= target.stage()
}

// CanTransition reports whether moving from -> to is a legal single step.
func CanTransition(from, to AuctionStatus) bool {
	switch from {
	case StatusScheduled:
		return to == StatusCreating
	case StatusCreating:
		return to == StatusStarted
	case StatusStarted:
		return to == StatusSniped || to == StatusEnded
	case StatusSniped:
		return to == StatusSniped || to == StatusStarted || to == StatusEnded
	default:
		return false
	}
}

// Auction is the orchestration row for one auction. It carries only the
// fields the engine needs to drive timing; descriptive metadata lives in the
// relational record (AuctionRecord).
type Auction struct {
	ID              string          `json:"auction_id"`
	Item            string          `json:"item"`
	Description     string          `json:"description"`
	BasePrice       decimal.Decimal `json:"base_price"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	Status          AuctionStatus   `json:"status"`
	SnipesRemaining int             `json:"snipes_remaining"`
	Extension       time.Duration   `json:"extension"`
	SnipeWindow     time.Duration   `json:"snipe_window"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Remaining returns the time left until the current end time, floored at zero.
func (a Auction) Remaining(now time.Time) time.Duration {
	if d := a.EndTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// InSnipeWindow reports whether a bid processed at now qualifies for an
// extension: budget left and remaining time within the window.
func (a Auction) InSnipeWindow(now time.Time) bool {
	return a.SnipesRemaining > 0 && a.EndTime.Sub(now) <= a.SnipeWindow
}

// Extended returns a copy of a with the anti-snipe rule applied.
func (a Auction) Extended(now time.Time) Auction {
	next := a
	next.EndTime = a.EndTime.Add(a.Extension)
	next.SnipesRemaining = a.SnipesRemaining - 1
	next.Status = StatusSniped
	next.UpdatedAt = now
	return next
}

// NewAuction is the validated input to auction creation.
type NewAuction struct {
	Item        string
	Description string
	BasePrice   decimal.Decimal
	StartTime   time.Time
	EndTime     time.Time
	Extension   time.Duration
	SnipeWindow time.Duration
	SnipeBudget int
	CreatedBy   string
	Images      [][]byte
}

// Validate returns an ErrInvalidAuction-wrapped error naming every missing or
// malformed field.
func (n NewAuction) Validate() error {
	var problems []string
	if strings.TrimSpace(n.Item) == "" {
		problems = append(problems, "item is required")
	}
	if strings.TrimSpace(n.CreatedBy) == "" {
		problems = append(problems, "created_by is required")
	}
	if n.StartTime.IsZero() {
		problems = append(problems, "start_time is required")
	}
	if n.EndTime.IsZero() {
		problems = append(problems, "end_time is required")
	}
	if !n.StartTime.IsZero() && !n.EndTime.IsZero() && n.EndTime.Before(n.StartTime) {
		problems = append(problems, "end_time must not be before start_time")
	}
	if n.BasePrice.IsNegative() {
		problems = append(problems, "base_price must not be negative")
	}
	if n.Extension < 0 {
		problems = append(problems, "extension must not be negative")
	}
	if n.SnipeWindow < 0 {
		problems = append(problems, "snipe_window must not be negative")
	}
	if n.SnipeBudget < 0 {
		problems = append(problems, "snipe_budget must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidAuction, strings.Join(problems, "; "))
	}
	return nil
}

// AuctionStatusView is the read model returned by status queries.
type AuctionStatusView struct {
	AuctionID       string        `json:"auction_id"`
	Status          AuctionStatus `json:"status"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	RemainingTime   time.Duration `json:"-"`
	RemainingSecs   int64         `json:"remaining_seconds"`
	SnipesRemaining int           `json:"snipes_remaining"`
}

// StatusView builds the status read model for a at now.
func (a Auction) StatusView(now time.Time) AuctionStatusView {
	rem := a.Remaining(now)
	if a.Status == StatusEnded {
		rem = 0
	}
	return AuctionStatusView{
		AuctionID:       a.ID,
		Status:          a.Status,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime,
		RemainingTime:   rem,
		RemainingSecs:   int64(rem / time.Second),
		SnipesRemaining: a.SnipesRemaining,
	}
}
