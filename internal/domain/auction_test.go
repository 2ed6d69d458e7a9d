package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to AuctionStatus
		want     bool
	}{
		{StatusScheduled, StatusCreating, true},
		{StatusScheduled, StatusStarted, false},
		{StatusCreating, StatusStarted, true},
		{StatusStarted, StatusSniped, true},
		{StatusSniped, StatusSniped, true},
		{StatusSniped, StatusStarted, true},
		{StatusStarted, StatusEnded, true},
		{StatusSniped, StatusEnded, true},
		{StatusEnded, StatusStarted, false},
		{StatusCreating, StatusScheduled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			require.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestAuctionStatus_Reached(t *testing.T) {
	require.True(t, StatusSniped.Reached(StatusStarted))
	require.True(t, StatusStarted.Reached(StatusSniped))
	require.False(t, StatusCreating.Reached(StatusStarted))
	require.True(t, StatusEnded.Reached(StatusCreating))
}

func TestAuction_Extended(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := Auction{
		StartTime:       now.Add(-10 * time.Minute),
		EndTime:         now.Add(30 * time.Second),
		Status:          StatusStarted,
		SnipesRemaining: 1,
		Extension:       120 * time.Second,
		SnipeWindow:     60 * time.Second,
	}

	require.True(t, a.InSnipeWindow(now))
	next := a.Extended(now)
	require.Equal(t, a.EndTime.Add(120*time.Second), next.EndTime)
	require.Equal(t, 0, next.SnipesRemaining)
	require.Equal(t, StatusSniped, next.Status)
	require.False(t, next.InSnipeWindow(now), "no budget left")
	require.False(t, next.EndTime.Before(next.StartTime))
}

func TestAuction_InSnipeWindowOutside(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := Auction{EndTime: now.Add(61 * time.Second), SnipesRemaining: 3, SnipeWindow: time.Minute}
	require.False(t, a.InSnipeWindow(now))
}

func TestNewAuction_Validate(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	valid := NewAuction{
		Item:      "Lamp",
		BasePrice: decimal.NewFromInt(10),
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		CreatedBy: "seller-1",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*NewAuction)
	}{
		{"missing_item", func(n *NewAuction) { n.Item = " " }},
		{"missing_creator", func(n *NewAuction) { n.CreatedBy = "" }},
		{"missing_start", func(n *NewAuction) { n.StartTime = time.Time{} }},
		{"end_before_start", func(n *NewAuction) { n.EndTime = start.Add(-time.Second) }},
		{"negative_budget", func(n *NewAuction) { n.SnipeBudget = -1 }},
		{"negative_price", func(n *NewAuction) { n.BasePrice = decimal.NewFromInt(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := valid
			tt.mutate(&n)
			err := n.Validate()
			require.ErrorIs(t, err, ErrInvalidAuction)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestBid_Validate(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	tests := []struct {
		name    string
		bid     Bid
		wantErr bool
	}{
		{"valid", Bid{AuctionID: "a", BidderID: "u", Amount: decimal.NewFromInt(5), Timestamp: ts}, false},
		{"zero_amount", Bid{AuctionID: "a", BidderID: "u", Amount: decimal.Zero}, true},
		{"negative_amount", Bid{AuctionID: "a", BidderID: "u", Amount: decimal.NewFromInt(-3)}, true},
		{"missing_bidder", Bid{AuctionID: "a", Amount: decimal.NewFromInt(5)}, true},
		{"missing_auction", Bid{BidderID: "u", Amount: decimal.NewFromInt(5)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bid.Validate()
			if tt.wantErr {
				require.True(t, errors.Is(err, ErrInvalidBid))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestBid_DedupKey(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	b := Bid{AuctionID: "a1", BidderID: "u1", Amount: decimal.RequireFromString("150.50"), Timestamp: ts}
	require.Equal(t, "a1-u1-150.5-1700000000", b.DedupKey())

	other := b
	other.Amount = decimal.RequireFromString("151")
	require.NotEqual(t, b.DedupKey(), other.DedupKey())
}

func TestTriggerName_RoundTrip(t *testing.T) {
	name := TriggerName(TriggerEnd, "0b8c-42")
	kind, id, ok := ParseTriggerName(name)
	require.True(t, ok)
	require.Equal(t, TriggerEnd, kind)
	require.Equal(t, "0b8c-42", id)

	kind, id, ok = ParseTriggerName(TriggerName(TriggerCreateResources, "x"))
	require.True(t, ok)
	require.Equal(t, TriggerCreateResources, kind)
	require.Equal(t, "x", id)

	_, _, ok = ParseTriggerName("garbage")
	require.False(t, ok)
}
