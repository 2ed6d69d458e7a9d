package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/server/handler"
	"github.com/alanyoungcy/flashbid/internal/store/memory"
)

var now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeAuctions struct {
	created []domain.NewAuction
}

func (f *fakeAuctions) CreateAuction(_ context.Context, in domain.NewAuction) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	f.created = append(f.created, in)
	return "a1", nil
}

func (f *fakeAuctions) Status(_ context.Context, id string) (domain.AuctionStatusView, error) {
	if id != "a1" {
		return domain.AuctionStatusView{}, domain.ErrNotFound
	}
	return domain.AuctionStatusView{AuctionID: id, Status: domain.StatusStarted, RemainingSecs: 42}, nil
}

func (f *fakeAuctions) Leaderboard(_ context.Context, id string) ([]domain.RankedEntry, error) {
	if id != "a1" {
		return nil, domain.ErrNotFound
	}
	return []domain.RankedEntry{{Rank: 1, LeaderboardEntry: domain.LeaderboardEntry{
		AuctionID: id, BidderID: "u1", Amount: decimal.NewFromInt(80),
	}}}, nil
}

func (f *fakeAuctions) BidHistory(_ context.Context, id string) (domain.BidHistory, error) {
	return domain.BidHistory{}, domain.ErrNotFound
}

type fakeBids struct{}

func (fakeBids) Submit(_ context.Context, auctionID, bidderID, name string, amount decimal.Decimal) (domain.SubmitResult, error) {
	switch {
	case auctionID == "closed":
		return domain.SubmitResult{}, domain.ErrAuctionClosed
	case auctionID == "broken":
		return domain.SubmitResult{}, errors.New("redis: connection refused")
	case !amount.IsPositive():
		return domain.SubmitResult{}, domain.ErrInvalidBid
	}
	return domain.SubmitResult{Enqueued: true, Bid: domain.Bid{AuctionID: auctionID, BidderID: bidderID, BidderName: name, Amount: amount}}, nil
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return now }

func newTestHandler(t *testing.T, cfg Config, limiter domain.RateLimiter) (http.Handler, *fakeAuctions) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auctions := &fakeAuctions{}
	handlers := Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"store": func(context.Context) error { return nil },
		}, logger),
		Auctions: handler.NewAuctionHandler(auctions, handler.AuctionDefaults{
			SnipeWindow: 30 * time.Second, Extension: time.Minute, SnipeBudget: 3,
		}, logger),
		Bids: handler.NewBidHandler(fakeBids{}, limiter, handler.BidLimit{Limit: 1, Window: time.Minute}, logger),
	}
	return NewHandler(cfg, handlers, nil, limiter, logger), auctions
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAuction(t *testing.T) {
	h, auctions := newTestHandler(t, Config{}, nil)

	rec := do(t, h, http.MethodPost, "/api/auctions", map[string]any{
		"item":       "lamp",
		"base_price": "50",
		"start_time": now.Add(time.Hour),
		"end_time":   now.Add(2 * time.Hour),
		"created_by": "seller",
		"images":     []string{"aGVsbG8="},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"auction_id":"a1"}`, rec.Body.String())

	require.Len(t, auctions.created, 1)
	in := auctions.created[0]
	assert.Equal(t, 30*time.Second, in.SnipeWindow)
	assert.Equal(t, time.Minute, in.Extension)
	assert.Equal(t, 3, in.SnipeBudget)
	assert.Equal(t, [][]byte{[]byte("hello")}, in.Images)
}

func TestCreateAuction_BadRequests(t *testing.T) {
	h, _ := newTestHandler(t, Config{}, nil)

	tests := []struct {
		name string
		body any
	}{
		{"end before start", map[string]any{
			"item": "lamp", "created_by": "s",
			"start_time": now.Add(2 * time.Hour), "end_time": now.Add(time.Hour),
		}},
		{"unknown field", map[string]any{"item": "lamp", "colour": "red"}},
		{"bad image", map[string]any{
			"item": "lamp", "created_by": "s",
			"start_time": now, "end_time": now.Add(time.Hour), "images": []string{"!!"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/auctions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestReadEndpoints(t *testing.T) {
	h, _ := newTestHandler(t, Config{}, nil)

	rec := do(t, h, http.MethodGet, "/api/auctions/a1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "STARTED", view["status"])
	assert.EqualValues(t, 42, view["remaining_seconds"])

	rec = do(t, h, http.MethodGet, "/api/auctions/zz/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/auctions/a1/leaderboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"leaderboard_update"`)

	rec = do(t, h, http.MethodGet, "/api/auctions/a1/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaceBid_StatusMapping(t *testing.T) {
	h, _ := newTestHandler(t, Config{}, nil)

	tests := []struct {
		auction string
		amount  string
		want    int
	}{
		{"a1", "10", http.StatusAccepted},
		{"a1", "0", http.StatusBadRequest},
		{"closed", "10", http.StatusConflict},
		{"broken", "10", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodPost, "/api/auctions/"+tt.auction+"/bids", map[string]any{
			"bidder_id": "u1", "bidder_name": "Ana", "amount": tt.amount,
		})
		assert.Equal(t, tt.want, rec.Code, "%s %s: %s", tt.auction, tt.amount, rec.Body.String())
	}
}

func TestPlaceBid_RateLimitedPerBidder(t *testing.T) {
	limiter := memory.NewRateLimiter(fixedClock{})
	h, _ := newTestHandler(t, Config{}, limiter)

	bid := func(bidder string) int {
		return do(t, h, http.MethodPost, "/api/auctions/a1/bids", map[string]any{
			"bidder_id": bidder, "bidder_name": bidder, "amount": "10",
		}).Code
	}
	assert.Equal(t, http.StatusAccepted, bid("u1"))
	assert.Equal(t, http.StatusTooManyRequests, bid("u1"))
	assert.Equal(t, http.StatusAccepted, bid("u2"))
}

func TestAuth(t *testing.T) {
	h, _ := newTestHandler(t, Config{APIKey: "secret"}, nil)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/auctions/a1/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/auctions/a1/status", nil, "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/auctions/a1/status", nil, "Authorization", "Bearer secret").Code)
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestHandler(t, Config{CORSOrigins: []string{"https://bid.example"}}, nil)

	rec := do(t, h, http.MethodOptions, "/api/auctions", nil, "Origin", "https://bid.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://bid.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
