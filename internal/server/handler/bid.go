package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

// BidService accepts bid submissions.
type BidService interface {
	Submit(ctx context.Context, auctionID, bidderID, bidderName string, amount decimal.Decimal) (domain.SubmitResult, error)
}

// BidLimit is the per-bidder submission budget. A zero Limit disables it.
type BidLimit struct {
	Limit  int
	Window time.Duration
}

// BidHandler serves bid submission.
type BidHandler struct {
	bids    BidService
	limiter domain.RateLimiter
	limit   BidLimit
	logger  *slog.Logger
}

// NewBidHandler creates a BidHandler. limiter may be nil.
func NewBidHandler(bids BidService, limiter domain.RateLimiter, limit BidLimit, logger *slog.Logger) *BidHandler {
	return &BidHandler{
		bids:    bids,
		limiter: limiter,
		limit:   limit,
		logger:  logger.With(slog.String("handler", "bid")),
	}
}

type placeBidRequest struct {
	BidderID   string          `json:"bidder_id"`
	BidderName string          `json:"bidder_name"`
	Amount     decimal.Decimal `json:"amount"`
}

// Place enqueues a bid. The response reports whether it was a duplicate.
// POST /api/auctions/{id}/bids
func (h *BidHandler) Place(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "place bid", err)
		return
	}
	if !h.allow(r.Context(), req.BidderID) {
		w.Header().Set("Retry-After", "1")
		writeDomainError(w, r, h.logger, "place bid", domain.ErrRateLimited)
		return
	}

	res, err := h.bids.Submit(r.Context(), pathParam(r, "id"), req.BidderID, req.BidderName, req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "place bid", err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// allow fails open when the limiter errors.
func (h *BidHandler) allow(ctx context.Context, bidderID string) bool {
	if h.limiter == nil || h.limit.Limit <= 0 || bidderID == "" {
		return true
	}
	ok, err := h.limiter.Allow(ctx, "ratelimit:bid:"+bidderID, h.limit.Limit, h.limit.Window)
	if err != nil {
		h.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
		return true
	}
	return ok
}
