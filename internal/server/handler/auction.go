package handler

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

// AuctionService is what the auction endpoints need from the state machine.
type AuctionService interface {
	CreateAuction(ctx context.Context, in domain.NewAuction) (string, error)
	Status(ctx context.Context, auctionID string) (domain.AuctionStatusView, error)
	Leaderboard(ctx context.Context, auctionID string) ([]domain.RankedEntry, error)
	BidHistory(ctx context.Context, auctionID string) (domain.BidHistory, error)
}

// AuctionDefaults fill anti-snipe settings a creation request leaves out.
type AuctionDefaults struct {
	SnipeWindow time.Duration
	Extension   time.Duration
	SnipeBudget int
}

// AuctionHandler serves auction creation and read endpoints.
type AuctionHandler struct {
	auctions AuctionService
	defaults AuctionDefaults
	logger   *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler.
func NewAuctionHandler(auctions AuctionService, defaults AuctionDefaults, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{
		auctions: auctions,
		defaults: defaults,
		logger:   logger.With(slog.String("handler", "auction")),
	}
}

type createAuctionRequest struct {
	Item               string          `json:"item"`
	Description        string          `json:"description"`
	BasePrice          decimal.Decimal `json:"base_price"`
	StartTime          time.Time       `json:"start_time"`
	EndTime            time.Time       `json:"end_time"`
	SnipeWindowSeconds *int64          `json:"snipe_window_seconds"`
	ExtensionSeconds   *int64          `json:"extension_seconds"`
	SnipeBudget        *int            `json:"snipe_budget"`
	CreatedBy          string          `json:"created_by"`
	Images             []string        `json:"images"`
}

func (req createAuctionRequest) toDomain(d AuctionDefaults) (domain.NewAuction, error) {
	in := domain.NewAuction{
		Item:        req.Item,
		Description: req.Description,
		BasePrice:   req.BasePrice,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		SnipeWindow: d.SnipeWindow,
		Extension:   d.Extension,
		SnipeBudget: d.SnipeBudget,
		CreatedBy:   req.CreatedBy,
	}
	if req.SnipeWindowSeconds != nil {
		in.SnipeWindow = time.Duration(*req.SnipeWindowSeconds) * time.Second
	}
	if req.ExtensionSeconds != nil {
		in.Extension = time.Duration(*req.ExtensionSeconds) * time.Second
	}
	if req.SnipeBudget != nil {
		in.SnipeBudget = *req.SnipeBudget
	}
	for i, img := range req.Images {
		raw, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return domain.NewAuction{}, fmt.Errorf("%w: image %d is not valid base64", domain.ErrInvalidAuction, i)
		}
		in.Images = append(in.Images, raw)
	}
	return in, nil
}

// Create schedules a new auction.
// POST /api/auctions
func (h *AuctionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "create auction", err)
		return
	}
	in, err := req.toDomain(h.defaults)
	if err != nil {
		writeDomainError(w, r, h.logger, "create auction", err)
		return
	}

	id, err := h.auctions.CreateAuction(r.Context(), in)
	if err != nil {
		writeDomainError(w, r, h.logger, "create auction", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"auction_id": id})
}

// Status returns the auction's status view.
// GET /api/auctions/{id}/status
func (h *AuctionHandler) Status(w http.ResponseWriter, r *http.Request) {
	view, err := h.auctions.Status(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "auction status", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Leaderboard returns the current ranking.
// GET /api/auctions/{id}/leaderboard
func (h *AuctionHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	ranked, err := h.auctions.Leaderboard(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "leaderboard", err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewLeaderboardUpdate(id, ranked))
}

// History returns the archived outcome of a settled auction.
// GET /api/auctions/{id}/history
func (h *AuctionHandler) History(w http.ResponseWriter, r *http.Request) {
	hist, err := h.auctions.BidHistory(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "bid history", err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}
