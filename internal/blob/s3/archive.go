package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

var _ domain.HistoryArchive = (*Archive)(nil)

// Archive keeps settled bid histories as JSON documents under
// bid_placement_history/. It works over any blob backend.
type Archive struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

// NewArchive creates an Archive.
func NewArchive(writer domain.BlobWriter, reader domain.BlobReader) *Archive {
	return &Archive{writer: writer, reader: reader}
}

// SaveBidHistory uploads h, replacing any earlier document for the auction.
func (a *Archive) SaveBidHistory(ctx context.Context, h domain.BidHistory) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(h); err != nil {
		return fmt.Errorf("s3blob: encode bid history %s: %w", h.AuctionID, err)
	}

	path := domain.BidHistoryPath(h.AuctionID)
	if err := a.writer.Put(ctx, path, &buf, "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive bid history %s: %w", h.AuctionID, err)
	}
	return nil
}

// LoadBidHistory reads the archived history of an auction. An auction that
// was never settled yields domain.ErrNotFound.
func (a *Archive) LoadBidHistory(ctx context.Context, auctionID string) (domain.BidHistory, error) {
	path := domain.BidHistoryPath(auctionID)
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return domain.BidHistory{}, fmt.Errorf("s3blob: stat bid history %s: %w", auctionID, err)
	}
	if !ok {
		return domain.BidHistory{}, fmt.Errorf("s3blob: bid history %s: %w", auctionID, domain.ErrNotFound)
	}

	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return domain.BidHistory{}, err
	}
	defer body.Close()

	var h domain.BidHistory
	if err := json.NewDecoder(body).Decode(&h); err != nil {
		return domain.BidHistory{}, fmt.Errorf("s3blob: decode bid history %s: %w", auctionID, err)
	}
	return h, nil
}
