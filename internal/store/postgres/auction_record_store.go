package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

var _ domain.AuctionRecordStore = (*AuctionRecordStore)(nil)

// AuctionRecordStore implements domain.AuctionRecordStore using PostgreSQL.
// Durations are stored as milliseconds and prices as NUMERIC.
type AuctionRecordStore struct {
	pool *pgxpool.Pool
}

// NewAuctionRecordStore creates a new AuctionRecordStore backed by the given
// connection pool.
func NewAuctionRecordStore(pool *pgxpool.Pool) *AuctionRecordStore {
	return &AuctionRecordStore{pool: pool}
}

const auctionColumns = `id, item, description, base_price::text, start_time, end_time,
	is_active, created_by, extension_ms, snipe_window_ms, snipe_budget, image_paths,
	created_at, updated_at`

// Create inserts a new auction row. It returns domain.ErrAlreadyExists when
// the id is taken.
func (s *AuctionRecordStore) Create(ctx context.Context, r domain.AuctionRecord) error {
	const query = `INSERT INTO auctions (
		id, item, description, base_price, start_time, end_time, is_active, created_by,
		extension_ms, snipe_window_ms, snipe_budget, image_paths, created_at, updated_at
	) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	images := r.ImagePaths
	if images == nil {
		images = []string{}
	}
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.Item, r.Description, r.BasePrice.String(), r.StartTime, r.EndTime,
		r.IsActive, r.CreatedBy, r.Extension.Milliseconds(), r.SnipeWindow.Milliseconds(),
		r.SnipeBudget, images, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create auction %s: %w", r.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create auction %s: %w", r.ID, err)
	}
	return nil
}

// Get returns the auction row. It returns domain.ErrNotFound when absent.
func (s *AuctionRecordStore) Get(ctx context.Context, id string) (domain.AuctionRecord, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1`

	var (
		r               domain.AuctionRecord
		price           string
		extMs, windowMs int64
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.Item, &r.Description, &price, &r.StartTime, &r.EndTime,
		&r.IsActive, &r.CreatedBy, &extMs, &windowMs, &r.SnipeBudget, &r.ImagePaths,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AuctionRecord{}, domain.ErrNotFound
		}
		return domain.AuctionRecord{}, fmt.Errorf("postgres: get auction %s: %w", id, err)
	}
	r.BasePrice, err = decimal.NewFromString(price)
	if err != nil {
		return domain.AuctionRecord{}, fmt.Errorf("postgres: parse base price of %s: %w", id, err)
	}
	r.Extension = time.Duration(extMs) * time.Millisecond
	r.SnipeWindow = time.Duration(windowMs) * time.Millisecond
	r.StartTime = r.StartTime.UTC()
	r.EndTime = r.EndTime.UTC()
	return r, nil
}

// SetActive flips the is_active flag.
func (s *AuctionRecordStore) SetActive(ctx context.Context, id string, active bool) error {
	const query = `UPDATE auctions SET is_active = $2, updated_at = NOW() WHERE id = $1`
	return s.exec(ctx, "set active", id, query, id, active)
}

// SetEndTime records an extended end time.
func (s *AuctionRecordStore) SetEndTime(ctx context.Context, id string, end time.Time) error {
	const query = `UPDATE auctions SET end_time = $2, updated_at = NOW() WHERE id = $1`
	return s.exec(ctx, "set end time", id, query, id, end)
}

// SaveWinners replaces the stored winners of an auction in one transaction.
func (s *AuctionRecordStore) SaveWinners(ctx context.Context, auctionID string, winners []domain.RankedEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save winners %s: begin: %w", auctionID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM auction_winners WHERE auction_id = $1`, auctionID); err != nil {
		return fmt.Errorf("postgres: save winners %s: clear: %w", auctionID, err)
	}

	const insert = `INSERT INTO auction_winners (auction_id, rank, bidder_id, bidder_name, amount, bid_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)`
	batch := &pgx.Batch{}
	for _, w := range winners {
		batch.Queue(insert, auctionID, w.Rank, w.BidderID, w.BidderName, w.Amount.String(), w.Timestamp)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: save winners %s: insert: %w", auctionID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: save winners %s: commit: %w", auctionID, err)
	}
	return nil
}

// Delete removes the auction row and its winners. It returns
// domain.ErrNotFound when absent.
func (s *AuctionRecordStore) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, "delete auction", id, `DELETE FROM auctions WHERE id = $1`, id)
}

func (s *AuctionRecordStore) exec(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: %s %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
