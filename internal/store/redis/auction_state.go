package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

//go:embed scripts/auction_cas.lua
var auctionCASLua string

// createAuctionLua inserts the hash only if it does not exist yet.
const createAuctionLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'end_ms', ARGV[2], 'snipes', ARGV[3], 'data', ARGV[4])
return 1
`

// AuctionStateStore implements domain.AuctionStateStore.
//
// Key schema:
//
//	auction:{id} - hash: status, end_ms, snipes (compare-and-swap guards) and
//	               data (the JSON-encoded row)
type AuctionStateStore struct {
	rdb    *redis.Client
	create *redis.Script
	cas    *redis.Script
}

// NewAuctionStateStore creates an AuctionStateStore backed by the given Client.
func NewAuctionStateStore(c *Client) *AuctionStateStore {
	return &AuctionStateStore{
		rdb:    c.Underlying(),
		create: redis.NewScript(createAuctionLua),
		cas:    redis.NewScript(auctionCASLua),
	}
}

func auctionKey(id string) string { return "auction:" + id }

// guards returns the compared fields of a as strings.
func guards(a domain.Auction) (string, string, string) {
	return string(a.Status), strconv.FormatInt(a.EndTime.UnixMilli(), 10), strconv.Itoa(a.SnipesRemaining)
}

func (s *AuctionStateStore) Create(ctx context.Context, a domain.Auction) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("redis: marshal auction %s: %w", a.ID, err)
	}
	status, end, snipes := guards(a)
	n, err := s.create.Run(ctx, s.rdb, []string{auctionKey(a.ID)}, status, end, snipes, data).Int()
	if err != nil {
		return fmt.Errorf("redis: create auction %s: %w", a.ID, err)
	}
	if n == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// Get returns domain.ErrNotFound when the auction does not exist.
func (s *AuctionStateStore) Get(ctx context.Context, id string) (domain.Auction, error) {
	data, err := s.rdb.HGet(ctx, auctionKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Auction{}, domain.ErrNotFound
		}
		return domain.Auction{}, fmt.Errorf("redis: get auction %s: %w", id, err)
	}
	var a domain.Auction
	if err := json.Unmarshal(data, &a); err != nil {
		return domain.Auction{}, fmt.Errorf("redis: unmarshal auction %s: %w", id, err)
	}
	return a, nil
}

// CompareAndSwap writes next only while the stored status, end time and
// snipe budget still equal those of prev.
func (s *AuctionStateStore) CompareAndSwap(ctx context.Context, prev, next domain.Auction) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("redis: marshal auction %s: %w", next.ID, err)
	}
	ps, pe, pn := guards(prev)
	ns, ne, nn := guards(next)
	n, err := s.cas.Run(ctx, s.rdb, []string{auctionKey(prev.ID)}, ps, pe, pn, ns, ne, nn, data).Int()
	if err != nil {
		return fmt.Errorf("redis: cas auction %s: %w", prev.ID, err)
	}
	switch n {
	case -1:
		return domain.ErrNotFound
	case 0:
		return domain.ErrStateConflict
	}
	return nil
}

func (s *AuctionStateStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, auctionKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: delete auction %s: %w", id, err)
	}
	return nil
}

var _ domain.AuctionStateStore = (*AuctionStateStore)(nil)
