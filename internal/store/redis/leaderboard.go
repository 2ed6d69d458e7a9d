package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

// LeaderboardStore implements domain.LeaderboardStore.
//
// Key schema:
//
//	lb:{auctionID} - hash: bidderID -> JSON LeaderboardEntry
type LeaderboardStore struct {
	rdb *redis.Client
}

// NewLeaderboardStore creates a LeaderboardStore backed by the given Client.
func NewLeaderboardStore(c *Client) *LeaderboardStore {
	return &LeaderboardStore{rdb: c.Underlying()}
}

func leaderboardKey(auctionID string) string { return "lb:" + auctionID }

func (s *LeaderboardStore) Upsert(ctx context.Context, e domain.LeaderboardEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: marshal entry %s/%s: %w", e.AuctionID, e.BidderID, err)
	}
	if err := s.rdb.HSet(ctx, leaderboardKey(e.AuctionID), e.BidderID, data).Err(); err != nil {
		return fmt.Errorf("redis: upsert entry %s/%s: %w", e.AuctionID, e.BidderID, err)
	}
	return nil
}

func (s *LeaderboardStore) List(ctx context.Context, auctionID string) ([]domain.LeaderboardEntry, error) {
	vals, err := s.rdb.HVals(ctx, leaderboardKey(auctionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list leaderboard %s: %w", auctionID, err)
	}
	out := make([]domain.LeaderboardEntry, 0, len(vals))
	for _, v := range vals {
		var e domain.LeaderboardEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("redis: unmarshal entry in %s: %w", auctionID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

var _ domain.LeaderboardStore = (*LeaderboardStore)(nil)
