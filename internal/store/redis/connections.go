package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

// ConnectionRegistry implements domain.ConnectionRegistry.
//
// Key schema:
//
//	conn:{connectionID}     - hash: auctionID -> JSON Subscription
//	auction:{id}:conns      - set of subscribed connection ids
type ConnectionRegistry struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewConnectionRegistry creates a ConnectionRegistry backed by the given Client.
func NewConnectionRegistry(c *Client, logger *slog.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		rdb:    c.Underlying(),
		logger: logger.With(slog.String("component", "redis_connections")),
	}
}

func connKey(connectionID string) string      { return "conn:" + connectionID }
func auctionConnsKey(auctionID string) string { return "auction:" + auctionID + ":conns" }

func (r *ConnectionRegistry) Put(ctx context.Context, sub domain.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("redis: marshal subscription %s: %w", sub.ConnectionID, err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, connKey(sub.ConnectionID), sub.AuctionID, data)
	pipe.SAdd(ctx, auctionConnsKey(sub.AuctionID), sub.ConnectionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put subscription %s: %w", sub.ConnectionID, err)
	}
	return nil
}

func (r *ConnectionRegistry) Remove(ctx context.Context, connectionID string) ([]domain.Subscription, error) {
	raw, err := r.rdb.HGetAll(ctx, connKey(connectionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load subscriptions %s: %w", connectionID, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	subs := make([]domain.Subscription, 0, len(raw))
	pipe := r.rdb.TxPipeline()
	for auctionID, v := range raw {
		var s domain.Subscription
		if err := json.Unmarshal([]byte(v), &s); err == nil {
			subs = append(subs, s)
		}
		pipe.SRem(ctx, auctionConnsKey(auctionID), connectionID)
	}
	pipe.Del(ctx, connKey(connectionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: remove subscriptions %s: %w", connectionID, err)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].AuctionID < subs[j].AuctionID })
	return subs, nil
}

// ListByAuction returns the live subscriptions of an auction. Set members
// whose connection hash no longer holds the auction are pruned.
func (r *ConnectionRegistry) ListByAuction(ctx context.Context, auctionID string) ([]domain.Subscription, error) {
	ids, err := r.rdb.SMembers(ctx, auctionConnsKey(auctionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list connections of %s: %w", auctionID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, connKey(id), auctionID)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: load connections of %s: %w", auctionID, err)
	}

	var stale []any
	subs := make([]domain.Subscription, 0, len(ids))
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if err != nil {
			stale = append(stale, ids[i])
			continue
		}
		var s domain.Subscription
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		subs = append(subs, s)
	}
	if len(stale) > 0 {
		if err := r.rdb.SRem(ctx, auctionConnsKey(auctionID), stale...).Err(); err != nil {
			r.logger.DebugContext(ctx, "prune stale connections failed",
				slog.String("auction_id", auctionID),
				slog.Int("stale", len(stale)),
				slog.String("error", err.Error()),
			)
		}
	}
	return subs, nil
}

var _ domain.ConnectionRegistry = (*ConnectionRegistry)(nil)
