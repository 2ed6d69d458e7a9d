package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

//go:embed scripts/bid_enqueue.lua
var bidEnqueueLua string

// consumerGroup is the single logical consumer of every bid stream.
const consumerGroup = "bid-workers"

// BidQueue implements domain.BidQueue with one Redis stream per auction read
// through a consumer group. Entries stay pending until acknowledged, which
// gives at-least-once delivery in stream order.
//
// Key schema:
//
//	bidq:{auctionID}       - stream of {bid: JSON Bid}
//	bidq:dedup:{dedupKey}  - marker suppressing duplicate submissions for the TTL
type BidQueue struct {
	rdb      *redis.Client
	dedupTTL time.Duration
	enqueue  *redis.Script
}

// NewBidQueue creates a BidQueue that suppresses repeated dedup keys for ttl.
func NewBidQueue(c *Client, ttl time.Duration) *BidQueue {
	return &BidQueue{
		rdb:      c.Underlying(),
		dedupTTL: ttl,
		enqueue:  redis.NewScript(bidEnqueueLua),
	}
}

func bidStreamKey(auctionID string) string { return "bidq:" + auctionID }
func bidDedupKey(key string) string        { return "bidq:dedup:" + key }

func (q *BidQueue) Create(ctx context.Context, auctionID string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, bidStreamKey(auctionID), consumerGroup, "0").Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("redis: create bid queue %s: %w", auctionID, err)
	}
	return nil
}

func (q *BidQueue) Delete(ctx context.Context, auctionID string) error {
	n, err := q.rdb.Del(ctx, bidStreamKey(auctionID)).Result()
	if err != nil {
		return fmt.Errorf("redis: delete bid queue %s: %w", auctionID, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (q *BidQueue) Exists(ctx context.Context, auctionID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, bidStreamKey(auctionID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: bid queue exists %s: %w", auctionID, err)
	}
	return n == 1, nil
}

func (q *BidQueue) Enqueue(ctx context.Context, b domain.Bid) (bool, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("redis: marshal bid: %w", err)
	}
	n, err := q.enqueue.Run(ctx, q.rdb,
		[]string{bidStreamKey(b.AuctionID), bidDedupKey(b.DedupKey())},
		q.dedupTTL.Milliseconds(), data,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis: enqueue bid for %s: %w", b.AuctionID, err)
	}
	switch n {
	case -1:
		return false, domain.ErrNotFound
	case 0:
		return false, nil
	}
	return true, nil
}

func (q *BidQueue) Receive(ctx context.Context, auctionID, consumer string, max int) ([]domain.QueueMessage, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{bidStreamKey(auctionID), ">"},
		Count:    int64(max),
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, q.streamErr("receive", auctionID, err)
	}
	var out []domain.QueueMessage
	for _, s := range streams {
		out = append(out, decodeMessages(s.Messages)...)
	}
	return out, nil
}

func (q *BidQueue) Reclaim(ctx context.Context, auctionID, consumer string, minIdle time.Duration, max int) ([]domain.QueueMessage, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   bidStreamKey(auctionID),
		Group:    consumerGroup,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(max),
		Consumer: consumer,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, q.streamErr("reclaim", auctionID, err)
	}
	return decodeMessages(msgs), nil
}

func (q *BidQueue) Ack(ctx context.Context, auctionID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	key := bidStreamKey(auctionID)
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, key, consumerGroup, ids...)
	pipe.XDel(ctx, key, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return q.streamErr("ack", auctionID, err)
	}
	return nil
}

// streamErr maps a missing stream or group to domain.ErrNotFound.
func (q *BidQueue) streamErr(op, auctionID string, err error) error {
	if strings.HasPrefix(err.Error(), "NOGROUP") {
		return domain.ErrNotFound
	}
	return fmt.Errorf("redis: %s bid queue %s: %w", op, auctionID, err)
}

// decodeMessages keeps undecodable entries with an empty bid so that the
// worker rejects and acknowledges them instead of replaying them forever.
func decodeMessages(msgs []redis.XMessage) []domain.QueueMessage {
	out := make([]domain.QueueMessage, 0, len(msgs))
	for _, m := range msgs {
		var b domain.Bid
		if raw, ok := m.Values["bid"].(string); ok {
			_ = json.Unmarshal([]byte(raw), &b)
		}
		out = append(out, domain.QueueMessage{ID: m.ID, Bid: b})
	}
	return out
}

// EventSourceRegistry implements domain.EventSourceRegistry as a set of
// auction ids whose bid streams the worker pool drains.
//
// Key schema:
//
//	bidq:sources - set of attached auction ids
type EventSourceRegistry struct {
	rdb *redis.Client
}

const sourcesKey = "bidq:sources"

// NewEventSourceRegistry creates an EventSourceRegistry backed by the given Client.
func NewEventSourceRegistry(c *Client) *EventSourceRegistry {
	return &EventSourceRegistry{rdb: c.Underlying()}
}

func (r *EventSourceRegistry) Attach(ctx context.Context, auctionID string) error {
	n, err := r.rdb.SAdd(ctx, sourcesKey, auctionID).Result()
	if err != nil {
		return fmt.Errorf("redis: attach source %s: %w", auctionID, err)
	}
	if n == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *EventSourceRegistry) Detach(ctx context.Context, auctionID string) error {
	n, err := r.rdb.SRem(ctx, sourcesKey, auctionID).Result()
	if err != nil {
		return fmt.Errorf("redis: detach source %s: %w", auctionID, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *EventSourceRegistry) List(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, sourcesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list sources: %w", err)
	}
	return ids, nil
}

var (
	_ domain.BidQueue            = (*BidQueue)(nil)
	_ domain.EventSourceRegistry = (*EventSourceRegistry)(nil)
)
