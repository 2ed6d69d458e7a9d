package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

// pushChannelPrefix + server id carries pushes from any process to the
// websocket server holding the connection.
const pushChannelPrefix = "ch:push:"

// PushEnvelope is one relayed push.
type PushEnvelope struct {
	ConnectionID string `json:"connection_id"`
	Data         []byte `json:"data"`
}

// PushRelay implements domain.Pusher over Redis Pub/Sub. Each websocket
// server claims the connections it holds; a push is published on the owning
// server's channel.
//
// Key schema:
//
//	conn:{connectionID}:server  - string: owning server id, TTL refreshed by Heartbeat
//	ch:push:{serverID}          - pub/sub channel of PushEnvelope JSON
type PushRelay struct {
	rdb       *redis.Client
	serverID  string
	ttl       time.Duration
	releaseSc *redis.Script
	logger    *slog.Logger
}

// NewPushRelay creates a PushRelay with a fresh server id. Claims made by
// this relay expire ttl after their last refresh.
func NewPushRelay(c *Client, ttl time.Duration, logger *slog.Logger) *PushRelay {
	return &PushRelay{
		rdb:       c.Underlying(),
		serverID:  uuid.NewString(),
		ttl:       ttl,
		releaseSc: redis.NewScript(unlockLua),
		logger:    logger.With(slog.String("component", "push_relay")),
	}
}

func ownerKey(connectionID string) string { return "conn:" + connectionID + ":server" }

// ServerID identifies this process on the relay.
func (p *PushRelay) ServerID() string { return p.serverID }

// Push publishes payload to the server holding connectionID. It returns
// domain.ErrConnectionGone when no live server owns the connection.
func (p *PushRelay) Push(ctx context.Context, connectionID string, payload []byte) error {
	owner, err := p.rdb.Get(ctx, ownerKey(connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.ErrConnectionGone
	}
	if err != nil {
		return fmt.Errorf("redis: lookup owner of %s: %w", connectionID, err)
	}

	env, err := json.Marshal(PushEnvelope{ConnectionID: connectionID, Data: payload})
	if err != nil {
		return fmt.Errorf("redis: marshal push: %w", err)
	}
	n, err := p.rdb.Publish(ctx, pushChannelPrefix+owner, env).Result()
	if err != nil {
		return fmt.Errorf("redis: publish push: %w", err)
	}
	if n == 0 {
		return domain.ErrConnectionGone
	}
	return nil
}

// Claim records that this server holds connectionID.
func (p *PushRelay) Claim(ctx context.Context, connectionID string) error {
	if err := p.rdb.Set(ctx, ownerKey(connectionID), p.serverID, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis: claim connection %s: %w", connectionID, err)
	}
	return nil
}

// Release drops the claim on connectionID if this server still holds it.
func (p *PushRelay) Release(ctx context.Context, connectionID string) error {
	if err := p.releaseSc.Run(ctx, p.rdb, []string{ownerKey(connectionID)}, p.serverID).Err(); err != nil {
		return fmt.Errorf("redis: release connection %s: %w", connectionID, err)
	}
	return nil
}

// Refresh re-claims every connection in ids for another TTL.
func (p *PushRelay) Refresh(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := p.rdb.Pipeline()
	for _, id := range ids {
		pipe.Set(ctx, ownerKey(id), p.serverID, p.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: refresh %d connections: %w", len(ids), err)
	}
	return nil
}

// Heartbeat refreshes the connections returned by held every third of the
// TTL until ctx is cancelled.
func (p *PushRelay) Heartbeat(ctx context.Context, held func() []string) {
	ticker := time.NewTicker(p.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx, held()); err != nil && ctx.Err() == nil {
				p.logger.WarnContext(ctx, "presence heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Subscribe returns pushes addressed to this server until ctx is cancelled,
// at which point the channel is closed.
func (p *PushRelay) Subscribe(ctx context.Context) (<-chan PushEnvelope, error) {
	channel := pushChannelPrefix + p.serverID
	pubsub := p.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan PushEnvelope, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env PushEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					p.logger.DebugContext(ctx, "malformed push envelope", slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ domain.Pusher = (*PushRelay)(nil)
