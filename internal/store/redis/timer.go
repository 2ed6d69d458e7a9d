package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

var (
	//go:embed scripts/timer_arm.lua
	timerArmLua string
	//go:embed scripts/timer_claim.lua
	timerClaimLua string
	//go:embed scripts/timer_complete.lua
	timerCompleteLua string
)

const (
	timersKey     = "timers"
	triggerPrefix = "timer:"
)

// TimerService implements domain.TimerService as a sorted set of trigger
// names scored by due time. Claiming a trigger re-scores it to the end of its
// lease, so a trigger whose handler crashed fires again.
//
// Key schema:
//
//	timers        - zset: trigger name, score = due unix ms
//	timer:{name}  - hash: kind, auction_id, fire_at (unix ms), payload, attempts
type TimerService struct {
	rdb      *redis.Client
	arm      *redis.Script
	claim    *redis.Script
	complete *redis.Script
	logger   *slog.Logger
}

// NewTimerService creates a TimerService backed by the given Client.
func NewTimerService(c *Client, logger *slog.Logger) *TimerService {
	return &TimerService{
		rdb:      c.Underlying(),
		arm:      redis.NewScript(timerArmLua),
		claim:    redis.NewScript(timerClaimLua),
		complete: redis.NewScript(timerCompleteLua),
		logger:   logger.With(slog.String("component", "redis_timers")),
	}
}

func triggerKey(name string) string { return triggerPrefix + name }

// Put creates or atomically replaces a trigger and resets its attempts.
func (s *TimerService) Put(ctx context.Context, t domain.Trigger) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("redis: marshal trigger payload %s: %w", t.Name, err)
	}
	err = s.arm.Run(ctx, s.rdb, []string{timersKey, triggerKey(t.Name)},
		t.Name, t.FireAt.UnixMilli(), string(t.Kind), t.AuctionID, payload,
	).Err()
	if err != nil {
		return fmt.Errorf("redis: put trigger %s: %w", t.Name, err)
	}
	return nil
}

// Delete returns domain.ErrNotFound when the trigger is not armed.
func (s *TimerService) Delete(ctx context.Context, name string) error {
	pipe := s.rdb.TxPipeline()
	removed := pipe.ZRem(ctx, timersKey, name)
	pipe.Del(ctx, triggerKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete trigger %s: %w", name, err)
	}
	if removed.Val() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClaimDue leases up to limit due triggers and returns each as it stood when
// claimed. Triggers whose hash cannot be decoded are deleted.
func (s *TimerService) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Trigger, error) {
	res, err := s.claim.Run(ctx, s.rdb, []string{timersKey},
		now.UnixMilli(), lease.Milliseconds(), limit, triggerPrefix,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis: claim triggers: %w", err)
	}

	out := make([]domain.Trigger, 0, len(res))
	for _, entry := range res {
		name, fields, err := claimedEntry(entry)
		if err == nil {
			var t domain.Trigger
			if t, err = decodeTrigger(name, fields); err == nil {
				out = append(out, t)
				continue
			}
		}
		s.logger.WarnContext(ctx, "dropping undecodable trigger",
			slog.String("trigger", name),
			slog.String("error", err.Error()),
		)
		if name != "" {
			if derr := s.Delete(ctx, name); derr != nil && !errors.Is(derr, domain.ErrNotFound) {
				s.logger.DebugContext(ctx, "delete undecodable trigger failed",
					slog.String("trigger", name),
					slog.String("error", derr.Error()),
				)
			}
		}
	}
	return out, nil
}

// claimedEntry splits one {name, field, value, ...} reply of the claim script.
func claimedEntry(v any) (string, map[string]string, error) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return "", nil, fmt.Errorf("unexpected claim reply %T", v)
	}
	name, ok := items[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("unexpected trigger name %T", items[0])
	}
	fields := make(map[string]string, (len(items)-1)/2)
	for i := 1; i+1 < len(items); i += 2 {
		k, _ := items[i].(string)
		v, _ := items[i+1].(string)
		fields[k] = v
	}
	return name, fields, nil
}

// Complete removes a claimed trigger unless it was re-armed since the claim.
func (s *TimerService) Complete(ctx context.Context, t domain.Trigger) error {
	err := s.complete.Run(ctx, s.rdb, []string{timersKey, triggerKey(t.Name)},
		t.Name, strconv.FormatInt(t.FireAt.UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: complete trigger %s: %w", t.Name, err)
	}
	return nil
}

func decodeTrigger(name string, h map[string]string) (domain.Trigger, error) {
	fireAt, err := strconv.ParseInt(h["fire_at"], 10, 64)
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("fire_at: %w", err)
	}
	attempts, err := strconv.Atoi(h["attempts"])
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("attempts: %w", err)
	}
	var payload map[string]string
	if p := h["payload"]; p != "" && p != "null" {
		if err := json.Unmarshal([]byte(p), &payload); err != nil {
			return domain.Trigger{}, fmt.Errorf("payload: %w", err)
		}
	}
	return domain.Trigger{
		Name:      name,
		Kind:      domain.TriggerKind(h["kind"]),
		AuctionID: h["auction_id"],
		FireAt:    time.UnixMilli(fireAt).UTC(),
		Payload:   payload,
		Attempts:  attempts,
	}, nil
}

var _ domain.TimerService = (*TimerService)(nil)
