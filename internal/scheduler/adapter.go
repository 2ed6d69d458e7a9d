// Package scheduler arms and disarms the timed triggers of each auction and
// dispatches them to their transition handlers when they come due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/retry"
)

// Adapter creates, replaces and cancels named triggers on a TimerService.
type Adapter struct {
	timers domain.TimerService
	policy retry.Policy
	logger *slog.Logger
}

// NewAdapter creates an Adapter that retries timer calls under policy.
func NewAdapter(timers domain.TimerService, policy retry.Policy, logger *slog.Logger) *Adapter {
	return &Adapter{
		timers: timers,
		policy: policy,
		logger: logger.With(slog.String("component", "scheduler")),
	}
}

// Arm creates or replaces the kind trigger of the auction so that it fires at
// fireAt. Re-arming replaces the previous schedule under the same name.
func (a *Adapter) Arm(ctx context.Context, kind domain.TriggerKind, auctionID string, fireAt time.Time, payload map[string]string) error {
	t := domain.Trigger{
		Name:      domain.TriggerName(kind, auctionID),
		Kind:      kind,
		AuctionID: auctionID,
		FireAt:    fireAt.UTC(),
		Payload:   payload,
	}
	err := retry.Do(ctx, a.policy, func(ctx context.Context) error {
		return a.timers.Put(ctx, t)
	})
	if err != nil {
		return fmt.Errorf("scheduler: arm %s: %w", t.Name, err)
	}
	a.logger.InfoContext(ctx, "trigger armed",
		slog.String("trigger", t.Name),
		slog.Time("fire_at", t.FireAt),
	)
	return nil
}

// Disarm removes the kind trigger of the auction. A trigger that does not
// exist counts as removed.
func (a *Adapter) Disarm(ctx context.Context, kind domain.TriggerKind, auctionID string) error {
	name := domain.TriggerName(kind, auctionID)
	err := retry.Do(ctx, a.policy, func(ctx context.Context) error {
		err := a.timers.Delete(ctx, name)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("scheduler: disarm %s: %w", name, err)
	}
	a.logger.DebugContext(ctx, "trigger disarmed", slog.String("trigger", name))
	return nil
}

// DisarmAll removes every trigger kind of the auction, returning the first
// failure after attempting all of them.
func (a *Adapter) DisarmAll(ctx context.Context, auctionID string) error {
	var errs []error
	for _, kind := range []domain.TriggerKind{domain.TriggerCreateResources, domain.TriggerStart, domain.TriggerEnd} {
		if err := a.Disarm(ctx, kind, auctionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
