// Package resource allocates and frees the per-auction bid queue and its
// attachment to the bid worker pool.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/retry"
)

const defaultAttachLockTTL = 10 * time.Second

// Manager provisions and tears down auction resources. Both operations are
// idempotent so a re-fired trigger cannot double-allocate or double-free.
type Manager struct {
	queue   domain.BidQueue
	sources domain.EventSourceRegistry
	locks   domain.LockManager
	policy  retry.Policy
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewManager creates a Manager.
func NewManager(queue domain.BidQueue, sources domain.EventSourceRegistry, locks domain.LockManager, policy retry.Policy, logger *slog.Logger) *Manager {
	return &Manager{
		queue:   queue,
		sources: sources,
		locks:   locks,
		policy:  policy,
		lockTTL: defaultAttachLockTTL,
		logger:  logger.With(slog.String("component", "resources")),
	}
}

// Provision creates the auction's bid queue and attaches it to the worker
// pool. Existing resources are left as they are.
func (m *Manager) Provision(ctx context.Context, auctionID string) error {
	err := retry.Do(ctx, m.policy, func(ctx context.Context) error {
		if err := m.queue.Create(ctx, auctionID); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resource: create queue %s: %w", auctionID, err)
	}

	err = retry.Do(ctx, m.policy, func(ctx context.Context) error {
		return m.attach(ctx, auctionID)
	})
	if err != nil {
		return fmt.Errorf("resource: attach queue %s: %w", auctionID, err)
	}

	m.logger.InfoContext(ctx, "auction resources provisioned", slog.String("auction_id", auctionID))
	return nil
}

// attach serialises concurrent attachments of the same auction. A held lock
// surfaces as ErrLockHeld, which the caller retries.
func (m *Manager) attach(ctx context.Context, auctionID string) error {
	unlock, err := m.locks.Acquire(ctx, "attach:"+auctionID, m.lockTTL)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.sources.Attach(ctx, auctionID); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return err
	}
	return nil
}

// Teardown detaches the queue from the worker pool and deletes it. Resources
// already removed by an earlier, partial teardown are skipped.
func (m *Manager) Teardown(ctx context.Context, auctionID string) error {
	err := retry.Do(ctx, m.policy, func(ctx context.Context) error {
		if err := m.sources.Detach(ctx, auctionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resource: detach queue %s: %w", auctionID, err)
	}

	err = retry.Do(ctx, m.policy, func(ctx context.Context) error {
		if err := m.queue.Delete(ctx, auctionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resource: delete queue %s: %w", auctionID, err)
	}

	m.logger.InfoContext(ctx, "auction resources torn down", slog.String("auction_id", auctionID))
	return nil
}
