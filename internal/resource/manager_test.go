package resource

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/retry"
	"github.com/alanyoungcy/flashbid/internal/store/memory"
)

var fastRetry = retry.Policy{Attempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// contendedLocks reports the lock as held for the first n acquisitions.
type contendedLocks struct {
	held     int
	attempts int
}

func (c *contendedLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	c.attempts++
	if c.attempts <= c.held {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

type failingSources struct {
	*memory.EventSourceRegistry
}

func (failingSources) Attach(context.Context, string) error {
	return errors.New("mapping service unavailable")
}

func newManager(t *testing.T, locks domain.LockManager) (*Manager, *memory.BidQueue, *memory.EventSourceRegistry) {
	t.Helper()
	clock := memory.NewManualClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	q := memory.NewBidQueue(time.Minute, clock)
	src := memory.NewEventSourceRegistry()
	if locks == nil {
		locks = memory.NewLockManager(clock)
	}
	return NewManager(q, src, locks, fastRetry, slog.New(slog.NewTextHandler(io.Discard, nil))), q, src
}

func TestProvision_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, q, src := newManager(t, nil)

	require.NoError(t, m.Provision(ctx, "a1"))
	require.NoError(t, m.Provision(ctx, "a1"))

	ok, err := q.Exists(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	ids, err := src.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a1"}, ids)
}

func TestProvision_RetriesAttachRace(t *testing.T) {
	locks := &contendedLocks{held: 2}
	m, _, src := newManager(t, locks)

	require.NoError(t, m.Provision(context.Background(), "a1"))
	require.Equal(t, 3, locks.attempts)
	ids, _ := src.List(context.Background())
	require.Equal(t, []string{"a1"}, ids)
}

func TestProvision_SurfacesAfterBound(t *testing.T) {
	clock := memory.NewManualClock(time.Now())
	q := memory.NewBidQueue(time.Minute, clock)
	m := NewManager(q, failingSources{memory.NewEventSourceRegistry()}, memory.NewLockManager(clock), fastRetry,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := m.Provision(context.Background(), "a1")
	require.ErrorIs(t, err, domain.ErrTransient)
}

func TestTeardown_ToleratesPartialPriorTeardown(t *testing.T) {
	ctx := context.Background()
	m, q, src := newManager(t, nil)
	require.NoError(t, m.Provision(ctx, "a1"))

	// A previous teardown detached but crashed before deleting the queue.
	require.NoError(t, src.Detach(ctx, "a1"))
	require.NoError(t, m.Teardown(ctx, "a1"))

	ok, err := q.Exists(ctx, "a1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Teardown(ctx, "a1"))
	require.NoError(t, m.Teardown(ctx, "never-provisioned"))
}
