package auction

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbid/internal/bidding"
	s3blob "github.com/alanyoungcy/flashbid/internal/blob/s3"
	"github.com/alanyoungcy/flashbid/internal/broadcast"
	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/domain/mocks"
	"github.com/alanyoungcy/flashbid/internal/leaderboard"
	"github.com/alanyoungcy/flashbid/internal/resource"
	"github.com/alanyoungcy/flashbid/internal/retry"
	"github.com/alanyoungcy/flashbid/internal/scheduler"
	"github.com/alanyoungcy/flashbid/internal/store/memory"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

var fastRetry = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

// countingResources counts teardowns of the wrapped manager.
type countingResources struct {
	*resource.Manager
	mu        sync.Mutex
	teardowns int
}

func (c *countingResources) Teardown(ctx context.Context, id string) error {
	c.mu.Lock()
	c.teardowns++
	c.mu.Unlock()
	return c.Manager.Teardown(ctx, id)
}

type recordingPusher struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func (p *recordingPusher) Push(_ context.Context, id string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent[id] = append(p.sent[id], payload)
	return nil
}

// failingScheduler fails to arm one trigger kind.
type failingScheduler struct {
	*scheduler.Adapter
	failKind domain.TriggerKind
}

func (f failingScheduler) Arm(ctx context.Context, kind domain.TriggerKind, id string, at time.Time, p map[string]string) error {
	if kind == f.failKind {
		return domain.Transient(errors.New("timer service unavailable"))
	}
	return f.Adapter.Arm(ctx, kind, id, at, p)
}

type alerts struct {
	mu     sync.Mutex
	events []string
}

func (a *alerts) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

type env struct {
	clock      *memory.ManualClock
	states     *memory.AuctionStateStore
	timers     *memory.TimerService
	queue      *memory.BidQueue
	resources  *countingResources
	pusher     *recordingPusher
	blobs      *memory.BlobStore
	alerts     *alerts
	dispatcher *scheduler.Dispatcher
	machine    *Machine
	proc       *bidding.Processor
	pool       *bidding.Pool
}

type envOption func(*Deps)

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := memory.NewManualClock(t0)
	states := memory.NewAuctionStateStore()
	timers := memory.NewTimerService()
	queue := memory.NewBidQueue(time.Minute, clock)
	sources := memory.NewEventSourceRegistry()
	locks := memory.NewLockManager(clock)
	pusher := &recordingPusher{sent: map[string][][]byte{}}
	blobs := memory.NewBlobStore()
	al := &alerts{}

	adapter := scheduler.NewAdapter(timers, fastRetry, logger)
	resources := &countingResources{Manager: resource.NewManager(queue, sources, locks, fastRetry, logger)}
	board := leaderboard.NewEngine(memory.NewLeaderboardStore(), logger)
	fanout := broadcast.NewFanout(memory.NewConnectionRegistry(), pusher, clock, logger)

	deps := Deps{
		States:    states,
		Scheduler: adapter,
		Resources: resources,
		Board:     board,
		Fanout:    fanout,
		Blobs:     blobs,
		History:   s3blob.NewArchive(blobs, blobs),
		Alerter:   al,
		Clock:     clock,
	}
	for _, o := range opts {
		o(&deps)
	}
	machine := NewMachine(deps, Config{ResourceLead: 3 * time.Minute}, logger)
	dispatcher := scheduler.NewDispatcher(timers, clock, al, scheduler.DispatcherConfig{RetryDelay: time.Second, MaxAttempts: 3}, logger)
	machine.Register(dispatcher)

	proc := bidding.NewProcessor(bidding.Deps{
		States:    states,
		Queue:     queue,
		Board:     board,
		Scheduler: adapter,
		Fanout:    fanout,
		Clock:     clock,
	}, logger)
	pool := bidding.NewPool(queue, sources, locks, proc, al, bidding.PoolConfig{Workers: 1}, logger)

	return &env{
		clock: clock, states: states, timers: timers, queue: queue, resources: resources,
		pusher: pusher, blobs: blobs, alerts: al, dispatcher: dispatcher,
		machine: machine, proc: proc, pool: pool,
	}
}

func (e *env) fire(t *testing.T) int {
	t.Helper()
	n, err := e.dispatcher.FireDue(context.Background())
	require.NoError(t, err)
	return n
}

func (e *env) status(t *testing.T, id string) domain.Auction {
	t.Helper()
	a, err := e.states.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func newAuction(start, end time.Time) domain.NewAuction {
	return domain.NewAuction{
		Item:        "vintage lamp",
		BasePrice:   decimal.NewFromInt(50),
		StartTime:   start,
		EndTime:     end,
		Extension:   20 * time.Second,
		SnipeWindow: 10 * time.Second,
		SnipeBudget: 1,
		CreatedBy:   "seller-1",
	}
}

func TestEndToEnd_SnipeThenEnd(t *testing.T) {
	ctrl := gomock.NewController(t)
	mail := mocks.NewMockMailDispatcher(ctrl)
	users := mocks.NewMockUserDirectory(ctrl)

	var jobs []domain.MailJob
	users.EXPECT().ListUsers(gomock.Any()).Return([]domain.User{
		{ID: "u1", Name: "Ana", Email: "ana@example.com"},
		{ID: "u2", Name: "Ben", Email: "ben@example.com"},
	}, nil)
	users.EXPECT().GetUser(gomock.Any(), "u1").Return(domain.User{ID: "u1", Email: "ana@example.com"}, nil)
	mail.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, job domain.MailJob) error {
		jobs = append(jobs, job)
		return nil
	}).Times(3)

	e := newEnv(t, func(d *Deps) {
		d.Mail = mail
		d.Users = users
	})
	ctx := context.Background()

	id, err := e.machine.CreateAuction(ctx, newAuction(t0.Add(5*time.Second), t0.Add(35*time.Second)))
	require.NoError(t, err)

	// Start is within the resource lead, so provisioning ran inline.
	require.Equal(t, domain.StatusCreating, e.status(t, id).Status)
	ok, err := e.queue.Exists(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	_, armed := e.timers.Lookup(domain.TriggerName(domain.TriggerCreateResources, id))
	require.False(t, armed)

	e.clock.Advance(6 * time.Second)
	e.fire(t)
	require.Equal(t, domain.StatusStarted, e.status(t, id).Status)

	// remaining = 8s
	e.clock.Set(t0.Add(27 * time.Second))
	res, err := e.proc.Submit(ctx, id, "u1", "Ana", decimal.NewFromInt(75))
	require.NoError(t, err)
	require.True(t, res.Enqueued)
	_, err = e.pool.DrainOnce(ctx)
	require.NoError(t, err)

	a := e.status(t, id)
	require.Equal(t, domain.StatusSniped, a.Status)
	require.True(t, a.EndTime.Equal(t0.Add(55*time.Second)))
	require.Equal(t, 0, a.SnipesRemaining)

	// The original end instant passes without ending the auction.
	e.clock.Set(t0.Add(36 * time.Second))
	require.Equal(t, 0, e.fire(t))
	require.Equal(t, domain.StatusSniped, e.status(t, id).Status)

	e.clock.Set(t0.Add(56 * time.Second))
	require.Equal(t, 1, e.fire(t))
	a = e.status(t, id)
	require.Equal(t, domain.StatusEnded, a.Status)
	require.False(t, a.EndTime.Before(a.StartTime))
	require.Equal(t, 1, e.resources.teardowns)

	ok, err = e.queue.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, e.timers.Len())
	hist, err := e.machine.BidHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, hist.Winners, 1)
	assert.True(t, hist.EndTime.Equal(a.EndTime))

	// Nothing left to fire; teardown is not repeated.
	e.clock.Advance(time.Hour)
	require.Equal(t, 0, e.fire(t))
	require.Equal(t, 1, e.resources.teardowns)

	require.Len(t, jobs, 3)
	assert.Equal(t, domain.MailNewAuction, jobs[0].Kind)
	assert.Equal(t, domain.MailNewAuction, jobs[1].Kind)
	assert.Equal(t, domain.MailResults, jobs[2].Kind)
	assert.Equal(t, []string{"ana@example.com"}, jobs[2].To)
}

func TestCreateAuction_ArmsCreateResourcesAhead(t *testing.T) {
	e := newEnv(t)
	start := t0.Add(time.Hour)

	id, err := e.machine.CreateAuction(context.Background(), newAuction(start, start.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, domain.StatusScheduled, e.status(t, id).Status)

	trig, ok := e.timers.Lookup(domain.TriggerName(domain.TriggerCreateResources, id))
	require.True(t, ok)
	require.True(t, trig.FireAt.Equal(start.Add(-3*time.Minute)))
	require.Equal(t, 3, e.timers.Len())

	e.clock.Set(trig.FireAt)
	e.fire(t)
	require.Equal(t, domain.StatusCreating, e.status(t, id).Status)
}

func TestCreateAuction_StoresImages(t *testing.T) {
	e := newEnv(t)
	start := t0.Add(time.Hour)
	in := newAuction(start, start.Add(time.Hour))
	in.Images = [][]byte{[]byte("front"), []byte("back")}

	id, err := e.machine.CreateAuction(context.Background(), in)
	require.NoError(t, err)

	for i := range in.Images {
		ct, ok := e.blobs.ContentType(domain.ImagePath(id, i))
		require.True(t, ok, "image %d stored", i)
		require.Equal(t, "image/jpeg", ct)
	}
}

func TestCreateAuction_Invalid(t *testing.T) {
	e := newEnv(t)
	in := newAuction(t0.Add(time.Hour), t0)
	in.Item = ""
	_, err := e.machine.CreateAuction(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrInvalidAuction)
	require.Equal(t, 0, e.timers.Len())
}

func TestCreateAuction_ArmFailureIsFatal(t *testing.T) {
	e := newEnv(t, func(d *Deps) {
		d.Scheduler = failingScheduler{Adapter: d.Scheduler.(*scheduler.Adapter), failKind: domain.TriggerStart}
	})

	_, err := e.machine.CreateAuction(context.Background(), newAuction(t0.Add(time.Hour), t0.Add(2*time.Hour)))
	require.ErrorIs(t, err, domain.ErrFatal)
	require.Equal(t, 0, e.timers.Len(), "armed triggers rolled back")
	require.Contains(t, e.alerts.events, "auction_create_failed")
}

func TestStaleTriggersDoNotRegress(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id, err := e.machine.CreateAuction(ctx, newAuction(t0.Add(time.Second), t0.Add(time.Minute)))
	require.NoError(t, err)

	// An end trigger firing before the stored end re-arms instead of ending.
	require.NoError(t, e.machine.OnEnd(ctx, domain.Trigger{Kind: domain.TriggerEnd, AuctionID: id}))
	require.Equal(t, domain.StatusCreating, e.status(t, id).Status)
	trig, ok := e.timers.Lookup(domain.TriggerName(domain.TriggerEnd, id))
	require.True(t, ok)
	require.True(t, trig.FireAt.Equal(t0.Add(time.Minute)))

	e.clock.Set(t0.Add(2 * time.Minute))
	e.fire(t)
	require.Equal(t, domain.StatusEnded, e.status(t, id).Status)

	// Re-fired start and create-resources after the end are no-ops.
	require.NoError(t, e.machine.OnStart(ctx, domain.Trigger{Kind: domain.TriggerStart, AuctionID: id}))
	require.NoError(t, e.machine.OnCreateResources(ctx, domain.Trigger{Kind: domain.TriggerCreateResources, AuctionID: id}))
	require.Equal(t, domain.StatusEnded, e.status(t, id).Status)
	require.Equal(t, 1, e.resources.teardowns)
}

func TestEndFiredEarlyInLifecycleStepsThrough(t *testing.T) {
	e := newEnv(t)
	start := t0.Add(time.Hour)
	id, err := e.machine.CreateAuction(context.Background(), newAuction(start, start.Add(time.Minute)))
	require.NoError(t, err)

	// The process was down through the whole auction; all three fire at once.
	e.clock.Set(start.Add(2 * time.Minute))
	require.Equal(t, 3, e.fire(t))
	require.Equal(t, domain.StatusEnded, e.status(t, id).Status)
	require.Equal(t, 1, e.resources.teardowns)
}

func TestQueries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id, err := e.machine.CreateAuction(ctx, newAuction(t0.Add(time.Second), t0.Add(time.Minute)))
	require.NoError(t, err)

	e.clock.Advance(2 * time.Second)
	e.fire(t)

	view, err := e.machine.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusStarted, view.Status)
	require.Equal(t, 58*time.Second, view.RemainingTime)

	_, err = e.machine.Status(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = e.machine.Leaderboard(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, e.machine.Join(ctx, "conn-1", id, "u1"))
	require.Len(t, e.pusher.sent["conn-1"], 2, "state and leaderboard snapshot")
	require.ErrorIs(t, e.machine.Join(ctx, "conn-2", "missing", ""), domain.ErrNotFound)

	require.NoError(t, e.machine.Leave(ctx, "conn-1"))
	require.NoError(t, e.machine.Leave(ctx, "conn-1"))
}
