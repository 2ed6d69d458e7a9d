package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbid/internal/broadcast"
	"github.com/alanyoungcy/flashbid/internal/domain"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, _ := newTestServer(t)
	return c
}

func newTestServer(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb), mr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestAuctionStateStore(t *testing.T) {
	ctx := context.Background()
	s := NewAuctionStateStore(newTestClient(t))

	a := domain.Auction{
		ID:              "a1",
		Item:            "lamp",
		BasePrice:       decimal.RequireFromString("12.50"),
		StartTime:       t0,
		EndTime:         t0.Add(time.Hour),
		Status:          domain.StatusStarted,
		SnipesRemaining: 2,
		Extension:       2 * time.Minute,
		SnipeWindow:     time.Minute,
	}
	require.NoError(t, s.Create(ctx, a))
	require.ErrorIs(t, s.Create(ctx, a), domain.ErrAlreadyExists)

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarted, got.Status)
	assert.True(t, got.EndTime.Equal(a.EndTime))
	assert.True(t, got.BasePrice.Equal(a.BasePrice))
	assert.Equal(t, 2*time.Minute, got.Extension)

	next := got.Extended(t0.Add(59 * time.Minute))
	require.NoError(t, s.CompareAndSwap(ctx, got, next))

	// A writer still holding the old row loses.
	require.ErrorIs(t, s.CompareAndSwap(ctx, got, next), domain.ErrStateConflict)

	cur, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSniped, cur.Status)
	assert.Equal(t, 1, cur.SnipesRemaining)
	assert.True(t, cur.EndTime.Equal(t0.Add(62*time.Minute)))

	require.NoError(t, s.Delete(ctx, "a1"))
	_, err = s.Get(ctx, "a1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, s.CompareAndSwap(ctx, cur, cur), domain.ErrNotFound)
}

func TestLeaderboardStore_OverwritesBidder(t *testing.T) {
	ctx := context.Background()
	s := NewLeaderboardStore(newTestClient(t))

	require.NoError(t, s.Upsert(ctx, domain.LeaderboardEntry{AuctionID: "a1", BidderID: "u1", Amount: decimal.NewFromInt(100), Timestamp: t0}))
	require.NoError(t, s.Upsert(ctx, domain.LeaderboardEntry{AuctionID: "a1", BidderID: "u2", Amount: decimal.NewFromInt(90), Timestamp: t0}))
	require.NoError(t, s.Upsert(ctx, domain.LeaderboardEntry{AuctionID: "a1", BidderID: "u1", Amount: decimal.NewFromInt(80), Timestamp: t0.Add(time.Second)}))

	rows, err := s.List(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		if r.BidderID == "u1" {
			assert.True(t, r.Amount.Equal(decimal.NewFromInt(80)))
		}
	}

	empty, err := s.List(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestConnectionRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewConnectionRegistry(newTestClient(t), testLogger())

	require.NoError(t, r.Put(ctx, domain.Subscription{ConnectionID: "c1", AuctionID: "a1", BidderID: "u1"}))
	require.NoError(t, r.Put(ctx, domain.Subscription{ConnectionID: "c2", AuctionID: "a1"}))
	require.NoError(t, r.Put(ctx, domain.Subscription{ConnectionID: "c1", AuctionID: "a2"}))

	subs, err := r.ListByAuction(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "c1", subs[0].ConnectionID)
	assert.Equal(t, "u1", subs[0].BidderID)

	removed, err := r.Remove(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, removed, 2)

	removed, err = r.Remove(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, removed)

	subs, err = r.ListByAuction(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "c2", subs[0].ConnectionID)
}

func TestConnectionRegistry_PrunesStaleMembers(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestServer(t)
	r := NewConnectionRegistry(c, testLogger())

	require.NoError(t, r.Put(ctx, domain.Subscription{ConnectionID: "c1", AuctionID: "a1"}))
	_, err := mr.SAdd(auctionConnsKey("a1"), "ghost")
	require.NoError(t, err)

	subs, err := r.ListByAuction(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "c1", subs[0].ConnectionID)

	members, err := mr.Members(auctionConnsKey("a1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, members)
}

func TestTimerService_ClaimReplaceComplete(t *testing.T) {
	ctx := context.Background()
	s := NewTimerService(newTestClient(t), testLogger())
	name := domain.TriggerName(domain.TriggerEnd, "a1")

	trig := domain.Trigger{Name: name, Kind: domain.TriggerEnd, AuctionID: "a1", FireAt: t0}
	require.NoError(t, s.Put(ctx, trig))

	due, err := s.ClaimDue(ctx, t0.Add(-time.Second), time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ClaimDue(ctx, t0, 5*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, domain.TriggerEnd, due[0].Kind)
	assert.Equal(t, "a1", due[0].AuctionID)
	assert.Equal(t, 1, due[0].Attempts)
	assert.True(t, due[0].FireAt.Equal(t0))

	// Leased: not due again until the lease lapses.
	again, err := s.ClaimDue(ctx, t0.Add(time.Second), 5*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Re-armed while claimed; completing the old claim keeps the new trigger.
	require.NoError(t, s.Put(ctx, domain.Trigger{Name: name, Kind: domain.TriggerEnd, AuctionID: "a1", FireAt: t0.Add(time.Minute)}))
	require.NoError(t, s.Complete(ctx, due[0]))

	due, err = s.ClaimDue(ctx, t0.Add(time.Minute), time.Second, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].FireAt.Equal(t0.Add(time.Minute)))
	assert.Equal(t, 1, due[0].Attempts)

	require.NoError(t, s.Complete(ctx, due[0]))
	require.ErrorIs(t, s.Delete(ctx, name), domain.ErrNotFound)
}

func TestTimerService_ExtendedWhileClaimed(t *testing.T) {
	ctx := context.Background()
	s := NewTimerService(newTestClient(t), testLogger())
	name := domain.TriggerName(domain.TriggerEnd, "a1")
	extended := t0.Add(20 * time.Second)

	require.NoError(t, s.Put(ctx, domain.Trigger{Name: name, Kind: domain.TriggerEnd, AuctionID: "a1", FireAt: t0}))
	claimed, err := s.ClaimDue(ctx, t0, 5*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A bid extends the end after the claim; the handler sees the new end
	// time and re-arms at it.
	require.NoError(t, s.Put(ctx, domain.Trigger{Name: name, Kind: domain.TriggerEnd, AuctionID: "a1", FireAt: extended}))
	assert.True(t, claimed[0].FireAt.Equal(t0), "claim carries the fire time it was claimed at")
	require.NoError(t, s.Put(ctx, domain.Trigger{Name: name, Kind: domain.TriggerEnd, AuctionID: "a1", FireAt: extended}))
	require.NoError(t, s.Complete(ctx, claimed[0]))

	due, err := s.ClaimDue(ctx, extended, 5*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "the extended trigger survives completion of the old claim")
	assert.True(t, due[0].FireAt.Equal(extended))
}

func TestTimerService_DropsCorruptTrigger(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestServer(t)
	s := NewTimerService(c, testLogger())
	name := domain.TriggerName(domain.TriggerStart, "a1")

	require.NoError(t, s.Put(ctx, domain.Trigger{Name: name, Kind: domain.TriggerStart, AuctionID: "a1", FireAt: t0}))
	mr.HSet(triggerKey(name), "payload", "{not json")

	due, err := s.ClaimDue(ctx, t0, time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.False(t, mr.Exists(triggerKey(name)))
	require.ErrorIs(t, s.Delete(ctx, name), domain.ErrNotFound)
}

func TestBidQueue_DedupOrderAck(t *testing.T) {
	ctx := context.Background()
	q := NewBidQueue(newTestClient(t), time.Minute)

	bid := func(bidder string, amount int64) domain.Bid {
		return domain.Bid{AuctionID: "a1", BidderID: bidder, Amount: decimal.NewFromInt(amount), Timestamp: t0}
	}

	_, err := q.Enqueue(ctx, bid("u1", 10))
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, q.Create(ctx, "a1"))
	require.ErrorIs(t, q.Create(ctx, "a1"), domain.ErrAlreadyExists)
	ok, err := q.Exists(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)

	for _, b := range []domain.Bid{bid("u1", 10), bid("u2", 20), bid("u1", 10)} {
		_, err := q.Enqueue(ctx, b)
		require.NoError(t, err)
	}

	msgs, err := q.Receive(ctx, "a1", "w1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "u1", msgs[0].Bid.BidderID)
	assert.Equal(t, "u2", msgs[1].Bid.BidderID)
	assert.True(t, msgs[1].Bid.Amount.Equal(decimal.NewFromInt(20)))

	require.NoError(t, q.Ack(ctx, "a1", msgs[0].ID, msgs[1].ID))
	msgs, err = q.Receive(ctx, "a1", "w1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, q.Delete(ctx, "a1"))
	require.ErrorIs(t, q.Delete(ctx, "a1"), domain.ErrNotFound)
}

func TestEventSourceRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewEventSourceRegistry(newTestClient(t))

	require.NoError(t, r.Attach(ctx, "a1"))
	require.ErrorIs(t, r.Attach(ctx, "a1"), domain.ErrAlreadyExists)
	ids, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids)

	require.NoError(t, r.Detach(ctx, "a1"))
	require.ErrorIs(t, r.Detach(ctx, "a1"), domain.ErrNotFound)
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager(newTestClient(t))

	unlock, err := lm.Acquire(ctx, "attach:a1", time.Minute)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "attach:a1", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	unlock2, err := lm.Acquire(ctx, "attach:a1", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(newTestClient(t), fixedClock{now: t0})

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "bid:u1", 2, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "bid:u1", 2, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "bid:u2", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPushRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay := NewPushRelay(newTestClient(t), time.Minute, testLogger())

	require.ErrorIs(t, relay.Push(ctx, "c1", []byte(`{}`)), domain.ErrConnectionGone)

	require.NoError(t, relay.Claim(ctx, "c1"))
	// Claimed but nobody listening on the owner's channel.
	require.ErrorIs(t, relay.Push(ctx, "c1", []byte(`{}`)), domain.ErrConnectionGone)

	ch, err := relay.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, relay.Push(ctx, "c1", []byte(`{"type":"state_update"}`)))

	select {
	case env := <-ch:
		assert.Equal(t, "c1", env.ConnectionID)
		assert.JSONEq(t, `{"type":"state_update"}`, string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("push not relayed")
	}

	require.NoError(t, relay.Release(ctx, "c1"))
	require.ErrorIs(t, relay.Push(ctx, "c1", []byte(`{}`)), domain.ErrConnectionGone)
}

func TestPushRelay_ReleaseKeepsOtherOwner(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	a := NewPushRelay(c, time.Minute, testLogger())
	b := NewPushRelay(c, time.Minute, testLogger())
	require.NotEqual(t, a.ServerID(), b.ServerID())

	require.NoError(t, a.Claim(ctx, "c1"))
	require.NoError(t, b.Claim(ctx, "c1"))
	require.NoError(t, a.Release(ctx, "c1"))

	owner, err := c.Underlying().Get(ctx, ownerKey("c1")).Result()
	require.NoError(t, err)
	assert.Equal(t, b.ServerID(), owner)
}

func TestPushRelay_ClaimExpiresWithoutHeartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, mr := newTestServer(t)
	relay := NewPushRelay(c, 30*time.Second, testLogger())

	_, err := relay.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, relay.Claim(ctx, "kept"))
	require.NoError(t, relay.Claim(ctx, "lapsed"))

	mr.FastForward(20 * time.Second)
	require.NoError(t, relay.Refresh(ctx, []string{"kept"}))
	mr.FastForward(20 * time.Second)

	assert.NoError(t, relay.Push(ctx, "kept", []byte(`{}`)))
	assert.ErrorIs(t, relay.Push(ctx, "lapsed", []byte(`{}`)), domain.ErrConnectionGone)
}

func TestFanout_ReportsStaleConnectionThroughRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestClient(t)
	registry := NewConnectionRegistry(c, testLogger())
	server := NewPushRelay(c, time.Minute, testLogger())
	engine := NewPushRelay(c, time.Minute, testLogger())

	received, err := server.Subscribe(ctx)
	require.NoError(t, err)
	for _, id := range []string{"c1", "c2", "stale"} {
		require.NoError(t, registry.Put(ctx, domain.Subscription{ConnectionID: id, AuctionID: "a1"}))
	}
	require.NoError(t, server.Claim(ctx, "c1"))
	require.NoError(t, server.Claim(ctx, "c2"))

	fanout := broadcast.NewFanout(registry, engine, fixedClock{now: t0}, testLogger())
	report, err := fanout.Broadcast(ctx, "a1", domain.NewLeaderboardUpdate("a1", nil))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered)
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed["stale"], domain.ErrConnectionGone)

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case env := <-received:
			got[env.ConnectionID] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("relayed %v, want c1 and c2", got)
		}
	}
}
