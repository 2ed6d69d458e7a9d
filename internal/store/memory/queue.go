package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

type pendingMsg struct {
	msg         domain.QueueMessage
	consumer    string
	deliveredAt time.Time
}

type bidQueue struct {
	seq     int64
	ready   []domain.QueueMessage
	pending map[string]*pendingMsg
}

// BidQueue is an in-memory domain.BidQueue with per-auction FIFO order and
// time-bounded content deduplication.
type BidQueue struct {
	mu       sync.Mutex
	queues   map[string]*bidQueue
	dedup    map[string]time.Time // dedup key -> expiry
	dedupTTL time.Duration
	clock    domain.Clock
}

// NewBidQueue creates a queue set that suppresses repeated dedup keys for ttl.
func NewBidQueue(ttl time.Duration, clock domain.Clock) *BidQueue {
	return &BidQueue{
		queues:   make(map[string]*bidQueue),
		dedup:    make(map[string]time.Time),
		dedupTTL: ttl,
		clock:    clock,
	}
}

func (q *BidQueue) Create(_ context.Context, auctionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[auctionID]; ok {
		return domain.ErrAlreadyExists
	}
	q.queues[auctionID] = &bidQueue{pending: make(map[string]*pendingMsg)}
	return nil
}

func (q *BidQueue) Delete(_ context.Context, auctionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[auctionID]; !ok {
		return domain.ErrNotFound
	}
	delete(q.queues, auctionID)
	return nil
}

func (q *BidQueue) Exists(_ context.Context, auctionID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queues[auctionID]
	return ok, nil
}

func (q *BidQueue) Enqueue(_ context.Context, b domain.Bid) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	bq, ok := q.queues[b.AuctionID]
	if !ok {
		return false, domain.ErrNotFound
	}

	now := q.clock.Now()
	key := b.DedupKey()
	if exp, seen := q.dedup[key]; seen && now.Before(exp) {
		return false, nil
	}
	q.dedup[key] = now.Add(q.dedupTTL)

	bq.seq++
	bq.ready = append(bq.ready, domain.QueueMessage{ID: strconv.FormatInt(bq.seq, 10), Bid: b})
	return true, nil
}

func (q *BidQueue) Receive(_ context.Context, auctionID, consumer string, max int) ([]domain.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	bq, ok := q.queues[auctionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	n := len(bq.ready)
	if max > 0 && n > max {
		n = max
	}
	out := make([]domain.QueueMessage, n)
	copy(out, bq.ready[:n])
	bq.ready = bq.ready[n:]

	now := q.clock.Now()
	for _, m := range out {
		bq.pending[m.ID] = &pendingMsg{msg: m, consumer: consumer, deliveredAt: now}
	}
	return out, nil
}

func (q *BidQueue) Reclaim(_ context.Context, auctionID, consumer string, minIdle time.Duration, max int) ([]domain.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	bq, ok := q.queues[auctionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	now := q.clock.Now()
	var idle []*pendingMsg
	for _, p := range bq.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			idle = append(idle, p)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		a, _ := strconv.ParseInt(idle[i].msg.ID, 10, 64)
		b, _ := strconv.ParseInt(idle[j].msg.ID, 10, 64)
		return a < b
	})
	if max > 0 && len(idle) > max {
		idle = idle[:max]
	}
	out := make([]domain.QueueMessage, 0, len(idle))
	for _, p := range idle {
		p.consumer = consumer
		p.deliveredAt = now
		out = append(out, p.msg)
	}
	return out, nil
}

func (q *BidQueue) Ack(_ context.Context, auctionID string, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	bq, ok := q.queues[auctionID]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(bq.pending, id)
	}
	return nil
}

// EventSourceRegistry is an in-memory domain.EventSourceRegistry.
type EventSourceRegistry struct {
	mu      sync.Mutex
	sources map[string]struct{}
}

// NewEventSourceRegistry creates an empty registry.
func NewEventSourceRegistry() *EventSourceRegistry {
	return &EventSourceRegistry{sources: make(map[string]struct{})}
}

func (r *EventSourceRegistry) Attach(_ context.Context, auctionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[auctionID]; ok {
		return domain.ErrAlreadyExists
	}
	r.sources[auctionID] = struct{}{}
	return nil
}

func (r *EventSourceRegistry) Detach(_ context.Context, auctionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[auctionID]; !ok {
		return domain.ErrNotFound
	}
	delete(r.sources, auctionID)
	return nil
}

func (r *EventSourceRegistry) List(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sources))
	for id := range r.sources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// LockManager is an in-process domain.LockManager.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock domain.Clock
}

// NewLockManager creates a lock manager whose TTLs are measured on clock.
func NewLockManager(clock domain.Clock) *LockManager {
	return &LockManager{held: make(map[string]time.Time), clock: clock}
}

func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, domain.ErrLockHeld
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key].Equal(exp) {
				delete(l.held, key)
			}
		})
	}, nil
}

var (
	_ domain.BidQueue            = (*BidQueue)(nil)
	_ domain.EventSourceRegistry = (*EventSourceRegistry)(nil)
	_ domain.LockManager         = (*LockManager)(nil)
)
