// Package memory implements the engine's storage and infrastructure interfaces
// in process memory. It backs the "memory" store backend for single-process
// development and the engine's unit tests; semantics mirror the Redis
// implementations, including conditional writes and queue deduplication.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

// AuctionStateStore is an in-memory domain.AuctionStateStore.
type AuctionStateStore struct {
	mu   sync.Mutex
	rows map[string]domain.Auction
}

// NewAuctionStateStore creates an empty store.
func NewAuctionStateStore() *AuctionStateStore {
	return &AuctionStateStore{rows: make(map[string]domain.Auction)}
}

func (s *AuctionStateStore) Create(_ context.Context, a domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[a.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.rows[a.ID] = a
	return nil
}

func (s *AuctionStateStore) Get(_ context.Context, id string) (domain.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return domain.Auction{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *AuctionStateStore) CompareAndSwap(_ context.Context, prev, next domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[prev.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != prev.Status || !cur.EndTime.Equal(prev.EndTime) || cur.SnipesRemaining != prev.SnipesRemaining {
		return domain.ErrStateConflict
	}
	s.rows[prev.ID] = next
	return nil
}

func (s *AuctionStateStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

// LeaderboardStore is an in-memory domain.LeaderboardStore.
type LeaderboardStore struct {
	mu   sync.Mutex
	rows map[string]map[string]domain.LeaderboardEntry
}

// NewLeaderboardStore creates an empty store.
func NewLeaderboardStore() *LeaderboardStore {
	return &LeaderboardStore{rows: make(map[string]map[string]domain.LeaderboardEntry)}
}

func (s *LeaderboardStore) Upsert(_ context.Context, e domain.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	board, ok := s.rows[e.AuctionID]
	if !ok {
		board = make(map[string]domain.LeaderboardEntry)
		s.rows[e.AuctionID] = board
	}
	board[e.BidderID] = e
	return nil
}

func (s *LeaderboardStore) List(_ context.Context, auctionID string) ([]domain.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	board := s.rows[auctionID]
	out := make([]domain.LeaderboardEntry, 0, len(board))
	for _, e := range board {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BidderID < out[j].BidderID })
	return out, nil
}

// ConnectionRegistry is an in-memory domain.ConnectionRegistry.
type ConnectionRegistry struct {
	mu    sync.Mutex
	conns map[string]map[string]domain.Subscription // connection -> auction -> sub
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[string]map[string]domain.Subscription)}
}

func (r *ConnectionRegistry) Put(_ context.Context, sub domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.conns[sub.ConnectionID]
	if !ok {
		subs = make(map[string]domain.Subscription)
		r.conns[sub.ConnectionID] = subs
	}
	subs[sub.AuctionID] = sub
	return nil
}

func (r *ConnectionRegistry) Remove(_ context.Context, connectionID string) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.conns[connectionID]
	delete(r.conns, connectionID)
	out := make([]domain.Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out, nil
}

func (r *ConnectionRegistry) ListByAuction(_ context.Context, auctionID string) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Subscription
	for _, subs := range r.conns {
		if s, ok := subs[auctionID]; ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out, nil
}

// Compile-time interface checks.
var (
	_ domain.AuctionStateStore  = (*AuctionStateStore)(nil)
	_ domain.LeaderboardStore   = (*LeaderboardStore)(nil)
	_ domain.ConnectionRegistry = (*ConnectionRegistry)(nil)
)
