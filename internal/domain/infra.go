package domain

import (
	"context"
	"time"
)

// Clock supplies the current time. Engine components never call time.Now
// directly so that tests can drive them deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// TimerService is a durable scheduler of named triggers.
type TimerService interface {
	// Put creates or atomically replaces the trigger with t.Name.
	Put(ctx context.Context, t Trigger) error
	// Delete removes a trigger. It returns ErrNotFound when absent.
	Delete(ctx context.Context, name string) error
	// ClaimDue leases up to limit triggers due at now. A leased trigger fires
	// again after lease unless it is completed or replaced first.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Trigger, error)
	// Complete removes a claimed trigger unless it was re-armed after the claim.
	Complete(ctx context.Context, t Trigger) error
}

// QueueMessage is one delivery from a bid queue.
type QueueMessage struct {
	ID  string
	Bid Bid
}

// BidQueue is the per-auction ordered, deduplicated queue of bids.
type BidQueue interface {
	// Create returns ErrAlreadyExists if the auction queue exists.
	Create(ctx context.Context, auctionID string) error
	// Delete returns ErrNotFound if the queue does not exist.
	Delete(ctx context.Context, auctionID string) error
	Exists(ctx context.Context, auctionID string) (bool, error)
	// Enqueue appends b to its auction's queue. It reports false when the
	// submission was suppressed as a duplicate and ErrNotFound when the queue
	// does not exist.
	Enqueue(ctx context.Context, b Bid) (bool, error)
	// Receive returns the next undelivered messages in order.
	Receive(ctx context.Context, auctionID, consumer string, max int) ([]QueueMessage, error)
	// Reclaim takes over messages delivered but unacknowledged for minIdle.
	Reclaim(ctx context.Context, auctionID, consumer string, minIdle time.Duration, max int) ([]QueueMessage, error)
	Ack(ctx context.Context, auctionID string, ids ...string) error
}

// EventSourceRegistry records which auction queues feed the worker pool.
type EventSourceRegistry interface {
	// Attach returns ErrAlreadyExists when the source is already attached.
	Attach(ctx context.Context, auctionID string) error
	// Detach returns ErrNotFound when the source is not attached.
	Detach(ctx context.Context, auctionID string) error
	List(ctx context.Context) ([]string, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Pusher delivers an encoded message to one live connection. It returns
// ErrConnectionGone when the connection no longer exists.
type Pusher interface {
	Push(ctx context.Context, connectionID string, payload []byte) error
}

// Mail job kinds.
const (
	MailNewAuction = "new_auction"
	MailResults    = "auction_results"
)

// MailJob is a notification payload handed to the outbound mail dispatcher.
type MailJob struct {
	Kind      string         `json:"kind"`
	AuctionID string         `json:"auction_id"`
	To        []string       `json:"to"`
	Subject   string         `json:"subject"`
	Data      map[string]any `json:"data,omitempty"`
}

//go:generate mockgen -destination=mocks/mock_mail.go -package=mocks github.com/alanyoungcy/flashbid/internal/domain MailDispatcher,UserDirectory

// MailDispatcher emits mail jobs to the outbound mail pipeline.
type MailDispatcher interface {
	Dispatch(ctx context.Context, job MailJob) error
}

// Alerter routes operator-facing alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}
