package bidding

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/metrics"
)

// PoolConfig tunes the bid worker pool.
type PoolConfig struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	LockTTL      time.Duration
	MaxAttempts  int           // deliveries before a failing bid is dropped
	DedupTTL     time.Duration // how long processed message ids are remembered
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	return c
}

// Pool drains every attached bid queue. Each auction is consumed by at most
// one worker at a time, under a per-auction lock, so its bids are applied in
// queue order; different auctions are drained in parallel.
type Pool struct {
	queue    domain.BidQueue
	sources  domain.EventSourceRegistry
	locks    domain.LockManager
	proc     *Processor
	dedup    *Dedup
	alerter  domain.Alerter
	cfg      PoolConfig
	consumer string
	logger   *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

// NewPool creates a Pool. alerter may be nil.
func NewPool(queue domain.BidQueue, sources domain.EventSourceRegistry, locks domain.LockManager, proc *Processor, alerter domain.Alerter, cfg PoolConfig, logger *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		queue:    queue,
		sources:  sources,
		locks:    locks,
		proc:     proc,
		dedup:    NewDedup(cfg.DedupTTL, proc.Clock),
		alerter:  alerter,
		cfg:      cfg,
		consumer: "worker-" + uuid.NewString()[:8],
		logger:   logger.With(slog.String("component", "bid-workers")),
		attempts: make(map[string]int),
	}
}

// Run drains attached queues every poll interval until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("bid worker pool started",
		slog.String("consumer", p.consumer),
		slog.Int("workers", p.cfg.Workers),
		slog.Duration("poll_interval", p.cfg.PollInterval),
	)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("bid worker pool stopped")
			return ctx.Err()
		case <-cleanup.C:
			p.dedup.Cleanup()
		case <-ticker.C:
			if _, err := p.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("drain cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// DrainOnce runs one drain cycle over all attached queues and returns the
// number of bids processed.
func (p *Pool) DrainOnce(ctx context.Context) (int, error) {
	ids, err := p.sources.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("bidding: list sources: %w", err)
	}
	metrics.ActiveSources.Set(float64(len(ids)))
	if len(ids) == 0 {
		return 0, nil
	}

	parts := make([][]string, p.cfg.Workers)
	for _, id := range ids {
		i := partition(id, p.cfg.Workers)
		parts[i] = append(parts[i], id)
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		g.Go(func() error {
			for _, id := range part {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				n, err := p.drain(gctx, id)
				total.Add(int64(n))
				if err != nil {
					p.logger.WarnContext(gctx, "drain failed",
						slog.String("auction_id", id),
						slog.String("error", err.Error()),
					)
				}
			}
			return nil
		})
	}
	err = g.Wait()
	return int(total.Load()), err
}

// drain processes one auction's queue under its consume lock. Entries left
// pending by an earlier failed or crashed consumer are replayed before new
// ones are read.
func (p *Pool) drain(ctx context.Context, auctionID string) (int, error) {
	unlock, err := p.locks.Acquire(ctx, "consume:"+auctionID, p.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return 0, nil
		}
		return 0, err
	}
	defer unlock()

	pending, err := p.queue.Reclaim(ctx, auctionID, p.consumer, 0, p.cfg.BatchSize)
	if err != nil {
		return 0, p.sourceErr(auctionID, err)
	}
	n, stopped := p.processBatch(ctx, auctionID, pending)
	if stopped {
		return n, nil
	}

	msgs, err := p.queue.Receive(ctx, auctionID, p.consumer, p.cfg.BatchSize)
	if err != nil {
		return n, p.sourceErr(auctionID, err)
	}
	m, _ := p.processBatch(ctx, auctionID, msgs)
	return n + m, nil
}

// processBatch applies msgs in order. It stops at the first bid that must be
// redelivered so that later bids are not applied ahead of it.
func (p *Pool) processBatch(ctx context.Context, auctionID string, msgs []domain.QueueMessage) (int, bool) {
	processed := 0
	for _, m := range msgs {
		key := auctionID + "/" + m.ID
		if p.dedup.Seen(key) {
			p.ack(ctx, auctionID, m.ID)
			continue
		}

		if err := p.proc.Process(ctx, m.Bid); err != nil {
			if p.bumpAttempts(key) < p.cfg.MaxAttempts {
				p.logger.WarnContext(ctx, "bid processing failed, will retry",
					slog.String("auction_id", auctionID),
					slog.String("message_id", m.ID),
					slog.String("error", err.Error()),
				)
				return processed, true
			}
			p.logger.ErrorContext(ctx, "bid dropped after repeated failures",
				slog.String("auction_id", auctionID),
				slog.String("message_id", m.ID),
				slog.String("bidder_id", m.Bid.BidderID),
				slog.String("error", err.Error()),
			)
			p.alert(ctx, auctionID, m, err)
		}

		p.clearAttempts(key)
		p.dedup.Mark(key)
		p.ack(ctx, auctionID, m.ID)
		processed++
	}
	return processed, false
}

// sourceErr treats a queue deleted under a stale registry entry as empty.
func (p *Pool) sourceErr(auctionID string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("bidding: read queue %s: %w", auctionID, err)
}

func (p *Pool) ack(ctx context.Context, auctionID, id string) {
	if err := p.queue.Ack(ctx, auctionID, id); err != nil {
		p.logger.WarnContext(ctx, "ack failed",
			slog.String("auction_id", auctionID),
			slog.String("message_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) alert(ctx context.Context, auctionID string, m domain.QueueMessage, cause error) {
	if p.alerter == nil {
		return
	}
	msg := fmt.Sprintf("bid %s from %s on auction %s dropped after %d attempts: %v",
		m.ID, m.Bid.BidderID, auctionID, p.cfg.MaxAttempts, cause)
	if err := p.alerter.Notify(ctx, "bid_dropped", "Bid dropped", msg); err != nil {
		p.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
	}
}

func (p *Pool) bumpAttempts(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[key]++
	return p.attempts[key]
}

func (p *Pool) clearAttempts(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempts, key)
}

func partition(id string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(n))
}
