package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/metrics"
)

// Handler runs the transition for a fired trigger.
type Handler func(ctx context.Context, t domain.Trigger) error

// DispatcherConfig tunes trigger polling.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// RetryDelay is the lease on a claimed trigger; a failed handler sees the
	// trigger again once it lapses.
	RetryDelay  time.Duration
	MaxAttempts int
}

// Dispatcher claims due triggers from the TimerService and routes each to the
// handler registered for its kind.
type Dispatcher struct {
	timers   domain.TimerService
	clock    domain.Clock
	alerter  domain.Alerter
	cfg      DispatcherConfig
	handlers map[domain.TriggerKind]Handler
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. alerter may be nil.
func NewDispatcher(timers domain.TimerService, clock domain.Clock, alerter domain.Alerter, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Dispatcher{
		timers:   timers,
		clock:    clock,
		alerter:  alerter,
		cfg:      cfg,
		handlers: make(map[domain.TriggerKind]Handler),
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// Handle registers h for kind. It must be called before Run.
func (d *Dispatcher) Handle(kind domain.TriggerKind, h Handler) {
	d.handlers[kind] = h
}

// Run polls for due triggers until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "trigger dispatcher started",
		slog.Duration("poll_interval", d.cfg.PollInterval),
	)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.FireDue(ctx); err != nil && ctx.Err() == nil {
				d.logger.WarnContext(ctx, "claim due triggers failed", slog.String("error", err.Error()))
			}
		}
	}
}

// FireDue handles every trigger due now and returns how many were handled
// successfully. Triggers due together run in time order, and for equal times
// create-resources before start before end.
func (d *Dispatcher) FireDue(ctx context.Context) (int, error) {
	due, err := d.timers.ClaimDue(ctx, d.clock.Now(), d.cfg.RetryDelay, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: claim: %w", err)
	}
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].FireAt.Before(due[j].FireAt)
		}
		return due[i].Kind.Order() < due[j].Kind.Order()
	})

	handled := 0
	for _, t := range due {
		if d.fire(ctx, t) {
			handled++
		}
	}
	return handled, nil
}

func (d *Dispatcher) fire(ctx context.Context, t domain.Trigger) bool {
	log := d.logger.With(
		slog.String("trigger", t.Name),
		slog.String("auction_id", t.AuctionID),
		slog.Int("attempt", t.Attempts),
	)

	h, ok := d.handlers[t.Kind]
	if !ok {
		log.WarnContext(ctx, "no handler for trigger kind, dropping")
		d.complete(ctx, t)
		return false
	}

	err := h(ctx, t)
	switch {
	case err == nil:
		metrics.TriggersFired.WithLabelValues(string(t.Kind), "ok").Inc()
		d.complete(ctx, t)
		return true

	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidInput):
		metrics.TriggersFired.WithLabelValues(string(t.Kind), "dropped").Inc()
		log.WarnContext(ctx, "trigger dropped", slog.String("error", err.Error()))
		d.complete(ctx, t)
		return false

	case t.Attempts >= d.cfg.MaxAttempts:
		metrics.TriggersFired.WithLabelValues(string(t.Kind), "exhausted").Inc()
		log.ErrorContext(ctx, "trigger handler exhausted retries", slog.String("error", err.Error()))
		d.alert(ctx, t, err)
		d.complete(ctx, t)
		return false

	default:
		metrics.TriggersFired.WithLabelValues(string(t.Kind), "retry").Inc()
		log.WarnContext(ctx, "trigger handler failed, will retry",
			slog.Duration("retry_in", d.cfg.RetryDelay),
			slog.String("error", err.Error()),
		)
		return false
	}
}

func (d *Dispatcher) complete(ctx context.Context, t domain.Trigger) {
	if err := d.timers.Complete(ctx, t); err != nil {
		d.logger.WarnContext(ctx, "complete trigger failed",
			slog.String("trigger", t.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) alert(ctx context.Context, t domain.Trigger, cause error) {
	if d.alerter == nil {
		return
	}
	msg := fmt.Sprintf("auction %s: %s trigger failed %d times: %v", t.AuctionID, t.Kind, t.Attempts, cause)
	if err := d.alerter.Notify(ctx, "trigger_failed", "Auction trigger failed", msg); err != nil {
		d.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
	}
}
