// Package auction drives each auction through its lifecycle:
// SCHEDULED -> CREATING -> STARTED <-> SNIPED -> ENDED.
//
// Transitions are fired by scheduled triggers and written to the state store
// with compare-and-swap, so a stale or repeated trigger never regresses an
// auction and a trigger racing an in-flight bid re-reads instead of
// overwriting it.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/leaderboard"
	"github.com/alanyoungcy/flashbid/internal/metrics"
	"github.com/alanyoungcy/flashbid/internal/scheduler"
)

// Scheduler arms and cancels the triggers of an auction.
type Scheduler interface {
	Arm(ctx context.Context, kind domain.TriggerKind, auctionID string, fireAt time.Time, payload map[string]string) error
	DisarmAll(ctx context.Context, auctionID string) error
}

// Resources allocates and frees the per-auction bid queue.
type Resources interface {
	Provision(ctx context.Context, auctionID string) error
	Teardown(ctx context.Context, auctionID string) error
}

// Fanout is the subscriber registry and broadcaster.
type Fanout interface {
	Subscribe(ctx context.Context, connectionID, auctionID, bidderID string) error
	Unsubscribe(ctx context.Context, connectionID string) error
	Broadcast(ctx context.Context, auctionID string, msg any) (domain.DeliveryReport, error)
	Send(ctx context.Context, connectionID string, msg any) error
}

// Deps are the collaborators of a Machine. Records, Users, Audit, Blobs,
// History, Mail and Alerter are optional.
type Deps struct {
	States    domain.AuctionStateStore
	Scheduler Scheduler
	Resources Resources
	Board     *leaderboard.Engine
	Fanout    Fanout
	Records   domain.AuctionRecordStore
	Users     domain.UserDirectory
	Audit     domain.AuditStore
	Blobs     domain.BlobWriter
	History   domain.HistoryArchive
	Mail      domain.MailDispatcher
	Alerter   domain.Alerter
	Clock     domain.Clock
}

// Config tunes the state machine.
type Config struct {
	// ResourceLead is how long before start the bid queue is provisioned.
	ResourceLead time.Duration
	// TopN is the number of winners settled.
	TopN int
}

// Machine is the authoritative auction state machine.
type Machine struct {
	Deps
	cfg    Config
	logger *slog.Logger
}

// NewMachine creates a Machine.
func NewMachine(deps Deps, cfg Config, logger *slog.Logger) *Machine {
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if cfg.ResourceLead <= 0 {
		cfg.ResourceLead = 3 * time.Minute
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 3
	}
	return &Machine{
		Deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "auction")),
	}
}

// Register routes the three trigger kinds to their transition handlers.
func (m *Machine) Register(d *scheduler.Dispatcher) {
	d.Handle(domain.TriggerCreateResources, m.OnCreateResources)
	d.Handle(domain.TriggerStart, m.OnStart)
	d.Handle(domain.TriggerEnd, m.OnEnd)
}

// OnCreateResources provisions the bid queue and moves the auction to
// CREATING.
func (m *Machine) OnCreateResources(ctx context.Context, t domain.Trigger) error {
	return m.advance(ctx, t.AuctionID, domain.StatusCreating)
}

// OnStart opens the auction for bidding.
func (m *Machine) OnStart(ctx context.Context, t domain.Trigger) error {
	return m.advance(ctx, t.AuctionID, domain.StatusStarted)
}

// OnEnd closes and settles the auction.
func (m *Machine) OnEnd(ctx context.Context, t domain.Trigger) error {
	return m.advance(ctx, t.AuctionID, domain.StatusEnded)
}

// advance moves the auction towards target. A conflicting concurrent write
// is re-read and re-evaluated once before the conflict is surfaced.
func (m *Machine) advance(ctx context.Context, auctionID string, target domain.AuctionStatus) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var a domain.Auction
		a, err = m.States.Get(ctx, auctionID)
		if err != nil {
			return fmt.Errorf("auction: load %s: %w", auctionID, err)
		}
		err = m.advanceFrom(ctx, a, target)
		if !errors.Is(err, domain.ErrStateConflict) {
			return err
		}
		m.logger.DebugContext(ctx, "transition conflict, re-reading",
			slog.String("auction_id", auctionID),
			slog.String("target", string(target)),
		)
	}
	return err
}

// advanceFrom applies every step between a's status and target, in order.
func (m *Machine) advanceFrom(ctx context.Context, a domain.Auction, target domain.AuctionStatus) error {
	if a.Status.Reached(target) {
		m.logger.InfoContext(ctx, "stale trigger ignored",
			slog.String("auction_id", a.ID),
			slog.String("status", string(a.Status)),
			slog.String("target", string(target)),
		)
		return nil
	}

	now := m.Clock.Now()
	if target == domain.StatusEnded && now.Before(a.EndTime) {
		// The end was extended after this trigger was claimed.
		m.logger.InfoContext(ctx, "end trigger fired early, re-arming",
			slog.String("auction_id", a.ID),
			slog.Time("end_time", a.EndTime),
		)
		return m.Scheduler.Arm(ctx, domain.TriggerEnd, a.ID, a.EndTime, nil)
	}

	for !a.Status.Reached(target) {
		next, err := m.step(ctx, a, now)
		if err != nil {
			return err
		}
		a = next
	}
	return nil
}

// step performs the single legal transition out of a's status.
func (m *Machine) step(ctx context.Context, a domain.Auction, now time.Time) (domain.Auction, error) {
	switch a.Status {
	case domain.StatusScheduled:
		if err := m.Resources.Provision(ctx, a.ID); err != nil {
			m.alert(ctx, "provision_failed", "Auction resources not provisioned",
				fmt.Sprintf("auction %s: %v", a.ID, err))
			return a, err
		}
		next, err := m.swap(ctx, a, domain.StatusCreating, now)
		if err != nil {
			return a, err
		}
		m.announce(ctx, next, now, "auction about to start")
		return next, nil

	case domain.StatusCreating:
		next, err := m.swap(ctx, a, domain.StatusStarted, now)
		if err != nil {
			return a, err
		}
		if m.Records != nil {
			if err := m.Records.SetActive(ctx, a.ID, true); err != nil {
				m.logger.WarnContext(ctx, "failed to set active flag",
					slog.String("auction_id", a.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		m.announce(ctx, next, now, "auction started")
		m.audit(ctx, "auction_started", map[string]any{"auction_id": a.ID, "end_time": next.EndTime})
		return next, nil

	case domain.StatusStarted, domain.StatusSniped:
		next, err := m.swap(ctx, a, domain.StatusEnded, now)
		if err != nil {
			return a, err
		}
		m.announce(ctx, next, now, "auction ended")
		m.finish(ctx, next)
		return next, nil

	default:
		return a, fmt.Errorf("%w: auction %s has no transition out of %q", domain.ErrStateConflict, a.ID, a.Status)
	}
}

// swap writes a's successor with status to, conditional on a being current.
func (m *Machine) swap(ctx context.Context, a domain.Auction, to domain.AuctionStatus, now time.Time) (domain.Auction, error) {
	if !domain.CanTransition(a.Status, to) {
		return a, fmt.Errorf("%w: %s -> %s", domain.ErrStateConflict, a.Status, to)
	}
	next := a
	next.Status = to
	next.UpdatedAt = now
	if err := m.States.CompareAndSwap(ctx, a, next); err != nil {
		return a, fmt.Errorf("auction: %s %s -> %s: %w", a.ID, a.Status, to, err)
	}
	metrics.Transitions.WithLabelValues(string(to)).Inc()
	m.logger.InfoContext(ctx, "auction transitioned",
		slog.String("auction_id", a.ID),
		slog.String("from", string(a.Status)),
		slog.String("to", string(to)),
	)
	return next, nil
}

// finish settles an ended auction, frees its resources and cancels any
// remaining triggers. Failures are alerted rather than retried: the auction
// is already ENDED and a re-fired trigger would no-op.
func (m *Machine) finish(ctx context.Context, a domain.Auction) {
	if err := m.settle(ctx, a); err != nil {
		m.logger.ErrorContext(ctx, "settlement incomplete",
			slog.String("auction_id", a.ID),
			slog.String("error", err.Error()),
		)
		m.alert(ctx, "settlement_failed", "Auction settlement incomplete", fmt.Sprintf("auction %s: %v", a.ID, err))
	}
	if err := m.Resources.Teardown(ctx, a.ID); err != nil {
		m.logger.ErrorContext(ctx, "teardown failed",
			slog.String("auction_id", a.ID),
			slog.String("error", err.Error()),
		)
		m.alert(ctx, "teardown_failed", "Auction resources not freed", fmt.Sprintf("auction %s: %v", a.ID, err))
	}
	if err := m.Scheduler.DisarmAll(ctx, a.ID); err != nil {
		m.logger.WarnContext(ctx, "failed to disarm triggers",
			slog.String("auction_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Machine) announce(ctx context.Context, a domain.Auction, now time.Time, message string) {
	if _, err := m.Fanout.Broadcast(ctx, a.ID, domain.NewStateUpdate(a, now, message)); err != nil {
		m.logger.WarnContext(ctx, "state broadcast failed",
			slog.String("auction_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Machine) audit(ctx context.Context, event string, detail map[string]any) {
	if m.Audit == nil {
		return
	}
	if err := m.Audit.Log(ctx, event, detail); err != nil {
		m.logger.WarnContext(ctx, "audit write failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (m *Machine) alert(ctx context.Context, event, title, message string) {
	if m.Alerter == nil {
		return
	}
	if err := m.Alerter.Notify(ctx, event, title, message); err != nil {
		m.logger.WarnContext(ctx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
