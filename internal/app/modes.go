package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flashbid/internal/auction"
	"github.com/alanyoungcy/flashbid/internal/bidding"
	"github.com/alanyoungcy/flashbid/internal/broadcast"
	"github.com/alanyoungcy/flashbid/internal/domain"
	"github.com/alanyoungcy/flashbid/internal/leaderboard"
	"github.com/alanyoungcy/flashbid/internal/metrics"
	"github.com/alanyoungcy/flashbid/internal/resource"
	"github.com/alanyoungcy/flashbid/internal/retry"
	"github.com/alanyoungcy/flashbid/internal/scheduler"
	"github.com/alanyoungcy/flashbid/internal/server"
	"github.com/alanyoungcy/flashbid/internal/server/handler"
	"github.com/alanyoungcy/flashbid/internal/server/ws"
)

const shutdownTimeout = 5 * time.Second

// engine is the assembled auction core shared by every mode.
type engine struct {
	machine    *auction.Machine
	processor  *bidding.Processor
	dispatcher *scheduler.Dispatcher
	pool       *bidding.Pool
	// local receives pushes when this process holds websocket connections.
	local *localPusher
}

// localPusher forwards to the hub once it exists. The hub needs the machine
// and the machine needs a pusher, so the hub is attached after both are built.
type localPusher struct {
	hub *ws.Hub
}

func (p *localPusher) Push(ctx context.Context, connectionID string, payload []byte) error {
	if p.hub == nil {
		return domain.ErrConnectionGone
	}
	return p.hub.Push(ctx, connectionID, payload)
}

// buildEngine assembles the state machine, the bid processor, the trigger
// dispatcher and the worker pool over deps.
func (a *App) buildEngine(deps *Dependencies) *engine {
	cfg := a.cfg
	policy := retry.Policy{
		Attempts:  cfg.Scheduler.ArmRetries,
		BaseDelay: cfg.Scheduler.RetryBase.Duration,
		MaxDelay:  2 * time.Second,
	}

	e := &engine{local: &localPusher{}}

	// With Redis every push goes through the relay so that whichever server
	// holds the connection delivers it.
	var pusher domain.Pusher = e.local
	if deps.Relay != nil {
		pusher = deps.Relay
	}

	board := leaderboard.NewEngine(deps.Leaderboard, a.logger)
	sched := scheduler.NewAdapter(deps.Timers, policy, a.logger)
	resources := resource.NewManager(deps.Queue, deps.Sources, deps.Locks, policy, a.logger)
	fanout := broadcast.NewFanout(deps.Connections, pusher, deps.Clock, a.logger)

	e.machine = auction.NewMachine(auction.Deps{
		States:    deps.States,
		Scheduler: sched,
		Resources: resources,
		Board:     board,
		Fanout:    fanout,
		Records:   deps.Records,
		Users:     deps.Users,
		Audit:     deps.Audit,
		Blobs:     deps.Blobs,
		History:   deps.History,
		Mail:      deps.Mail,
		Alerter:   deps.Notifier,
		Clock:     deps.Clock,
	}, auction.Config{
		ResourceLead: cfg.Auction.ResourceLead.Duration,
		TopN:         cfg.Auction.TopN,
	}, a.logger)

	e.processor = bidding.NewProcessor(bidding.Deps{
		States:    deps.States,
		Queue:     deps.Queue,
		Board:     board,
		Scheduler: sched,
		Fanout:    fanout,
		Records:   deps.Records,
		Audit:     deps.Audit,
		Alerter:   deps.Notifier,
		Clock:     deps.Clock,
	}, a.logger)

	e.dispatcher = scheduler.NewDispatcher(deps.Timers, deps.Clock, deps.Notifier, scheduler.DispatcherConfig{
		PollInterval: cfg.Scheduler.PollInterval.Duration,
		BatchSize:    cfg.Scheduler.BatchSize,
		RetryDelay:   cfg.Scheduler.Lease.Duration,
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
	}, a.logger)
	e.machine.Register(e.dispatcher)

	e.pool = bidding.NewPool(deps.Queue, deps.Sources, deps.Locks, e.processor, deps.Notifier, bidding.PoolConfig{
		Workers:      cfg.Workers.Count,
		BatchSize:    cfg.Workers.BatchSize,
		PollInterval: cfg.Workers.PollInterval.Duration,
		LockTTL:      cfg.Workers.ConsumeLockTTL.Duration,
		MaxAttempts:  cfg.Workers.MaxAttempts,
		DedupTTL:     cfg.Workers.DedupTTL.Duration,
	}, a.logger)

	return e
}

// FullMode runs the trigger dispatcher, the bid workers and the HTTP /
// websocket server in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	e := a.buildEngine(deps)
	g, ctx := errgroup.WithContext(ctx)

	if err := a.startServer(ctx, g, deps, e); err != nil {
		return err
	}
	a.startEngine(ctx, g, e)
	return g.Wait()
}

// EngineMode runs the trigger dispatcher and the bid workers. Only health
// and metrics are served over HTTP.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	e := a.buildEngine(deps)
	g, ctx := errgroup.WithContext(ctx)

	a.startEngine(ctx, g, e)
	if a.cfg.Server.Port > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /api/health", handler.NewHealthHandler(deps.Checks, a.logger).HealthCheck)
		mux.Handle("GET /metrics", metrics.Handler())
		a.serve(ctx, g, &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	return g.Wait()
}

// ServerMode runs the HTTP API and the websocket hub. Triggers and queued
// bids are left to engine processes.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	e := a.buildEngine(deps)
	g, ctx := errgroup.WithContext(ctx)

	if err := a.startServer(ctx, g, deps, e); err != nil {
		return err
	}
	return g.Wait()
}

func (a *App) startEngine(ctx context.Context, g *errgroup.Group, e *engine) {
	g.Go(func() error {
		return e.dispatcher.Run(ctx)
	})
	g.Go(func() error {
		return e.pool.Run(ctx)
	})
}

// startServer starts the websocket hub, the push relay subscription and
// presence heartbeat when Redis is used, and the HTTP server.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, e *engine) error {
	hubCfg := ws.Config{
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		BidRateLimit:   a.cfg.Server.BidRateLimit,
		BidRateWindow:  a.cfg.Server.BidRateWindow.Duration,
	}
	if deps.Relay != nil {
		hubCfg.Presence = deps.Relay
	}
	hub := ws.NewHub(e.machine, e.processor, deps.RateLimiter, hubCfg, a.logger)
	e.local.hub = hub

	if deps.Relay != nil {
		g.Go(func() error {
			deps.Relay.Heartbeat(ctx, hub.Held)
			return nil
		})
		envelopes, err := deps.Relay.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("app: subscribe push relay: %w", err)
		}
		deliveries := make(chan ws.Delivery, 256)
		g.Go(func() error {
			defer close(deliveries)
			for env := range envelopes {
				select {
				case deliveries <- ws.Delivery{ConnectionID: env.ConnectionID, Data: env.Data}:
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		})
		g.Go(func() error {
			hub.Relay(ctx, deliveries)
			return nil
		})
	}

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Server.APIKey,
		APIRateLimit:  a.cfg.Server.APIRateLimit,
		APIRateWindow: a.cfg.Server.APIRateWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Auctions: handler.NewAuctionHandler(e.machine, handler.AuctionDefaults{
			SnipeWindow: a.cfg.Auction.SnipeWindow.Duration,
			Extension:   a.cfg.Auction.Extension.Duration,
			SnipeBudget: a.cfg.Auction.SnipeBudget,
		}, a.logger),
		Bids: handler.NewBidHandler(e.processor, deps.RateLimiter, handler.BidLimit{
			Limit:  a.cfg.Server.BidRateLimit,
			Window: a.cfg.Server.BidRateWindow.Duration,
		}, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening", slog.Int("port", a.cfg.Server.Port))
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		hub.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}

func (a *App) serve(ctx context.Context, g *errgroup.Group, srv *http.Server) {
	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
