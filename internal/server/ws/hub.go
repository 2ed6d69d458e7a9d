// Package ws holds the live bidder connections. Each websocket gets a
// connection id; the hub delivers pushes addressed to that id and turns the
// client's join / leave / placeBid frames into engine calls.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	actionTimeout  = 5 * time.Second
)

var _ domain.Pusher = (*Hub)(nil)

// Auctions is what the hub needs from the state machine.
type Auctions interface {
	Join(ctx context.Context, connectionID, auctionID, bidderID string) error
	Leave(ctx context.Context, connectionID string) error
}

// Bids accepts bid submissions.
type Bids interface {
	Submit(ctx context.Context, auctionID, bidderID, bidderName string, amount decimal.Decimal) (domain.SubmitResult, error)
}

// Presence records which process holds each connection so that pushes from
// other processes can find it.
type Presence interface {
	Claim(ctx context.Context, connectionID string) error
	Release(ctx context.Context, connectionID string) error
}

// Config tunes the hub.
type Config struct {
	// AllowedOrigins restricts the upgrade Origin header. Empty allows all.
	AllowedOrigins []string
	// BidRateLimit caps placeBid frames per bidder per BidRateWindow. Zero
	// disables the limit.
	BidRateLimit  int
	BidRateWindow time.Duration
	// Presence is nil when every pusher lives in this process.
	Presence Presence
}

// clientMsg is a frame sent by the client.
type clientMsg struct {
	Action    string          `json:"action"`
	AuctionID string          `json:"auction_id"`
	UserID    string          `json:"user_id"`
	UserName  string          `json:"user_name"`
	BidAmount decimal.Decimal `json:"bid_amount"`
}

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// Hub tracks the websocket connections held by this process.
type Hub struct {
	auctions Auctions
	bids     Bids
	limiter  domain.RateLimiter
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewHub creates a Hub. limiter may be nil.
func NewHub(auctions Auctions, bids Bids, limiter domain.RateLimiter, cfg Config, logger *slog.Logger) *Hub {
	h := &Hub{
		auctions: auctions,
		bids:     bids,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "ws_hub")),
		clients:  make(map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Push implements domain.Pusher for connections held by this hub.
func (h *Hub) Push(_ context.Context, connectionID string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connectionID]
	if !ok {
		return domain.ErrConnectionGone
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return fmt.Errorf("ws: send buffer of %s full", connectionID)
	}
}

// Relay delivers pushes arriving from other processes until in is closed.
// A push for a connection that already left is dropped; its claim lapses
// with the next heartbeat.
func (h *Hub) Relay(ctx context.Context, in <-chan Delivery) {
	for d := range in {
		if err := h.Push(ctx, d.ConnectionID, d.Data); err != nil && !errors.Is(err, domain.ErrConnectionGone) {
			h.logger.WarnContext(ctx, "relayed push dropped",
				slog.String("connection_id", d.ConnectionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Delivery is a push relayed from another process.
type Delivery struct {
	ConnectionID string
	Data         []byte
}

// Held returns the ids of the connections held by this hub.
func (h *Hub) Held() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client. New upgrades are refused afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.closed = true
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c)
	}
}

// HandleWS upgrades the request and starts the client pumps.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	if p := h.cfg.Presence; p != nil {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		err := p.Claim(ctx, c.id)
		cancel()
		if err != nil {
			h.logger.Warn("ws: claim connection failed",
				slog.String("connection_id", c.id),
				slog.String("error", err.Error()),
			)
			_ = conn.Close()
			return
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.release(c.id)
		_ = conn.Close()
		return
	}
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("ws: client connected",
		slog.String("connection_id", c.id),
		slog.Int("total_clients", total),
	)

	go c.writePump()
	go c.readPump()
}

// drop unregisters c and removes its subscriptions. Safe to call twice.
func (h *Hub) drop(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		total := len(h.clients)
		close(c.send)
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := h.auctions.Leave(ctx, c.id); err != nil {
			h.logger.Warn("ws: leave on disconnect failed",
				slog.String("connection_id", c.id),
				slog.String("error", err.Error()),
			)
		}
		h.release(c.id)
		h.logger.Info("ws: client disconnected",
			slog.String("connection_id", c.id),
			slog.Int("total_clients", total),
		)
	})
}

func (h *Hub) release(connectionID string) {
	if h.cfg.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	if err := h.cfg.Presence.Release(ctx, connectionID); err != nil {
		h.logger.Debug("ws: release connection failed",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("connection_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply(domain.NewErrorMessage("", fmt.Errorf("%w: malformed frame", domain.ErrInvalidInput)))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		if reply := c.hub.handle(ctx, c.id, msg); reply != nil {
			c.reply(reply)
		}
		cancel()
	}
}

// handle runs one client action and returns the message to send back, if
// any. Join replies through the fanout with the auction snapshot.
func (h *Hub) handle(ctx context.Context, connID string, msg clientMsg) any {
	var err error
	switch msg.Action {
	case domain.ActionJoin:
		if msg.UserID == "" {
			err = fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
			break
		}
		err = h.auctions.Join(ctx, connID, msg.AuctionID, msg.UserID)
	case domain.ActionLeave:
		err = h.auctions.Leave(ctx, connID)
	case domain.ActionPlaceBid:
		if err = h.allow(ctx, msg.UserID); err != nil {
			break
		}
		var res domain.SubmitResult
		res, err = h.bids.Submit(ctx, msg.AuctionID, msg.UserID, msg.UserName, msg.BidAmount)
		if err == nil {
			return domain.BidReceipt{Type: domain.MsgBidReceived, AuctionID: msg.AuctionID, Enqueued: res.Enqueued}
		}
	default:
		err = fmt.Errorf("%w: unknown action %q", domain.ErrInvalidInput, msg.Action)
	}
	if err != nil {
		h.logger.WarnContext(ctx, "ws: action failed",
			slog.String("connection_id", connID),
			slog.String("action", msg.Action),
			slog.String("auction_id", msg.AuctionID),
			slog.String("error", err.Error()),
		)
		return domain.NewErrorMessage(msg.AuctionID, err)
	}
	return nil
}

// allow applies the per-bidder bid rate limit. Limiter failures let the bid
// through.
func (h *Hub) allow(ctx context.Context, bidderID string) error {
	if h.limiter == nil || h.cfg.BidRateLimit <= 0 || bidderID == "" {
		return nil
	}
	ok, err := h.limiter.Allow(ctx, "ratelimit:bid:"+bidderID, h.cfg.BidRateLimit, h.cfg.BidRateWindow)
	if err != nil {
		h.logger.WarnContext(ctx, "ws: rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return domain.ErrRateLimited
	}
	return nil
}

func (c *client) reply(msg any) {
	payload, err := domain.Encode(msg)
	if err != nil {
		return
	}
	_ = c.hub.Push(context.Background(), c.id, payload)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
