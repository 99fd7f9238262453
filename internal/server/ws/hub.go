// Package ws pushes trade events and navigation commands to connected UI
// clients over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/socialmarket/internal/domain"
	"github.com/alanyoungcy/socialmarket/internal/eventbus"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// Message types pushed to clients. Event topics are pushed under their own
// topic name.
const (
	TypeHello    = "hello"
	TypeNavigate = "navigate"
)

// defaultTypes are the message types a client receives until it narrows its
// subscription.
var defaultTypes = []string{
	TypeNavigate,
	string(domain.TopicTradeInitiated),
	string(domain.TopicTradeCompleted),
}

// message is the JSON frame sent to clients.
type message struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload"`
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to change its message
// types: {"action":"subscribe","types":["tradeCompleted"]}.
type subscribeMsg struct {
	Action string   `json:"action"`
	Types  []string `json:"types"`
}

// broadcastMsg carries an encoded frame with its type so the hub can route it
// only to clients subscribed to that type.
type broadcastMsg struct {
	kind string
	data []byte
}

// Config configures a Hub.
type Config struct {
	// AllowedOrigins restricts the upgrade; empty allows every origin.
	AllowedOrigins []string
	// OnClientsChanged is called with the new client count after every
	// connect and disconnect.
	OnClientsChanged func(n int)
	StartedAt        time.Time
}

// Hub manages connected WebSocket clients and fans messages out to them. It
// also serves as the trade Navigator: opening a trade tells every client to
// switch to the chat/trade surface.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	onClients  func(int)
	startedAt  time.Time
	logger     *slog.Logger
}

// NewHub creates a Hub. Call Run to start it.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	onClients := cfg.OnClientsChanged
	if onClients == nil {
		onClients = func(int) {}
	}
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		onClients:  onClients,
		startedAt:  startedAt,
		logger:     logger.With(slog.String("component", "ws")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// Attach forwards every event published on bus to clients. It returns a func
// that detaches the hub.
func (h *Hub) Attach(bus *eventbus.Bus) func() {
	forward := func(_ context.Context, env domain.Envelope) {
		h.Broadcast(string(env.Event.Topic()), env.ID, env.Event)
	}
	offInitiated := bus.Subscribe(domain.TopicTradeInitiated, forward)
	offCompleted := bus.Subscribe(domain.TopicTradeCompleted, forward)
	return func() {
		offInitiated()
		offCompleted()
	}
}

// OpenTrade implements domain.Navigator.
func (h *Hub) OpenTrade(_ context.Context, session domain.TradeSession) {
	h.Broadcast(TypeNavigate, session.ID, map[string]any{
		"surface": "trade",
		"session": session,
	})
}

// Broadcast queues a message for every client subscribed to kind. It never
// blocks; when the queue is full the message is dropped.
func (h *Hub) Broadcast(kind, id string, payload any) {
	data, err := json.Marshal(message{Type: kind, ID: id, Payload: payload})
	if err != nil {
		h.logger.Warn("ws: encode message failed",
			slog.String("type", kind),
			slog.String("error", err.Error()),
		)
		return
	}
	select {
	case h.broadcast <- broadcastMsg{kind: kind, data: data}:
	default:
		h.logger.Warn("ws: broadcast queue full, dropping message", slog.String("type", kind))
	}
}

// Run starts the hub's main event loop. It exits when ctx is cancelled.
// Run must be called at most once.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.onClients(0)
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))
			h.onClients(n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))
			h.onClients(n)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(msg.kind) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow client", slog.String("type", msg.kind))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	for _, t := range defaultTypes {
		c.subs[t] = true
	}
	c.sendHello()

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads subscription changes until the connection closes.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(raw, &sub); err == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, t := range msg.Types {
			c.subs[t] = true
		}
	case "unsubscribe":
		for _, t := range msg.Types {
			delete(c.subs, t)
		}
	}
}

// sendHello lets the client mark the connection healthy before any event
// flows.
func (c *client) sendHello() {
	data, err := json.Marshal(message{Type: TypeHello, Payload: map[string]any{
		"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
		"types":          defaultTypes,
	}})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) isSubscribed(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[kind]
}

// writePump sends queued frames and periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
