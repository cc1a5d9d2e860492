package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cupperp/cupperp-backend/internal/metrics"
	"github.com/cupperp/cupperp-backend/internal/store"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Channels the hub relays to clients.
var relayedPatterns = []string{
	store.ChannelAllEvents,
	store.KeyMarketPrefix + ":*:state",
	store.KeyOracleRate + ":*",
}

// Subscriber opens pattern subscriptions on the pubsub backend.
type Subscriber interface {
	PSubscribe(ctx context.Context, patterns ...string) store.Subscription
}

type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	pubsub     Subscriber
	upgrader   websocket.Upgrader
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	mu         sync.RWMutex
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	topics     map[string]bool
	lastActive time.Time
}

type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// SubscriptionRequest is sent by clients. A topic is either a channel
// pattern ("cup:events:*") or a bare market id, which expands to that
// market's event and state channels.
type SubscriptionRequest struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// NewHub creates a hub. allowedOrigins lists the browser origins accepted on
// upgrade; "*" accepts any. Requests without an Origin header are always
// accepted.
func NewHub(pubsub Subscriber, allowedOrigins []string, logger *zap.SugaredLogger, metrics *metrics.Metrics) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		pubsub:     pubsub,
		logger:     logger,
		metrics:    metrics,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	go h.relay(ctx)
	go h.startClientCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("WebSocket hub shutting down")
			h.mu.Lock()
			for client := range h.clients {
				h.dropLocked(ctx, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.metrics.IncrementConnections(ctx)
			h.logger.Debugw("Client registered", "remote", client.conn.RemoteAddr().String())

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(ctx, client)
			h.mu.Unlock()
		}
	}
}

// ClientCount reports the connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) dropLocked(ctx context.Context, client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.metrics.DecrementConnections(ctx)
	h.logger.Debugw("Client unregistered")
}

func (h *Hub) relay(ctx context.Context) {
	sub := h.pubsub.PSubscribe(ctx, relayedPatterns...)
	defer sub.Close()
	h.logger.Debugw("WebSocket hub subscribed", "patterns", relayedPatterns)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg != nil {
				h.handleMessage(ctx, msg)
			}
		}
	}
}

func (h *Hub) handleMessage(ctx context.Context, msg *store.Message) {
	wsMessage := Message{
		Type:      "update",
		Topic:     msg.Channel,
		Data:      json.RawMessage(msg.Payload),
		Timestamp: time.Now().Unix(),
	}

	messageBytes, err := json.Marshal(wsMessage)
	if err != nil {
		h.logger.Errorw("Failed to marshal WebSocket message", "channel", msg.Channel, "error", err)
		return
	}

	h.broadcastToClients(ctx, messageBytes, msg.Channel)
}

func (h *Hub) broadcastToClients(ctx context.Context, message []byte, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.isSubscribed(topic) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// slow consumer
			h.dropLocked(ctx, client)
		}
	}
}

func (h *Hub) startClientCleanup(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanupInactiveClients(ctx)
		}
	}
}

func (h *Hub) cleanupInactiveClients(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-60 * time.Second)
	for client := range h.clients {
		if client.idleSince().Before(cutoff) {
			h.dropLocked(ctx, client)
		}
	}
}

// HandleWebSocket upgrades the request and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 256),
		topics:     make(map[string]bool),
		lastActive: time.Now(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnw("WebSocket read error", "error", err)
			}
			break
		}

		c.touch()
		c.handleRequest(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(message []byte) {
	var req SubscriptionRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.hub.logger.Warnw("Invalid subscription message", "error", err)
		return
	}

	topics := expandTopics(req.Topics)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch req.Type {
	case "subscribe":
		for _, topic := range topics {
			c.topics[topic] = true
		}
		c.hub.logger.Debugw("Client subscribed", "topics", topics)
	case "unsubscribe":
		for _, topic := range topics {
			delete(c.topics, topic)
		}
		c.hub.logger.Debugw("Client unsubscribed", "topics", topics)
	default:
		c.hub.logger.Warnw("Unknown request type", "type", req.Type)
	}
}

// expandTopics turns bare market ids into their channels.
func expandTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if strings.Contains(topic, ":") {
			out = append(out, topic)
			continue
		}
		out = append(out, store.MarketEventsChannel(topic), store.MarketStateChannel(topic))
	}
	return out
}

func (c *Client) isSubscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.topics[channel] {
		return true
	}
	for topic := range c.topics {
		if ok, _ := path.Match(topic, channel); ok {
			return true
		}
	}
	return false
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}
