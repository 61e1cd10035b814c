package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
	"github.com/uhyunpark/clobnode/pkg/notify"
)

const (
	ChannelTrades    = "trades"
	ChannelAlerts    = "alerts"
	ChannelOrderbook = "orderbook"
)

// UserChannel is the private channel carrying closedTrades for username.
func UserChannel(username string) string { return "user:" + username }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Hub maintains active WebSocket connections and broadcasts messages
type Hub struct {
	log    *zap.SugaredLogger
	symbol string

	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns

	mu sync.RWMutex
}

func NewHub(log *zap.SugaredLogger, symbol string) *Hub {
	return &Hub{
		log:        log,
		symbol:     symbol,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("ws_client_connected", "client", client.id, "user", client.user, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("ws_client_disconnected", "client", client.id, "total", n)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToChannel sends a message to all clients subscribed to a channel
func (h *Hub) BroadcastToChannel(channel string, data interface{}) {
	message, err := json.Marshal(data)
	if err != nil {
		h.log.Errorw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.IsSubscribed(channel) {
			select {
			case client.send <- message:
			default:
				// Buffer full, skip this client
				h.log.Warnw("ws_client_lagging", "client", client.id, "channel", channel)
			}
		}
	}
}

// DeliverTrades implements notify.Sink.
func (h *Hub) DeliverTrades(_ context.Context, owner string, msg notify.ClosedTrades) error {
	h.BroadcastToChannel(UserChannel(owner), msg)
	return nil
}

// DeliverThreshold implements notify.Sink.
func (h *Hub) DeliverThreshold(_ context.Context, msg notify.ThresholdReached) error {
	h.BroadcastToChannel(ChannelAlerts, msg)
	return nil
}

// HandleFill publishes the public trade tape. It implements events.Handler.
func (h *Hub) HandleFill(_ context.Context, f orderbook.Fill) error {
	h.BroadcastToChannel(ChannelTrades, TradeUpdate{
		Type:      "trade",
		Seq:       f.Seq,
		Symbol:    h.symbol,
		Price:     f.Price,
		Size:      f.Qty,
		Side:      f.TakerSide.String(),
		Timestamp: f.Time.UnixMilli(),
	})
	return nil
}

var _ notify.Sink = (*Hub)(nil)

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
	user string // empty for anonymous clients

	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

// IsSubscribed checks if client is subscribed to a channel
func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

// Subscribe adds a channel subscription. Private user channels belong to
// their owner only.
func (c *Client) Subscribe(channel string) bool {
	if strings.HasPrefix(channel, "user:") && channel != UserChannel(c.user) {
		return false
	}
	c.subsMu.Lock()
	c.subscriptions[channel] = true
	c.subsMu.Unlock()
	return true
}

func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	delete(c.subscriptions, channel)
	c.subsMu.Unlock()
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnw("ws_read_failed", "client", c.id, "err", err)
			}
			break
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debugw("ws_invalid_message", "client", c.id, "err", err)
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, channel := range req.Channels {
				if !c.Subscribe(channel) {
					c.hub.log.Warnw("ws_subscribe_denied", "client", c.id, "channel", channel)
				}
			}
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.Unsubscribe(channel)
			}
		default:
			c.hub.log.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one JSON document per frame
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

// handleWebSocket upgrades the connection. A valid ?token= subscribes the
// client to its private channel; everyone gets the public channels on request.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var user string
	if token := r.URL.Query().Get("token"); token != "" {
		name, err := s.app.Authenticate(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid session token", err.Error())
			return
		}
		user = name
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            uuid.NewString(),
		user:          user,
		subscriptions: make(map[string]bool),
	}
	if user != "" {
		client.Subscribe(UserChannel(user))
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
