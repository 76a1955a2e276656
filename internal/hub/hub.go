// Package hub fans out realtime updates to WebSocket clients: sequence ticks
// and trade events to everyone, balance updates to their owner only.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/settlement-engine/internal/httpx"
	"github.com/atmx/settlement-engine/internal/identity"
	"github.com/atmx/settlement-engine/internal/metrics"
)

// Message types.
const (
	TypeTick    = "tick"
	TypeBalance = "balance"
	TypeTrade   = "trade"
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data"`
}

// Notifier is the publishing side of the hub.
type Notifier interface {
	// Broadcast sends msg to every connected client.
	Broadcast(msg Message)
	// SendTo sends msg only to the connections of userID.
	SendTo(userID string, msg Message)
}

// Discard is a Notifier that drops everything.
type Discard struct{}

func (Discard) Broadcast(Message)     {}
func (Discard) SendTo(string, Message) {}

const (
	sendBuffer = 64
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

type client struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

type envelope struct {
	userID string // empty means everyone
	data   []byte
}

// Hub manages WebSocket connections. A slow client misses messages rather
// than blocking the publisher.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns, closing every connection, when
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("ws client connected", "user_id", c.userID, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				h.drop(c)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case env := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if env.userID != "" && env.userID != c.userID {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					// Slow client: drop this message.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// drop removes c. Caller holds h.mu.
func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
}

// Clients returns the number of registered connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(msg Message) {
	h.enqueue("", msg)
}

func (h *Hub) SendTo(userID string, msg Message) {
	if userID == "" {
		return
	}
	h.enqueue(userID, msg)
}

func (h *Hub) enqueue(userID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws message marshal failed", "type", msg.Type, "err", err)
		return
	}
	h.push(userID, data)
}

// push queues an encoded message for local clients. A full queue drops it.
func (h *Hub) push(userID string, data []byte) {
	select {
	case h.broadcast <- envelope{userID: userID, data: data}:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The route
// must sit behind identity.Middleware.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.UserID(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, userID: userID, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump delivers queued messages and pings through proxies.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
