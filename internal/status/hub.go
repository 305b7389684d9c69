package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/candlefish/paintbox-sync/internal/uuid"
	"github.com/gorilla/websocket"

	syncpkg "github.com/candlefish/paintbox-sync/internal/sync"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 256
)

// WSEnvelope wraps every message pushed to clients.
type WSEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type wsMessage struct {
	eventType string
	payload   []byte
}

// wsClient is one WebSocket connection. An empty subscription set receives
// every event.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// wmu serialises writes; gorilla connections allow one concurrent writer.
	wmu sync.Mutex

	mu            sync.Mutex
	subscriptions map[string]bool
}

func (c *wsClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// Hub fans engine events out to connected WebSocket clients.
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[string]*wsClient
	broadcast  chan wsMessage
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	logger     *slog.Logger

	mu    sync.RWMutex
	count int
}

// NewHub creates a hub. Connections are accepted only from loopback origins.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     loopbackOrigin,
		},
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan wsMessage, sendBufferSize),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger.With("component", "ws_hub"),
	}
}

// loopbackOrigin admits non-browser clients, which send no Origin, and pages
// served from the local machine.
func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Run manages registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.setCount(0)
			return

		case c := <-h.register:
			h.clients[c.id] = c
			h.setCount(len(h.clients))
			h.logger.Info("client connected", "client_id", c.id, "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.setCount(len(h.clients))
			h.logger.Info("client disconnected", "client_id", c.id, "total", len(h.clients))

		case msg := <-h.broadcast:
			for id, c := range h.clients {
				if !c.wants(msg.eventType) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					h.logger.Warn("client too slow, disconnecting", "client_id", id)
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.setCount(len(h.clients))
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Publish queues an engine event for broadcast. It never blocks; events are
// dropped when the hub is backed up.
func (h *Hub) Publish(ev syncpkg.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	payload, err := json.Marshal(WSEnvelope{
		Type:      string(ev.Type),
		Data:      data,
		Timestamp: ev.At.UnixMilli(),
	})
	if err != nil {
		h.logger.Error("failed to marshal envelope", "type", ev.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- wsMessage{eventType: string(ev.Type), payload: payload}:
	case <-h.done:
	default:
		h.logger.Warn("event dropped, hub backed up", "type", ev.Type)
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		hub:           h,
		subscriptions: make(map[string]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.logger.Debug("ignoring malformed client message", "client_id", c.id)
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply("subscribe_ack", msg.Events)
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply("pong", nil)
		}
	}
}

// reply writes a control response directly. The send queue belongs to the
// hub and may already be closed.
func (c *wsClient) reply(action string, events []string) {
	payload, err := json.Marshal(map[string]interface{}{
		"action":    action,
		"events":    events,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.wmu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.wmu.Unlock()
				return
			}
			err := c.conn.WriteMessage(websocket.TextMessage, message)
			c.wmu.Unlock()
			if err != nil {
				return
			}

		case <-ticker.C:
			c.wmu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
