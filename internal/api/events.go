package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is how long a single websocket write may take.
	writeWait = 10 * time.Second
	// pongWait is how long we wait for a pong before dropping a client.
	pongWait = 60 * time.Second
	// pingPeriod must be below pongWait.
	pingPeriod = 50 * time.Second
	// clientBuffer is the per-client send queue. A client that falls this
	// far behind is disconnected rather than allowed to stall the hub.
	clientBuffer = 32
)

// EventMessage is one message pushed to /api/v1/events subscribers.
type EventMessage struct {
	Type     string             `json:"type"` // "call" or "presence"
	Call     *callStatusView    `json:"call,omitempty"`
	Presence *presenceEventView `json:"presence,omitempty"`
}

// presenceEventView describes one peer registry change.
type presenceEventView struct {
	Identity string `json:"identity"`
	Kind     string `json:"kind"` // added, updated, staled, evicted
}

// Hub fans call-state and presence events out to websocket clients. The
// touch UI keeps one connection open and repaints from these pushes instead
// of polling.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*eventClient]struct{}
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty event hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("subsystem", "events"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API listens on the appliance's LAN address only; the
			// touch UI and admin page are served from the same host.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*eventClient]struct{}),
	}
}

// Broadcast sends one event to every connected client. Clients whose queue
// is full are dropped.
func (h *Hub) Broadcast(msg EventMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encoding event", "error", err)
		return
	}

	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("dropping slow event subscriber", "remote", c.conn.RemoteAddr().String())
		}
	}
	h.mu.Unlock()
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the client. The initial
// messages are sent before any broadcast so a new client always starts from
// a complete snapshot.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, initial []EventMessage) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &eventClient{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	h.mu.Lock()
	for _, msg := range initial {
		if payload, err := json.Marshal(msg); err == nil {
			c.send <- payload
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("event subscriber connected", "remote", r.RemoteAddr)

	go h.writePump(c)
	go h.readPump(c)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) remove(c *eventClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump discards inbound messages; its job is pong handling and noticing
// the peer going away.
func (h *Hub) readPump(c *eventClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *eventClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
