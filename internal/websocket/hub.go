// Package websocket streams engine lifecycle events to connected clients.
package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"durable-queue/internal/queue"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 16
)

// EventSource is the part of the engine the hub listens to.
type EventSource interface {
	On(kind queue.EventKind, l queue.Listener) (unsubscribe func())
}

// Message is the JSON frame sent for every event.
type Message struct {
	Kind  queue.EventKind `json:"kind"`
	JobID string          `json:"job_id,omitempty"`
	Topic string          `json:"topic,omitempty"`
	Error string          `json:"error,omitempty"`
	At    time.Time       `json:"at"`
}

type client struct {
	conn *ws.Conn
	send chan []byte
}

// Hub fans engine events out to websocket clients. Slow clients whose buffer
// fills up are dropped.
type Hub struct {
	logger   *slog.Logger
	upgrader ws.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub returns a hub with no clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Attach subscribes the hub to every lifecycle event of src. The returned
// function detaches it.
func (h *Hub) Attach(src EventSource) (detach func()) {
	var unsubs []func()
	for _, kind := range []queue.EventKind{queue.EventStart, queue.EventStop, queue.EventError} {
		unsubs = append(unsubs, src.On(kind, h.Publish))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish broadcasts ev to every connected client.
func (h *Hub) Publish(ev queue.Event) {
	frame, err := json.Marshal(Message{
		Kind:  ev.Kind,
		JobID: ev.JobID,
		Topic: ev.Topic,
		Error: ev.Message(),
		At:    ev.At,
	})
	if err != nil {
		h.logger.Error("encode event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("websocket client too slow, dropping")
			h.removeLocked(c)
		}
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "clients", n)

	go h.writeLoop(c)
	go h.readLoop(c)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// readLoop discards inbound frames and unregisters the client once the
// connection goes away.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		n := len(h.clients)
		h.mu.Unlock()
		h.logger.Info("websocket client disconnected", "clients", n)
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(ws.TextMessage, frame); err != nil {
			h.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}
