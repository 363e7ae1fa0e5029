// Package broadcast implements the read-only WebSocket event stream: a
// hub that fans every subscribed bus event out to each connected client
// as a small framed JSON message.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/northlake-systems/pulsewatch/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendQueueSize  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is the wire envelope for every outbound message.
type Frame struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Urgent    bool        `json:"urgent,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Client is one connected dashboard socket.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *Client) safeSend(data []byte) bool {
	defer func() { recover() }()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false // backpressure: drop rather than block the hub
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// Hub tracks connected clients and fans out broadcast frames.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*Client]bool
}

// Subscribable is the subset of eventbus.Bus needed to wire handlers.
type Subscribable interface {
	Subscribe(event string, handler func(interface{})) string
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger.With("component", "broadcast"), clients: make(map[*Client]bool)}
}

// Subscribe wires the hub to every event the dashboard cares about.
func (h *Hub) Subscribe(bus Subscribable) {
	forward := func(eventType string, urgent bool) func(interface{}) {
		return func(payload interface{}) {
			h.broadcast(Frame{Type: eventType, Timestamp: time.Now(), Urgent: urgent, Data: payload})
		}
	}
	bus.Subscribe(types.EventHeartbeatReceived, forward(types.EventHeartbeatReceived, false))
	bus.Subscribe(types.EventHeartbeatFailed, forward(types.EventHeartbeatFailed, false))
	bus.Subscribe(types.EventPulseChanged, forward(types.EventPulseChanged, false))
	bus.Subscribe(types.EventFlatlineDetected, forward(types.EventFlatlineDetected, true))
	bus.Subscribe(types.EventServiceRecovered, forward(types.EventServiceRecovered, true))
	bus.Subscribe(types.EventAlertTriggered, forward(types.EventAlertTriggered, true))
}

func (h *Hub) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal broadcast frame", "type", frame.Type, "error", err)
		return
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.safeSend(data) {
			h.logger.Debug("dropping slow client", "type", frame.Type)
			h.unregister(c)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the client
// for the lifetime of the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{conn: conn, hub: h, send: make(chan []byte, sendQueueSize)}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	h.logger.Info("client connected", "remote", r.RemoteAddr)

	welcome, _ := json.Marshal(Frame{Type: "connected", Timestamp: time.Now(), Data: map[string]string{"message": "subscribed"}})
	client.safeSend(welcome)

	go client.writePump()
	client.readPump()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	c.close()
}

// readPump observes pong frames and client disconnects, and answers an
// inbound {"type":"ping"} message with a pong frame; any other inbound
// message is ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
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
			return
		}

		var inbound struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &inbound); err != nil {
			continue
		}
		if inbound.Type == "ping" {
			pong, _ := json.Marshal(Frame{Type: "pong", Timestamp: time.Now()})
			c.safeSend(pong)
		}
	}
}

func (c *Client) writePump() {
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
