// Package websocket broadcasts live connection-status and tap events to
// operator API clients over a small hub of WebSocket connections.
package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
)

// MessageType identifies what a broadcast Message carries.
type MessageType string

const (
	// MessageTypeConnectionStatus carries a connection.Connection status
	// snapshot (§4.6 output registers) after a scan changes it.
	MessageTypeConnectionStatus MessageType = "connection_status"
	// MessageTypeTapEvent carries one tap-log SEND/RECV line (§6).
	MessageTypeTapEvent MessageType = "tap_event"
	// MessageTypeAuditEvent carries one recorded audit.Event.
	MessageTypeAuditEvent   MessageType = "audit_event"
	MessageTypeNotification MessageType = "notification"
)

// Message is one broadcast frame. NodeID is -1 for messages that aren't
// scoped to a single PLC node (e.g. a tap-log line, keyed by a local tap
// ID rather than a node ID); Hub.broadcastMessage only filters on it when
// >= 0. connection_status and audit_event messages always carry a real
// NodeID.
type Message struct {
	Type      MessageType            `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	NodeID    int                    `json:"node_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// Client represents a WebSocket client connection. NodeScope restricts
// which nodes' connection_status/audit_event messages this client receives,
// mirroring middleware.Claims.NodeScope for the operator dashboard's
// WebSocket feed; an empty NodeScope receives every node's traffic.
type Client struct {
	ID        string
	Conn      *websocket.Conn
	Send      chan Message
	Hub       *Hub
	NodeScope []int
}

// allowsNode reports whether this client's scope permits nodeID. An empty
// scope (the default, unscoped connection) permits every node.
func (c *Client) allowsNode(nodeID int) bool {
	if len(c.NodeScope) == 0 {
		return true
	}
	for _, n := range c.NodeScope {
		if n == nodeID {
			return true
		}
	}
	return false
}

// Hub maintains the set of active clients and broadcasts messages to all
// of them.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a new, un-started Hub. Callers must run it with Run.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run drives the hub's main loop; it never returns, so callers run it in
// its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
}

func (h *Hub) broadcastMessage(message Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if message.NodeID >= 0 && !client.allowsNode(message.NodeID) {
			continue
		}
		select {
		case client.Send <- message:
		default:
			// client's send channel is full, drop rather than block the hub
		}
	}
}

// Broadcast queues a message for every connected client whose NodeScope
// allows nodeID. Pass -1 for messages not scoped to one PLC node (every
// client receives those).
func (h *Hub) Broadcast(messageType MessageType, nodeID int, data map[string]interface{}) {
	message := Message{
		Type:      messageType,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		Data:      data,
	}
	h.broadcast <- message
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades and services one fiber WebSocket connection.
// A node_scope local set by the upgrade middleware (parsed from the
// caller's token or "?nodes=" query string) restricts which nodes' events
// this client is sent; absent, the client sees the whole fleet.
func (h *Hub) HandleWebSocket(c *websocket.Conn) {
	client := &Client{
		ID:        generateClientID(),
		Conn:      c,
		Send:      make(chan Message, 256),
		Hub:       h,
		NodeScope: parseNodeScopeLocal(c.Locals("node_scope")),
	}

	h.register <- client

	go client.writePump()
	client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				break
			}
			break
		}

		if messageType == websocket.TextMessage {
			var msg map[string]interface{}
			_ = json.Unmarshal(message, &msg)
			// operator clients are read-only subscribers; inbound frames
			// are accepted and discarded rather than rejected
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				continue
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func generateClientID() string {
	return fmt.Sprintf("client-%d", time.Now().UnixNano())
}

// parseNodeScopeLocal converts the "node_scope" fiber.Ctx local (set by
// the /api/v1/ws upgrade middleware) into a []int, tolerating its absence
// or an unexpected type by returning nil (unscoped).
func parseNodeScopeLocal(v interface{}) []int {
	scope, ok := v.([]int)
	if !ok {
		return nil
	}
	return scope
}
