package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// Hub tracks open connections per user and routes outbound messages to them
type Hub struct {
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *logger.Logger
}

// Message is the envelope written to clients
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// NewHub creates a new WebSocket hub
func NewHub(logger *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run processes registrations until ctx is done, then closes every client
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.UserID] == nil {
				h.clients[client.UserID] = make(map[*Client]bool)
			}
			h.clients[client.UserID][client] = true
			h.mu.Unlock()
			h.logger.Info("Client registered",
				logger.String("client_id", client.ID),
				logger.UserID(client.UserID),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for _, set := range h.clients {
				for client := range set {
					h.remove(client)
				}
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket hub stopped")
			return
		}
	}
}

// remove must be called with mu held
func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.UserID]
	if !ok || !set[client] {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.UserID)
	}
	close(client.Send)
	h.logger.Info("Client unregistered",
		logger.String("client_id", client.ID),
		logger.UserID(client.UserID),
	)
}

// Register registers a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SendToUser queues message on every connection the user has open.
// It reports whether at least one connection accepted it.
func (h *Hub) SendToUser(userID string, message Message) bool {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal message", logger.Err(err))
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := false
	for client := range h.clients[userID] {
		select {
		case client.Send <- data:
			sent = true
		default:
			h.logger.Warn("Client send buffer full",
				logger.UserID(userID),
				logger.String("client_id", client.ID),
			)
		}
	}
	return sent
}

// deliver queues data for one client if it is still registered
func (h *Hub) deliver(client *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client.UserID][client] {
		return false
	}
	select {
	case client.Send <- data:
		return true
	default:
		return false
	}
}

// IsConnected reports whether the user has an open connection
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// GetActiveConnections returns the number of active connections
func (h *Hub) GetActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}
