package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client message types
const (
	TypeText     = "text"
	TypeLocation = "location"
	TypeAction   = "action"
	TypePing     = "ping"
)

// ClientMessage is an inbound event sent by a connected user
type ClientMessage struct {
	Type      string  `json:"type"`
	Text      string  `json:"text,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Action    string  `json:"action,omitempty"`
}

// InboundFunc handles one inbound client message
type InboundFunc func(ctx context.Context, userID string, msg ClientMessage)

// Client represents a WebSocket client connection
type Client struct {
	ID      string
	UserID  string
	Hub     *Hub
	Conn    *websocket.Conn
	Send    chan []byte
	inbound InboundFunc
	logger  *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, userID string, inbound InboundFunc, log *logger.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		ID:      id,
		UserID:  userID,
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, 256),
		inbound: inbound,
		logger:  log.With(logger.String("client_id", id), logger.UserID(userID)),
	}
}

// ReadPump reads client messages until the connection closes.
// Messages are handled one at a time so a user's events keep their order.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", logger.Err(err))
			}
			break
		}

		c.handleMessage(ctx, message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("Failed to unmarshal client message", logger.Err(err))
		c.SendMessage(Message{Type: "error", Data: map[string]string{"text": "Malformed message"}})
		return
	}

	switch msg.Type {
	case TypePing:
		c.SendMessage(Message{Type: "pong"})
	case TypeText, TypeLocation, TypeAction:
		c.inbound(ctx, c.UserID, msg)
	default:
		c.logger.Warn("Unknown message type", logger.String("type", msg.Type))
	}
}

// SendMessage queues a message for this connection only
func (c *Client) SendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", logger.Err(err))
		return
	}

	if !c.Hub.deliver(c, data) {
		c.logger.Warn("Client message dropped")
	}
}
