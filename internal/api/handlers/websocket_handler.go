package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/service/inbound"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/websocket"
)

// HandleWebSocket handles GET /v1/ws?user_id=. The handler blocks in the read
// loop so the connection lives exactly as long as this request.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		respondError(c, apperrors.Validation("user_id is required", nil))
		return
	}

	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Error("Failed to upgrade to WebSocket", logger.Err(err))
		return
	}

	client := websocket.NewClient(h.Hub, conn, userID, h.onMessage, h.Logger)
	h.Hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

func (h *Handlers) onMessage(ctx context.Context, userID string, msg websocket.ClientMessage) {
	event := inbound.Event{UserID: userID}
	switch msg.Type {
	case websocket.TypeText:
		event.Kind = inbound.KindText
		event.Text = msg.Text
	case websocket.TypeLocation:
		event.Kind = inbound.KindLocation
		event.Location = geo.Point{Latitude: msg.Latitude, Longitude: msg.Longitude}
	case websocket.TypeAction:
		event.Kind = inbound.KindAction
		event.Action = msg.Action
	default:
		return
	}
	// the router has already told the user about any failure
	_ = h.Events.Handle(ctx, event)
}
