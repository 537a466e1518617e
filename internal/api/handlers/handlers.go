package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/ride-dispatch/internal/api/dto"
	"github.com/gocomet/ride-dispatch/internal/service/inbound"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/websocket"
	gorilla "github.com/gorilla/websocket"
)

// EventHandler consumes inbound user events
type EventHandler interface {
	Handle(ctx context.Context, e inbound.Event) error
}

// Handlers holds all handler dependencies
type Handlers struct {
	Events   EventHandler
	Hub      *websocket.Hub
	Upgrader gorilla.Upgrader
	Logger   *logger.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(events EventHandler, hub *websocket.Hub, upgrader gorilla.Upgrader, logger *logger.Logger) *Handlers {
	return &Handlers{
		Events:   events,
		Hub:      hub,
		Upgrader: upgrader,
		Logger:   logger,
	}
}

func respondError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	c.JSON(appErr.Status, dto.ErrorResponse{
		Code:    appErr.Code,
		Message: apperrors.UserMessage(err),
	})
}
