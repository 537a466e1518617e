package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/ride-dispatch/internal/api/dto"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// PostEvent handles POST /v1/events. Replies reach the user through the
// notifier; the response only reports whether the event was processed.
func (h *Handlers) PostEvent(c *gin.Context) {
	var req dto.EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("Invalid request payload", err))
		return
	}

	event, ok := req.Event()
	if !ok {
		respondError(c, apperrors.Validation("Event is missing its "+req.Kind+" payload", nil))
		return
	}

	if err := h.Events.Handle(c.Request.Context(), event); err != nil {
		h.Logger.Debug("Inbound event failed",
			logger.UserID(event.UserID),
			logger.String("kind", req.Kind),
			logger.Err(err),
		)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.AcceptedResponse{Status: "accepted"})
}
