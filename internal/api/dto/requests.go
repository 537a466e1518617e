package dto

import (
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/service/inbound"
)

// EventRequest is one inbound user event posted over HTTP
type EventRequest struct {
	UserID    string   `json:"user_id" binding:"required"`
	Kind      string   `json:"kind" binding:"required,oneof=text location action"`
	Text      string   `json:"text"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Action    string   `json:"action"`
}

// Event converts the request into a router event. ok is false when the
// fields needed by the kind are missing.
func (r EventRequest) Event() (inbound.Event, bool) {
	e := inbound.Event{UserID: r.UserID, Kind: inbound.Kind(r.Kind)}
	switch e.Kind {
	case inbound.KindText:
		e.Text = r.Text
	case inbound.KindLocation:
		if r.Latitude == nil || r.Longitude == nil {
			return e, false
		}
		e.Location = geo.Point{Latitude: *r.Latitude, Longitude: *r.Longitude}
	case inbound.KindAction:
		if r.Action == "" {
			return e, false
		}
		e.Action = r.Action
	}
	return e, true
}

// Error response
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Accepted response
type AcceptedResponse struct {
	Status string `json:"status"`
}
