package notify

import (
	"context"
	"errors"
	"fmt"
)

// Kind tells clients how to present a message
type Kind string

const (
	KindInfo       Kind = "info"
	KindPrompt     Kind = "prompt"
	KindOffer      Kind = "offer"
	KindRideUpdate Kind = "ride_update"
	KindError      Kind = "error"
)

// Action is a reply button. Data is sent back verbatim as an action event.
type Action struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Message is what a user receives
type Message struct {
	Kind    Kind           `json:"kind"`
	Text    string         `json:"text"`
	Actions []Action       `json:"actions,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Notifier delivers messages to users
type Notifier interface {
	Send(ctx context.Context, userID string, msg Message) error
}

var ErrUndeliverable = errors.New("user has no open connection")

// ActionData builds "verb:rideID" payloads
func ActionData(verb, rideID string) string {
	return fmt.Sprintf("%s:%s", verb, rideID)
}

// Action verbs understood by the inbound router
const (
	ActionRolePassenger     = "role:passenger"
	ActionRoleDriver        = "role:driver"
	ActionNewRide           = "new_ride"
	ActionConfirmRide       = "confirm_ride"
	ActionCancelRide        = "cancel_ride"
	ActionChangeDestination = "change_destination"
	ActionAccept            = "accept"
	ActionReject            = "reject"
	ActionGoOnline          = "go_online"
	ActionGoOffline         = "go_offline"
	ActionArrived           = "arrived"
	ActionStartRide         = "start_ride"
	ActionCompleteRide      = "complete_ride"
	ActionLogout            = "logout"
)
