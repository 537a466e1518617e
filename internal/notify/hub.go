package notify

import (
	"context"

	"github.com/gocomet/ride-dispatch/pkg/websocket"
)

// HubNotifier delivers messages over the websocket hub
type HubNotifier struct {
	hub *websocket.Hub
}

func NewHubNotifier(hub *websocket.Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) Send(ctx context.Context, userID string, msg Message) error {
	if !n.hub.SendToUser(userID, websocket.Message{Type: string(msg.Kind), Data: msg}) {
		return ErrUndeliverable
	}
	return nil
}
