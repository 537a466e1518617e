package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/events"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// Announcer tells passengers and drivers about ride status changes
type Announcer struct {
	notifier Notifier
	logger   *logger.Logger
}

// NewAnnouncer creates an announcer
func NewAnnouncer(notifier Notifier, logger *logger.Logger) *Announcer {
	return &Announcer{notifier: notifier, logger: logger}
}

// Handle is an events.Handler
func (a *Announcer) Handle(ctx context.Context, e events.Event) {
	if e.Kind != events.KindRideStatusChanged || e.Ride == nil {
		return
	}
	r := e.Ride
	data := map[string]any{"ride_id": r.ID, "status": string(r.Status)}

	switch e.To {
	case ride.StatusSearching:
		a.send(ctx, r.PassengerID, Message{
			Kind:    KindRideUpdate,
			Text:    "Looking for a driver near you...",
			Actions: []Action{{Label: "Cancel ride", Data: ActionData(ActionCancelRide, r.ID)}},
			Data:    data,
		})

	case ride.StatusPending:
		a.send(ctx, r.PassengerID, Message{
			Kind: KindRideUpdate,
			Text: "No drivers available right now. You can search again or cancel the ride.",
			Actions: []Action{
				{Label: "Search again", Data: ActionData(ActionConfirmRide, r.ID)},
				{Label: "Cancel ride", Data: ActionData(ActionCancelRide, r.ID)},
			},
			Data: data,
		})

	case ride.StatusDriverAssigned:
		data["driver_id"] = e.DriverID
		a.send(ctx, r.PassengerID, Message{
			Kind:    KindRideUpdate,
			Text:    "A driver accepted your ride and is on the way.",
			Actions: []Action{{Label: "Cancel ride", Data: ActionData(ActionCancelRide, r.ID)}},
			Data:    data,
		})
		a.send(ctx, e.DriverID, Message{
			Kind: KindRideUpdate,
			Text: fmt.Sprintf("Ride assigned. Head to the pickup point (%.5f, %.5f).", r.Pickup.Latitude, r.Pickup.Longitude),
			Actions: []Action{
				{Label: "I've arrived", Data: ActionData(ActionArrived, r.ID)},
				{Label: "Cancel ride", Data: ActionData(ActionCancelRide, r.ID)},
			},
			Data: data,
		})

	case ride.StatusDriverArrived:
		a.send(ctx, r.PassengerID, Message{Kind: KindRideUpdate, Text: "Your driver has arrived.", Data: data})
		a.send(ctx, e.DriverID, Message{
			Kind:    KindRideUpdate,
			Text:    "Start the ride once the passenger is on board.",
			Actions: []Action{{Label: "Start ride", Data: ActionData(ActionStartRide, r.ID)}},
			Data:    data,
		})

	case ride.StatusInProgress:
		a.send(ctx, r.PassengerID, Message{Kind: KindRideUpdate, Text: "Your ride has started. Enjoy the trip!", Data: data})
		a.send(ctx, e.DriverID, Message{
			Kind:    KindRideUpdate,
			Text:    "Ride in progress.",
			Actions: []Action{{Label: "Complete ride", Data: ActionData(ActionCompleteRide, r.ID)}},
			Data:    data,
		})

	case ride.StatusCompleted:
		var fare float64
		if r.FinalFare != nil {
			fare = *r.FinalFare
		}
		data["final_fare"] = fare
		text := fmt.Sprintf("Ride completed. Fare: %.2f", fare)
		a.send(ctx, r.PassengerID, Message{Kind: KindRideUpdate, Text: text, Data: data})
		a.send(ctx, e.DriverID, Message{Kind: KindRideUpdate, Text: text, Data: data})

	case ride.StatusCancelled:
		text := "The ride was cancelled."
		if e.Reason != "" {
			text = fmt.Sprintf("The ride was cancelled: %s.", e.Reason)
		}
		a.send(ctx, r.PassengerID, Message{Kind: KindRideUpdate, Text: text, Data: data})
		if e.PreviousDriverID != "" {
			a.send(ctx, e.PreviousDriverID, Message{Kind: KindRideUpdate, Text: text, Data: data})
		}
	}
}

func (a *Announcer) send(ctx context.Context, userID string, msg Message) {
	if userID == "" {
		return
	}
	if err := a.notifier.Send(ctx, userID, msg); err != nil {
		if errors.Is(err, ErrUndeliverable) {
			a.logger.Debug("Ride update not delivered", logger.UserID(userID), logger.Err(err))
			return
		}
		a.logger.Warn("Failed to send ride update", logger.UserID(userID), logger.Err(err))
	}
}
