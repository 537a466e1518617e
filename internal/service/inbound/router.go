package inbound

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/notify"
	"github.com/gocomet/ride-dispatch/internal/service/dispatch"
	sessionsvc "github.com/gocomet/ride-dispatch/internal/service/session"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"golang.org/x/time/rate"
)

// Kind of inbound event
type Kind string

const (
	KindText     Kind = "text"
	KindLocation Kind = "location"
	KindAction   Kind = "action"
)

// Event is one message from a user, whatever transport it came over
type Event struct {
	UserID   string
	Kind     Kind
	Text     string
	Location geo.Point
	Action   string
}

// Machine is the session state machine
type Machine interface {
	Handle(ctx context.Context, in sessionsvc.Input) (*sessionsvc.Result, error)
	ResumeDestination(ctx context.Context, userID string, pickup geo.Point) (*sessionsvc.Result, error)
	Reset(ctx context.Context, userID string) error
}

// RideService is the part of the ride state machine users drive directly
type RideService interface {
	Get(ctx context.Context, rideID string) (*ride.Ride, error)
	TransitionFrom(ctx context.Context, rideID string, expected, target ride.Status, change ride.Change) (*ride.Ride, error)
	Cancel(ctx context.Context, rideID, reason string) (*ride.Ride, error)
	ActiveRide(ctx context.Context, passengerID string) (*ride.Ride, error)
}

// Dispatcher is the part of the scheduler users drive directly
type Dispatcher interface {
	AcceptOffer(ctx context.Context, rideID, driverID string) (*dispatch.Result, error)
	RejectOffer(ctx context.Context, rideID, driverID string) (*dispatch.Result, error)
	GoOnline(ctx context.Context, driverID string, at *geo.Point) error
	GoOffline(ctx context.Context, driverID string) error
	UpdateLocation(ctx context.Context, userID string, at geo.Point) error
}

// RateLimit is a per-user token bucket. Zero PerSecond disables limiting.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Router turns inbound events into state machine and scheduler calls and
// answers the user. Every failure reaches the user as a plain message.
type Router struct {
	machine    Machine
	rides      RideService
	dispatcher Dispatcher
	notifier   notify.Notifier
	logger     *logger.Logger
	limit      RateLimit

	now      func() time.Time
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	pruneAt  int
}

// minPruneAt is the limiter count that triggers the first prune
const minPruneAt = 1024

// NewRouter creates a router
func NewRouter(machine Machine, rides RideService, dispatcher Dispatcher, notifier notify.Notifier, limit RateLimit, logger *logger.Logger) *Router {
	return &Router{
		machine:    machine,
		rides:      rides,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger.Named("inbound"),
		limit:      limit,
		now:        time.Now,
		limiters:   make(map[string]*rate.Limiter),
		pruneAt:    minPruneAt,
	}
}

// Handle processes one event. The returned error has already been reported to the user.
func (r *Router) Handle(ctx context.Context, e Event) error {
	if e.UserID == "" {
		return apperrors.Validation("User is required", nil)
	}
	if !r.allow(e.UserID) {
		r.reportError(ctx, e, apperrors.ErrRateLimitExceeded)
		return apperrors.ErrRateLimitExceeded
	}

	reply, err := r.route(ctx, e)
	if err != nil {
		r.reportError(ctx, e, err)
		return err
	}
	if reply != nil {
		r.send(ctx, e.UserID, *reply)
	}
	return nil
}

func (r *Router) route(ctx context.Context, e Event) (*notify.Message, error) {
	switch e.Kind {
	case KindText:
		return r.toMachine(ctx, sessionsvc.Input{UserID: e.UserID, Kind: sessionsvc.InputText, Text: e.Text})
	case KindLocation:
		return r.toMachine(ctx, sessionsvc.Input{UserID: e.UserID, Kind: sessionsvc.InputLocation, Location: e.Location})
	case KindAction:
		return r.action(ctx, e.UserID, e.Action)
	}
	return nil, apperrors.ErrUnknownAction
}

func (r *Router) toMachine(ctx context.Context, in sessionsvc.Input) (*notify.Message, error) {
	res, err := r.machine.Handle(ctx, in)
	if err != nil {
		return nil, err
	}
	if res.Passive && res.Location != nil {
		if err := r.dispatcher.UpdateLocation(ctx, in.UserID, *res.Location); err != nil {
			return nil, err
		}
	}
	return res.Reply, nil
}

func (r *Router) action(ctx context.Context, userID, action string) (*notify.Message, error) {
	verb, rideID, _ := strings.Cut(action, ":")

	switch verb {
	case "role", notify.ActionNewRide:
		return r.toMachine(ctx, sessionsvc.Input{UserID: userID, Kind: sessionsvc.InputAction, Action: action})

	case notify.ActionConfirmRide:
		return r.confirm(ctx, userID, rideID)

	case notify.ActionCancelRide:
		return r.cancel(ctx, userID, rideID)

	case notify.ActionChangeDestination:
		return r.changeDestination(ctx, userID)

	case notify.ActionAccept:
		res, err := r.dispatcher.AcceptOffer(ctx, rideID, userID)
		if err != nil {
			return nil, err
		}
		if res.Outcome == dispatch.OutcomeRideInactive {
			return rideInactive(rideID), nil
		}
		return nil, nil

	case notify.ActionReject:
		res, err := r.dispatcher.RejectOffer(ctx, rideID, userID)
		if err != nil {
			return nil, err
		}
		if res.Outcome == dispatch.OutcomeRideInactive {
			return rideInactive(rideID), nil
		}
		return &notify.Message{Kind: notify.KindInfo, Text: "Offer declined."}, nil

	case notify.ActionGoOnline:
		if err := r.dispatcher.GoOnline(ctx, userID, nil); err != nil {
			return nil, err
		}
		return &notify.Message{
			Kind:    notify.KindInfo,
			Text:    "You're online. Ride requests near you will show up here.",
			Actions: []notify.Action{{Label: "Go offline", Data: notify.ActionGoOffline}},
		}, nil

	case notify.ActionGoOffline:
		if err := r.dispatcher.GoOffline(ctx, userID); err != nil {
			return nil, err
		}
		return &notify.Message{
			Kind:    notify.KindInfo,
			Text:    "You're offline.",
			Actions: []notify.Action{{Label: "Go online", Data: notify.ActionGoOnline}},
		}, nil

	case notify.ActionArrived:
		return r.driverStep(ctx, userID, rideID, ride.StatusDriverAssigned, ride.StatusDriverArrived)

	case notify.ActionStartRide:
		return r.driverStep(ctx, userID, rideID, ride.StatusDriverArrived, ride.StatusInProgress)

	case notify.ActionCompleteRide:
		return r.driverStep(ctx, userID, rideID, ride.StatusInProgress, ride.StatusCompleted)

	case notify.ActionLogout:
		if err := r.machine.Reset(ctx, userID); err != nil {
			return nil, err
		}
		return &notify.Message{Kind: notify.KindInfo, Text: "Your session was reset."}, nil
	}

	return nil, apperrors.ErrUnknownAction
}

func (r *Router) confirm(ctx context.Context, userID, rideID string) (*notify.Message, error) {
	current, err := r.ownRide(ctx, userID, rideID, false)
	if err != nil {
		return nil, err
	}
	if current.Status == ride.StatusSearching {
		return &notify.Message{Kind: notify.KindInfo, Text: "Still looking for a driver."}, nil
	}
	if _, err := r.rides.TransitionFrom(ctx, rideID, ride.StatusPending, ride.StatusSearching, ride.Change{}); err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *Router) cancel(ctx context.Context, userID, rideID string) (*notify.Message, error) {
	current, err := r.ownRide(ctx, userID, rideID, true)
	if err != nil {
		return nil, err
	}
	reason := "cancelled by passenger"
	if current.PassengerID != userID {
		reason = "cancelled by driver"
	}
	if _, err := r.rides.Cancel(ctx, rideID, reason); err != nil {
		return nil, err
	}
	return nil, nil
}

// changeDestination drops the pending ride and asks for a new destination from the same pickup
func (r *Router) changeDestination(ctx context.Context, userID string) (*notify.Message, error) {
	active, err := r.rides.ActiveRide(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active == nil || active.Status != ride.StatusPending {
		return nil, apperrors.Validation("There is no unconfirmed ride to change", nil)
	}
	if _, err := r.rides.Cancel(ctx, active.ID, "destination changed"); err != nil {
		return nil, err
	}
	res, err := r.machine.ResumeDestination(ctx, userID, active.Pickup)
	if err != nil {
		return nil, err
	}
	return res.Reply, nil
}

func (r *Router) driverStep(ctx context.Context, userID, rideID string, from, to ride.Status) (*notify.Message, error) {
	current, err := r.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if current.Driver() != userID {
		return nil, apperrors.ErrRideNotFound
	}

	change := ride.Change{}
	if to == ride.StatusCompleted {
		fare := current.EstimatedFare
		change.FinalFare = &fare
	}
	if _, err := r.rides.TransitionFrom(ctx, rideID, from, to, change); err != nil {
		return nil, err
	}
	return nil, nil
}

// ownRide loads a ride the user takes part in. Others' rides look missing.
func (r *Router) ownRide(ctx context.Context, userID, rideID string, driverAllowed bool) (*ride.Ride, error) {
	if rideID == "" {
		return nil, apperrors.Validation("Ride is required", nil)
	}
	current, err := r.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if current.PassengerID == userID || (driverAllowed && current.Driver() == userID) {
		return current, nil
	}
	return nil, apperrors.ErrRideNotFound
}

func rideInactive(rideID string) *notify.Message {
	return &notify.Message{
		Kind: notify.KindInfo,
		Text: "This ride is no longer active.",
		Data: map[string]any{"ride_id": rideID},
	}
}

func (r *Router) allow(userID string) bool {
	if r.limit.PerSecond <= 0 {
		return true
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[userID]
	if !ok {
		if len(r.limiters) >= r.pruneAt {
			r.prune(now)
		}
		l = rate.NewLimiter(rate.Limit(r.limit.PerSecond), max(r.limit.Burst, 1))
		r.limiters[userID] = l
	}
	return l.AllowN(now, 1)
}

// prune drops limiters whose bucket has refilled. A full bucket behaves like a
// new one, so forgetting it changes no user's allowance. Must be called with mu held.
func (r *Router) prune(now time.Time) {
	for userID, l := range r.limiters {
		if l.TokensAt(now) >= float64(l.Burst()) {
			delete(r.limiters, userID)
		}
	}
	r.pruneAt = max(2*len(r.limiters), minPruneAt)
}

func (r *Router) reportError(ctx context.Context, e Event, err error) {
	fields := []logger.Field{
		logger.UserID(e.UserID),
		logger.String("kind", string(e.Kind)),
		logger.String("action", e.Action),
		logger.String("error_kind", string(apperrors.KindOf(err))),
		logger.Err(err),
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindInvalidTransition:
		r.logger.Error("Inbound event failed", fields...)
	case apperrors.KindDependency, apperrors.KindInternal:
		r.logger.Warn("Inbound event failed", fields...)
	default:
		r.logger.Info("Inbound event rejected", fields...)
	}

	r.send(ctx, e.UserID, notify.Message{Kind: notify.KindError, Text: apperrors.UserMessage(err)})
}

func (r *Router) send(ctx context.Context, userID string, msg notify.Message) {
	if err := r.notifier.Send(ctx, userID, msg); err != nil {
		r.logger.Debug("Reply not delivered", logger.UserID(userID), logger.Err(err))
	}
}
