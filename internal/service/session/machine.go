package session

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/domain/session"
	"github.com/gocomet/ride-dispatch/internal/domain/user"
	"github.com/gocomet/ride-dispatch/internal/notify"
	"github.com/gocomet/ride-dispatch/internal/routing"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/internal/service/rides"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// minNameLength is exclusive: a name needs more characters than this
const minNameLength = 3

// RideCreator is the part of the ride service the machine needs
type RideCreator interface {
	CreateRide(ctx context.Context, req rides.CreateRequest) (*ride.Ride, error)
	ActiveRide(ctx context.Context, passengerID string) (*ride.Ride, error)
}

// FareQuoter prices a trip
type FareQuoter interface {
	Quote(distanceKM float64, durationMinutes int, at time.Time) pricing.FareBreakdown
}

// InputKind is the shape of a user event
type InputKind string

const (
	InputText     InputKind = "text"
	InputLocation InputKind = "location"
	InputAction   InputKind = "action"
)

// Input is one user event
type Input struct {
	UserID   string
	Kind     InputKind
	Text     string
	Location geo.Point
	Action   string
}

// Result is what handling an input produced. Passive is set when a location
// was only a position update; the caller forwards it to the scheduler.
type Result struct {
	Reply    *notify.Message
	State    session.State
	Ride     *ride.Ride
	Passive  bool
	Location *geo.Point
}

// Machine drives registration and ride requests
type Machine struct {
	sessions session.Store
	users    user.Repository
	rides    RideCreator
	routes   routing.Provider
	fares    FareQuoter
	logger   *logger.Logger
	now      func() time.Time
}

// NewMachine creates a session machine
func NewMachine(sessions session.Store, users user.Repository, rides RideCreator, routes routing.Provider, fares FareQuoter, logger *logger.Logger) *Machine {
	return &Machine{
		sessions: sessions,
		users:    users,
		rides:    rides,
		routes:   routes,
		fares:    fares,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle applies one text, location or action input
func (m *Machine) Handle(ctx context.Context, in Input) (*Result, error) {
	switch in.Kind {
	case InputText:
		return m.handleText(ctx, in)
	case InputLocation:
		if err := in.Location.Validate(); err != nil {
			return nil, apperrors.ErrInvalidCoordinates
		}
		return m.handleLocation(ctx, in)
	case InputAction:
		return m.handleAction(ctx, in)
	}
	return nil, apperrors.ErrUnknownAction
}

func (m *Machine) handleAction(ctx context.Context, in Input) (*Result, error) {
	switch in.Action {
	case notify.ActionRolePassenger:
		return m.chooseRole(ctx, in.UserID, user.RolePassenger)
	case notify.ActionRoleDriver:
		return m.chooseRole(ctx, in.UserID, user.RoleDriver)
	case notify.ActionNewRide:
		return m.newRide(ctx, in.UserID)
	}
	return nil, apperrors.ErrUnknownAction
}

func (m *Machine) chooseRole(ctx context.Context, userID string, role user.Role) (*Result, error) {
	if _, err := m.users.GetByID(ctx, userID); err == nil {
		return nil, apperrors.ErrAlreadyRegistered
	} else if !errors.Is(err, user.ErrUserNotFound) {
		return nil, apperrors.Dependency("Could not check your registration, please try again", err)
	}

	sess, err := m.update(ctx, userID, func(s *session.Session) error {
		if s.State != session.StateIdle {
			return errWrongState
		}
		s.State = session.StateAwaitingName
		s.Role = role
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		State: sess.State,
		Reply: &notify.Message{Kind: notify.KindPrompt, Text: "What's your name?"},
	}, nil
}

func (m *Machine) handleText(ctx context.Context, in Input) (*Result, error) {
	current, err := m.sessions.Get(ctx, in.UserID)
	if err != nil {
		return nil, apperrors.Dependency("Could not load your session, please try again", err)
	}
	if current.State != session.StateAwaitingName {
		return &Result{State: current.State, Reply: m.help(current.State)}, nil
	}

	if utf8.RuneCountInString(in.Text) <= minNameLength {
		return nil, apperrors.ErrNameTooShort
	}

	sess, err := m.update(ctx, in.UserID, func(s *session.Session) error {
		if s.State != session.StateAwaitingName {
			return errWrongState
		}
		s.State = session.StateAwaitingLocation
		s.Name = in.Text
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		State: sess.State,
		Reply: &notify.Message{Kind: notify.KindPrompt, Text: fmt.Sprintf("Thanks %s! Please share your location to finish registering.", sess.Name)},
	}, nil
}

func (m *Machine) handleLocation(ctx context.Context, in Input) (*Result, error) {
	current, err := m.sessions.Get(ctx, in.UserID)
	if err != nil {
		return nil, apperrors.Dependency("Could not load your session, please try again", err)
	}

	switch current.State {
	case session.StateAwaitingLocation:
		return m.register(ctx, in.UserID, in.Location)
	case session.StateAwaitingPickup:
		return m.setPickup(ctx, in.UserID, in.Location)
	case session.StateAwaitingDestination:
		return m.setDestination(ctx, in.UserID, in.Location)
	}
	return m.passive(ctx, in.UserID, in.Location)
}

func (m *Machine) register(ctx context.Context, userID string, at geo.Point) (*Result, error) {
	var claimed *session.Session
	_, err := m.update(ctx, userID, func(s *session.Session) error {
		if s.State != session.StateAwaitingLocation {
			return errWrongState
		}
		claimed = s.Clone()
		s.Reset()
		s.CurrentLocation = &at
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := m.now()
	u := &user.User{
		ID:              userID,
		Name:            claimed.Name,
		Role:            claimed.Role,
		HomeLocation:    at,
		CurrentLocation: &at,
		Rating:          user.DefaultRating,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.users.Create(ctx, u); err != nil {
		if errors.Is(err, user.ErrUserExists) {
			return nil, apperrors.ErrAlreadyRegistered.WithCause(err)
		}
		m.restore(ctx, userID, claimed)
		m.logger.Warn("Failed to register user", logger.UserID(userID), logger.Err(err))
		return nil, apperrors.Dependency("Could not complete your registration, please try again", err)
	}

	m.logger.Info("User registered", logger.UserID(userID), logger.String("role", string(u.Role)))

	reply := &notify.Message{Kind: notify.KindInfo, Text: fmt.Sprintf("Welcome %s! You're registered as a %s.", u.Name, u.Role)}
	if u.Role == user.RolePassenger {
		reply.Actions = []notify.Action{{Label: "Request a ride", Data: notify.ActionNewRide}}
	} else {
		reply.Actions = []notify.Action{{Label: "Go online", Data: notify.ActionGoOnline}}
	}
	return &Result{State: session.StateIdle, Reply: reply}, nil
}

// restore puts a claimed registration back so the user can retry with another location
func (m *Machine) restore(ctx context.Context, userID string, claimed *session.Session) {
	_, err := m.sessions.Update(ctx, userID, func(s *session.Session) error {
		if s.State != session.StateIdle {
			return errWrongState
		}
		s.State = claimed.State
		s.Role = claimed.Role
		s.Name = claimed.Name
		return nil
	})
	if err != nil {
		m.logger.Warn("Failed to restore session", logger.UserID(userID), logger.Err(err))
	}
}

func (m *Machine) newRide(ctx context.Context, userID string) (*Result, error) {
	u, err := m.users.GetByID(ctx, userID)
	if errors.Is(err, user.ErrUserNotFound) {
		return nil, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, apperrors.Dependency("Could not load your profile, please try again", err)
	}
	if u.Role != user.RolePassenger {
		return nil, apperrors.Validation("Only passengers can request rides", nil)
	}

	active, err := m.rides.ActiveRide(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apperrors.ErrActiveRide
	}

	sess, err := m.update(ctx, userID, func(s *session.Session) error {
		if s.State != session.StateIdle {
			return errWrongState
		}
		s.State = session.StateAwaitingPickup
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		State: sess.State,
		Reply: &notify.Message{Kind: notify.KindPrompt, Text: "Share your pickup location."},
	}, nil
}

func (m *Machine) setPickup(ctx context.Context, userID string, at geo.Point) (*Result, error) {
	sess, err := m.update(ctx, userID, func(s *session.Session) error {
		if s.State != session.StateAwaitingPickup {
			return errWrongState
		}
		s.State = session.StateAwaitingDestination
		s.Pickup = &at
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		State: sess.State,
		Reply: &notify.Message{Kind: notify.KindPrompt, Text: "Now share your destination."},
	}, nil
}

// ResumeDestination puts the user back at the destination step with a known pickup
func (m *Machine) ResumeDestination(ctx context.Context, userID string, pickup geo.Point) (*Result, error) {
	sess, err := m.update(ctx, userID, func(s *session.Session) error {
		if s.State != session.StateIdle {
			return errWrongState
		}
		s.State = session.StateAwaitingDestination
		s.Pickup = &pickup
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		State: sess.State,
		Reply: &notify.Message{Kind: notify.KindPrompt, Text: "Share your new destination."},
	}, nil
}

// setDestination returns the session to idle before doing anything else so a
// failed route or ride creation never leaves the user stuck.
func (m *Machine) setDestination(ctx context.Context, userID string, destination geo.Point) (*Result, error) {
	var pickup geo.Point
	_, err := m.update(ctx, userID, func(s *session.Session) error {
		if s.State != session.StateAwaitingDestination {
			return errWrongState
		}
		pickup = *s.Pickup
		s.Reset()
		return nil
	})
	if err != nil {
		return nil, err
	}

	route, err := m.routes.Route(ctx, pickup, destination)
	if err != nil {
		m.logger.Warn("Route lookup failed", logger.UserID(userID), logger.Err(err))
		return nil, apperrors.Dependency("Could not calculate a route, please request the ride again", err)
	}
	fare := m.fares.Quote(route.DistanceKM, route.DurationMinutes, m.now())

	r, err := m.rides.CreateRide(ctx, rides.CreateRequest{
		PassengerID:     userID,
		Pickup:          pickup,
		Destination:     destination,
		DistanceKM:      route.DistanceKM,
		DurationMinutes: route.DurationMinutes,
		Fare:            fare.Total,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		State: session.StateIdle,
		Ride:  r,
		Reply: &notify.Message{
			Kind: notify.KindRideUpdate,
			Text: fmt.Sprintf("Trip: %.1f km, about %d min. Estimated fare: %.2f", r.DistanceKM, r.DurationMinutes, r.EstimatedFare),
			Actions: []notify.Action{
				{Label: "Confirm ride", Data: notify.ActionData(notify.ActionConfirmRide, r.ID)},
				{Label: "Change destination", Data: notify.ActionChangeDestination},
				{Label: "Cancel", Data: notify.ActionData(notify.ActionCancelRide, r.ID)},
			},
			Data: map[string]any{
				"ride_id":          r.ID,
				"distance_km":      r.DistanceKM,
				"duration_minutes": r.DurationMinutes,
				"estimated_fare":   r.EstimatedFare,
				"surge_multiplier": fare.SurgeMultiplier,
			},
		},
	}, nil
}

func (m *Machine) passive(ctx context.Context, userID string, at geo.Point) (*Result, error) {
	sess, err := m.sessions.Update(ctx, userID, func(s *session.Session) error {
		s.CurrentLocation = &at
		return nil
	})
	if err != nil {
		return nil, apperrors.Dependency("Could not save your location, please try again", err)
	}
	return &Result{State: sess.State, Passive: true, Location: &at}, nil
}

// Reset drops the user's session
func (m *Machine) Reset(ctx context.Context, userID string) error {
	if err := m.sessions.Delete(ctx, userID); err != nil {
		return apperrors.Dependency("Could not reset your session, please try again", err)
	}
	return nil
}

var errWrongState = errors.New("session is not in the expected state")

// update wraps Store.Update and maps guard misses to a conflict
func (m *Machine) update(ctx context.Context, userID string, fn func(*session.Session) error) (*session.Session, error) {
	sess, err := m.sessions.Update(ctx, userID, fn)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, errWrongState):
		return nil, apperrors.Conflict("That step is no longer current, please start again", err)
	case errors.Is(err, session.ErrInvalidSession):
		return nil, apperrors.Internal("Session update rejected", err)
	}
	return nil, apperrors.Dependency("Could not save your session, please try again", err)
}

func (m *Machine) help(state session.State) *notify.Message {
	switch state {
	case session.StateAwaitingLocation:
		return &notify.Message{Kind: notify.KindPrompt, Text: "Please share your location to finish registering."}
	case session.StateAwaitingPickup:
		return &notify.Message{Kind: notify.KindPrompt, Text: "Please share your pickup location."}
	case session.StateAwaitingDestination:
		return &notify.Message{Kind: notify.KindPrompt, Text: "Please share your destination."}
	}
	return &notify.Message{
		Kind: notify.KindInfo,
		Text: "Choose an option to continue.",
		Actions: []notify.Action{
			{Label: "I'm a passenger", Data: notify.ActionRolePassenger},
			{Label: "I'm a driver", Data: notify.ActionRoleDriver},
			{Label: "Request a ride", Data: notify.ActionNewRide},
		},
	}
}
