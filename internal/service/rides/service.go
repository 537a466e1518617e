package rides

import (
	"context"
	"errors"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/events"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/retry"
)

// cancel re-reads and retries when it loses a race with another transition
const maxCancelAttempts = 3

// Service validates and applies ride status transitions
type Service struct {
	repo      ride.Repository
	publisher events.Publisher
	logger    *logger.Logger
	retry     retry.Policy
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetryPolicy sets the backoff for read-only queries
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.retry = p }
}

// NewService creates a ride service
func NewService(repo ride.Repository, publisher events.Publisher, logger *logger.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		retry:     retry.DefaultPolicy(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest holds everything needed to open a ride
type CreateRequest struct {
	PassengerID     string
	Pickup          geo.Point
	Destination     geo.Point
	DistanceKM      float64
	DurationMinutes int
	Fare            float64
}

// CreateRide persists a pending ride. A passenger with a non-terminal ride gets ErrActiveRide.
func (s *Service) CreateRide(ctx context.Context, req CreateRequest) (*ride.Ride, error) {
	if req.PassengerID == "" {
		return nil, apperrors.Validation("Passenger is required", nil)
	}
	if req.Pickup.Validate() != nil || req.Destination.Validate() != nil {
		return nil, apperrors.ErrInvalidCoordinates
	}
	if req.DistanceKM < 0 || req.DurationMinutes < 0 || req.Fare < 0 {
		return nil, apperrors.Validation("Distance, duration and fare must not be negative", nil)
	}

	active, err := s.ActiveRide(ctx, req.PassengerID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apperrors.ErrActiveRide
	}

	r := ride.New(req.PassengerID, req.Pickup, req.Destination, req.DistanceKM, req.DurationMinutes, req.Fare, s.now())
	if err := s.repo.Create(ctx, r); err != nil {
		if errors.Is(err, ride.ErrActiveRideExists) {
			return nil, apperrors.ErrActiveRide.WithCause(err)
		}
		s.logger.Warn("Failed to create ride", logger.UserID(req.PassengerID), logger.Err(err))
		return nil, apperrors.Dependency("Could not save your ride, please try again", err)
	}

	s.logger.Info("Ride created",
		logger.RideID(r.ID),
		logger.UserID(r.PassengerID),
		logger.Float64("distance_km", r.DistanceKM),
		logger.Int("duration_minutes", r.DurationMinutes),
		logger.Float64("estimated_fare", r.EstimatedFare),
	)
	s.publish(ctx, events.RideCreated(r))
	return r.Clone(), nil
}

// Get loads a ride, retrying transient store failures
func (s *Service) Get(ctx context.Context, rideID string) (*ride.Ride, error) {
	var r *ride.Ride
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		r, err = s.repo.GetByID(ctx, rideID)
		if errors.Is(err, ride.ErrRideNotFound) {
			return apperrors.ErrRideNotFound.WithCause(err)
		}
		return err
	})
	if err != nil {
		if apperrors.IsAppError(err) {
			return nil, err
		}
		return nil, apperrors.Dependency("Could not load the ride, please try again", err)
	}
	return r, nil
}

// ActiveRide returns the passenger's non-terminal ride, or nil when there is none.
// A store failure that outlasts the retries is a retryable dependency error.
func (s *Service) ActiveRide(ctx context.Context, passengerID string) (*ride.Ride, error) {
	var active *ride.Ride
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		r, err := s.repo.GetActiveByPassenger(ctx, passengerID)
		if errors.Is(err, ride.ErrRideNotFound) {
			active = nil
			return nil
		}
		active = r
		return err
	})
	if err != nil {
		s.logger.Warn("Active ride lookup failed", logger.UserID(passengerID), logger.Err(err))
		return nil, apperrors.Dependency("Could not check your current rides, please try again", err)
	}
	return active, nil
}

// ListByStatus returns every ride currently in status
func (s *Service) ListByStatus(ctx context.Context, status ride.Status) ([]*ride.Ride, error) {
	var out []*ride.Ride
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		out, err = s.repo.ListByStatus(ctx, status)
		return err
	})
	if err != nil {
		return nil, apperrors.Dependency("Could not list rides", err)
	}
	return out, nil
}

// Transition moves a ride to target from whatever status it is in now
func (s *Service) Transition(ctx context.Context, rideID string, target ride.Status, change ride.Change) (*ride.Ride, error) {
	current, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, current, target, change)
}

// TransitionFrom moves a ride to target only if it is still in expected.
// Anything else, including losing the write race, is a conflict.
func (s *Service) TransitionFrom(ctx context.Context, rideID string, expected, target ride.Status, change ride.Change) (*ride.Ride, error) {
	current, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if current.Status != expected {
		return nil, apperrors.ErrAlreadyHandled.WithCause(
			errors.New("ride is " + string(current.Status) + ", expected " + string(expected)))
	}
	return s.apply(ctx, current, target, change)
}

// Cancel cancels a non-terminal ride. Cancelling a cancelled ride returns it unchanged.
func (s *Service) Cancel(ctx context.Context, rideID, reason string) (*ride.Ride, error) {
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		current, err := s.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if current.Status == ride.StatusCancelled {
			return current, nil
		}

		updated, err := s.apply(ctx, current, ride.StatusCancelled, ride.Change{Reason: reason})
		if errors.Is(err, apperrors.ErrAlreadyHandled) {
			continue
		}
		return updated, err
	}
	return nil, apperrors.ErrAlreadyHandled
}

func (s *Service) apply(ctx context.Context, current *ride.Ride, target ride.Status, change ride.Change) (*ride.Ride, error) {
	next, err := current.Advance(target, change, s.now())
	switch {
	case errors.Is(err, ride.ErrInvalidTransition):
		s.logger.Error("Invalid ride transition",
			logger.RideID(current.ID),
			logger.String("from", string(current.Status)),
			logger.String("to", string(target)),
			logger.Err(err),
		)
		return nil, apperrors.InvalidTransition("This ride can't be updated that way", err)
	case errors.Is(err, ride.ErrDriverRequired):
		return nil, apperrors.Validation("A driver is required to assign the ride", err)
	case errors.Is(err, ride.ErrFinalFareRequired):
		return nil, apperrors.Validation("A final fare is required to complete the ride", err)
	case err != nil:
		return nil, apperrors.Internal("Ride update rejected", err)
	}

	ok, err := s.repo.UpdateIfStatus(ctx, next, current.Status, current.Version)
	if err != nil {
		s.logger.Warn("Ride update failed", logger.RideID(current.ID), logger.Err(err))
		return nil, apperrors.Dependency("Could not update the ride, please try again", err)
	}
	if !ok {
		s.logger.Info("Ride transition lost race",
			logger.RideID(current.ID),
			logger.String("from", string(current.Status)),
			logger.String("to", string(target)),
		)
		return nil, apperrors.ErrAlreadyHandled
	}

	s.logger.Info("Ride status changed",
		logger.RideID(next.ID),
		logger.String("from", string(current.Status)),
		logger.String("to", string(next.Status)),
		logger.DriverID(next.Driver()),
	)
	s.publish(ctx, events.StatusChanged(current, next))
	return next.Clone(), nil
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Error("Failed to publish ride event",
			logger.RideID(e.RideID),
			logger.String("event_kind", string(e.Kind)),
			logger.Err(err),
		)
	}
}
