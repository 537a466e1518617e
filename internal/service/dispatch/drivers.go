package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/offer"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/domain/user"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/retry"
)

// GoOnline marks a driver available, indexes their position and starts polling
// for nearby rides. at overrides the last known position when set.
func (s *Scheduler) GoOnline(ctx context.Context, driverID string, at *geo.Point) error {
	u, err := s.users.GetByID(ctx, driverID)
	if errors.Is(err, user.ErrUserNotFound) {
		return apperrors.ErrUserNotFound
	}
	if err != nil {
		return apperrors.Dependency("Could not load your profile, please try again", err)
	}
	if u.Role != user.RoleDriver {
		return apperrors.Validation("Only drivers can go online", nil)
	}

	position := u.CurrentLocation
	if at != nil {
		if at.Validate() != nil {
			return apperrors.ErrInvalidCoordinates
		}
		position = at
	}
	if position == nil {
		return apperrors.Validation("Share your location before going online", nil)
	}

	if err := s.users.UpdateLocation(ctx, driverID, *position); err != nil {
		return apperrors.Dependency("Could not update your location, please try again", err)
	}
	if err := s.users.SetOnline(ctx, driverID, true); err != nil {
		return apperrors.Dependency("Could not go online, please try again", err)
	}
	if !s.isBusy(driverID) {
		if err := s.index.UpsertDriver(ctx, driverID, *position, u.Rating); err != nil {
			return apperrors.Dependency("Could not go online, please try again", err)
		}
	}

	s.startPolling(driverID)
	s.logger.Info("Driver online", logger.DriverID(driverID))
	return nil
}

// GoOffline stops polling and removes the driver from the index. Offers
// already sent stay open until they time out.
func (s *Scheduler) GoOffline(ctx context.Context, driverID string) error {
	s.stopPolling(driverID)

	if err := s.users.SetOnline(ctx, driverID, false); err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return apperrors.ErrUserNotFound
		}
		return apperrors.Dependency("Could not go offline, please try again", err)
	}
	if err := s.index.RemoveDriver(ctx, driverID); err != nil {
		s.logger.Warn("Failed to remove driver from index", logger.DriverID(driverID), logger.Err(err))
	}

	s.logger.Info("Driver offline", logger.DriverID(driverID))
	return nil
}

// UpdateLocation records a user's position and re-indexes available online drivers
func (s *Scheduler) UpdateLocation(ctx context.Context, userID string, at geo.Point) error {
	if err := s.users.UpdateLocation(ctx, userID, at); err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return nil
		}
		return apperrors.Dependency("Could not save your location, please try again", err)
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return apperrors.Dependency("Could not load your profile, please try again", err)
	}
	if u.Role != user.RoleDriver || !u.IsOnline || s.isBusy(userID) {
		return nil
	}
	if err := s.index.UpsertDriver(ctx, userID, at, u.Rating); err != nil {
		s.logger.Warn("Failed to re-index driver", logger.DriverID(userID), logger.Err(err))
	}
	return nil
}

// IsPolling reports whether the driver has a polling task
func (s *Scheduler) IsPolling(driverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollers[driverID] != nil
}

func (s *Scheduler) startPolling(driverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollers[driverID] != nil {
		return
	}

	t := s.spawn("poll:"+driverID, func(ctx context.Context, t *task) {
		s.metrics.PollersActive.Inc()
		defer s.metrics.PollersActive.Dec()
		defer s.forget(s.pollers, driverID, t)
		s.poll(ctx, driverID)
	})
	if t != nil {
		s.pollers[driverID] = t
	}
}

func (s *Scheduler) stopPolling(driverID string) {
	s.mu.Lock()
	t := s.pollers[driverID]
	delete(s.pollers, driverID)
	s.mu.Unlock()

	if t != nil {
		t.cancel()
		<-t.done
	}
}

func (s *Scheduler) poll(ctx context.Context, driverID string) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		s.pollOnce(ctx, driverID)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce surfaces every searching ride near the driver that they have not been offered yet
func (s *Scheduler) pollOnce(ctx context.Context, driverID string) {
	if s.isBusy(driverID) {
		return
	}

	var u *user.User
	err := retry.Do(ctx, s.config.Retry, func(ctx context.Context) error {
		var err error
		u, err = s.users.GetByID(ctx, driverID)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Poll could not load driver", logger.DriverID(driverID), logger.Err(err))
		}
		return
	}
	if !u.IsOnline || u.CurrentLocation == nil {
		return
	}

	var nearby []geo.RideCandidate
	err = retry.Do(ctx, s.config.Retry, func(ctx context.Context) error {
		var err error
		nearby, err = s.index.NearbyRides(ctx, *u.CurrentLocation, s.config.PollRadiusKM)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Nearby ride query failed", logger.DriverID(driverID), logger.Err(err))
		}
		return
	}

	for _, c := range nearby {
		if ctx.Err() != nil || s.isBusy(driverID) {
			return
		}
		if s.book.has(c.RideID, driverID) {
			continue
		}

		r, err := s.rides.Get(ctx, c.RideID)
		if err != nil {
			s.logger.Debug("Poll skipped ride", logger.RideID(c.RideID), logger.Err(err))
			continue
		}
		if r.Status != ride.StatusSearching || r.PassengerID == driverID {
			continue
		}

		t, created, ok := s.book.open(r.ID, driverID, offer.SourcePoll, s.now(), s.config.OfferTimeout)
		if !ok || !created {
			continue
		}
		s.sendOffer(ctx, r, t.offer, c.DistanceKM)
	}
}

func (s *Scheduler) markBusy(ctx context.Context, driverID, rideID string) {
	s.mu.Lock()
	s.busy[driverID] = rideID
	s.mu.Unlock()

	if err := s.index.RemoveDriver(ctx, driverID); err != nil {
		s.logger.Warn("Failed to remove busy driver from index", logger.DriverID(driverID), logger.Err(err))
	}
}

// release makes a driver available again once their ride ends
func (s *Scheduler) release(ctx context.Context, driverID, rideID string) {
	s.mu.Lock()
	if s.busy[driverID] != rideID {
		s.mu.Unlock()
		return
	}
	delete(s.busy, driverID)
	s.mu.Unlock()

	u, err := s.users.GetByID(ctx, driverID)
	if err != nil {
		s.logger.Warn("Could not reload released driver", logger.DriverID(driverID), logger.Err(err))
		return
	}
	if !u.IsOnline || u.CurrentLocation == nil {
		return
	}
	if err := s.index.UpsertDriver(ctx, driverID, *u.CurrentLocation, u.Rating); err != nil {
		s.logger.Warn("Failed to re-index released driver", logger.DriverID(driverID), logger.Err(err))
		return
	}
	s.logger.Info("Driver available", logger.DriverID(driverID))
}
