package dispatch

import (
	"context"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/events"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// HandleEvent keeps searches, offers and driver availability in step with ride
// status. It is registered as a bus subscriber.
func (s *Scheduler) HandleEvent(ctx context.Context, e events.Event) {
	if e.Kind != events.KindRideStatusChanged {
		return
	}

	if e.From == ride.StatusSearching && e.To != ride.StatusSearching {
		s.StopSearch(e.RideID)
		keep := ""
		if e.To == ride.StatusDriverAssigned {
			keep = e.DriverID
		}
		s.closeRide(ctx, e.RideID, keep)
		if err := s.index.RemoveRide(ctx, e.RideID); err != nil {
			s.logger.Warn("Failed to remove ride from index", logger.RideID(e.RideID), logger.Err(err))
		}
	}

	switch e.To {
	case ride.StatusSearching:
		s.StartSearch(e.RideID)
	case ride.StatusDriverAssigned:
		s.markBusy(ctx, e.DriverID, e.RideID)
	case ride.StatusCompleted, ride.StatusCancelled:
		if e.PreviousDriverID != "" {
			s.release(ctx, e.PreviousDriverID, e.RideID)
		}
	}
}
