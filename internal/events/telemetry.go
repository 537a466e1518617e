package events

import (
	"context"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

// Recorder receives ride lifecycle telemetry
type Recorder interface {
	RecordRideCreated(rideID string, estimatedFare float64)
	RecordRideTransition(rideID, from, to string)
	RecordRideCompleted(rideID string, fare, distanceKM float64, durationMinutes int)
}

// TelemetryHandler returns a Bus handler that forwards events to r
func TelemetryHandler(r Recorder) Handler {
	return func(ctx context.Context, e Event) {
		switch e.Kind {
		case KindRideCreated:
			r.RecordRideCreated(e.RideID, e.Ride.EstimatedFare)
		case KindRideStatusChanged:
			r.RecordRideTransition(e.RideID, string(e.From), string(e.To))
			if e.To == ride.StatusCompleted && e.Ride.FinalFare != nil {
				r.RecordRideCompleted(e.RideID, *e.Ride.FinalFare, e.Ride.DistanceKM, e.Ride.DurationMinutes)
			}
		}
	}
}
