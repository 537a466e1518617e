package geo

import (
	"context"
	"errors"
	"math"
)

const earthRadiusKM = 6371

var ErrInvalidPoint = errors.New("invalid coordinates")

// Point is a WGS84 coordinate
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the point lies on the globe
func (p Point) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) ||
		p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return ErrInvalidPoint
	}
	return nil
}

// Distance returns the haversine distance between a and b in kilometers
func Distance(a, b Point) float64 {
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Latitude))*math.Cos(toRadians(b.Latitude))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// DriverCandidate is a driver returned by a proximity query
type DriverCandidate struct {
	DriverID   string  `json:"driver_id"`
	DistanceKM float64 `json:"distance_km"`
	Rating     float64 `json:"rating"`
}

// RideCandidate is a searching ride returned by a proximity query
type RideCandidate struct {
	RideID     string  `json:"ride_id"`
	DistanceKM float64 `json:"distance_km"`
}

// Index answers proximity queries for available drivers and searching rides.
// Results are ordered by distance, closest first.
type Index interface {
	NearbyDrivers(ctx context.Context, center Point, radiusKM float64) ([]DriverCandidate, error)
	NearbyRides(ctx context.Context, center Point, radiusKM float64) ([]RideCandidate, error)

	UpsertDriver(ctx context.Context, driverID string, at Point, rating float64) error
	RemoveDriver(ctx context.Context, driverID string) error
	UpsertRide(ctx context.Context, rideID string, at Point) error
	RemoveRide(ctx context.Context, rideID string) error
}
