package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
)

type driverEntry struct {
	at     geo.Point
	rating float64
}

// GeoIndex is a linear-scan geo.Index
type GeoIndex struct {
	mu      sync.RWMutex
	drivers map[string]driverEntry
	rides   map[string]geo.Point
}

func NewGeoIndex() *GeoIndex {
	return &GeoIndex{
		drivers: make(map[string]driverEntry),
		rides:   make(map[string]geo.Point),
	}
}

func (g *GeoIndex) NearbyDrivers(ctx context.Context, center geo.Point, radiusKM float64) ([]geo.DriverCandidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []geo.DriverCandidate
	for id, d := range g.drivers {
		if dist := geo.Distance(center, d.at); dist <= radiusKM {
			out = append(out, geo.DriverCandidate{DriverID: id, DistanceKM: dist, Rating: d.rating})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKM != out[j].DistanceKM {
			return out[i].DistanceKM < out[j].DistanceKM
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out, nil
}

func (g *GeoIndex) NearbyRides(ctx context.Context, center geo.Point, radiusKM float64) ([]geo.RideCandidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []geo.RideCandidate
	for id, at := range g.rides {
		if dist := geo.Distance(center, at); dist <= radiusKM {
			out = append(out, geo.RideCandidate{RideID: id, DistanceKM: dist})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKM != out[j].DistanceKM {
			return out[i].DistanceKM < out[j].DistanceKM
		}
		return out[i].RideID < out[j].RideID
	})
	return out, nil
}

func (g *GeoIndex) UpsertDriver(ctx context.Context, driverID string, at geo.Point, rating float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = driverEntry{at: at, rating: rating}
	return nil
}

func (g *GeoIndex) RemoveDriver(ctx context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

func (g *GeoIndex) UpsertRide(ctx context.Context, rideID string, at geo.Point) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rides[rideID] = at
	return nil
}

func (g *GeoIndex) RemoveRide(ctx context.Context, rideID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rides, rideID)
	return nil
}

// HasDriver reports whether the driver is currently indexed
func (g *GeoIndex) HasDriver(driverID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.drivers[driverID]
	return ok
}

// HasRide reports whether the ride is currently indexed
func (g *GeoIndex) HasRide(rideID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.rides[rideID]
	return ok
}
