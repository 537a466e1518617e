// Package memory holds in-process implementations of every store and of the
// geospatial index. They back the "memory" storage driver and the tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

// RideStore is a ride.Repository guarded by a single mutex
type RideStore struct {
	mu    sync.RWMutex
	rides map[string]*ride.Ride
}

func NewRideStore() *RideStore {
	return &RideStore{rides: make(map[string]*ride.Ride)}
}

func (s *RideStore) Create(ctx context.Context, r *ride.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Status.IsActive() {
		for _, existing := range s.rides {
			if existing.PassengerID == r.PassengerID && existing.Status.IsActive() {
				return ride.ErrActiveRideExists
			}
		}
	}
	s.rides[r.ID] = r.Clone()
	return nil
}

func (s *RideStore) GetByID(ctx context.Context, id string) (*ride.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rides[id]
	if !ok {
		return nil, ride.ErrRideNotFound
	}
	return r.Clone(), nil
}

func (s *RideStore) UpdateIfStatus(ctx context.Context, next *ride.Ride, expected ride.Status, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rides[next.ID]
	if !ok {
		return false, ride.ErrRideNotFound
	}
	if current.Status != expected || current.Version != expectedVersion {
		return false, nil
	}
	s.rides[next.ID] = next.Clone()
	return true, nil
}

func (s *RideStore) GetActiveByPassenger(ctx context.Context, passengerID string) (*ride.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rides {
		if r.PassengerID == passengerID && r.Status.IsActive() {
			return r.Clone(), nil
		}
	}
	return nil, ride.ErrRideNotFound
}

func (s *RideStore) ListByStatus(ctx context.Context, status ride.Status) ([]*ride.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ride.Ride
	for _, r := range s.rides {
		if r.Status == status {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
