package redis

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/session"
	"github.com/gocomet/ride-dispatch/internal/domain/user"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to DISPATCH_TEST_REDIS (host:port), skipping when it is unset
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("DISPATCH_TEST_REDIS")
	if addr == "" {
		t.Skip("DISPATCH_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() {
		client.Del(context.Background(), driversKey, ridesKey, ratingsKey)
		client.Close()
	})
	return client
}

func TestParseRating(t *testing.T) {
	assert.Equal(t, 4.2, parseRating("4.2"))
	assert.Equal(t, user.DefaultRating, parseRating(nil))
	assert.Equal(t, user.DefaultRating, parseRating("bogus"))
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "dispatch:session:u1", sessionKey("u1"))
}

func TestGeoIndex_NearbyDrivers(t *testing.T) {
	index := NewGeoIndex(newTestClient(t))
	ctx := context.Background()
	center := geo.Point{Latitude: 12.9716, Longitude: 77.5946}

	require.NoError(t, index.UpsertDriver(ctx, "near", geo.Point{Latitude: 12.975, Longitude: 77.5946}, 4.1))
	require.NoError(t, index.UpsertDriver(ctx, "far", geo.Point{Latitude: 13.2, Longitude: 77.5946}, 4.9))
	require.NoError(t, index.UpsertDriver(ctx, "mid", geo.Point{Latitude: 12.99, Longitude: 77.5946}, 4.8))

	found, err := index.NearbyDrivers(ctx, center, 5)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "near", found[0].DriverID)
	assert.Equal(t, 4.1, found[0].Rating)
	assert.Equal(t, "mid", found[1].DriverID)
	assert.Less(t, found[0].DistanceKM, found[1].DistanceKM)

	require.NoError(t, index.RemoveDriver(ctx, "near"))
	found, err = index.NearbyDrivers(ctx, center, 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "mid", found[0].DriverID)
}

func TestGeoIndex_NearbyRides(t *testing.T) {
	index := NewGeoIndex(newTestClient(t))
	ctx := context.Background()
	center := geo.Point{Latitude: 12.9716, Longitude: 77.5946}

	require.NoError(t, index.UpsertRide(ctx, "r1", center))
	found, err := index.NearbyRides(ctx, center, 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "r1", found[0].RideID)

	require.NoError(t, index.RemoveRide(ctx, "r1"))
	found, err = index.NearbyRides(ctx, center, 1)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestSessionStore_UpdateAndDelete(t *testing.T) {
	store := NewSessionStore(newTestClient(t), time.Minute)
	ctx := context.Background()
	userID := uuid.NewString()

	fresh, err := store.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, fresh.State)

	updated, err := store.Update(ctx, userID, func(s *session.Session) error {
		s.State = session.StateAwaitingName
		s.Role = user.RolePassenger
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)

	boom := errors.New("boom")
	_, err = store.Update(ctx, userID, func(s *session.Session) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = store.Update(ctx, userID, func(s *session.Session) error {
		s.State = session.StateAwaitingDestination
		return nil
	})
	assert.ErrorIs(t, err, session.ErrInvalidSession)

	loaded, err := store.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingName, loaded.State)

	require.NoError(t, store.Delete(ctx, userID))
	loaded, err = store.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, loaded.State)
}

func TestSessionStore_ConcurrentUpdatesSerialise(t *testing.T) {
	store := NewSessionStore(newTestClient(t), time.Minute)
	ctx := context.Background()
	userID := uuid.NewString()
	t.Cleanup(func() { store.Delete(ctx, userID) })

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, userID, func(s *session.Session) error {
				if s.State != session.StateIdle {
					return errors.New("already claimed")
				}
				s.State = session.StateAwaitingPickup
				return nil
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
