package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/offer"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/domain/user"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB connects to DISPATCH_TEST_DSN, skipping when it is unset
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("DISPATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func newRide(passenger string) *ride.Ride {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return ride.New(passenger,
		geo.Point{Latitude: 12.97, Longitude: 77.59},
		geo.Point{Latitude: 12.93, Longitude: 77.62},
		10, 20, 35, now)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(sql.ErrNoRows))
	assert.False(t, isUniqueViolation(nil))
}

func TestNullHelpers(t *testing.T) {
	empty := ""
	assert.False(t, nullString(&empty).Valid)
	assert.False(t, nullString(nil).Valid)
	d := "d1"
	assert.Equal(t, "d1", *stringPtr(nullString(&d)))

	assert.Nil(t, floatPtr(nullFloat(nil)))
	f := 12.5
	assert.Equal(t, 12.5, *floatPtr(nullFloat(&f)))

	assert.Nil(t, timePtr(nullTime(nil)))
	now := time.Now()
	assert.True(t, now.Equal(*timePtr(nullTime(&now))))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "0001_init.sql", entries[0].Name())
}

func TestRideStore_Lifecycle(t *testing.T) {
	db := openTestDB(t)
	store := NewRideStore(db)
	ctx := context.Background()
	passenger := uuid.NewString()

	r := newRide(passenger)
	require.NoError(t, store.Create(ctx, r))
	assert.ErrorIs(t, store.Create(ctx, newRide(passenger)), ride.ErrActiveRideExists)

	loaded, err := store.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusPending, loaded.Status)
	assert.Nil(t, loaded.DriverID)

	next, err := loaded.Advance(ride.StatusSearching, ride.Change{}, time.Now().UTC())
	require.NoError(t, err)
	ok, err := store.UpdateIfStatus(ctx, next, ride.StatusPending, loaded.Version)
	require.NoError(t, err)
	assert.True(t, ok)

	// stale writer loses
	ok, err = store.UpdateIfStatus(ctx, next, ride.StatusPending, loaded.Version)
	require.NoError(t, err)
	assert.False(t, ok)

	searching, err := store.ListByStatus(ctx, ride.StatusSearching)
	require.NoError(t, err)
	var ids []string
	for _, s := range searching {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, r.ID)

	active, err := store.GetActiveByPassenger(ctx, passenger)
	require.NoError(t, err)
	assert.Equal(t, r.ID, active.ID)

	cancelled, err := next.Advance(ride.StatusCancelled, ride.Change{Reason: "test"}, time.Now().UTC())
	require.NoError(t, err)
	ok, err = store.UpdateIfStatus(ctx, cancelled, ride.StatusSearching, next.Version)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.GetActiveByPassenger(ctx, passenger)
	assert.ErrorIs(t, err, ride.ErrRideNotFound)
	assert.NoError(t, store.Create(ctx, newRide(passenger)))
}

func TestRideStore_NotFound(t *testing.T) {
	db := openTestDB(t)
	store := NewRideStore(db)

	_, err := store.GetByID(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ride.ErrRideNotFound)

	_, err = store.UpdateIfStatus(context.Background(), newRide("p"), ride.StatusPending, 1)
	assert.ErrorIs(t, err, ride.ErrRideNotFound)
}

func TestUserStore(t *testing.T) {
	db := openTestDB(t)
	store := NewUserStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	u := &user.User{
		ID:           uuid.NewString(),
		Name:         "Asha",
		Role:         user.RoleDriver,
		HomeLocation: geo.Point{Latitude: 12.9, Longitude: 77.6},
		Rating:       user.DefaultRating,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.Create(ctx, u))
	assert.ErrorIs(t, store.Create(ctx, u), user.ErrUserExists)

	require.NoError(t, store.SetOnline(ctx, u.ID, true))
	require.NoError(t, store.UpdateLocation(ctx, u.ID, geo.Point{Latitude: 13, Longitude: 77.7}))

	loaded, err := store.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, loaded.IsOnline)
	require.NotNil(t, loaded.CurrentLocation)
	assert.Equal(t, 13.0, loaded.CurrentLocation.Latitude)

	assert.ErrorIs(t, store.SetOnline(ctx, uuid.NewString(), true), user.ErrUserNotFound)
	_, err = store.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, user.ErrUserNotFound)
}

func TestOfferStore_ExpireStale(t *testing.T) {
	db := openTestDB(t)
	rides := NewRideStore(db)
	offers := NewOfferStore(db)
	ctx := context.Background()

	r := newRide(uuid.NewString())
	require.NoError(t, rides.Create(ctx, r))

	now := time.Now().UTC()
	stale := offer.New(r.ID, "d1", offer.SourceSearch, now.Add(-time.Hour), time.Minute)
	fresh := offer.New(r.ID, "d2", offer.SourcePoll, now, time.Hour)
	require.NoError(t, offers.Save(ctx, stale))
	require.NoError(t, offers.Save(ctx, fresh))

	n, err := offers.ExpireStale(ctx, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	require.NoError(t, offers.UpdateStatus(ctx, fresh.ID, offer.StatusAccepted, now))
	assert.ErrorIs(t, offers.UpdateStatus(ctx, uuid.NewString(), offer.StatusRejected, now), offer.ErrOfferNotFound)
}
