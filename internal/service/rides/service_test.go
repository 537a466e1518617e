package rides

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/events"
	"github.com/gocomet/ride-dispatch/internal/repository/memory"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.Kind == events.KindRideCreated {
			out = append(out, "created")
		} else {
			out = append(out, string(e.From)+"->"+string(e.To))
		}
	}
	return out
}

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 2, InitialDelay: time.Millisecond}
}

func newTestService() (*Service, *memory.RideStore, *recordingPublisher) {
	store := memory.NewRideStore()
	pub := &recordingPublisher{}
	return NewService(store, pub, logger.NewNop(), WithRetryPolicy(fastRetry())), store, pub
}

func createRequest(passenger string) CreateRequest {
	return CreateRequest{
		PassengerID:     passenger,
		Pickup:          geo.Point{Latitude: 12.97, Longitude: 77.59},
		Destination:     geo.Point{Latitude: 12.93, Longitude: 77.62},
		DistanceKM:      10,
		DurationMinutes: 20,
		Fare:            35,
	}
}

func TestCreateRide(t *testing.T) {
	service, _, pub := newTestService()

	r, err := service.CreateRide(context.Background(), createRequest("p1"))
	require.NoError(t, err)

	assert.Equal(t, ride.StatusPending, r.Status)
	assert.Nil(t, r.DriverID)
	assert.Nil(t, r.FinalFare)
	assert.Equal(t, 35.0, r.EstimatedFare)
	assert.Equal(t, []string{"created"}, pub.kinds())
}

func TestCreateRide_ConflictWhenPassengerHasActiveRide(t *testing.T) {
	service, _, _ := newTestService()
	ctx := context.Background()

	first, err := service.CreateRide(ctx, createRequest("p1"))
	require.NoError(t, err)

	_, err = service.CreateRide(ctx, createRequest("p1"))
	assert.ErrorIs(t, err, apperrors.ErrActiveRide)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))

	_, err = service.Cancel(ctx, first.ID, "changed mind")
	require.NoError(t, err)
	_, err = service.CreateRide(ctx, createRequest("p1"))
	assert.NoError(t, err)
}

func TestCreateRide_Validation(t *testing.T) {
	service, _, _ := newTestService()

	req := createRequest("p1")
	req.Pickup = geo.Point{Latitude: 120}
	_, err := service.CreateRide(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCoordinates)

	req = createRequest("")
	_, err = service.CreateRide(context.Background(), req)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestCreateRide_ConcurrentRequestsYieldOneRide(t *testing.T) {
	service, _, _ := newTestService()

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.CreateRide(context.Background(), createRequest("p1"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrActiveRide)
	}
	assert.Equal(t, 1, successes)
}

func TestTransition_RejectsUnreachableTarget(t *testing.T) {
	service, _, _ := newTestService()
	ctx := context.Background()
	r, err := service.CreateRide(ctx, createRequest("p1"))
	require.NoError(t, err)

	_, err = service.Transition(ctx, r.ID, ride.StatusInProgress, ride.Change{})

	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidTransition))
	stored, err := service.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusPending, stored.Status)
}

func TestTransition_RequiresDriverAndFinalFare(t *testing.T) {
	service, _, _ := newTestService()
	ctx := context.Background()
	r, err := service.CreateRide(ctx, createRequest("p1"))
	require.NoError(t, err)

	_, err = service.Transition(ctx, r.ID, ride.StatusSearching, ride.Change{})
	require.NoError(t, err)

	_, err = service.Transition(ctx, r.ID, ride.StatusDriverAssigned, ride.Change{})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = service.Transition(ctx, r.ID, ride.StatusDriverAssigned, ride.Change{DriverID: "d1"})
	require.NoError(t, err)
	_, err = service.Transition(ctx, r.ID, ride.StatusDriverArrived, ride.Change{})
	require.NoError(t, err)
	_, err = service.Transition(ctx, r.ID, ride.StatusInProgress, ride.Change{})
	require.NoError(t, err)

	_, err = service.Transition(ctx, r.ID, ride.StatusCompleted, ride.Change{})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	fare := 35.0
	done, err := service.Transition(ctx, r.ID, ride.StatusCompleted, ride.Change{FinalFare: &fare})
	require.NoError(t, err)
	assert.Equal(t, "d1", done.Driver())
	assert.Equal(t, 35.0, *done.FinalFare)
}

func TestTransitionFrom_ConflictWhenStatusMoved(t *testing.T) {
	service, _, _ := newTestService()
	ctx := context.Background()
	r, err := service.CreateRide(ctx, createRequest("p1"))
	require.NoError(t, err)

	_, err = service.TransitionFrom(ctx, r.ID, ride.StatusSearching, ride.StatusDriverAssigned, ride.Change{DriverID: "d1"})

	assert.ErrorIs(t, err, apperrors.ErrAlreadyHandled)
}

func TestTransitionFrom_ConcurrentAssignSucceedsOnce(t *testing.T) {
	service, _, pub := newTestService()
	ctx := context.Background()
	r, err := service.CreateRide(ctx, createRequest("p1"))
	require.NoError(t, err)
	_, err = service.Transition(ctx, r.ID, ride.StatusSearching, ride.Change{})
	require.NoError(t, err)

	drivers := []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"}
	var wg sync.WaitGroup
	errs := make([]error, len(drivers))
	for i, d := range drivers {
		wg.Add(1)
		go func(i int, d string) {
			defer wg.Done()
			_, errs[i] = service.TransitionFrom(ctx, r.ID, ride.StatusSearching, ride.StatusDriverAssigned, ride.Change{DriverID: d})
		}(i, d)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.True(t, apperrors.IsKind(err, apperrors.KindConflict), "loser got %v", err)
	}
	assert.Equal(t, 1, winners)

	stored, err := service.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusDriverAssigned, stored.Status)
	assert.Contains(t, drivers, stored.Driver())
	assert.Equal(t, []string{"created", "pending->searching", "searching->driver_assigned"}, pub.kinds())
}

func TestCancel_IsIdempotent(t *testing.T) {
	service, _, pub := newTestService()
	ctx := context.Background()
	r, err := service.CreateRide(ctx, createRequest("p1"))
	require.NoError(t, err)

	first, err := service.Cancel(ctx, r.ID, "no longer needed")
	require.NoError(t, err)
	second, err := service.Cancel(ctx, r.ID, "again")
	require.NoError(t, err)

	assert.Equal(t, ride.StatusCancelled, first.Status)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, "no longer needed", second.CancellationReason)
	assert.Equal(t, []string{"created", "pending->cancelled"}, pub.kinds())
}

func TestCancel_CompletedRideIsInvalid(t *testing.T) {
	service, _, _ := newTestService()
	ctx := context.Background()
	r, err := service.CreateRide(ctx, createRequest("p1"))
	require.NoError(t, err)

	fare := 35.0
	for _, step := range []struct {
		to     ride.Status
		change ride.Change
	}{
		{ride.StatusSearching, ride.Change{}},
		{ride.StatusDriverAssigned, ride.Change{DriverID: "d1"}},
		{ride.StatusDriverArrived, ride.Change{}},
		{ride.StatusInProgress, ride.Change{}},
		{ride.StatusCompleted, ride.Change{FinalFare: &fare}},
	} {
		_, err = service.Transition(ctx, r.ID, step.to, step.change)
		require.NoError(t, err)
	}

	_, err = service.Cancel(ctx, r.ID, "too late")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidTransition))
}

func TestCancel_ClearsDriverAndReportsPreviousDriver(t *testing.T) {
	service, _, pub := newTestService()
	ctx := context.Background()
	r, err := service.CreateRide(ctx, createRequest("p1"))
	require.NoError(t, err)
	_, err = service.Transition(ctx, r.ID, ride.StatusSearching, ride.Change{})
	require.NoError(t, err)
	_, err = service.Transition(ctx, r.ID, ride.StatusDriverAssigned, ride.Change{DriverID: "d1"})
	require.NoError(t, err)

	cancelled, err := service.Cancel(ctx, r.ID, "driver too far")
	require.NoError(t, err)
	assert.Nil(t, cancelled.DriverID)

	pub.mu.Lock()
	last := pub.events[len(pub.events)-1]
	pub.mu.Unlock()
	assert.Equal(t, "d1", last.PreviousDriverID)
	assert.Equal(t, ride.StatusCancelled, last.To)
}

func TestGet_NotFound(t *testing.T) {
	service, _, _ := newTestService()

	_, err := service.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, apperrors.ErrRideNotFound)
}

type failingStore struct {
	ride.Repository
	calls int
}

func (f *failingStore) GetActiveByPassenger(ctx context.Context, passengerID string) (*ride.Ride, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func TestActiveRide_FailsClosedAfterRetries(t *testing.T) {
	store := &failingStore{}
	service := NewService(store, &recordingPublisher{}, logger.NewNop(), WithRetryPolicy(retry.Policy{Attempts: 3, InitialDelay: time.Millisecond}))

	_, err := service.ActiveRide(context.Background(), "p1")

	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, 3, store.calls)

	_, err = service.CreateRide(context.Background(), createRequest("p1"))
	assert.True(t, apperrors.IsRetryable(err), "ride creation must not proceed when the active check fails")
}
