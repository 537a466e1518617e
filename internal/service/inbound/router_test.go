package inbound

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/domain/session"
	"github.com/gocomet/ride-dispatch/internal/events"
	"github.com/gocomet/ride-dispatch/internal/notify"
	"github.com/gocomet/ride-dispatch/internal/repository/memory"
	"github.com/gocomet/ride-dispatch/internal/routing"
	"github.com/gocomet/ride-dispatch/internal/service/dispatch"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/internal/service/rides"
	sessionsvc "github.com/gocomet/ride-dispatch/internal/service/session"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, e events.Event) error { return nil }

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]notify.Message
}

func (n *recordingNotifier) Send(ctx context.Context, userID string, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]notify.Message)
	}
	n.sent[userID] = append(n.sent[userID], msg)
	return nil
}

func (n *recordingNotifier) last(userID string) notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := n.sent[userID]
	if len(msgs) == 0 {
		return notify.Message{}
	}
	return msgs[len(msgs)-1]
}

type fakeDispatcher struct {
	outcome   dispatch.Outcome
	accepted  []string
	rejected  []string
	online    []string
	offline   []string
	locations map[string]geo.Point
}

func (d *fakeDispatcher) AcceptOffer(ctx context.Context, rideID, driverID string) (*dispatch.Result, error) {
	d.accepted = append(d.accepted, rideID+"/"+driverID)
	return &dispatch.Result{Outcome: d.outcome}, nil
}

func (d *fakeDispatcher) RejectOffer(ctx context.Context, rideID, driverID string) (*dispatch.Result, error) {
	d.rejected = append(d.rejected, rideID+"/"+driverID)
	return &dispatch.Result{Outcome: d.outcome}, nil
}

func (d *fakeDispatcher) GoOnline(ctx context.Context, driverID string, at *geo.Point) error {
	d.online = append(d.online, driverID)
	return nil
}

func (d *fakeDispatcher) GoOffline(ctx context.Context, driverID string) error {
	d.offline = append(d.offline, driverID)
	return nil
}

func (d *fakeDispatcher) UpdateLocation(ctx context.Context, userID string, at geo.Point) error {
	if d.locations == nil {
		d.locations = make(map[string]geo.Point)
	}
	d.locations[userID] = at
	return nil
}

type fixture struct {
	router     *Router
	rides      *rides.Service
	sessions   *memory.SessionStore
	notifier   *recordingNotifier
	dispatcher *fakeDispatcher
}

var (
	home    = geo.Point{Latitude: 12.97, Longitude: 77.59}
	pickup  = geo.Point{Latitude: 12.96, Longitude: 77.60}
	dropOff = geo.Point{Latitude: 12.93, Longitude: 77.62}
)

func newFixture(limit RateLimit) *fixture {
	log := logger.NewNop()
	f := &fixture{
		sessions:   memory.NewSessionStore(),
		notifier:   &recordingNotifier{},
		dispatcher: &fakeDispatcher{outcome: dispatch.OutcomeAccepted},
	}
	f.rides = rides.NewService(memory.NewRideStore(), nopPublisher{}, log)
	machine := sessionsvc.NewMachine(
		f.sessions,
		memory.NewUserStore(),
		f.rides,
		routing.NewStraightLine(30, 1.3),
		pricing.NewService(pricing.DefaultConfig(), pricing.SurgeRule{Multiplier: 1}, log),
		log,
	)
	f.router = NewRouter(machine, f.rides, f.dispatcher, f.notifier, limit, log)
	return f
}

func act(userID, action string) Event { return Event{UserID: userID, Kind: KindAction, Action: action} }
func say(userID, text string) Event  { return Event{UserID: userID, Kind: KindText, Text: text} }
func at(userID string, p geo.Point) Event {
	return Event{UserID: userID, Kind: KindLocation, Location: p}
}

func (f *fixture) run(t *testing.T, events ...Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, f.router.Handle(context.Background(), e), "event %+v", e)
	}
}

// pendingRide registers a passenger and walks them through a ride request
func (f *fixture) pendingRide(t *testing.T, passenger string) *ride.Ride {
	t.Helper()
	f.run(t,
		act(passenger, "role:passenger"), say(passenger, "Priya"), at(passenger, home),
		act(passenger, "new_ride"), at(passenger, pickup), at(passenger, dropOff),
	)
	r, err := f.rides.ActiveRide(context.Background(), passenger)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func TestRouter_RegistrationAndRideRequest(t *testing.T) {
	f := newFixture(RateLimit{})

	r := f.pendingRide(t, "p1")

	assert.Equal(t, ride.StatusPending, r.Status)
	reply := f.notifier.last("p1")
	assert.Equal(t, notify.KindRideUpdate, reply.Kind)
	require.Len(t, reply.Actions, 3)
	assert.Equal(t, "confirm_ride:"+r.ID, reply.Actions[0].Data)
}

func TestRouter_ErrorsBecomeMessages(t *testing.T) {
	f := newFixture(RateLimit{})
	ctx := context.Background()
	f.run(t, act("u1", "role:passenger"))

	err := f.router.Handle(ctx, say("u1", "Al"))

	assert.ErrorIs(t, err, apperrors.ErrNameTooShort)
	reply := f.notifier.last("u1")
	assert.Equal(t, notify.KindError, reply.Kind)
	assert.Equal(t, apperrors.ErrNameTooShort.Message, reply.Text)

	err = f.router.Handle(ctx, act("u1", "fly_me_to_the_moon"))
	assert.ErrorIs(t, err, apperrors.ErrUnknownAction)
	assert.Equal(t, notify.KindError, f.notifier.last("u1").Kind)
}

func TestRouter_RateLimit(t *testing.T) {
	f := newFixture(RateLimit{PerSecond: 0.001, Burst: 1})
	ctx := context.Background()

	require.NoError(t, f.router.Handle(ctx, say("u1", "hello")))
	err := f.router.Handle(ctx, say("u1", "hello again"))

	assert.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
	assert.NoError(t, f.router.Handle(ctx, say("u2", "hello")), "limits are per user")
}

func TestRouter_RateLimitForgetsRefilledBuckets(t *testing.T) {
	f := newFixture(RateLimit{PerSecond: 1, Burst: 1})
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := start
	f.router.now = func() time.Time { return now }

	for i := 0; i < minPruneAt-1; i++ {
		require.True(t, f.router.allow(fmt.Sprintf("idle-%d", i)))
	}

	now = start.Add(2 * time.Second)
	require.True(t, f.router.allow("hot"))
	require.False(t, f.router.allow("hot"))
	require.Len(t, f.router.limiters, minPruneAt)

	assert.True(t, f.router.allow("newcomer"))
	assert.Len(t, f.router.limiters, 2, "only buckets still refilling are kept")
	assert.False(t, f.router.allow("hot"), "a drained bucket survives pruning")
	assert.Equal(t, minPruneAt, f.router.pruneAt)
}

func TestRouter_ConfirmRide(t *testing.T) {
	f := newFixture(RateLimit{})
	ctx := context.Background()
	r := f.pendingRide(t, "p1")

	err := f.router.Handle(ctx, act("intruder", "confirm_ride:"+r.ID))
	assert.ErrorIs(t, err, apperrors.ErrRideNotFound)

	f.run(t, act("p1", "confirm_ride:"+r.ID))
	stored, err := f.rides.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusSearching, stored.Status)

	f.run(t, act("p1", "confirm_ride:"+r.ID))
	assert.Equal(t, notify.KindInfo, f.notifier.last("p1").Kind)
}

func TestRouter_CancelRide(t *testing.T) {
	f := newFixture(RateLimit{})
	ctx := context.Background()
	r := f.pendingRide(t, "p1")

	f.run(t, act("p1", "cancel_ride:"+r.ID))

	stored, err := f.rides.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCancelled, stored.Status)
	assert.Equal(t, "cancelled by passenger", stored.CancellationReason)

	f.run(t, act("p1", "cancel_ride:"+r.ID))
}

func TestRouter_ChangeDestination(t *testing.T) {
	f := newFixture(RateLimit{})
	ctx := context.Background()
	r := f.pendingRide(t, "p1")

	f.run(t, act("p1", "change_destination"))

	old, err := f.rides.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCancelled, old.Status)
	s, err := f.sessions.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingDestination, s.State)
	assert.Equal(t, pickup, *s.Pickup)

	f.run(t, at("p1", home))
	next, err := f.rides.ActiveRide(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, r.ID, next.ID)
	assert.Equal(t, pickup, next.Pickup)
	assert.Equal(t, home, next.Destination)
}

func TestRouter_OfferActionsGoToDispatcher(t *testing.T) {
	f := newFixture(RateLimit{})

	f.run(t, act("d1", "accept:r1"), act("d1", "reject:r2"), act("d1", "go_online"), act("d1", "go_offline"))

	assert.Equal(t, []string{"r1/d1"}, f.dispatcher.accepted)
	assert.Equal(t, []string{"r2/d1"}, f.dispatcher.rejected)
	assert.Equal(t, []string{"d1"}, f.dispatcher.online)
	assert.Equal(t, []string{"d1"}, f.dispatcher.offline)

	f.dispatcher.outcome = dispatch.OutcomeRideInactive
	f.run(t, act("d1", "accept:r3"))
	assert.Equal(t, "This ride is no longer active.", f.notifier.last("d1").Text)
}

func TestRouter_DriverLifecycleActions(t *testing.T) {
	f := newFixture(RateLimit{})
	ctx := context.Background()
	r := f.pendingRide(t, "p1")
	f.run(t, act("p1", "confirm_ride:"+r.ID))
	_, err := f.rides.TransitionFrom(ctx, r.ID, ride.StatusSearching, ride.StatusDriverAssigned, ride.Change{DriverID: "d1"})
	require.NoError(t, err)

	err = f.router.Handle(ctx, act("d2", "arrived:"+r.ID))
	assert.ErrorIs(t, err, apperrors.ErrRideNotFound)

	err = f.router.Handle(ctx, act("d1", "start_ride:"+r.ID))
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict), "cannot start before arriving")

	f.run(t, act("d1", "arrived:"+r.ID), act("d1", "start_ride:"+r.ID), act("d1", "complete_ride:"+r.ID))

	done, err := f.rides.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCompleted, done.Status)
	require.NotNil(t, done.FinalFare)
	assert.Equal(t, done.EstimatedFare, *done.FinalFare)
}

func TestRouter_PassiveLocationUpdatesDispatcher(t *testing.T) {
	f := newFixture(RateLimit{})

	f.run(t, at("d1", pickup))

	assert.Equal(t, pickup, f.dispatcher.locations["d1"])
}

func TestRouter_Logout(t *testing.T) {
	f := newFixture(RateLimit{})
	ctx := context.Background()
	f.run(t, act("u1", "role:driver"), act("u1", "logout"))

	s, err := f.sessions.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, s.State)
}
