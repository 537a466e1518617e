package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ctx context.Context, e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func testRide() *ride.Ride {
	return ride.New("p1", geo.Point{Latitude: 1, Longitude: 1}, geo.Point{Latitude: 2, Longitude: 2}, 10, 20, 35, time.Now())
}

func TestBus_DeliversInOrderToEverySubscriber(t *testing.T) {
	bus := NewBus(logger.NewNop())
	first, second := &collector{}, &collector{}
	bus.Subscribe("first", first.handle)
	bus.Subscribe("second", second.handle)

	r := testRide()
	for i := 0; i < 50; i++ {
		e := RideCreated(r)
		e.Reason = string(rune('a' + i%26))
		require.NoError(t, bus.Publish(context.Background(), e))
	}
	bus.Close()

	for _, c := range []*collector{first, second} {
		got := c.snapshot()
		require.Len(t, got, 50)
		for i, e := range got {
			assert.Equal(t, string(rune('a'+i%26)), e.Reason)
		}
	}
}

func TestBus_HandlerMayPublish(t *testing.T) {
	bus := NewBus(logger.NewNop())
	seen := &collector{}
	bus.Subscribe("chain", func(ctx context.Context, e Event) {
		seen.handle(ctx, e)
		if e.Kind == KindRideCreated {
			_ = bus.Publish(ctx, Event{Kind: KindRideStatusChanged, RideID: e.RideID})
		}
	})

	require.NoError(t, bus.Publish(context.Background(), RideCreated(testRide())))

	assert.Eventually(t, func() bool { return len(seen.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	bus.Close()
}

func TestBus_RecoversFromPanickingHandler(t *testing.T) {
	bus := NewBus(logger.NewNop())
	seen := &collector{}
	bus.Subscribe("flaky", func(ctx context.Context, e Event) {
		if e.Reason == "explode" {
			panic("boom")
		}
		seen.handle(ctx, e)
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Reason: "explode"}))
	require.NoError(t, bus.Publish(context.Background(), Event{Reason: "fine"}))
	bus.Close()

	got := seen.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "fine", got[0].Reason)
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(logger.NewNop())
	bus.Close()

	assert.ErrorIs(t, bus.Publish(context.Background(), Event{}), ErrBusClosed)
}

func TestStatusChanged_CarriesPreviousDriver(t *testing.T) {
	prev := testRide()
	prev.Status = ride.StatusDriverAssigned
	driver := "d1"
	prev.DriverID = &driver

	next, err := prev.Advance(ride.StatusCancelled, ride.Change{Reason: "passenger cancelled"}, time.Now())
	require.NoError(t, err)

	e := StatusChanged(prev, next)
	assert.Equal(t, ride.StatusDriverAssigned, e.From)
	assert.Equal(t, ride.StatusCancelled, e.To)
	assert.Equal(t, "d1", e.PreviousDriverID)
	assert.Empty(t, e.DriverID)
	assert.Equal(t, "passenger cancelled", e.Reason)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_KeysByRide(t *testing.T) {
	w := &fakeWriter{}
	pub := &KafkaPublisher{writer: w, logger: logger.NewNop()}
	r := testRide()

	require.NoError(t, pub.Publish(context.Background(), RideCreated(r)))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, r.ID, string(w.msgs[0].Key))

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, KindRideCreated, decoded.Kind)
	assert.Equal(t, "p1", decoded.PassengerID)
}

func TestKafkaPublisher_HandleSwallowsErrors(t *testing.T) {
	pub := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}, logger: logger.NewNop()}

	assert.NotPanics(t, func() { pub.Handle(context.Background(), RideCreated(testRide())) })
}

type recordingRecorder struct {
	transitions []string
	completed   []float64
	created     int
}

func (r *recordingRecorder) RecordRideCreated(string, float64) { r.created++ }
func (r *recordingRecorder) RecordRideTransition(_, from, to string) {
	r.transitions = append(r.transitions, from+"->"+to)
}
func (r *recordingRecorder) RecordRideCompleted(_ string, fare, _ float64, _ int) {
	r.completed = append(r.completed, fare)
}

func TestTelemetryHandler(t *testing.T) {
	rec := &recordingRecorder{}
	handle := TelemetryHandler(rec)

	r := testRide()
	handle(context.Background(), RideCreated(r))

	r.Status = ride.StatusInProgress
	driver := "d1"
	r.DriverID = &driver
	done, err := r.Advance(ride.StatusCompleted, ride.Change{FinalFare: &r.EstimatedFare}, time.Now())
	require.NoError(t, err)
	handle(context.Background(), StatusChanged(r, done))

	assert.Equal(t, 1, rec.created)
	assert.Equal(t, []string{"in_progress->completed"}, rec.transitions)
	assert.Equal(t, []float64{35}, rec.completed)
}
