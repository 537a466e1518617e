package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/google/uuid"
)

// Kind names an event type
type Kind string

const (
	KindRideCreated       Kind = "ride.created"
	KindRideStatusChanged Kind = "ride.status_changed"
)

// Event describes a committed change to a ride. Ride is a snapshot taken after the change.
type Event struct {
	ID               string      `json:"id"`
	Kind             Kind        `json:"kind"`
	RideID           string      `json:"ride_id"`
	PassengerID      string      `json:"passenger_id"`
	DriverID         string      `json:"driver_id,omitempty"`
	PreviousDriverID string      `json:"previous_driver_id,omitempty"`
	From             ride.Status `json:"from,omitempty"`
	To               ride.Status `json:"to"`
	Reason           string      `json:"reason,omitempty"`
	Ride             *ride.Ride  `json:"ride"`
	At               time.Time   `json:"at"`
}

// RideCreated builds the event for a new ride
func RideCreated(r *ride.Ride) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        KindRideCreated,
		RideID:      r.ID,
		PassengerID: r.PassengerID,
		To:          r.Status,
		Ride:        r.Clone(),
		At:          r.CreatedAt,
	}
}

// StatusChanged builds the event for a transition from prev to next
func StatusChanged(prev, next *ride.Ride) Event {
	return Event{
		ID:               uuid.NewString(),
		Kind:             KindRideStatusChanged,
		RideID:           next.ID,
		PassengerID:      next.PassengerID,
		DriverID:         next.Driver(),
		PreviousDriverID: prev.Driver(),
		From:             prev.Status,
		To:               next.Status,
		Reason:           next.CancellationReason,
		Ride:             next.Clone(),
		At:               next.UpdatedAt,
	}
}

// Publisher hands events to interested parties
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler consumes events delivered by a Bus
type Handler func(ctx context.Context, e Event)

var ErrBusClosed = errors.New("event bus closed")

// Bus is an in-process publisher. Each subscriber gets its own goroutine and
// sees events in publish order; Publish never blocks on a slow subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *logger.Logger
}

// NewBus creates a bus
func NewBus(logger *logger.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{ctx: ctx, cancel: cancel, logger: logger}
}

// Subscribe registers handler under name. Subscribing after Close is a no-op.
func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	sub := &subscription{
		name:    name,
		handler: handler,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	b.subs = append(b.subs, sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.run(b.ctx, b.logger)
	}()
}

// Publish enqueues e for every subscriber
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, sub := range b.subs {
		sub.push(e)
	}
	return nil
}

// Close delivers what is already queued, then stops every subscriber
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.stop)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.cancel()
}

type subscription struct {
	name    string
	handler Handler

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	stop   chan struct{}
}

func (s *subscription) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

func (s *subscription) run(ctx context.Context, log *logger.Logger) {
	for {
		batch := s.drain()
		for _, e := range batch {
			s.deliver(ctx, log, e)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.notify:
		case <-s.stop:
			for _, e := range s.drain() {
				s.deliver(ctx, log, e)
			}
			return
		}
	}
}

func (s *subscription) deliver(ctx context.Context, log *logger.Logger, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Event handler panicked",
				logger.String("subscriber", s.name),
				logger.String("event_kind", string(e.Kind)),
				logger.RideID(e.RideID),
				logger.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	s.handler(ctx, e)
}
