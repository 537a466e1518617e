package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/offer"
)

var (
	errNoOffer      = errors.New("no offer for driver")
	errOfferExpired = errors.New("offer expired")
	errOfferClosed  = errors.New("offer closed")
)

// entry is one offer plus a channel closed once it leaves the sent state.
// claimed is set while an acceptance for it is being applied; a claimed
// offer cannot expire until the acceptance settles.
type entry struct {
	offer   offer.Offer
	done    chan struct{}
	claimed bool
}

// ticket is what waiters get: an immutable view of the offer and its done channel
type ticket struct {
	offer offer.Offer
	done  <-chan struct{}
}

// offerBook holds at most one offer per (ride, driver). The lock is never held across I/O.
type offerBook struct {
	mu    sync.Mutex
	rides map[string]map[string]*entry
}

func newOfferBook() *offerBook {
	return &offerBook{rides: make(map[string]map[string]*entry)}
}

// open returns the live offer for the pair, creating it when the driver has
// never been offered the ride. ok is false when the driver already answered or
// let a previous offer lapse.
func (b *offerBook) open(rideID, driverID string, source offer.Source, now time.Time, ttl time.Duration) (t ticket, created, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	drivers := b.rides[rideID]
	if drivers == nil {
		drivers = make(map[string]*entry)
		b.rides[rideID] = drivers
	}

	if e, exists := drivers[driverID]; exists {
		if e.offer.Status != offer.StatusSent {
			return ticket{}, false, false
		}
		if e.offer.Expired(now) && !e.claimed {
			e.settle(offer.StatusExpired, now)
			return ticket{}, false, false
		}
		return e.ticket(), false, true
	}

	e := &entry{offer: *offer.New(rideID, driverID, source, now, ttl), done: make(chan struct{})}
	drivers[driverID] = e
	return e.ticket(), true, true
}

// claim reserves a sent, unexpired offer for acceptance
func (b *offerBook) claim(rideID, driverID string, now time.Time) (offer.Offer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.lookup(rideID, driverID)
	if e == nil {
		return offer.Offer{}, errNoOffer
	}
	switch {
	case e.offer.Status == offer.StatusExpired:
		return e.offer, errOfferExpired
	case e.offer.Status != offer.StatusSent || e.claimed:
		return e.offer, errOfferClosed
	case e.offer.Expired(now):
		e.settle(offer.StatusExpired, now)
		return e.offer, errOfferExpired
	}
	e.claimed = true
	return e.offer, nil
}

// unclaim releases a claim whose acceptance failed. An offer whose window
// closed in the meantime expires now.
func (b *offerBook) unclaim(rideID, driverID string, now time.Time) (expired *offer.Offer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.lookup(rideID, driverID)
	if e == nil || !e.claimed {
		return nil
	}
	e.claimed = false
	if e.offer.Status == offer.StatusSent && e.offer.Expired(now) {
		e.settle(offer.StatusExpired, now)
		o := e.offer
		return &o
	}
	return nil
}

// resolve records the driver's answer. A rejection cannot override a claim and
// an offer past its window expires instead. changed reports whether the status moved.
func (b *offerBook) resolve(rideID, driverID string, to offer.Status, now time.Time) (o offer.Offer, changed, exists bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.lookup(rideID, driverID)
	if e == nil {
		return offer.Offer{}, false, false
	}
	if e.offer.Status != offer.StatusSent {
		return e.offer, false, true
	}
	if to == offer.StatusRejected {
		if e.claimed {
			return e.offer, false, true
		}
		if e.offer.Expired(now) {
			e.settle(offer.StatusExpired, now)
			return e.offer, false, true
		}
	}
	e.settle(to, now)
	return e.offer, true, true
}

// expire times out a sent offer. It refuses while the offer is claimed.
func (b *offerBook) expire(rideID, driverID string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.lookup(rideID, driverID)
	if e == nil || e.offer.Status != offer.StatusSent || e.claimed {
		return false
	}
	e.settle(offer.StatusExpired, now)
	return true
}

// closeRide expires every open offer for the ride and forgets it. The offer to
// keep, if any, survives untouched so its acceptance can still be recorded.
func (b *offerBook) closeRide(rideID, keep string, now time.Time) []offer.Offer {
	b.mu.Lock()
	defer b.mu.Unlock()

	drivers := b.rides[rideID]
	var closed []offer.Offer
	for driverID, e := range drivers {
		if driverID == keep {
			continue
		}
		if e.offer.Status == offer.StatusSent {
			e.settle(offer.StatusExpired, now)
			closed = append(closed, e.offer)
		}
		delete(drivers, driverID)
	}
	if len(drivers) == 0 {
		delete(b.rides, rideID)
	}
	return closed
}

// dropSettled forgets answered and lapsed offers for a ride so a new search
// can offer it to those drivers again
func (b *offerBook) dropSettled(rideID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	drivers := b.rides[rideID]
	for driverID, e := range drivers {
		if e.offer.Status != offer.StatusSent {
			delete(drivers, driverID)
		}
	}
	if len(drivers) == 0 {
		delete(b.rides, rideID)
	}
}

// expireStale expires every unclaimed offer whose window has closed
func (b *offerBook) expireStale(now time.Time) []offer.Offer {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []offer.Offer
	for _, drivers := range b.rides {
		for _, e := range drivers {
			if e.offer.Status == offer.StatusSent && !e.claimed && e.offer.Expired(now) {
				e.settle(offer.StatusExpired, now)
				expired = append(expired, e.offer)
			}
		}
	}
	return expired
}

// has reports whether the driver was ever offered the ride since it last started searching
func (b *offerBook) has(rideID, driverID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup(rideID, driverID) != nil
}

// get returns a copy of the offer for the pair
func (b *offerBook) get(rideID, driverID string) (offer.Offer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.lookup(rideID, driverID)
	if e == nil {
		return offer.Offer{}, false
	}
	return e.offer, true
}

func (b *offerBook) lookup(rideID, driverID string) *entry {
	return b.rides[rideID][driverID]
}

// settle must be called with the book locked and only on a sent offer
func (e *entry) settle(to offer.Status, at time.Time) {
	e.offer.Status = to
	e.offer.RespondedAt = &at
	e.claimed = false
	close(e.done)
}

func (e *entry) ticket() ticket {
	return ticket{offer: e.offer, done: e.done}
}
