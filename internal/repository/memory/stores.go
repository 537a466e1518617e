package memory

import (
	"context"
	"sync"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/offer"
	"github.com/gocomet/ride-dispatch/internal/domain/session"
	"github.com/gocomet/ride-dispatch/internal/domain/user"
)

// OfferStore keeps the offer audit trail
type OfferStore struct {
	mu     sync.RWMutex
	offers map[string]*offer.Offer
}

func NewOfferStore() *OfferStore {
	return &OfferStore{offers: make(map[string]*offer.Offer)}
}

func (s *OfferStore) Save(ctx context.Context, o *offer.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.offers[o.ID] = &cp
	return nil
}

func (s *OfferStore) UpdateStatus(ctx context.Context, id string, to offer.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return offer.ErrOfferNotFound
	}
	o.Status = to
	o.RespondedAt = &at
	return nil
}

func (s *OfferStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, o := range s.offers {
		if o.Status == offer.StatusSent && o.Expired(now) {
			o.Status = offer.StatusExpired
			at := now
			o.RespondedAt = &at
			n++
		}
	}
	return n, nil
}

// ByRide returns every offer recorded for a ride
func (s *OfferStore) ByRide(rideID string) []offer.Offer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []offer.Offer
	for _, o := range s.offers {
		if o.RideID == rideID {
			out = append(out, *o)
		}
	}
	return out
}

// UserStore keeps registered users
type UserStore struct {
	mu    sync.RWMutex
	users map[string]*user.User
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]*user.User)}
}

func (s *UserStore) Create(ctx context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return user.ErrUserExists
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *UserStore) GetByID(ctx context.Context, id string) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	cp := *u
	if u.CurrentLocation != nil {
		loc := *u.CurrentLocation
		cp.CurrentLocation = &loc
	}
	return &cp, nil
}

func (s *UserStore) UpdateLocation(ctx context.Context, id string, at geo.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return user.ErrUserNotFound
	}
	u.CurrentLocation = &at
	u.UpdatedAt = time.Now()
	return nil
}

func (s *UserStore) SetOnline(ctx context.Context, id string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return user.ErrUserNotFound
	}
	u.IsOnline = online
	u.UpdatedAt = time.Now()
	return nil
}

// SessionStore keeps conversational state per user
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*session.Session)}
}

func (s *SessionStore) Get(ctx context.Context, userID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[userID]; ok {
		return sess.Clone(), nil
	}
	return session.New(userID), nil
}

func (s *SessionStore) Update(ctx context.Context, userID string, fn func(*session.Session) error) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[userID]
	if !ok {
		current = session.New(userID)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now()

	s.sessions[userID] = next
	return next.Clone(), nil
}

func (s *SessionStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}
