package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/user"
)

// State is the step a user is at in a conversation
type State string

const (
	StateIdle                State = "idle"
	StateAwaitingName        State = "awaiting_name"
	StateAwaitingLocation    State = "awaiting_location"
	StateAwaitingPickup      State = "awaiting_pickup"
	StateAwaitingDestination State = "awaiting_destination"
)

// IsValid checks if the state is known
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateAwaitingName, StateAwaitingLocation, StateAwaitingPickup, StateAwaitingDestination:
		return true
	}
	return false
}

// Session is the per-user conversational state. Role is only set while
// registering, Name only once it has been given, Pickup only while waiting
// for the destination. CurrentLocation is the last passively shared location.
type Session struct {
	UserID          string     `json:"user_id"`
	State           State      `json:"state"`
	Role            user.Role  `json:"role,omitempty"`
	Name            string     `json:"name,omitempty"`
	Pickup          *geo.Point `json:"pickup,omitempty"`
	CurrentLocation *geo.Point `json:"current_location,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Version         int64      `json:"version"`
}

// Store keeps sessions. Update applies fn to the current session as one atomic
// read-modify-write; if fn returns an error nothing is written and the error is
// returned unchanged. Get returns a fresh idle session for unknown users.
type Store interface {
	Get(ctx context.Context, userID string) (*Session, error)
	Update(ctx context.Context, userID string, fn func(*Session) error) (*Session, error)
	Delete(ctx context.Context, userID string) error
}

var ErrInvalidSession = errors.New("invalid session")

// New returns an idle session
func New(userID string) *Session {
	return &Session{UserID: userID, State: StateIdle}
}

// Reset returns to idle and clears every transient field
func (s *Session) Reset() {
	s.State = StateIdle
	s.Role = ""
	s.Name = ""
	s.Pickup = nil
}

// Clone returns a deep copy
func (s *Session) Clone() *Session {
	cp := *s
	if s.Pickup != nil {
		p := *s.Pickup
		cp.Pickup = &p
	}
	if s.CurrentLocation != nil {
		p := *s.CurrentLocation
		cp.CurrentLocation = &p
	}
	return &cp
}

// Validate enforces that transient fields exist only in the states that use them
func (s *Session) Validate() error {
	if !s.State.IsValid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidSession, s.State)
	}

	wantRole := s.State == StateAwaitingName || s.State == StateAwaitingLocation
	if wantRole != (s.Role != "") {
		return fmt.Errorf("%w: role set=%t in state %s", ErrInvalidSession, s.Role != "", s.State)
	}
	if wantRole && !s.Role.IsValid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidSession, s.Role)
	}
	if (s.State == StateAwaitingLocation) != (s.Name != "") {
		return fmt.Errorf("%w: name set=%t in state %s", ErrInvalidSession, s.Name != "", s.State)
	}
	if (s.State == StateAwaitingDestination) != (s.Pickup != nil) {
		return fmt.Errorf("%w: pickup set=%t in state %s", ErrInvalidSession, s.Pickup != nil, s.State)
	}
	return nil
}
