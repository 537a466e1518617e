package ride

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/google/uuid"
)

// Status represents ride status
type Status string

const (
	StatusPending        Status = "pending"
	StatusSearching      Status = "searching"
	StatusDriverAssigned Status = "driver_assigned"
	StatusDriverArrived  Status = "driver_arrived"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// AllowedTransitions is the ride lifecycle. searching -> pending happens when
// every candidate driver declined or timed out.
var AllowedTransitions = map[Status][]Status{
	StatusPending:        {StatusSearching, StatusCancelled},
	StatusSearching:      {StatusDriverAssigned, StatusPending, StatusCancelled},
	StatusDriverAssigned: {StatusDriverArrived, StatusCancelled},
	StatusDriverArrived:  {StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusCompleted, StatusCancelled},
	StatusCompleted:      {},
	StatusCancelled:      {},
}

// IsValid checks if the status is known
func (s Status) IsValid() bool {
	_, ok := AllowedTransitions[s]
	return ok
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsActive reports whether a ride in this status blocks a new request from the same passenger
func (s Status) IsActive() bool {
	return s.IsValid() && !s.IsTerminal()
}

// HasDriver reports whether a ride in this status is bound to a driver
func (s Status) HasDriver() bool {
	switch s {
	case StatusDriverAssigned, StatusDriverArrived, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// ActiveStatuses lists every non-terminal status
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusSearching, StatusDriverAssigned, StatusDriverArrived, StatusInProgress}
}

// CanTransition checks the lifecycle table
func CanTransition(from, to Status) bool {
	for _, next := range AllowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Ride represents one passenger's request from pickup to destination
type Ride struct {
	ID                 string     `json:"id"`
	PassengerID        string     `json:"passenger_id"`
	DriverID           *string    `json:"driver_id,omitempty"`
	Pickup             geo.Point  `json:"pickup"`
	Destination        geo.Point  `json:"destination"`
	DistanceKM         float64    `json:"distance_km"`
	DurationMinutes    int        `json:"duration_minutes"`
	EstimatedFare      float64    `json:"estimated_fare"`
	FinalFare          *float64   `json:"final_fare,omitempty"`
	Status             Status     `json:"status"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	AssignedAt         *time.Time `json:"assigned_at,omitempty"`
	ArrivedAt          *time.Time `json:"arrived_at,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Version            int64      `json:"version"`
}

// Change carries the fields a transition may bind
type Change struct {
	DriverID  string
	FinalFare *float64
	Reason    string
}

// Repository persists rides. UpdateIfStatus is the only way to mutate a stored
// ride: it writes next only while the stored status and version still equal
// the expected ones, and reports false otherwise.
type Repository interface {
	Create(ctx context.Context, r *Ride) error
	GetByID(ctx context.Context, id string) (*Ride, error)
	UpdateIfStatus(ctx context.Context, next *Ride, expected Status, expectedVersion int64) (bool, error)
	GetActiveByPassenger(ctx context.Context, passengerID string) (*Ride, error)
	ListByStatus(ctx context.Context, status Status) ([]*Ride, error)
}

// Errors
var (
	ErrRideNotFound      = errors.New("ride not found")
	ErrActiveRideExists  = errors.New("passenger already has an active ride")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDriverRequired    = errors.New("driver id is required")
	ErrFinalFareRequired = errors.New("final fare is required")
	ErrInvariantViolated = errors.New("ride invariant violated")
)

// New creates a pending ride
func New(passengerID string, pickup, destination geo.Point, distanceKM float64, durationMinutes int, fare float64, now time.Time) *Ride {
	return &Ride{
		ID:              uuid.NewString(),
		PassengerID:     passengerID,
		Pickup:          pickup,
		Destination:     destination,
		DistanceKM:      distanceKM,
		DurationMinutes: durationMinutes,
		EstimatedFare:   fare,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
}

// Driver returns the bound driver id or ""
func (r *Ride) Driver() string {
	if r.DriverID == nil {
		return ""
	}
	return *r.DriverID
}

// Clone returns a deep copy
func (r *Ride) Clone() *Ride {
	cp := *r
	cp.DriverID = clonePtr(r.DriverID)
	cp.FinalFare = clonePtr(r.FinalFare)
	cp.AssignedAt = clonePtr(r.AssignedAt)
	cp.ArrivedAt = clonePtr(r.ArrivedAt)
	cp.StartedAt = clonePtr(r.StartedAt)
	cp.CompletedAt = clonePtr(r.CompletedAt)
	cp.CancelledAt = clonePtr(r.CancelledAt)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Advance returns a copy of r moved to the target status. r itself is not modified.
func (r *Ride) Advance(to Status, change Change, at time.Time) (*Ride, error) {
	if !CanTransition(r.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}

	next := r.Clone()
	next.Status = to
	next.UpdatedAt = at
	next.Version = r.Version + 1

	switch to {
	case StatusPending:
		next.DriverID = nil
	case StatusDriverAssigned:
		if change.DriverID == "" {
			return nil, ErrDriverRequired
		}
		next.DriverID = &change.DriverID
		next.AssignedAt = &at
	case StatusDriverArrived:
		next.ArrivedAt = &at
	case StatusInProgress:
		next.StartedAt = &at
	case StatusCompleted:
		if change.FinalFare == nil {
			return nil, ErrFinalFareRequired
		}
		fare := *change.FinalFare
		next.FinalFare = &fare
		next.CompletedAt = &at
	case StatusCancelled:
		next.DriverID = nil
		next.CancelledAt = &at
		next.CancellationReason = change.Reason
	}

	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}
	return next, nil
}

// CheckInvariants verifies the driver and final fare are set exactly when the status requires them
func (r *Ride) CheckInvariants() error {
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariantViolated, r.Status)
	}
	if hasDriver := r.DriverID != nil && *r.DriverID != ""; hasDriver != r.Status.HasDriver() {
		return fmt.Errorf("%w: driver bound=%t in status %s", ErrInvariantViolated, hasDriver, r.Status)
	}
	if hasFare := r.FinalFare != nil; hasFare != (r.Status == StatusCompleted) {
		return fmt.Errorf("%w: final fare set=%t in status %s", ErrInvariantViolated, hasFare, r.Status)
	}
	return nil
}
