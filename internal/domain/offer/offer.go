package offer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents offer status
type Status string

const (
	StatusSent     Status = "sent"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// IsTerminal reports whether the driver can no longer act on the offer
func (s Status) IsTerminal() bool {
	return s != StatusSent
}

// Source records which dispatch path surfaced the offer
type Source string

const (
	SourceSearch Source = "search"
	SourcePoll   Source = "poll"
)

// Offer proposes one ride to one driver
type Offer struct {
	ID          string     `json:"id"`
	RideID      string     `json:"ride_id"`
	DriverID    string     `json:"driver_id"`
	Status      Status     `json:"status"`
	Source      Source     `json:"source"`
	SentAt      time.Time  `json:"sent_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// New creates a sent offer that expires after ttl
func New(rideID, driverID string, source Source, now time.Time, ttl time.Duration) *Offer {
	return &Offer{
		ID:        uuid.NewString(),
		RideID:    rideID,
		DriverID:  driverID,
		Status:    StatusSent,
		Source:    source,
		SentAt:    now,
		ExpiresAt: now.Add(ttl),
	}
}

// Expired reports whether the response window has closed at now
func (o *Offer) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Repository mirrors offers for auditing. Dispatch decisions never read it back.
type Repository interface {
	Save(ctx context.Context, o *Offer) error
	UpdateStatus(ctx context.Context, id string, to Status, at time.Time) error
	// ExpireStale marks every sent offer whose window closed before now as expired.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

var ErrOfferNotFound = errors.New("offer not found")
