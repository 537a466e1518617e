package user

import (
	"context"
	"errors"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
)

// Role distinguishes passengers from drivers
type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

// IsValid checks if the role is known
func (r Role) IsValid() bool {
	return r == RolePassenger || r == RoleDriver
}

// DefaultRating is given to every newly registered user
const DefaultRating = 5.0

// User is a registered passenger or driver
type User struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Role            Role       `json:"role"`
	HomeLocation    geo.Point  `json:"home_location"`
	CurrentLocation *geo.Point `json:"current_location,omitempty"`
	Rating          float64    `json:"rating"`
	IsOnline        bool       `json:"is_online"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Repository interface
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	UpdateLocation(ctx context.Context, id string, at geo.Point) error
	SetOnline(ctx context.Context, id string, online bool) error
}

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already registered")
)
