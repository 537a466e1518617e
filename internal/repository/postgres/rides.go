package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/lib/pq"
)

const rideColumns = `
	id, passenger_id, driver_id,
	pickup_latitude, pickup_longitude,
	destination_latitude, destination_longitude,
	distance_km, duration_minutes, estimated_fare, final_fare,
	status, cancellation_reason,
	created_at, assigned_at, arrived_at, started_at, completed_at, cancelled_at,
	updated_at, version`

// RideStore is a ride.Repository on Postgres. The partial unique index on
// passenger_id keeps one non-terminal ride per passenger.
type RideStore struct {
	db *sql.DB
}

func NewRideStore(db *sql.DB) *RideStore {
	return &RideStore{db: db}
}

func (s *RideStore) Create(ctx context.Context, r *ride.Ride) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rides (`+rideColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`,
		r.ID, r.PassengerID, nullString(r.DriverID),
		r.Pickup.Latitude, r.Pickup.Longitude,
		r.Destination.Latitude, r.Destination.Longitude,
		r.DistanceKM, r.DurationMinutes, r.EstimatedFare, nullFloat(r.FinalFare),
		string(r.Status), r.CancellationReason,
		r.CreatedAt, nullTime(r.AssignedAt),
		nullTime(r.ArrivedAt), nullTime(r.StartedAt), nullTime(r.CompletedAt), nullTime(r.CancelledAt),
		r.UpdatedAt, r.Version,
	)
	if isUniqueViolation(err) {
		return ride.ErrActiveRideExists
	}
	return err
}

func (s *RideStore) GetByID(ctx context.Context, id string) (*ride.Ride, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ride.ErrRideNotFound
	}
	return r, err
}

// UpdateIfStatus writes next only while status and version still match
func (s *RideStore) UpdateIfStatus(ctx context.Context, next *ride.Ride, expected ride.Status, expectedVersion int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rides SET
			driver_id = $2, final_fare = $3, status = $4, cancellation_reason = $5,
			assigned_at = $6, arrived_at = $7, started_at = $8, completed_at = $9, cancelled_at = $10,
			updated_at = $11, version = $12
		WHERE id = $1 AND status = $13 AND version = $14
	`,
		next.ID, nullString(next.DriverID), nullFloat(next.FinalFare), string(next.Status), next.CancellationReason,
		nullTime(next.AssignedAt), nullTime(next.ArrivedAt), nullTime(next.StartedAt),
		nullTime(next.CompletedAt), nullTime(next.CancelledAt),
		next.UpdatedAt, next.Version,
		string(expected), expectedVersion,
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ride.ErrRideNotFound
	}
	return false, nil
}

func (s *RideStore) GetActiveByPassenger(ctx context.Context, passengerID string) (*ride.Ride, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE passenger_id = $1 AND status NOT IN ('completed', 'cancelled')
		LIMIT 1
	`, passengerID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ride.ErrRideNotFound
	}
	return r, err
}

func (s *RideStore) ListByStatus(ctx context.Context, status ride.Status) ([]*ride.Ride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rideColumns+` FROM rides WHERE status = $1 ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ride.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(row scanner) (*ride.Ride, error) {
	var (
		r         ride.Ride
		status    string
		driverID  sql.NullString
		finalFare sql.NullFloat64
		assigned  pq.NullTime
		arrived   pq.NullTime
		started   pq.NullTime
		completed pq.NullTime
		cancelled pq.NullTime
	)
	err := row.Scan(
		&r.ID, &r.PassengerID, &driverID,
		&r.Pickup.Latitude, &r.Pickup.Longitude,
		&r.Destination.Latitude, &r.Destination.Longitude,
		&r.DistanceKM, &r.DurationMinutes, &r.EstimatedFare, &finalFare,
		&status, &r.CancellationReason,
		&r.CreatedAt, &assigned, &arrived, &started, &completed, &cancelled,
		&r.UpdatedAt, &r.Version,
	)
	if err != nil {
		return nil, err
	}
	r.Status = ride.Status(status)
	r.DriverID = stringPtr(driverID)
	r.FinalFare = floatPtr(finalFare)
	r.AssignedAt = timePtr(assigned)
	r.ArrivedAt = timePtr(arrived)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	r.CancelledAt = timePtr(cancelled)
	return &r, nil
}

func nullTime(t *time.Time) pq.NullTime {
	if t == nil {
		return pq.NullTime{}
	}
	return pq.NullTime{Time: *t, Valid: true}
}

func timePtr(nt pq.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
