package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/user"
)

// UserStore is a user.Repository on Postgres
type UserStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db, now: time.Now}
}

func (s *UserStore) Create(ctx context.Context, u *user.User) error {
	var curLat, curLng sql.NullFloat64
	if u.CurrentLocation != nil {
		curLat = sql.NullFloat64{Float64: u.CurrentLocation.Latitude, Valid: true}
		curLng = sql.NullFloat64{Float64: u.CurrentLocation.Longitude, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (
			id, name, role, home_latitude, home_longitude,
			current_latitude, current_longitude, rating, is_online, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, u.ID, u.Name, string(u.Role), u.HomeLocation.Latitude, u.HomeLocation.Longitude,
		curLat, curLng, u.Rating, u.IsOnline, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return user.ErrUserExists
	}
	return err
}

func (s *UserStore) GetByID(ctx context.Context, id string) (*user.User, error) {
	var (
		u              user.User
		role           string
		curLat, curLng sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, home_latitude, home_longitude,
		       current_latitude, current_longitude, rating, is_online, created_at, updated_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Name, &role, &u.HomeLocation.Latitude, &u.HomeLocation.Longitude,
		&curLat, &curLng, &u.Rating, &u.IsOnline, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, user.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = user.Role(role)
	if curLat.Valid && curLng.Valid {
		u.CurrentLocation = &geo.Point{Latitude: curLat.Float64, Longitude: curLng.Float64}
	}
	return &u, nil
}

func (s *UserStore) UpdateLocation(ctx context.Context, id string, at geo.Point) error {
	return s.exec(ctx, `
		UPDATE users SET current_latitude = $2, current_longitude = $3, updated_at = $4 WHERE id = $1
	`, id, at.Latitude, at.Longitude, s.now())
}

func (s *UserStore) SetOnline(ctx context.Context, id string, online bool) error {
	return s.exec(ctx, `UPDATE users SET is_online = $2, updated_at = $3 WHERE id = $1`, id, online, s.now())
}

func (s *UserStore) exec(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return user.ErrUserNotFound
	}
	return nil
}
