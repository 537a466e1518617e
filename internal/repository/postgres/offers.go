package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/offer"
)

// OfferStore mirrors dispatch offers into ride_offers
type OfferStore struct {
	db *sql.DB
}

func NewOfferStore(db *sql.DB) *OfferStore {
	return &OfferStore{db: db}
}

// Save inserts the offer or overwrites its status when the id is already stored
func (s *OfferStore) Save(ctx context.Context, o *offer.Offer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ride_offers (id, ride_id, driver_id, status, source, sent_at, expires_at, responded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, responded_at = EXCLUDED.responded_at
	`, o.ID, o.RideID, o.DriverID, string(o.Status), string(o.Source), o.SentAt, o.ExpiresAt, nullTime(o.RespondedAt))
	return err
}

func (s *OfferStore) UpdateStatus(ctx context.Context, id string, to offer.Status, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ride_offers SET status = $2, responded_at = $3 WHERE id = $1
	`, id, string(to), at)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return offer.ErrOfferNotFound
	}
	return nil
}

func (s *OfferStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ride_offers SET status = 'expired', responded_at = $1
		WHERE status = 'sent' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
