package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/session"
	"github.com/redis/go-redis/v9"
)

// maxUpdateAttempts bounds optimistic retries when another writer touched the key
const maxUpdateAttempts = 5

var errContended = errors.New("session update contended")

// getter is satisfied by both *redis.Client and *redis.Tx
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// SessionStore is a session.Store keeping one JSON document per user.
// Update is a WATCH/MULTI transaction so concurrent writers cannot interleave.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionStore creates a store. A zero ttl keeps sessions forever.
func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl, now: time.Now}
}

func sessionKey(userID string) string {
	return fmt.Sprintf("dispatch:session:%s", userID)
}

func (s *SessionStore) Get(ctx context.Context, userID string) (*session.Session, error) {
	return load(ctx, s.client, userID)
}

func (s *SessionStore) Update(ctx context.Context, userID string, fn func(*session.Session) error) (*session.Session, error) {
	key := sessionKey(userID)
	var result *session.Session

	txf := func(tx *redis.Tx) error {
		current, err := load(ctx, tx, userID)
		if err != nil {
			return err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()

		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result.Clone(), nil
	}
	return nil, errContended
}

func (s *SessionStore) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, sessionKey(userID)).Err()
}

func load(ctx context.Context, c getter, userID string) (*session.Session, error) {
	data, err := c.Get(ctx, sessionKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.New(userID), nil
	}
	if err != nil {
		return nil, err
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrInvalidSession, err)
	}
	return &sess, nil
}
