package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"logosrelay/internal/models"
	"logosrelay/internal/redis"
)

// RedisStore keeps each session as one JSON value whose key TTL is the
// session TTL, so idle sessions expire without a sweep.
type RedisStore struct {
	blobs  *redis.Store
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisStore(blobs *redis.Store, ttl time.Duration) *RedisStore {
	return &RedisStore{blobs: blobs, ttl: ttl, now: time.Now}
}

func (r *RedisStore) Get(ctx context.Context, key string) (*models.Session, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	raw, err := r.blobs.Load(ctx, key)
	if err != nil {
		if errors.Is(err, redis.ErrNotFound) {
			return models.NewSession(key, r.now()), nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s models.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s.Key = key
	return fresh(&s, key, r.now(), r.ttl), nil
}

func (r *RedisStore) Put(ctx context.Context, s *models.Session) error {
	if s == nil || s.Key == "" {
		return ErrEmptyKey
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.blobs.Save(ctx, s.Key, data, r.ttl); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (r *RedisStore) Evict(ctx context.Context, key string) error {
	if err := r.blobs.Delete(ctx, key); err != nil {
		return fmt.Errorf("evict session: %w", err)
	}
	return nil
}
