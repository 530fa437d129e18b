// Package session keeps per-client conversation state behind a small store
// interface. Backends: process memory, Redis and SQL (sqlite3 or mysql).
package session

import (
	"context"
	"errors"
	"time"

	"logosrelay/internal/models"
)

// DefaultTTL is how long an idle session keeps its history.
const DefaultTTL = 3 * time.Hour

var ErrEmptyKey = errors.New("session key is required")

// Store persists sessions by key.
type Store interface {
	// Get returns the session for key. It never returns a nil session: a
	// missing or expired session comes back empty.
	Get(ctx context.Context, key string) (*models.Session, error)
	// Put replaces the stored session.
	Put(ctx context.Context, s *models.Session) error
	// Evict removes the session. Evicting a missing key is not an error.
	Evict(ctx context.Context, key string) error
}

// Purger is implemented by stores that need explicit expiry sweeps.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// fresh returns s when it is still live, otherwise a new empty session.
func fresh(s *models.Session, key string, now time.Time, ttl time.Duration) *models.Session {
	if s == nil || s.Expired(now, ttl) {
		return models.NewSession(key, now)
	}
	return s
}
