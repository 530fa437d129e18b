package session

import (
	"context"
	"sync"
	"time"

	"logosrelay/internal/models"
)

// MemoryStore keeps sessions in process memory. Everything is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	ttl      time.Duration
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*models.Session, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	m.mu.RLock()
	s := m.sessions[key]
	m.mu.RUnlock()
	return fresh(s.Clone(), key, m.now(), m.ttl), nil
}

func (m *MemoryStore) Put(_ context.Context, s *models.Session) error {
	if s == nil || s.Key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	m.sessions[s.Key] = s.Clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Evict(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
	return nil
}

// PurgeExpired drops every session idle for longer than the TTL.
func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, s := range m.sessions {
		if s.Expired(now, m.ttl) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored sessions, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
