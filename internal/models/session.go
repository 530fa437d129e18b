package models

import "time"

// Session holds the conversation history for one client key.
type Session struct {
	Key          string    `json:"key"`
	History      []Message `json:"history"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// NewSession returns an empty session created at now.
func NewSession(key string, now time.Time) *Session {
	return &Session{
		Key:          key,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Expired reports whether the session has been idle longer than ttl.
// A non-positive ttl never expires.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	if s == nil || ttl <= 0 {
		return false
	}
	return now.Sub(s.LastActivity) > ttl
}

// Clone deep-copies the session so callers can mutate it freely.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.History = CloneMessages(s.History)
	return &c
}
