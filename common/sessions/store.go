// Package sessions stores proxy sessions with a sliding expiration:
// every successful lookup pushes the expiry forward by the full TTL.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mailganti/opsconductor/common/models"
)

// ErrNotFound is returned for absent or expired sessions
var ErrNotFound = errors.New("session not found")

// Store is the session store contract shared by the memory and redis
// backends.
type Store interface {
	// Create inserts a session with expires_at = now + TTL
	Create(ctx context.Context, s *models.Session) error
	// Touch returns a live session and slides its expiry forward.
	// Expired sessions are deleted and reported as ErrNotFound.
	Touch(ctx context.Context, sessionID string) (*models.Session, error)
	// Delete removes a session (logout)
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore keeps sessions in process memory. Lookup and refresh are
// atomic with respect to expiry under one mutex.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*models.Session
	now      func() time.Time
}

// NewMemoryStore creates an in-memory store with the given sliding TTL
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]*models.Session),
		now:      time.Now,
	}
}

// Create inserts a session
func (m *MemoryStore) Create(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s.CreatedAt = now
	s.ExpiresAt = now.Add(m.ttl)
	copied := *s
	m.sessions[s.SessionID] = &copied
	return nil
}

// Touch returns a live session and slides its expiry
func (m *MemoryStore) Touch(_ context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	if now.After(s.ExpiresAt) {
		delete(m.sessions, sessionID)
		return nil, ErrNotFound
	}
	s.ExpiresAt = now.Add(m.ttl)
	copied := *s
	return &copied, nil
}

// Delete removes a session
func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}
